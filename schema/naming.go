package schema

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN-1; DuckDB has no limit but
// both backends share table names.
const maxIdentifierLength = 63

// TableName builds the storage table name for one logical stream:
// <signal>_<payload_type>_<schema_id>, lower-cased, with every character
// outside [a-z0-9_] replaced by '_'.
func TableName(signal, payloadType, schemaID string) string {
	name := sanitize(signal) + "_" + sanitize(payloadType) + "_" + sanitize(schemaID)
	if len(name) <= maxIdentifierLength {
		return name
	}
	// keep names unique when truncating long schema ids
	sum := blake3.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:4])
	return name[:maxIdentifierLength-len(suffix)-1] + "_" + suffix
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// QuoteIdent quotes an identifier for both DuckDB and PostgreSQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
