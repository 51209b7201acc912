package schema

import (
	"encoding/hex"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/zeebo/blake3"
)

// Fingerprint returns a stable hash of the column names, types and
// nullability of s. Schema metadata is ignored.
func Fingerprint(s *arrow.Schema) string {
	h := blake3.New()
	for _, f := range s.Fields() {
		writeField(h, f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, f arrow.Field) {
	nullable := ""
	if f.Nullable {
		nullable = ":null"
	}
	_, _ = io.WriteString(w, f.Name+":"+f.Type.String()+nullable+";")
}
