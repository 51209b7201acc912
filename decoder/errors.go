package decoder

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptFrame reports bytes that cannot be an Arrow IPC message.
	ErrCorruptFrame = errors.New("corrupt ipc framing")
	// ErrSchemaRedefined reports a schema message that disagrees with the established schema.
	ErrSchemaRedefined = errors.New("schema redefined")
	// ErrMissingDictionary reports a record batch whose dictionaries were never sent.
	ErrMissingDictionary = errors.New("record batch references undeclared dictionary")
	// ErrMissingSchema reports a batch that arrived before any schema message.
	ErrMissingSchema = errors.New("batch before schema")
	// ErrTruncated reports a message cut off at a unit boundary.
	ErrTruncated = errors.New("truncated ipc message")
	// ErrBufferLimit reports a partial message larger than the configured limit.
	ErrBufferLimit = errors.New("buffered bytes exceed limit")
)

// Error is returned by a Decoder once it is poisoned. The same Error is
// returned for every later call.
type Error struct {
	SchemaID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema_id %q: %v", e.SchemaID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
