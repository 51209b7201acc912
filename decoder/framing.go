package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

const continuationMarker = 0xFFFFFFFF

// frame is one complete encapsulated IPC message, or an end-of-stream marker.
type frame struct {
	msgType ipc.MessageType
	meta    []byte
	body    []byte
	eos     bool
}

// nextFrame looks for one complete message at the head of buf. It returns the
// number of bytes the frame spans, or ok=false when buf holds only a prefix of
// a frame. limit bounds the declared size of a single frame; zero disables it.
func nextFrame(buf []byte, limit int64) (f frame, n int, ok bool, err error) {
	if len(buf) < 4 {
		return frame{}, 0, false, nil
	}

	prefix := 4
	metaLen := int32(binary.LittleEndian.Uint32(buf))
	if uint32(metaLen) == continuationMarker {
		if len(buf) < 8 {
			return frame{}, 0, false, nil
		}
		prefix = 8
		metaLen = int32(binary.LittleEndian.Uint32(buf[4:]))
	}

	switch {
	case metaLen == 0:
		return frame{eos: true}, prefix, true, nil
	case metaLen < 0:
		return frame{}, 0, false, fmt.Errorf("%w: negative metadata length %d", ErrCorruptFrame, metaLen)
	case limit > 0 && int64(metaLen) > limit:
		return frame{}, 0, false, fmt.Errorf("%w: metadata length %d", ErrBufferLimit, metaLen)
	}

	metaEnd := prefix + int(metaLen)
	if len(buf) < metaEnd {
		return frame{}, 0, false, nil
	}
	meta := buf[prefix:metaEnd]

	msgType, bodyLen, err := inspectMetadata(meta)
	if err != nil {
		return frame{}, 0, false, err
	}
	if bodyLen < 0 {
		return frame{}, 0, false, fmt.Errorf("%w: negative body length %d", ErrCorruptFrame, bodyLen)
	}
	if limit > 0 && int64(metaEnd)+bodyLen > limit {
		return frame{}, 0, false, fmt.Errorf("%w: message of %d bytes", ErrBufferLimit, int64(metaEnd)+bodyLen)
	}

	end := metaEnd + int(bodyLen)
	if len(buf) < end {
		return frame{}, 0, false, nil
	}

	return frame{
		msgType: msgType,
		meta:    append([]byte(nil), meta...),
		body:    append([]byte(nil), buf[metaEnd:end]...),
	}, end, true, nil
}

// inspectMetadata reads the message header without touching the body.
func inspectMetadata(meta []byte) (msgType ipc.MessageType, bodyLen int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: unreadable message metadata: %v", ErrCorruptFrame, r)
		}
	}()

	if len(meta) < 8 {
		return ipc.MessageNone, 0, fmt.Errorf("%w: metadata too short (%d bytes)", ErrCorruptFrame, len(meta))
	}

	msg := ipc.NewMessage(memory.NewBufferBytes(meta), memory.NewBufferBytes(nil))
	defer msg.Release()

	if msg.Version() < ipc.MetadataV4 {
		return ipc.MessageNone, 0, fmt.Errorf("%w: unsupported metadata version %v", ErrCorruptFrame, msg.Version())
	}

	msgType = msg.Type()
	switch msgType {
	case ipc.MessageSchema, ipc.MessageDictionaryBatch, ipc.MessageRecordBatch:
	default:
		return ipc.MessageNone, 0, fmt.Errorf("%w: unexpected message type %v", ErrCorruptFrame, msgType)
	}
	return msgType, msg.BodyLen(), nil
}

// toMessage wraps a frame as an ipc.Message owned by the caller.
func (f frame) toMessage() *ipc.Message {
	return ipc.NewMessage(memory.NewBufferBytes(f.meta), memory.NewBufferBytes(f.body))
}
