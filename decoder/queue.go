package decoder

import (
	"io"
	"sync/atomic"

	"github.com/apache/arrow/go/v17/arrow/ipc"
)

// messageQueue is an ipc.MessageReader fed with messages that are already
// complete. The ipc.Reader stops for good on the first error, so it is only
// ever asked for a message the decoder knows is queued.
type messageQueue struct {
	refCount atomic.Int64
	pending  []*ipc.Message
	current  *ipc.Message
}

var _ ipc.MessageReader = (*messageQueue)(nil)

func newMessageQueue(msgs ...*ipc.Message) *messageQueue {
	q := &messageQueue{pending: msgs}
	q.refCount.Store(1)
	return q
}

func (q *messageQueue) push(msg *ipc.Message) {
	q.pending = append(q.pending, msg)
}

func (q *messageQueue) Message() (*ipc.Message, error) {
	if q.current != nil {
		q.current.Release()
		q.current = nil
	}
	if len(q.pending) == 0 {
		return nil, io.EOF
	}
	q.current = q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return q.current, nil
}

func (q *messageQueue) Retain() {
	q.refCount.Add(1)
}

func (q *messageQueue) Release() {
	if q.refCount.Add(-1) != 0 {
		return
	}
	if q.current != nil {
		q.current.Release()
		q.current = nil
	}
	for _, msg := range q.pending {
		msg.Release()
	}
	q.pending = nil
}
