package layer

import (
	"context"
	"fmt"
	"sync"

	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// outbox stages frames into the send slots of one connection. A frame that
// finds no free slot waits, in order, until a send completes.
type outbox struct {
	err   error
	conn  *rdma.Connection
	space chan struct{} // closed and replaced whenever the queue shrinks
	queue [][]byte
	seq   uint64
	limit int
	mu    sync.Mutex
}

func newOutbox(conn *rdma.Connection) *outbox {
	limit := conn.SlotSize()
	if peer := int(conn.RemoteIdentity().RecvLen); peer > 0 && peer < limit {
		limit = peer
	}

	return &outbox{
		conn:  conn,
		limit: limit,
		space: make(chan struct{}),
	}
}

// maxFrame is the largest frame both our send slot and the peer's receive
// slot can hold.
func (o *outbox) maxFrame() int {
	return o.limit
}

// send frames msg straight into a free slot, or queues it behind frames
// that are already waiting.
func (o *outbox) send(msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return o.err
	}

	if len(o.queue) == 0 {
		if slot, ok := o.conn.AcquireSendSlot(); ok {
			frame, err := AppendFrame(slot.Buf[:0], msg)
			if err == nil && len(frame) > o.limit {
				err = fmt.Errorf("%s frame of %d bytes exceeds %d", msg.Type(), len(frame), o.limit)
			}

			if err != nil {
				o.conn.ReleaseSendSlot(slot.ID)
				return err
			}

			o.seq++
			o.conn.SendSlot(slot, len(frame), o.seq)

			return nil
		}
	}

	frame, err := AppendFrame(nil, msg)
	if err != nil {
		return err
	}

	if len(frame) > o.limit {
		return fmt.Errorf("%s frame of %d bytes exceeds %d", msg.Type(), len(frame), o.limit)
	}

	o.queue = append(o.queue, frame)

	return nil
}

// pump moves queued frames into slots freed by completed sends.
func (o *outbox) pump() {
	o.mu.Lock()
	defer o.mu.Unlock()

	moved := false

	for len(o.queue) > 0 && o.err == nil {
		slot, ok := o.conn.AcquireSendSlot()
		if !ok {
			break
		}

		n := copy(slot.Buf, o.queue[0])
		o.queue[0] = nil
		o.queue = o.queue[1:]

		o.seq++
		o.conn.SendSlot(slot, n, o.seq)

		moved = true
	}

	if moved {
		o.signal()
	}
}

// signal wakes every waiter. Callers hold o.mu.
func (o *outbox) signal() {
	close(o.space)
	o.space = make(chan struct{})
}

// pending returns the number of frames waiting for a slot.
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.queue)
}

// wait blocks until fewer than window frames are queued.
func (o *outbox) wait(ctx context.Context, window int) error {
	for {
		o.mu.Lock()
		n, err, space := len(o.queue), o.err, o.space
		o.mu.Unlock()

		if err != nil {
			return err
		}

		if n < window {
			return nil
		}

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close drops queued frames and fails later sends with err.
func (o *outbox) close(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return
	}

	o.err = err
	o.queue = nil
	o.signal()
}
