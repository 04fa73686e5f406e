package registry

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/relay/protocol"
)

// deliveryQueue is a bounded per-connection outbound buffer. Under
// pressure, stream-class messages favor freshness: the oldest stream
// message is dropped to admit a newer one. Control-class messages are
// never displaced; when nothing is evictable the newest enqueue is
// refused instead.
type deliveryQueue struct {
	capacity int
	signal   chan struct{}

	mu    sync.Mutex
	items []protocol.Message
}

func newDeliveryQueue(capacity int) *deliveryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &deliveryQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// push enqueues msg, applying the per-class overflow policy. It
// reports whether the message was admitted.
func (q *deliveryQueue) push(msg protocol.Message) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		evicted := false
		for i, queued := range q.items {
			if queued.Class() == protocol.ClassStream {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			q.mu.Unlock()
			return false
		}
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a message is available or ctx ends.
func (q *deliveryQueue) pop(ctx context.Context) (protocol.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
