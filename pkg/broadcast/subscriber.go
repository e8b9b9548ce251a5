package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultSendBuffer is the number of encoded messages a subscriber may have
// queued before it is considered too slow and dropped.
const DefaultSendBuffer = 256

// Subscriber is one live connection attached to a channel. The registry
// writes encoded messages into it; the connection layer drains Outbound
// and stops when Done is closed.
type Subscriber struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewSubscriber creates a subscriber with the given outbound buffer size.
func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Subscriber{
		id:   uuid.NewString(),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// Outbound yields encoded messages in delivery order. It is never closed;
// select on Done as well.
func (s *Subscriber) Outbound() <-chan []byte { return s.send }

// Done is closed once the subscriber has been closed by either side.
// Messages already queued remain readable from Outbound.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close marks the subscriber closed. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Closed reports whether Close has been called.
func (s *Subscriber) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue queues msg without blocking. It returns false if the subscriber
// is closed or its buffer is full.
func (s *Subscriber) enqueue(msg []byte) bool {
	if s.Closed() {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}
