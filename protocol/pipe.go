package protocol

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO. Send never blocks, so neither side of a pipe
// can deadlock the other.
type queue struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, m)
	q.signal()
	return nil
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
}

func (q *queue) pop(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 || q.closed {
				q.signal()
			}
			q.mu.Unlock()
			return m, nil
		}
		if q.closed {
			q.signal()
			q.mu.Unlock()
			return Message{}, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

type pipeEnd struct {
	in   *queue
	out  *queue
	once sync.Once
}

// NewPipe returns the two ends of an in-process channel. Messages sent on
// one end are received, in order, on the other.
func NewPipe() (Conn, Conn) {
	a, b := newQueue(), newQueue()
	return &pipeEnd{in: a, out: b}, &pipeEnd{in: b, out: a}
}

func (p *pipeEnd) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return p.out.push(m)
}

func (p *pipeEnd) Receive(ctx context.Context) (Message, error) {
	m, err := p.in.pop(ctx)
	if err != nil {
		return m, err
	}
	return m, m.Validate()
}

// Close stops further sends in both directions. Messages already queued can
// still be received.
func (p *pipeEnd) Close() error {
	p.once.Do(func() {
		p.out.close()
		p.in.close()
	})
	return nil
}
