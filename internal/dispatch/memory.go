package dispatch

import (
	"context"
	"sync"
)

// Memory is an in-process dispatcher for tests and single-binary runs.
type Memory struct {
	ch     chan string
	done   chan struct{}
	closed sync.Once
}

// NewMemory returns a dispatcher buffering up to size ids.
func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan string, size), done: make(chan struct{})}
}

func (m *Memory) Publish(ctx context.Context, jobID string) error {
	select {
	case <-m.done:
		return ErrClosed
	case m.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Next(ctx context.Context) (string, error) {
	select {
	case id := <-m.ch:
		return id, nil
	case <-m.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.closed.Do(func() { close(m.done) })
	return nil
}
