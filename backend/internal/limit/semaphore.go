package limit

import (
	"context"
	"errors"
)

var DefaultSize = 100

var (
	ErrAcquireTimeout = errors.New("acquire reach time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

// Semaphore 是基于带缓冲 channel 的计数信号量
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(size int) *Semaphore {
	if size <= 0 {
		size = DefaultSize
	}
	return &Semaphore{ch: make(chan struct{}, size)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

// TryAcquire 不等待
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

func (s *Semaphore) InUse() int { return len(s.ch) }
