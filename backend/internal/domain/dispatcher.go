package domain

import (
	"context"
	"sync"

	"crema/backend/internal/apperr"
)

type job struct {
	ctx  context.Context
	fn   func() error
	done chan error
}

// dispatcher 是 Domain 唯一的串行化点：一个 goroutine 按到达顺序逐个执行任务。
// jobs 是无缓冲通道，阻塞中的发送者按 FIFO 交接，退出后不会有任务被遗留
type dispatcher struct {
	jobs chan job
	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newDispatcher() *dispatcher {
	p := &dispatcher{jobs: make(chan job), quit: make(chan struct{})}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *dispatcher) loop() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			// 调用方已经放弃的任务不再执行
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			j.done <- j.fn()
		case <-p.quit:
			return
		}
	}
}

// invoke 把 fn 交给 dispatcher 并等待结果。任务一旦被接收就一定执行完，调用方等它结束
func (p *dispatcher) invoke(ctx context.Context, fn func() error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.jobs <- j:
	case <-p.quit:
		return apperr.ErrDomainDeleted
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-j.done
}

// stop 可以在 dispatcher 自己的任务里调用：当前任务结束后循环退出
func (p *dispatcher) stop() {
	p.once.Do(func() { close(p.quit) })
}

func (p *dispatcher) wait() {
	p.wg.Wait()
}
