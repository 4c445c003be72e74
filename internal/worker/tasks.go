package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// taskPool runs the side effects a handler leaves behind after it has
// answered: cache writes, broadcasts, background revalidation. It is bounded;
// when full, new tasks are dropped.
type taskPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	dropped *rateLimitedLogger
	log     zerolog.Logger
}

func newTaskPool(max int, timeout time.Duration, log zerolog.Logger) *taskPool {
	if max < 1 {
		max = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &taskPool{
		sem:     make(chan struct{}, max),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		dropped: newRateLimitedLogger(log, time.Minute),
		log:     log,
	}
}

// WaitUntil runs fn in the background and reports whether it was accepted.
func (p *taskPool) WaitUntil(name string, fn func(ctx context.Context)) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		p.dropped.Warn().Str("task", name).Int("max", cap(p.sem)).Msg("background pool saturated, dropping task")
		return false
	}

	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Str("task", name).Interface("panic", r).Msg("background task panicked")
			}
		}()
		fn(ctx)
	}()
	return true
}

// Drain waits for every accepted task to finish or ctx to end.
func (p *taskPool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels running tasks and waits for them.
func (p *taskPool) Close() {
	p.cancel()
	p.wg.Wait()
}
