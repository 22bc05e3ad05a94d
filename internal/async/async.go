package async

import (
	"context"
	"sync"
)

// Executor runs submitted work. Implementations decide where and when.
type Executor interface {
	Go(fn func())
}

// Pool runs work on goroutines, optionally bounded by a worker limit.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool returns a pool running at most workers tasks at once; workers <= 0 means unbounded.
func NewPool(workers int) *Pool {
	p := &Pool{}
	if workers > 0 {
		p.sem = make(chan struct{}, workers)
	}
	return p
}

func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.sem != nil {
			p.sem <- struct{}{}
			defer func() { <-p.sem }()
		}
		fn()
	}()
}

// Wait blocks until all submitted work has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Inline runs work on the caller's goroutine.
type Inline struct{}

func (Inline) Go(fn func()) { fn() }

// Future is the pending outcome of an asynchronous request.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Run submits fn to exec and returns a future resolved with its result.
func Run(exec Executor, fn func() error) *Future {
	f := NewFuture()
	exec.Go(func() {
		f.Resolve(fn())
	})
	return f
}

// Resolved returns an already completed future.
func Resolved(err error) *Future {
	f := NewFuture()
	f.Resolve(err)
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future) Resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
