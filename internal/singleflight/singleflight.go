// Package singleflight merges concurrent calls that share a key.
//
// Unlike a response cache, a Group remembers a key only while its call is
// running: the entry is removed before waiters are released, so a call that
// starts after another one settled always executes.
package singleflight

import (
	"context"
	"sync"
)

// Group manages a set of in-flight calls. The zero value is ready to use.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int
}

// New creates a new Group.
func New[T any]() *Group[T] {
	return &Group[T]{m: make(map[string]*call[T])}
}

// Do executes fn unless a call for key is already in flight, in which case
// it waits for that call and returns its result. shared reports whether the
// result was produced by another caller.
//
// A waiter whose ctx ends stops waiting and gets ctx.Err(); the running call
// is not affected. The owner runs fn on the calling goroutine and is not
// interrupted by ctx here, fn is expected to observe it.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()

		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err(), true
		}
	}

	c := &call[T]{done: make(chan struct{}), err: ErrAborted}
	g.m[key] = c
	g.mu.Unlock()

	defer func() {
		if g.settle(key, c) > 0 {
			shared = true
		}
	}()
	c.val, c.err = fn()
	return c.val, c.err, false
}

// settle forgets key and releases the waiters, returning how many joined.
// Removal happens first so no new caller can join a finished call.
func (g *Group[T]) settle(key string, c *call[T]) int {
	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	dups := c.dups
	g.mu.Unlock()
	close(c.done)
	return dups
}

// InFlight returns the number of keys with a running call.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// Forget drops key so the next call for it executes even while the current
// one is still running. Callers already waiting keep waiting for it.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
