package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitForWaiters blocks until n callers joined the in-flight call for key.
func waitForWaiters[T any](t *testing.T, g *Group[T], key string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		c, ok := g.m[key]
		joined := ok && c.dups >= n
		g.mu.Unlock()
		if joined {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %q", n, key)
}

func TestNew(t *testing.T) {
	g := New[string]()
	if g == nil {
		t.Fatal("New() returned nil")
	}
	if g.m == nil {
		t.Error("New() did not initialize map")
	}
}

func TestDo(t *testing.T) {
	var g Group[string]

	val, err, shared := g.Do(context.Background(), "key1", func() (string, error) {
		return "hello", nil
	})

	if err != nil {
		t.Errorf("Do() returned error: %v", err)
	}
	if val != "hello" {
		t.Errorf("Do() returned %v, want hello", val)
	}
	if shared {
		t.Error("single call should not be reported as shared")
	}
}

func TestDoError(t *testing.T) {
	g := New[string]()
	expectedErr := errors.New("test error")

	val, err, _ := g.Do(context.Background(), "key1", func() (string, error) {
		return "", expectedErr
	})

	if err != expectedErr {
		t.Errorf("Do() returned error %v, want %v", err, expectedErr)
	}
	if val != "" {
		t.Errorf("Do() returned %q, want empty", val)
	}
}

func TestDoDuplicateCalls(t *testing.T) {
	g := New[string]()

	var callCount int64
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func() (string, error) {
		if atomic.AddInt64(&callCount, 1) == 1 {
			close(started)
		}
		<-release
		return "result", nil
	}

	const numCalls = 10
	var wg sync.WaitGroup
	results := make([]string, numCalls)
	errs := make([]error, numCalls)
	shared := make([]bool, numCalls)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0], shared[0] = g.Do(context.Background(), "same-key", fn)
	}()
	<-started

	for i := 1; i < numCalls; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results[index], errs[index], shared[index] = g.Do(context.Background(), "same-key", fn)
		}(i)
	}

	waitForWaiters(t, g, "same-key", numCalls-1)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt64(&callCount); n != 1 {
		t.Errorf("Function called %d times, want 1", n)
	}

	for i, result := range results {
		if errs[i] != nil {
			t.Errorf("Call %d returned error: %v", i, errs[i])
		}
		if result != "result" {
			t.Errorf("Call %d returned %v, want result", i, result)
		}
		if !shared[i] {
			t.Errorf("Call %d should report a shared result", i)
		}
	}
}

func TestDoForgetsSettledCalls(t *testing.T) {
	g := New[int]()
	var calls int

	for i := 0; i < 3; i++ {
		v, _, _ := g.Do(context.Background(), "key", func() (int, error) {
			calls++
			return calls, nil
		})
		if v != i+1 {
			t.Errorf("call %d returned %d, want %d", i, v, i+1)
		}
	}

	if calls != 3 {
		t.Errorf("sequential calls should each execute, got %d executions", calls)
	}
	if g.InFlight() != 0 {
		t.Errorf("InFlight() = %d after settling, want 0", g.InFlight())
	}
}

func TestDoWaiterContextCancelled(t *testing.T) {
	g := New[string]()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = g.Do(context.Background(), "key", func() (string, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err, shared := g.Do(ctx, "key", func() (string, error) {
		t.Error("waiter must not execute fn")
		return "", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if !shared {
		t.Error("waiter should report shared")
	}

	close(release)
}

func TestDoPanicReleasesWaiters(t *testing.T) {
	g := New[string]()
	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)

	go func() {
		defer func() { _ = recover() }()
		_, _, _ = g.Do(context.Background(), "key", func() (string, error) {
			close(started)
			<-release
			panic("boom")
		})
	}()
	<-started

	go func() {
		_, err, _ := g.Do(context.Background(), "key", func() (string, error) {
			return "", nil
		})
		result <- err
	}()

	waitForWaiters(t, g, "key", 1)
	close(release)

	select {
	case err := <-result:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("waiter error = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not released after owner panic")
	}
}

func TestForget(t *testing.T) {
	g := New[string]()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _, _ = g.Do(context.Background(), "key1", func() (string, error) {
			close(started)
			<-release
			return "value", nil
		})
	}()
	<-started

	g.Forget("key1")

	val, err, shared := g.Do(context.Background(), "key1", func() (string, error) {
		return "new-value", nil
	})
	close(release)

	if err != nil {
		t.Errorf("Do() after Forget returned error: %v", err)
	}
	if val != "new-value" || shared {
		t.Errorf("Do() after Forget returned %v (shared=%v), want new-value", val, shared)
	}
}

func BenchmarkDo(b *testing.B) {
	g := New[string]()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = g.Do(ctx, "bench-key", func() (string, error) {
			return "result", nil
		})
	}
}
