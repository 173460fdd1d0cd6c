package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireSpacesRequests(t *testing.T) {
	l := New(5, 100*time.Millisecond)
	defer l.Close()

	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	// five slots of 20ms follow the first immediate token
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("6 acquisitions finished in %v, expected at least ~100ms", elapsed)
	}
}

func TestAcquireBoundsConcurrentCallers(t *testing.T) {
	const requests = 10
	window := 200 * time.Millisecond
	l := New(requests, window)
	defer l.Close()

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := range times {
		count := 0
		for j := range times {
			d := times[j].Sub(times[i])
			if d >= 0 && d < window/2 {
				count++
			}
		}
		// half a window holds five slots; allow one for scheduling jitter
		if count > requests/2+1 {
			t.Fatalf("%d requests started within half a window, limit %d per window", count, requests)
		}
	}
}

func TestAcquireAfterClose(t *testing.T) {
	l := New(10, time.Second)
	l.Close()
	l.Close()
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrLimiterClosed) {
		t.Fatalf("expected ErrLimiterClosed, got %v", err)
	}
}

func TestCloseReleasesBlockedAcquire(t *testing.T) {
	l := New(1, time.Hour)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLimiterClosed) {
			t.Fatalf("expected ErrLimiterClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not released by Close")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(1, time.Hour)
	defer l.Close()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnrestrictedLimiter(t *testing.T) {
	l := New(0, 0)
	defer l.Close()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("unrestricted limiter throttled requests")
	}
}
