package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// chanConfirmer releases one Confirm call per Release().
type chanConfirmer struct {
	ch chan struct{}
}

func newChanConfirmer() *chanConfirmer {
	return &chanConfirmer{ch: make(chan struct{})}
}

func (c *chanConfirmer) Confirm(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ch:
		return nil
	}
}

func (c *chanConfirmer) Release() { c.ch <- struct{}{} }

func TestWait_PassesWhileRunning(t *testing.T) {
	g := New(newChanConfirmer())

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() blocked while guard is running")
	}
}

func TestTriggerReauth_PausesAndResumes(t *testing.T) {
	confirm := newChanConfirmer()
	g := New(confirm)
	ctx := context.Background()

	var validated atomic.Int32
	reauthDone := make(chan error, 1)
	go func() {
		reauthDone <- g.TriggerReauth(ctx, func(ctx context.Context) (bool, error) {
			validated.Add(1)
			return true, nil
		})
	}()

	// Workers arriving while paused must block.
	waitUntil(t, func() bool { return g.State() == AwaitingHuman })

	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Wait(ctx); err == nil {
				passed.Add(1)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if n := passed.Load(); n != 0 {
		t.Fatalf("%d worker(s) passed the barrier while paused", n)
	}

	confirm.Release()
	if err := <-reauthDone; err != nil {
		t.Fatalf("TriggerReauth() error = %v", err)
	}
	wg.Wait()

	if n := passed.Load(); n != 3 {
		t.Errorf("passed = %d, want all 3 workers released", n)
	}
	if n := validated.Load(); n != 1 {
		t.Errorf("validate called %d times, want 1", n)
	}
	if g.State() != Running {
		t.Errorf("State() = %q, want %q", g.State(), Running)
	}
}

func TestTriggerReauth_LoopsWhileStillExpired(t *testing.T) {
	confirm := newChanConfirmer()
	g := New(confirm)

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- g.TriggerReauth(context.Background(), func(ctx context.Context) (bool, error) {
			attempts++
			// Still expired on the first confirmation, restored on the second.
			return attempts >= 2, nil
		})
	}()

	confirm.Release()
	confirm.Release()
	if err := <-done; err != nil {
		t.Fatalf("TriggerReauth() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("validate attempts = %d, want 2", attempts)
	}
}

func TestTriggerReauth_ValidationErrorLoops(t *testing.T) {
	confirm := newChanConfirmer()
	g := New(confirm)

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- g.TriggerReauth(context.Background(), func(ctx context.Context) (bool, error) {
			attempts++
			if attempts == 1 {
				return false, errors.New("navigation failed")
			}
			return true, nil
		})
	}()

	confirm.Release()
	confirm.Release()
	if err := <-done; err != nil {
		t.Fatalf("TriggerReauth() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("validate attempts = %d, want 2", attempts)
	}
}

func TestTriggerReauth_ConcurrentDetectionsCoalesce(t *testing.T) {
	confirm := newChanConfirmer()
	g := New(confirm)
	ctx := context.Background()

	var validations atomic.Int32
	validate := func(ctx context.Context) (bool, error) {
		validations.Add(1)
		return true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.TriggerReauth(ctx, validate); err != nil {
				t.Errorf("TriggerReauth() error = %v", err)
			}
		}()
	}

	waitUntil(t, func() bool { return g.State() == AwaitingHuman })
	confirm.Release()
	wg.Wait()

	if n := validations.Load(); n != 1 {
		t.Errorf("validations = %d, want 1 (one pause cycle for all detectors)", n)
	}
}

func TestWait_CancelledWhilePaused(t *testing.T) {
	confirm := newChanConfirmer()
	g := New(confirm)

	go g.TriggerReauth(context.Background(), func(ctx context.Context) (bool, error) {
		return true, nil
	})
	waitUntil(t, func() bool { return g.State() == AwaitingHuman })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}

	confirm.Release() // unblock the reauth goroutine
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
