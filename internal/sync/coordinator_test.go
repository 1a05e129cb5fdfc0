package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewCoordinatorRequiresJobs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	if _, err := NewCoordinator(nil, noop); err == nil {
		t.Error("expected error for missing push job")
	}
	if _, err := NewCoordinator(noop, nil); err == nil {
		t.Error("expected error for missing pull job")
	}
}

func TestTriggerRunsJob(t *testing.T) {
	var pushes, pulls atomic.Int32
	c, err := NewCoordinator(
		func(context.Context) error { pushes.Add(1); return nil },
		func(context.Context) error { pulls.Add(1); return nil },
	)
	if err != nil {
		t.Fatal(err)
	}

	c.TriggerPush()
	if !c.Wait(time.Second) {
		t.Fatal("push did not finish")
	}
	c.TriggerPull()
	if !c.Wait(time.Second) {
		t.Fatal("pull did not finish")
	}
	if pushes.Load() != 1 || pulls.Load() != 1 {
		t.Errorf("pushes=%d pulls=%d, want 1 each", pushes.Load(), pulls.Load())
	}
}

func TestTriggersDuringRunCoalesce(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	var runs, concurrent, maxConcurrent atomic.Int32

	c, _ := NewCoordinator(func(context.Context) error {
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		runs.Add(1)
		started <- struct{}{}
		<-release
		concurrent.Add(-1)
		return nil
	}, func(context.Context) error { return nil })

	c.TriggerPush()
	<-started
	for i := 0; i < 5; i++ {
		c.TriggerPush()
	}
	close(release)
	if !c.Wait(time.Second) {
		t.Fatal("jobs did not finish")
	}

	if maxConcurrent.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxConcurrent.Load())
	}
	// One run for the first trigger, one catch-up run for the rest.
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}

func TestErrorsReported(t *testing.T) {
	boom := errors.New("offline")
	c, _ := NewCoordinator(func(context.Context) error { return boom }, func(context.Context) error { return nil })
	got := make(chan error, 1)
	c.OnError = func(job string, err error) {
		if job != "push" {
			t.Errorf("job = %q", job)
		}
		got <- err
	}

	c.TriggerPush()
	select {
	case err := <-got:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("error not reported")
	}
}

func TestPanicDoesNotWedgeRunner(t *testing.T) {
	var calls atomic.Int32
	c, _ := NewCoordinator(func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, func(context.Context) error { return nil })

	c.TriggerPush()
	c.Wait(time.Second)
	c.TriggerPush()
	c.Wait(time.Second)
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestShutdownCancelsSlowJobs(t *testing.T) {
	cancelled := make(chan struct{})
	c, _ := NewCoordinator(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, func(context.Context) error { return nil })

	c.TriggerPush()
	c.Shutdown(20 * time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("slow job context not cancelled")
	}

	var ran atomic.Bool
	c.pull.job = func(context.Context) error { ran.Store(true); return nil }
	c.TriggerPull()
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Error("trigger after shutdown ran a job")
	}
}

func TestWaitConcurrentWithTriggers(t *testing.T) {
	var runs atomic.Int32
	c, _ := NewCoordinator(
		func(context.Context) error { runs.Add(1); return nil },
		func(context.Context) error { return nil },
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			c.TriggerPush()
			c.TriggerPull()
		}
	}()
	for i := 0; i < 200; i++ {
		c.Wait(time.Millisecond)
	}
	<-done
	if !c.Wait(time.Second) {
		t.Fatal("coordinator did not go idle")
	}

	c.Shutdown(time.Second)
	before := runs.Load()
	c.TriggerPush()
	if !c.Wait(time.Second) || runs.Load() != before {
		t.Errorf("trigger after shutdown ran a job: runs %d -> %d", before, runs.Load())
	}
}
