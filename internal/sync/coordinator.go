// Package sync runs queue processing and downloads off the caller's
// goroutine.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nitrosync/internal/utils"
)

// Job is one kind of background work.
type Job func(ctx context.Context) error

// runner suppresses concurrent runs of one job. A trigger that arrives while
// the job is running is remembered and causes exactly one more run.
type runner struct {
	name    string
	job     Job
	running atomic.Bool
	again   atomic.Bool
}

// Coordinator schedules push (queue processing) and pull (download) jobs.
type Coordinator struct {
	push *runner
	pull *runner

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards active and idle, and orders shutdown against new runs.
	mu       sync.Mutex
	active   int
	idle     chan struct{} // closed while no job runs
	shutdown atomic.Bool

	// OnError receives job failures. It defaults to a log line.
	OnError func(job string, err error)
}

// NewCoordinator creates a coordinator running push and pull on demand.
func NewCoordinator(push, pull Job) (*Coordinator, error) {
	if push == nil || pull == nil {
		return nil, fmt.Errorf("push and pull jobs are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		push:   &runner{name: "push", job: push},
		pull:   &runner{name: "pull", job: pull},
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
		OnError: func(job string, err error) {
			utils.Warnf("background %s failed: %v", job, err)
		},
	}, nil
}

// TriggerPush schedules queue processing. It never blocks.
func (c *Coordinator) TriggerPush() {
	c.trigger(c.push)
}

// TriggerPull schedules a download. It never blocks.
func (c *Coordinator) TriggerPull() {
	c.trigger(c.pull)
}

func (c *Coordinator) trigger(r *runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown.Load() {
		return
	}
	r.again.Store(true)
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
	go c.run(r)
}

func (c *Coordinator) finished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.active == 0 {
		close(c.idle)
	}
}

func (c *Coordinator) run(r *runner) {
	defer c.finished()
	for {
		for r.again.Swap(false) && !c.shutdown.Load() {
			c.runOnce(r)
		}
		r.running.Store(false)
		// A trigger may have slipped in between the last Swap and Store.
		if !r.again.Load() || c.shutdown.Load() || !r.running.CompareAndSwap(false, true) {
			return
		}
	}
}

func (c *Coordinator) runOnce(r *runner) {
	defer func() {
		if p := recover(); p != nil {
			utils.Errorf("panic in background %s: %v", r.name, p)
		}
	}()
	if err := r.job(c.ctx); err != nil && c.ctx.Err() == nil {
		c.OnError(r.name, err)
	}
}

// Wait blocks until no job is running or the timeout expires. It reports
// whether the coordinator went idle.
func (c *Coordinator) Wait(timeout time.Duration) bool {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Shutdown stops accepting triggers and waits for running jobs. Jobs still
// running after timeout have their context cancelled.
func (c *Coordinator) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	c.shutdown.Store(true)
	c.mu.Unlock()
	if !c.Wait(timeout) {
		utils.Warnf("pending syncs did not complete within %v", timeout)
		c.cancel()
		return
	}
	c.cancel()
}
