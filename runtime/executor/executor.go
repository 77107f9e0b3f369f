// Package executor runs named asynchronous tasks organized into groups.
//
// A task is identified by (group, name). Tasks in the same group run one at
// a time in schedule order on a serial lane; tasks in distinct groups may
// interleave. A group is the unit of cancellation: cancelling it stops
// pending delay timers, discards queued tasks and signals the running task's
// context. The event manager keys groups by event id and purpose, which is
// what serializes all outgoing effects for a single event.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"
)

type (
	// Task is a unit of work bound to a group lane.
	//
	// Contract:
	// - (Group, Name) must be unique among the group's live tasks; a
	//   collision panics. Completed tasks free their name.
	// - Fn receives a context cancelled when the group is cancelled or the
	//   executor shuts down hard; it must exit without side effects then.
	// - Errors returned by Fn are logged, they do not stop the lane.
	Task struct {
		// Group is the cancellation and serialization unit, e.g. "<id>_db".
		Group string
		// Name identifies the task inside its group, e.g. "<id>:dbupdate:4".
		Name string
		// Fn is the task body.
		Fn func(ctx context.Context) error
	}

	// Executor schedules tasks with optional delays and per-group FIFO
	// execution. Construct with New; Shutdown drains it.
	Executor struct {
		logCtx     context.Context
		stopTimers chan struct{}

		mu     sync.Mutex
		groups map[string]*group
		closed bool
		wg     sync.WaitGroup
	}

	// group owns one serial lane and the bookkeeping of live task names.
	group struct {
		id      string
		ctx     context.Context
		cancel  context.CancelFunc
		queue   []Task
		names   map[string]struct{}
		running bool
	}
)

// New returns an idle Executor. ctx provides the base for task contexts and
// for the executor's own logging.
func New(ctx context.Context) *Executor {
	return &Executor{
		logCtx:     ctx,
		stopTimers: make(chan struct{}),
		groups:     make(map[string]*group),
	}
}

// Schedule registers t to run after delay. A zero or negative delay enqueues
// immediately; negative delays additionally log a warning so restart drift
// stays visible. Scheduling a (group, name) pair that is already live panics.
func (e *Executor) Schedule(t Task, delay time.Duration) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Warnf(e.logCtx, "executor closed, dropping task %s:%s", t.Group, t.Name)
		return
	}
	g, ok := e.groups[t.Group]
	if !ok {
		gctx, cancel := context.WithCancel(context.WithoutCancel(e.logCtx))
		g = &group{id: t.Group, ctx: gctx, cancel: cancel, names: make(map[string]struct{})}
		e.groups[t.Group] = g
	}
	if _, dup := g.names[t.Name]; dup {
		e.mu.Unlock()
		panic(fmt.Sprintf("executor: task %s:%s already scheduled", t.Group, t.Name))
	}
	g.names[t.Name] = struct{}{}

	if delay <= 0 {
		if delay < 0 {
			log.Warnf(e.logCtx, "task %s:%s scheduled %s in the past, running now", t.Group, t.Name, -delay)
		}
		e.enqueueLocked(g, t)
		e.mu.Unlock()
		return
	}

	e.wg.Add(1)
	e.mu.Unlock()
	go e.waitThenEnqueue(g, t, delay)
}

// Cancel removes the whole group: pending delay timers stop, queued tasks are
// discarded and the running task's context is cancelled. Cancelling an
// unknown group is a no-op.
func (e *Executor) Cancel(groupID string) {
	e.mu.Lock()
	g, ok := e.groups[groupID]
	if ok {
		delete(e.groups, groupID)
		g.queue = nil
	}
	e.mu.Unlock()
	if ok {
		g.cancel()
	}
}

// Tasks returns the live task names of groupID as "group:name" strings,
// sorted. An empty groupID lists every group.
func (e *Executor) Tasks(groupID string) []string {
	e.mu.Lock()
	var out []string
	for id, g := range e.groups {
		if groupID != "" && id != groupID {
			continue
		}
		for name := range g.names {
			out = append(out, id+":"+name)
		}
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

// Shutdown stops the executor: no new tasks are accepted, pending delay
// timers are dropped and queued tasks drain. When ctx expires first, every
// group is cancelled and ctx's error is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stopTimers)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		groups := make([]*group, 0, len(e.groups))
		for id, g := range e.groups {
			delete(e.groups, id)
			groups = append(groups, g)
		}
		e.mu.Unlock()
		for _, g := range groups {
			g.cancel()
		}
		return ctx.Err()
	}
}

// enqueueLocked appends t to g's lane and starts the lane when idle.
// e.mu must be held.
func (e *Executor) enqueueLocked(g *group, t Task) {
	g.queue = append(g.queue, t)
	if !g.running {
		g.running = true
		e.wg.Add(1)
		go e.runLane(g)
	}
}

// waitThenEnqueue parks until delay elapses, then hands t to the lane. Group
// cancellation or executor shutdown during the delay drops the task.
func (e *Executor) waitThenEnqueue(g *group, t Task, delay time.Duration) {
	defer e.wg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-g.ctx.Done():
		return
	case <-e.stopTimers:
		return
	}
	e.mu.Lock()
	if e.closed || g.ctx.Err() != nil || e.groups[t.Group] != g {
		e.mu.Unlock()
		return
	}
	e.enqueueLocked(g, t)
	e.mu.Unlock()
}

// runLane drains g's queue one task at a time.
func (e *Executor) runLane(g *group) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(g.queue) == 0 {
			g.running = false
			e.reapLocked(g)
			e.mu.Unlock()
			return
		}
		t := g.queue[0]
		g.queue = g.queue[1:]
		e.mu.Unlock()

		if g.ctx.Err() == nil {
			if err := t.Fn(g.ctx); err != nil && g.ctx.Err() == nil {
				log.Errorf(e.logCtx, err, "task %s:%s failed", t.Group, t.Name)
			}
		}

		e.mu.Lock()
		delete(g.names, t.Name)
		e.mu.Unlock()
	}
}

// reapLocked drops an idle, empty group from the registry so long-running
// processes do not accumulate per-event groups. e.mu must be held.
func (e *Executor) reapLocked(g *group) {
	if len(g.names) == 0 && len(g.queue) == 0 && !g.running && e.groups[g.id] == g {
		delete(e.groups, g.id)
		g.cancel()
	}
}
