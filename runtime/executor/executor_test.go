package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupRunsFIFO(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		e.Schedule(Task{Group: "g1", Name: name, Fn: func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			last := len(order) == 4
			mu.Unlock()
			if last {
				close(done)
			}
			return nil
		}}, 0)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestDistinctGroupsBothRun(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	ran := make(chan string, 2)
	block := make(chan struct{})
	e.Schedule(Task{Group: "g1", Name: "slow", Fn: func(context.Context) error {
		<-block
		ran <- "g1"
		return nil
	}}, 0)
	e.Schedule(Task{Group: "g2", Name: "fast", Fn: func(context.Context) error {
		ran <- "g2"
		return nil
	}}, 0)

	// g2 completes while g1 is still blocked: lanes are independent.
	select {
	case got := <-ran:
		assert.Equal(t, "g2", got)
	case <-time.After(5 * time.Second):
		t.Fatal("g2 blocked behind g1")
	}
	close(block)
	select {
	case got := <-ran:
		assert.Equal(t, "g1", got)
	case <-time.After(5 * time.Second):
		t.Fatal("g1 never ran")
	}
}

func TestNegativeDelayRunsImmediately(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	ran := make(chan struct{})
	e.Schedule(Task{Group: "g", Name: "late", Fn: func(context.Context) error {
		close(ran)
		return nil
	}}, -3*time.Hour)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("negative delay task did not run")
	}
}

func TestDuplicateNamePanics(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	block := make(chan struct{})
	defer close(block)
	e.Schedule(Task{Group: "g", Name: "n", Fn: func(context.Context) error {
		<-block
		return nil
	}}, 0)

	require.Panics(t, func() {
		e.Schedule(Task{Group: "g", Name: "n", Fn: func(context.Context) error { return nil }}, 0)
	})
}

func TestNameFreedAfterCompletion(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	first := make(chan struct{})
	e.Schedule(Task{Group: "g", Name: "n", Fn: func(context.Context) error {
		close(first)
		return nil
	}}, 0)
	<-first

	require.Eventually(t, func() bool {
		return len(e.Tasks("g")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	second := make(chan struct{})
	require.NotPanics(t, func() {
		e.Schedule(Task{Group: "g", Name: "n", Fn: func(context.Context) error {
			close(second)
			return nil
		}}, 0)
	})
	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("rescheduled task did not run")
	}
}

func TestCancelDuringDelay(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	ran := make(chan struct{}, 1)
	e.Schedule(Task{Group: "g", Name: "timer", Fn: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}}, 20*time.Millisecond)
	e.Cancel("g")

	select {
	case <-ran:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, e.Tasks(""))
}

func TestCancelSignalsRunningTask(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	started := make(chan struct{})
	stopped := make(chan struct{})
	e.Schedule(Task{Group: "g", Name: "long", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}}, 0)

	<-started
	e.Cancel("g")
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("running task not cancelled")
	}
}

func TestCancelDropsQueuedTasks(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var ranSecond sync.Once
	second := make(chan struct{}, 1)

	e.Schedule(Task{Group: "g", Name: "first", Fn: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}, 0)
	e.Schedule(Task{Group: "g", Name: "second", Fn: func(context.Context) error {
		ranSecond.Do(func() { second <- struct{}{} })
		return nil
	}}, 0)

	<-started
	e.Cancel("g")
	close(release)

	select {
	case <-second:
		t.Fatal("queued task ran after group cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTasksSnapshot(t *testing.T) {
	e := New(context.Background())
	defer e.Shutdown(context.Background())

	block := make(chan struct{})
	defer close(block)
	fn := func(context.Context) error { <-block; return nil }
	e.Schedule(Task{Group: "ev1_db", Name: "dbupdate:1", Fn: fn}, 0)
	e.Schedule(Task{Group: "ev1_db", Name: "dbupdate:2", Fn: fn}, 0)
	e.Schedule(Task{Group: "ev2_sm", Name: "start_poll", Fn: fn}, time.Hour)

	assert.Equal(t, []string{"ev1_db:dbupdate:1", "ev1_db:dbupdate:2"}, e.Tasks("ev1_db"))
	assert.Equal(t, []string{
		"ev1_db:dbupdate:1",
		"ev1_db:dbupdate:2",
		"ev2_sm:start_poll",
	}, e.Tasks(""))
}

func TestShutdownDrainsQueueDropsTimers(t *testing.T) {
	e := New(context.Background())

	var mu sync.Mutex
	var ran []string
	e.Schedule(Task{Group: "g", Name: "queued", Fn: func(context.Context) error {
		mu.Lock()
		ran = append(ran, "queued")
		mu.Unlock()
		return nil
	}}, 0)
	e.Schedule(Task{Group: "g2", Name: "future", Fn: func(context.Context) error {
		mu.Lock()
		ran = append(ran, "future")
		mu.Unlock()
		return nil
	}}, time.Hour)

	require.NoError(t, e.Shutdown(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"queued"}, ran)
}

func TestScheduleAfterShutdownDropped(t *testing.T) {
	e := New(context.Background())
	require.NoError(t, e.Shutdown(context.Background()))

	ran := make(chan struct{}, 1)
	e.Schedule(Task{Group: "g", Name: "n", Fn: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}}, 0)

	select {
	case <-ran:
		t.Fatal("task ran after shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdownHonorsContext(t *testing.T) {
	e := New(context.Background())

	started := make(chan struct{})
	e.Schedule(Task{Group: "g", Name: "stuck", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}, 0)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
