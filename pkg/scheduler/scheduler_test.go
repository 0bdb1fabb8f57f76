package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnRunsOnce(t *testing.T) {
	s := New(2)
	defer s.Close()

	var runs int32
	done := make(chan struct{})
	s.Spawn(func(events Event) time.Duration {
		atomic.AddInt32(&runs, 1)
		close(done)
		return -1 // self-destruct
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestRequeueImmediateRunsUntilThreshold(t *testing.T) {
	s := New(1)
	defer s.Close()

	var runs int32
	done := make(chan struct{})
	s.Spawn(func(events Event) time.Duration {
		n := atomic.AddInt32(&runs, 1)
		if n >= 5 {
			close(done)
			return -1
		}
		return 0 // requeue immediately
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not reach threshold")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(5))
}

func TestSignalCoalescesPendingEvents(t *testing.T) {
	s := New(1)
	defer s.Close()

	seen := make(chan Event, 8)
	var task *Task
	task = s.Spawn(func(events Event) time.Duration {
		if events != 0 {
			seen <- events
			return -1
		}
		return time.Hour // park; the test drives further runs via Signal
	})

	s.Signal(task, EventReadable)
	s.Signal(task, EventWritable)

	select {
	case ev := <-seen:
		require.True(t, ev&EventReadable != 0)
		require.True(t, ev&EventWritable != 0)
	case <-time.After(time.Second):
		t.Fatal("signalled events never delivered")
	}
}

func TestIdleTimerFiresTimeout(t *testing.T) {
	s := New(1)
	defer s.Close()

	done := make(chan Event, 1)
	var task *Task
	first := true
	task = s.Spawn(func(events Event) time.Duration {
		if first {
			first = false
			task.IdleTimer(20 * time.Millisecond)
			return time.Hour
		}
		done <- events
		return -1
	})

	select {
	case ev := <-done:
		require.Equal(t, EventTimeout, ev)
	case <-time.After(time.Second):
		t.Fatal("idle timer never fired")
	}
}

func TestCancelStopsFurtherRuns(t *testing.T) {
	s := New(1)
	defer s.Close()

	var runs int32
	var task *Task
	task = s.Spawn(func(events Event) time.Duration {
		atomic.AddInt32(&runs, 1)
		return 0
	})
	time.Sleep(10 * time.Millisecond)
	task.Cancel()
	time.Sleep(50 * time.Millisecond)

	n1 := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)
	n2 := atomic.LoadInt32(&runs)
	require.Equal(t, n1, n2, "no further runs should occur after cancel settles")
}
