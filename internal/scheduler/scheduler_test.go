package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStartRunsCheckpointOnSchedule(t *testing.T) {
	var calls int32
	s, err := Start("@every 20ms", func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least two checkpoint calls, got %d", atomic.LoadInt32(&calls))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartRejectsInvalidCronExpression(t *testing.T) {
	_, err := Start("not a cron expression", func() error { return nil })
	if err == nil {
		t.Fatalf("expected an error for an invalid cron expression")
	}
}

func TestStopWaitsForInFlightCheckpoint(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s, err := Start("@every 10ms", func() error {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("expected Stop to block on the in-flight checkpoint")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop never returned after the in-flight checkpoint finished")
	}

	s.Stop() // idempotent
}
