package jobs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := NewManager(newTestTracker(), logger)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

func waitTerminal(t *testing.T, tracker *Tracker, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := tracker.Get(context.Background(), id)
		if job != nil && job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
	return nil
}

func TestNewManagerRequiresTracker(t *testing.T) {
	if _, err := NewManager(nil, nil); err == nil {
		t.Fatal("expected error for nil tracker")
	}
}

func TestLaunchReturnsBeforeWorkFinishes(t *testing.T) {
	m := newTestManager(t)
	release := make(chan struct{})

	job, err := m.Launch(context.Background(), "youtube", "u", func(ctx context.Context, job *Job) error {
		<-release
		return m.Tracker().Complete(ctx, job.ProcessID, "/tmp/x.mp4", "x.mp4")
	})
	if err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}

	got, _ := m.Tracker().Get(context.Background(), job.ProcessID)
	if got.Status.IsTerminal() {
		t.Fatalf("job finished before release: %+v", got)
	}
	if m.InFlight() != 1 {
		t.Fatalf("expected 1 in-flight worker, got %d", m.InFlight())
	}

	close(release)
	done := waitTerminal(t, m.Tracker(), job.ProcessID)
	if done.Status != StatusCompleted {
		t.Fatalf("unexpected final status: %s", done.Status)
	}
}

func TestLaunchConvertsErrorToFailure(t *testing.T) {
	m := newTestManager(t)
	job, _ := m.Launch(context.Background(), "youtube", "u", func(ctx context.Context, job *Job) error {
		_ = m.Tracker().Start(ctx, job.ProcessID)
		return errors.New("extraction exploded")
	})

	done := waitTerminal(t, m.Tracker(), job.ProcessID)
	if done.Status != StatusFailed || done.Error == nil || *done.Error != "extraction exploded" {
		t.Fatalf("unexpected final state: %+v", done)
	}
}

func TestLaunchRecoversPanics(t *testing.T) {
	m := newTestManager(t)
	job, _ := m.Launch(context.Background(), "youtube", "u", func(ctx context.Context, job *Job) error {
		panic("nil map write")
	})

	done := waitTerminal(t, m.Tracker(), job.ProcessID)
	if done.Status != StatusFailed || !strings.Contains(*done.Error, "nil map write") {
		t.Fatalf("unexpected final state: %+v", done)
	}
}

func TestLaunchFailsJobLeftRunning(t *testing.T) {
	m := newTestManager(t)
	job, _ := m.Launch(context.Background(), "youtube", "u", func(ctx context.Context, job *Job) error {
		return m.Tracker().Start(ctx, job.ProcessID)
	})

	done := waitTerminal(t, m.Tracker(), job.ProcessID)
	if done.Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v", done)
	}
}

func TestShutdownWaitsForWorkers(t *testing.T) {
	m := newTestManager(t)
	job, _ := m.Launch(context.Background(), "youtube", "u", func(ctx context.Context, job *Job) error {
		time.Sleep(30 * time.Millisecond)
		return m.Tracker().Complete(ctx, job.ProcessID, "/tmp/x", "x")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	got, _ := m.Tracker().Get(context.Background(), job.ProcessID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected worker to finish before shutdown returned: %+v", got)
	}
	if _, err := m.Launch(context.Background(), "youtube", "u", func(context.Context, *Job) error { return nil }); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestShutdownCancelsStuckWorkers(t *testing.T) {
	m := newTestManager(t)
	job, _ := m.Launch(context.Background(), "youtube", "u", func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	got := waitTerminal(t, m.Tracker(), job.ProcessID)
	if got.Status != StatusFailed || !strings.Contains(*got.Error, "shutting down") {
		t.Fatalf("unexpected state after cancellation: %+v", got)
	}
}
