package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aptscout/config"
	"aptscout/models"
	"github.com/google/uuid"
)

type fakeCleaner struct {
	mu    sync.Mutex
	calls []bool
	err   error
	ran   chan struct{}
}

func (f *fakeCleaner) CleanupDuplicates(ctx context.Context, mergeData bool) (*models.CleanupResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, mergeData)
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	return &models.CleanupResult{RunID: uuid.New(), Merged: 2}, f.err
}

type fakeWorker struct {
	mu       sync.Mutex
	triggers int
}

func (f *fakeWorker) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func TestRunCleanup(t *testing.T) {
	tests := []struct {
		name  string
		merge bool
		err   error
	}{
		{"merge", true, nil},
		{"mark only", false, nil},
		{"failure keeps partial result", true, errors.New("store gone")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaner := &fakeCleaner{err: tt.err}
			s := New(config.SchedulerConfig{CleanupMerge: tt.merge}, cleaner)

			result, err := s.RunCleanup(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if len(cleaner.calls) != 1 || cleaner.calls[0] != tt.merge {
				t.Errorf("expected one call with merge=%t, got %v", tt.merge, cleaner.calls)
			}
			if s.LastCleanup() != result {
				t.Error("expected last cleanup to be recorded")
			}
		})
	}
}

func TestStart_InvalidCron(t *testing.T) {
	s := New(config.SchedulerConfig{CleanupCron: "not a cron"}, &fakeCleaner{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected invalid cron expression error")
	}
}

func TestStart_RunsScheduledCleanup(t *testing.T) {
	cleaner := &fakeCleaner{ran: make(chan struct{}, 1)}
	worker := &fakeWorker{}
	s := New(config.SchedulerConfig{CleanupCron: "@every 1s", CleanupMerge: true}, cleaner)
	s.SetWorkers(worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	worker.mu.Lock()
	if worker.triggers != 1 {
		t.Errorf("expected one startup rescan trigger, got %d", worker.triggers)
	}
	worker.mu.Unlock()

	select {
	case <-cleaner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled cleanup did not run")
	}
}

func TestStop_Idempotent(t *testing.T) {
	s := New(config.SchedulerConfig{}, &fakeCleaner{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	s.Stop()
	s.Stop()
}
