package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"aptscout/config"
	"aptscout/models"
	"github.com/robfig/cron/v3"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Cleaner runs one duplicate cleanup pass
type Cleaner interface {
	CleanupDuplicates(ctx context.Context, mergeData bool) (*models.CleanupResult, error)
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	cleaner Cleaner
	cron    *cron.Cron
	stopCh  chan struct{}
	stop    sync.Once

	rescanWorker Triggerable

	mu      sync.Mutex
	lastRun *models.CleanupResult
}

func New(cfg config.SchedulerConfig, cleaner Cleaner) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		cleaner: cleaner,
		// a slow cleanup must not overlap the next tick
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		stopCh: make(chan struct{}),
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(rescan Triggerable) {
	s.rescanWorker = rescan
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.CleanupCron != "" {
		log.Printf("Starting cleanup schedule with cron: %s (merge=%t)", s.cfg.CleanupCron, s.cfg.CleanupMerge)
		_, err := s.cron.AddFunc(s.cfg.CleanupCron, func() {
			if _, err := s.RunCleanup(ctx); err != nil {
				log.Printf("Scheduled cleanup error: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else {
		log.Println("No cleanup schedule configured, cleanup only runs on demand")
	}

	// one sweep at startup catches duplicates stored while the daemon was down
	s.TriggerRescan()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()
	return nil
}

func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
	})
}

// RunCleanup runs one cleanup pass with the configured merge setting
func (s *Scheduler) RunCleanup(ctx context.Context) (*models.CleanupResult, error) {
	result, err := s.cleaner.CleanupDuplicates(ctx, s.cfg.CleanupMerge)
	if result != nil {
		s.mu.Lock()
		s.lastRun = result
		s.mu.Unlock()
	}
	return result, err
}

// LastCleanup returns the result of the most recent cleanup, or nil
func (s *Scheduler) LastCleanup() *models.CleanupResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// TriggerRescan asks the rescan worker for an immediate batch
func (s *Scheduler) TriggerRescan() {
	if s.rescanWorker != nil {
		s.rescanWorker.Trigger()
		log.Println("Rescan worker triggered")
	}
}
