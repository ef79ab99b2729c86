package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"aptscout/models"
	"aptscout/services"
	"aptscout/storage"
)

const rescanSource = "rescan"

// RescanWorker re-checks stored unique listings against the rest of the
// store. It catches fuzzy duplicates that slipped in when two similar
// listings were checked and inserted concurrently.
type RescanWorker struct {
	store     storage.ListingStore
	dedup     *services.DedupService
	merge     *services.MergeService
	triggerCh chan struct{}
	logFunc   LogFunc

	mu     sync.Mutex
	cursor int64
}

// RescanStats summarizes one batch
type RescanStats struct {
	Checked    int
	Duplicates int
	Errors     int
	Wrapped    bool // cursor went back to the start
}

func NewRescanWorker(store storage.ListingStore, dedup *services.DedupService, merge *services.MergeService) *RescanWorker {
	return &RescanWorker{
		store:     store,
		dedup:     dedup,
		merge:     merge,
		triggerCh: make(chan struct{}, 1),
		logFunc:   StdLogger,
	}
}

func (w *RescanWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger requests an immediate batch; a pending request is not duplicated
func (w *RescanWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *RescanWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Rescan worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx, batchSize)
		case <-w.triggerCh:
			log.Println("Rescan worker triggered manually")
			w.ProcessBatch(ctx, batchSize)
		}
	}
}

// ProcessBatch checks the next batchSize unique listings after the cursor
func (w *RescanWorker) ProcessBatch(ctx context.Context, batchSize int) RescanStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var stats RescanStats
	if batchSize <= 0 {
		w.logFunc(models.LogLevelError, rescanSource, fmt.Sprintf("batch size %d is not positive", batchSize))
		stats.Errors++
		return stats
	}

	listings, err := w.store.UniqueSince(ctx, w.cursor, batchSize)
	if err != nil {
		w.logFunc(models.LogLevelError, rescanSource, fmt.Sprintf("query error: %v", err))
		stats.Errors++
		return stats
	}

	flagged := make(map[int64]bool)
	for i := range listings {
		if ctx.Err() != nil {
			return stats
		}
		r := &listings[i]
		w.cursor = r.ID
		if flagged[r.ID] {
			continue
		}

		dupID, err := w.rescanOne(ctx, r)
		stats.Checked++
		if err != nil {
			stats.Errors++
			w.logFunc(models.LogLevelWarn, rescanSource, fmt.Sprintf("listing %d: %v", r.ID, err))
			if errors.Is(err, storage.ErrStoreUnavailable) {
				return stats
			}
			continue
		}
		if dupID != 0 {
			flagged[dupID] = true
			stats.Duplicates++
		}
	}

	if len(listings) < batchSize {
		w.cursor = 0
		stats.Wrapped = true
	}

	if stats.Checked > 0 {
		w.logFunc(models.LogLevelInfo, rescanSource, fmt.Sprintf("checked %d listings, %d duplicates", stats.Checked, stats.Duplicates))
	}
	return stats
}

// rescanOne flags r or its match, whichever is newer, as the duplicate and
// returns the flagged id, or 0 if r is unique.
func (w *RescanWorker) rescanOne(ctx context.Context, r *models.ListingRecord) (int64, error) {
	verdict, err := w.dedup.CheckDuplicate(ctx, r)
	if err != nil {
		return 0, err
	}
	if !verdict.IsDuplicate || verdict.DuplicateOfID == nil {
		return 0, nil
	}

	subordinate, canonical := r.ID, *verdict.DuplicateOfID
	if canonical > subordinate {
		subordinate, canonical = canonical, subordinate
	}

	if err := w.merge.MarkAsDuplicate(ctx, subordinate, canonical, verdict.Confidence, verdict.Strategy); err != nil {
		return 0, err
	}
	w.logFunc(models.LogLevelInfo, rescanSource, fmt.Sprintf("listing %d is a %s duplicate of %d (%.2f)",
		subordinate, verdict.Strategy, canonical, verdict.Confidence))
	return subordinate, nil
}
