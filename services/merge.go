package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"aptscout/config"
	"aptscout/models"
	"aptscout/storage"
	"github.com/google/uuid"
)

// MergeService links duplicates to their canonical listing and folds them in
type MergeService struct {
	store    storage.ListingStore
	archiver storage.ReportArchiver
	policy   string
}

// NewMergeService creates a MergeService. archiver may be nil.
func NewMergeService(store storage.ListingStore, archiver storage.ReportArchiver, deletePolicy string) *MergeService {
	if deletePolicy == "" {
		deletePolicy = config.DeletePolicyMark
	}
	return &MergeService{store: store, archiver: archiver, policy: deletePolicy}
}

// MarkAsDuplicate flags subordinateID as a duplicate of the root of
// canonicalID's duplicate chain.
func (s *MergeService) MarkAsDuplicate(ctx context.Context, subordinateID, canonicalID int64, confidence float64, strategy models.Strategy) error {
	if subordinateID == canonicalID {
		return storage.ErrSelfReference
	}

	canonical, err := s.store.FindByID(ctx, canonicalID)
	if err != nil {
		return fmt.Errorf("load canonical %d: %w", canonicalID, err)
	}
	if canonical == nil {
		return fmt.Errorf("canonical %w: %d", storage.ErrNotFound, canonicalID)
	}

	root, err := canonicalRoot(ctx, s.store, canonical)
	if err != nil {
		return err
	}
	if root == subordinateID {
		// canonical already descends from the subordinate
		return fmt.Errorf("%w: %d is the root of %d", storage.ErrSelfReference, subordinateID, canonicalID)
	}

	if err := s.store.MarkDuplicate(ctx, subordinateID, root, confidence, strategy); err != nil {
		return fmt.Errorf("mark %d duplicate of %d: %w", subordinateID, root, err)
	}
	return nil
}

// MergeDuplicateListings folds the subordinate's contacts and images into the
// root of canonicalID's duplicate chain, so a merged tombstone is never the
// target. It reports false when the subordinate had already been merged into
// that root.
func (s *MergeService) MergeDuplicateListings(ctx context.Context, subordinateID, canonicalID int64) (bool, error) {
	if subordinateID == canonicalID {
		return false, storage.ErrSelfReference
	}

	canonical, err := s.store.FindByID(ctx, canonicalID)
	if err != nil {
		return false, fmt.Errorf("load canonical %d: %w", canonicalID, err)
	}
	if canonical == nil {
		return false, fmt.Errorf("canonical %w: %d", storage.ErrNotFound, canonicalID)
	}

	root, err := canonicalRoot(ctx, s.store, canonical)
	if err != nil {
		return false, err
	}
	if root == subordinateID {
		return false, fmt.Errorf("%w: %d is the root of %d", storage.ErrSelfReference, subordinateID, canonicalID)
	}

	outcome, err := s.store.MergeInto(ctx, subordinateID, root)
	if err != nil {
		return false, fmt.Errorf("merge %d into %d: %w", subordinateID, root, err)
	}
	return outcome.Merged, nil
}

// cleanupReport is the JSON document archived for each cleanup run
type cleanupReport struct {
	Run     models.CleanupRun    `json:"run"`
	Entries []cleanupReportEntry `json:"entries"`
}

type cleanupReportEntry struct {
	ID          int64  `json:"id"`
	CanonicalID int64  `json:"canonical_id"`
	Action      string `json:"action"`
	Error       string `json:"error,omitempty"`
}

// CleanupDuplicates walks flagged duplicates in ascending id order. With
// mergeData each one is first merged into its canonical; then the delete
// policy decides whether it is kept as a merged tombstone or removed.
// Duplicates whose canonical no longer exists are skipped.
func (s *MergeService) CleanupDuplicates(ctx context.Context, mergeData bool) (*models.CleanupResult, error) {
	run := &models.CleanupRun{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		MergeData: mergeData,
		Policy:    s.policy,
	}
	if err := s.store.RecordCleanupRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record cleanup run: %w", err)
	}

	report := &cleanupReport{}
	runErr := s.cleanup(ctx, run, report)

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.store.RecordCleanupRun(ctx, run); err != nil {
		log.Printf("Warning: failed to record cleanup run %s: %v", run.ID, err)
	}

	report.Run = *run
	s.archive(ctx, report)

	result := &models.CleanupResult{
		RunID:   run.ID,
		Merged:  run.Merged,
		Deleted: run.Deleted,
		Skipped: run.Skipped,
	}
	if runErr != nil {
		return result, runErr
	}

	log.Printf("Cleanup %s: merged=%d deleted=%d skipped=%d", run.ID, run.Merged, run.Deleted, run.Skipped)
	return result, nil
}

func (s *MergeService) cleanup(ctx context.Context, run *models.CleanupRun, report *cleanupReport) error {
	links, err := s.store.DuplicateLinks(ctx)
	if err != nil {
		return fmt.Errorf("list duplicates: %w", err)
	}

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry := cleanupReportEntry{ID: link.ID, CanonicalID: link.CanonicalID}
		action, err := s.cleanupOne(ctx, run, link)
		entry.Action = action
		if err != nil {
			entry.Error = err.Error()
			report.Entries = append(report.Entries, entry)
			if errors.Is(err, storage.ErrStoreUnavailable) {
				return err
			}
			log.Printf("Warning: cleanup of listing %d failed: %v", link.ID, err)
			run.Skipped++
			continue
		}
		report.Entries = append(report.Entries, entry)
	}
	return nil
}

func (s *MergeService) cleanupOne(ctx context.Context, run *models.CleanupRun, link models.DuplicateLink) (string, error) {
	canonical, err := s.store.FindByID(ctx, link.CanonicalID)
	if err != nil {
		return "error", err
	}
	if link.CanonicalID == 0 || canonical == nil {
		run.Skipped++
		return "skipped", nil
	}

	root, err := canonicalRoot(ctx, s.store, canonical)
	if err != nil {
		return "error", err
	}
	if root == link.ID {
		run.Skipped++
		return "skipped", nil
	}
	link.CanonicalID = root

	if run.MergeData {
		if _, err := s.store.MergeInto(ctx, link.ID, link.CanonicalID); err != nil {
			return "error", err
		}
		run.Merged++
	}

	if s.policy == config.DeletePolicyDelete {
		if err := s.store.Delete(ctx, link.ID); err != nil {
			return "error", err
		}
		run.Deleted++
		return "deleted", nil
	}

	if !run.MergeData {
		if _, err := s.store.MarkMerged(ctx, link.ID, link.CanonicalID); err != nil {
			return "error", err
		}
		run.Merged++
	}
	return "merged", nil
}

func (s *MergeService) archive(ctx context.Context, report *cleanupReport) {
	if s.archiver == nil {
		return
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("Warning: failed to encode cleanup report %s: %v", report.Run.ID, err)
		return
	}

	key := storage.ReportKey(report.Run.ID, report.Run.StartedAt)
	if err := s.archiver.Upload(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		log.Printf("Warning: failed to archive cleanup report %s: %v", key, err)
	}
}
