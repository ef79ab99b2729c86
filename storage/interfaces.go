package storage

import (
	"context"
	"io"

	"aptscout/models"
)

// ListingStore is the persistence contract the dedup services rely on.
// Lookups return (nil, nil) when nothing matches.
type ListingStore interface {
	Insert(ctx context.Context, r *models.ListingRecord) (int64, error)
	UpdateContent(ctx context.Context, r *models.ListingRecord) error

	FindByID(ctx context.Context, id int64) (*models.ListingRecord, error)
	FindByURL(ctx context.Context, url string) (*models.ListingRecord, error)
	FindByProviderExternalID(ctx context.Context, provider, externalID string) (*models.ListingRecord, error)
	FindByContentHash(ctx context.Context, hash string, excludeID int64) (*models.ListingRecord, error)
	FuzzyCandidates(ctx context.Context, r *models.ListingRecord, limit int) ([]models.ListingRecord, error)
	List(ctx context.Context, filter models.ListingFilter, limit, offset int) ([]models.ListingRecord, error)
	UniqueSince(ctx context.Context, afterID int64, limit int) ([]models.ListingRecord, error)

	UpdateStatus(ctx context.Context, id int64, status string) error
	MarkDuplicate(ctx context.Context, id, canonicalID int64, confidence float64, strategy models.Strategy) error
	MergeInto(ctx context.Context, subordinateID, canonicalID int64) (*models.MergeOutcome, error)
	MarkMerged(ctx context.Context, subordinateID, canonicalID int64) (*models.MergeOutcome, error)
	Delete(ctx context.Context, id int64) error

	DuplicateLinks(ctx context.Context) ([]models.DuplicateLink, error)
	DuplicateStats(ctx context.Context) (*models.DuplicateStats, error)
	RecordCleanupRun(ctx context.Context, run *models.CleanupRun) error

	Close() error
}

// ReportArchiver stores cleanup reports outside the database
type ReportArchiver interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}
