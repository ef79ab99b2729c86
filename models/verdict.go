package models

import (
	"time"

	"github.com/google/uuid"
)

// Strategy names the duplicate-check rule that produced a verdict
type Strategy string

const (
	StrategyExactHash          Strategy = "exact_hash"
	StrategyProviderExternalID Strategy = "provider_external_id"
	StrategyURLMatch           Strategy = "url_match"
	StrategyFuzzyMatch         Strategy = "fuzzy_match"
	StrategyContentSimilarity  Strategy = "content_similarity"
	StrategyNone               Strategy = "none"
)

// DuplicateVerdict is the outcome of a duplicate check. Never persisted.
type DuplicateVerdict struct {
	IsDuplicate   bool     `json:"is_duplicate"`
	DuplicateOfID *int64   `json:"duplicate_of_id"`
	Confidence    float64  `json:"confidence"`
	Strategy      Strategy `json:"strategy"`
}

// NoDuplicate is the verdict returned when no strategy fired
func NoDuplicate() *DuplicateVerdict {
	return &DuplicateVerdict{Strategy: StrategyNone}
}

// DuplicateStats aggregates duplicate counts over the whole store
type DuplicateStats struct {
	TotalListings        int            `json:"total_listings"`
	TotalDuplicates      int            `json:"total_duplicates"`
	TotalMerged          int            `json:"total_merged"`
	DuplicatesByProvider map[string]int `json:"duplicates_by_provider"`
	DuplicateRate        float64        `json:"duplicate_rate"`
}

// DuplicateLink is a record flagged as duplicate and the record it points to
type DuplicateLink struct {
	ID          int64 `json:"id"`
	CanonicalID int64 `json:"canonical_id"`
}

// MergeOutcome reports what a merge copied into the canonical record
type MergeOutcome struct {
	Merged         bool `json:"merged"` // false if it was already merged
	ContactsCopied int  `json:"contacts_copied"`
	ImagesCopied   int  `json:"images_copied"`
}

// CleanupResult is the summary of one cleanup run
type CleanupResult struct {
	RunID   uuid.UUID `json:"run_id"`
	Merged  int       `json:"merged"`
	Deleted int       `json:"deleted"`
	Skipped int       `json:"skipped"`
}

// CleanupRun is the persisted audit row of a cleanup run
type CleanupRun struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at" db:"finished_at"`
	MergeData  bool       `json:"merge_data" db:"merge_data"`
	Policy     string     `json:"policy" db:"policy"`
	Merged     int        `json:"merged" db:"merged"`
	Deleted    int        `json:"deleted" db:"deleted"`
	Skipped    int        `json:"skipped" db:"skipped"`
	Error      string     `json:"error,omitempty" db:"error"`
}
