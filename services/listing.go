package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"aptscout/identity"
	"aptscout/models"
	"aptscout/similarity"
	"aptscout/storage"
	"aptscout/validator"
)

// ErrInvalidListing is returned for field sets that fail validation
var ErrInvalidListing = errors.New("invalid listing")

// ListingService turns scraped field sets into stored listings
type ListingService struct {
	store     storage.ListingStore
	dedup     *DedupService
	validator *validator.Validator
}

func NewListingService(store storage.ListingStore, dedup *DedupService) *ListingService {
	return &ListingService{
		store:     store,
		dedup:     dedup,
		validator: validator.New(),
	}
}

// ProcessResult contains the outcome of processing one listing
type ProcessResult struct {
	ListingID int64
	IsNew     bool
	Refreshed bool // natural key already stored; its content was updated
	Verdict   *models.DuplicateVerdict
}

// InsertListing validates and stores a listing without any duplicate check.
// Natural-key collisions come back as *storage.ConflictError.
func (s *ListingService) InsertListing(ctx context.Context, fields *models.ListingFields) (int64, error) {
	record, err := s.buildRecord(fields)
	if err != nil {
		return 0, err
	}
	return s.store.Insert(ctx, record)
}

// ProcessListing checks a scraped listing for duplicates and stores it. A new
// listing that duplicates an existing one is stored and flagged. A listing
// whose provider id or url is already held by another record refreshes that
// record instead.
func (s *ListingService) ProcessListing(ctx context.Context, fields *models.ListingFields) (*ProcessResult, error) {
	record, err := s.buildRecord(fields)
	if err != nil {
		return nil, err
	}

	verdict, err := s.dedup.CheckDuplicate(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}

	// the flag is written by the insert itself so a duplicate is never stored as unique
	if verdict.IsDuplicate && verdict.DuplicateOfID != nil {
		confidence := verdict.Confidence
		record.DeduplicationStatus = models.DedupDuplicate
		record.DuplicateOfID = verdict.DuplicateOfID
		record.DuplicateConfidence = &confidence
		record.DuplicateStrategy = string(verdict.Strategy)
	}

	id, err := s.store.Insert(ctx, record)
	var conflict *storage.ConflictError
	if errors.As(err, &conflict) && conflict.ExistingID > 0 {
		return s.refresh(ctx, record, conflict.ExistingID, verdict)
	}
	if err != nil {
		return nil, fmt.Errorf("insert listing: %w", err)
	}

	return &ProcessResult{ListingID: id, IsNew: true, Verdict: verdict}, nil
}

// CheckListing runs the duplicate check for a field set without storing it
func (s *ListingService) CheckListing(ctx context.Context, fields *models.ListingFields) (*models.DuplicateVerdict, error) {
	record, err := s.buildRecord(fields)
	if err != nil {
		return nil, err
	}
	return s.dedup.CheckDuplicate(ctx, record)
}

func (s *ListingService) refresh(ctx context.Context, record *models.ListingRecord, existingID int64, verdict *models.DuplicateVerdict) (*ProcessResult, error) {
	result := &ProcessResult{ListingID: existingID, Verdict: verdict}

	// the pre-insert check lost a race against the writer now holding the key
	if !verdict.IsDuplicate {
		v, err := s.dedup.CheckDuplicate(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("check duplicate after conflict: %w", err)
		}
		result.Verdict = v
	}

	existing, err := s.store.FindByID(ctx, existingID)
	if err != nil {
		return nil, fmt.Errorf("load listing %d: %w", existingID, err)
	}
	if existing == nil || existing.DeduplicationStatus == models.DedupMerged {
		return result, nil
	}

	// the stored listing keeps its own natural keys; the hash must follow them
	record.ID = existingID
	record.Provider = existing.Provider
	record.ExternalID = existing.ExternalID
	record.URL = existing.URL
	record.ContentHash = identity.ContentHash(record)
	if err := s.store.UpdateContent(ctx, record); err != nil {
		return nil, fmt.Errorf("refresh listing %d: %w", existingID, err)
	}
	result.Refreshed = true
	return result, nil
}

// ListListings returns stored listings matching filter in a stable order
func (s *ListingService) ListListings(ctx context.Context, filter models.ListingFilter, limit, offset int) ([]models.ListingRecord, error) {
	return s.store.List(ctx, filter, limit, offset)
}

// buildRecord validates fields and converts them to a storable record with
// parsed magnitudes, normalized contacts and a fresh content hash.
func (s *ListingService) buildRecord(fields *models.ListingFields) (*models.ListingRecord, error) {
	if fields == nil {
		return nil, fmt.Errorf("%w: nil field set", ErrInvalidListing)
	}
	if err := s.validator.ValidateStruct(fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}

	r := &models.ListingRecord{
		Provider:    strings.TrimSpace(fields.Provider),
		Title:       strings.TrimSpace(fields.Title),
		Price:       strings.TrimSpace(fields.Price),
		Size:        strings.TrimSpace(fields.Size),
		Rooms:       strings.TrimSpace(fields.Rooms),
		Address:     strings.TrimSpace(fields.Address),
		Description: strings.TrimSpace(fields.Description),
		RawData:     fields.RawData,
		Status:      models.StatusActive,
	}
	if r.Provider == "" || r.Title == "" || strings.TrimSpace(fields.URL) == "" {
		return nil, fmt.Errorf("%w: provider, title and url must not be blank", ErrInvalidListing)
	}
	if id := strings.TrimSpace(fields.ExternalID); id != "" {
		r.ExternalID = &id
	}
	if url := strings.TrimSpace(fields.URL); url != "" {
		r.URL = &url
	}
	if v, ok := similarity.ParseMagnitude(r.Price); ok {
		r.PriceValue = &v
	}
	if v, ok := similarity.ParseMagnitude(r.Size); ok {
		r.SizeValue = &v
	}

	seen := make(map[string]bool)
	for _, c := range fields.Contacts {
		value := normalizeContactValue(c.Type, c.Value)
		key := c.Type + "|" + value
		if value == "" || seen[key] {
			continue
		}
		seen[key] = true
		r.Contacts = append(r.Contacts, models.Contact{
			Type:             c.Type,
			Value:            value,
			Confidence:       c.Confidence,
			Source:           c.Source,
			ValidationStatus: models.ValidationUnverified,
		})
	}

	imageSeen := make(map[string]bool)
	for _, img := range fields.Images {
		if img = strings.TrimSpace(img); img != "" && !imageSeen[img] {
			imageSeen[img] = true
			r.Images = append(r.Images, img)
		}
	}

	r.ContentHash = identity.ContentHash(r)
	return r, nil
}

// normalizeContactValue makes equal contacts compare equal: emails are
// lowercased, phone numbers keep only digits and a leading plus.
func normalizeContactValue(contactType, value string) string {
	value = strings.TrimSpace(value)
	switch contactType {
	case models.ContactEmail:
		return strings.ToLower(value)
	case models.ContactPhone:
		var b strings.Builder
		for i, r := range value {
			if unicode.IsDigit(r) || (r == '+' && i == 0) {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return value
}

// ProcessStats aggregates ProcessListing outcomes over a batch
type ProcessStats struct {
	mu         sync.Mutex
	Processed  int
	Inserted   int
	Duplicates int
	Refreshed  int
	Invalid    int
	Failed     int
	ByStrategy map[models.Strategy]int
}

func NewProcessStats() *ProcessStats {
	return &ProcessStats{ByStrategy: make(map[models.Strategy]int)}
}

// Add records one ProcessListing outcome
func (p *ProcessStats) Add(result *ProcessResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Processed++
	if err != nil {
		if errors.Is(err, ErrInvalidListing) {
			p.Invalid++
		} else {
			p.Failed++
		}
		return
	}

	if result.IsNew {
		p.Inserted++
	}
	if result.Refreshed {
		p.Refreshed++
	}
	if result.Verdict != nil && result.Verdict.IsDuplicate {
		p.Duplicates++
		p.ByStrategy[result.Verdict.Strategy]++
	}
}

// Merge folds other into p
func (p *ProcessStats) Merge(other *ProcessStats) {
	other.mu.Lock()
	defer other.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Processed += other.Processed
	p.Inserted += other.Inserted
	p.Duplicates += other.Duplicates
	p.Refreshed += other.Refreshed
	p.Invalid += other.Invalid
	p.Failed += other.Failed
	for k, v := range other.ByStrategy {
		p.ByStrategy[k] += v
	}
}

func (p *ProcessStats) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("processed=%d inserted=%d duplicates=%d refreshed=%d invalid=%d failed=%d",
		p.Processed, p.Inserted, p.Duplicates, p.Refreshed, p.Invalid, p.Failed)
}
