package services

import (
	"context"
	"fmt"
	"strings"

	"aptscout/config"
	"aptscout/identity"
	"aptscout/logging"
	"aptscout/models"
	"aptscout/similarity"
	"aptscout/storage"
)

const (
	confidenceExactHash  = 1.0
	confidenceNaturalKey = 0.95

	// bound on duplicate_of hops when resolving a canonical record
	maxChainDepth = 32
)

// DedupService decides whether a listing duplicates one already stored
type DedupService struct {
	store storage.ListingStore
	cfg   config.DedupConfig
}

func NewDedupService(store storage.ListingStore, cfg config.DedupConfig) *DedupService {
	return &DedupService{store: store, cfg: cfg}
}

// CheckDuplicate runs the checks in order of decreasing certainty and returns
// the first hit: identical content hash, same provider id, same url, weighted
// field score, whole-text similarity. The verdict always points at the root of
// a duplicate chain. When r is already stored (r.ID > 0) neither r nor
// listings resolving to r can match.
func (s *DedupService) CheckDuplicate(ctx context.Context, r *models.ListingRecord) (*models.DuplicateVerdict, error) {
	if r == nil {
		return nil, fmt.Errorf("check duplicate: nil listing")
	}

	hash := r.ContentHash
	if hash == "" {
		hash = identity.ContentHash(r)
	}

	match, err := s.store.FindByContentHash(ctx, hash, r.ID)
	if err != nil {
		return nil, fmt.Errorf("check content hash: %w", err)
	}
	if verdict, err := s.verdictFor(ctx, r, match, confidenceExactHash, models.StrategyExactHash); verdict != nil || err != nil {
		return verdict, err
	}

	if r.ExternalID != nil && *r.ExternalID != "" {
		match, err := s.store.FindByProviderExternalID(ctx, r.Provider, *r.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("check provider external id: %w", err)
		}
		if verdict, err := s.verdictFor(ctx, r, match, confidenceNaturalKey, models.StrategyProviderExternalID); verdict != nil || err != nil {
			return verdict, err
		}
	}

	if r.URL != nil && *r.URL != "" {
		match, err := s.store.FindByURL(ctx, *r.URL)
		if err != nil {
			return nil, fmt.Errorf("check url: %w", err)
		}
		if verdict, err := s.verdictFor(ctx, r, match, confidenceNaturalKey, models.StrategyURLMatch); verdict != nil || err != nil {
			return verdict, err
		}
	}

	candidates, err := s.store.FuzzyCandidates(ctx, r, s.cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("load fuzzy candidates: %w", err)
	}

	if verdict, err := s.bestCandidate(ctx, r, candidates, s.FuzzyScore, s.cfg.FuzzyMatchThreshold, models.StrategyFuzzyMatch); verdict != nil || err != nil {
		return verdict, err
	}
	if verdict, err := s.bestCandidate(ctx, r, candidates, ContentScore, s.cfg.ContentSimilarityThreshold, models.StrategyContentSimilarity); verdict != nil || err != nil {
		return verdict, err
	}

	return models.NoDuplicate(), nil
}

// verdictFor turns a lookup hit into a verdict, or returns (nil, nil) when the
// hit is absent or resolves back to r itself.
func (s *DedupService) verdictFor(ctx context.Context, r, match *models.ListingRecord, confidence float64, strategy models.Strategy) (*models.DuplicateVerdict, error) {
	if match == nil {
		return nil, nil
	}
	if r.ID > 0 && (match.ID == r.ID || (match.DuplicateOfID != nil && *match.DuplicateOfID == r.ID)) {
		return nil, nil
	}

	root, err := canonicalRoot(ctx, s.store, match)
	if err != nil {
		return nil, err
	}
	if r.ID > 0 && root == r.ID {
		return nil, nil
	}

	return &models.DuplicateVerdict{
		IsDuplicate:   true,
		DuplicateOfID: &root,
		Confidence:    confidence,
		Strategy:      strategy,
	}, nil
}

func (s *DedupService) bestCandidate(ctx context.Context, r *models.ListingRecord, candidates []models.ListingRecord,
	score func(a, b *models.ListingRecord) float64, threshold float64, strategy models.Strategy) (*models.DuplicateVerdict, error) {
	var best *models.ListingRecord
	bestScore := 0.0

	for i := range candidates {
		c := &candidates[i]
		if r.ID > 0 && (c.ID == r.ID || (c.DuplicateOfID != nil && *c.DuplicateOfID == r.ID)) {
			continue
		}
		if sc := score(r, c); sc > bestScore {
			best, bestScore = c, sc
		}
	}

	if best == nil || bestScore < threshold {
		return nil, nil
	}

	verdict, err := s.verdictFor(ctx, r, best, bestScore, strategy)
	if err != nil {
		return nil, err
	}
	if verdict != nil {
		logging.Debugf("%s: listing %d scored %.3f against %d", strategy, r.ID, bestScore, best.ID)
	}
	return verdict, nil
}

// FuzzyScore is the weighted average of the per-field similarities divided by
// the total weight. A field missing on either side contributes 0.
func (s *DedupService) FuzzyScore(a, b *models.ListingRecord) float64 {
	w := s.cfg.Weights
	total := w.Total()
	if total <= 0 {
		return 0
	}

	score := w.Title*similarity.TextSimilarity(a.Title, b.Title) +
		w.Price*magnitudeField("price", a.Price, b.Price, similarity.PriceSimilarity) +
		w.Size*magnitudeField("size", a.Size, b.Size, similarity.SizeSimilarity) +
		w.Rooms*similarity.RoomsSimilarity(a.Rooms, b.Rooms) +
		w.Address*similarity.AddressSimilarity(a.Address, b.Address)

	return score / total
}

func magnitudeField(name, a, b string, fn func(a, b string) float64) float64 {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0
	}
	if _, ok := similarity.ParseMagnitude(a); !ok {
		logging.Debugf("fuzzy: unparseable %s %q scores 0", name, a)
		return 0
	}
	if _, ok := similarity.ParseMagnitude(b); !ok {
		logging.Debugf("fuzzy: unparseable %s %q scores 0", name, b)
		return 0
	}
	return fn(a, b)
}

// ContentScore compares the normalized concatenation of all content fields
func ContentScore(a, b *models.ListingRecord) float64 {
	return similarity.TextSimilarity(contentText(a), contentText(b))
}

func contentText(r *models.ListingRecord) string {
	return similarity.NormalizeText(strings.Join([]string{
		r.Title, r.Price, r.Size, r.Rooms, r.Address, r.Description,
	}, " "))
}

// DuplicateStatistics summarizes duplicate counts over the store
func (s *DedupService) DuplicateStatistics(ctx context.Context) (*models.DuplicateStats, error) {
	stats, err := s.store.DuplicateStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("duplicate statistics: %w", err)
	}
	return stats, nil
}

// canonicalRoot follows duplicate_of links from r to the first listing that
// does not point anywhere. A cycle or a dangling link stops the walk at the
// last listing reached.
func canonicalRoot(ctx context.Context, store storage.ListingStore, r *models.ListingRecord) (int64, error) {
	current := r
	seen := map[int64]bool{current.ID: true}

	for depth := 0; depth < maxChainDepth; depth++ {
		if current.DuplicateOfID == nil || current.DeduplicationStatus == models.DedupUnique {
			return current.ID, nil
		}
		next := *current.DuplicateOfID
		if seen[next] {
			return current.ID, nil
		}
		seen[next] = true

		parent, err := store.FindByID(ctx, next)
		if err != nil {
			return 0, fmt.Errorf("resolve canonical of %d: %w", r.ID, err)
		}
		if parent == nil {
			return current.ID, nil
		}
		current = parent
	}
	return current.ID, nil
}
