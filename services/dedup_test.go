package services

import (
	"context"
	"path/filepath"
	"testing"

	"aptscout/config"
	"aptscout/identity"
	"aptscout/models"
	"aptscout/similarity"
	"aptscout/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "listings.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

// listing builds a record the way the ingestion path would
func listing(provider, externalID, url, title, price, size, rooms, address string) *models.ListingRecord {
	r := &models.ListingRecord{
		Provider: provider,
		Title:    title,
		Price:    price,
		Size:     size,
		Rooms:    rooms,
		Address:  address,
	}
	if externalID != "" {
		r.ExternalID = strPtr(externalID)
	}
	if url != "" {
		r.URL = strPtr(url)
	}
	if v, ok := similarity.ParseMagnitude(price); ok {
		r.PriceValue = &v
	}
	if v, ok := similarity.ParseMagnitude(size); ok {
		r.SizeValue = &v
	}
	r.ContentHash = identity.ContentHash(r)
	return r
}

func insert(t *testing.T, store storage.ListingStore, r *models.ListingRecord) int64 {
	t.Helper()
	id, err := store.Insert(context.Background(), r)
	if err != nil {
		t.Fatalf("insert %q: %v", r.Title, err)
	}
	return id
}

func TestCheckDuplicate_Strategies(t *testing.T) {
	tests := []struct {
		name          string
		stored        *models.ListingRecord
		candidate     *models.ListingRecord
		wantDuplicate bool
		wantStrategy  models.Strategy
		minConfidence float64
	}{
		{
			name:          "same provider id",
			stored:        listing("immoscout", "123", "https://immo.example/u1", "Apt A", "1000 €", "", "", ""),
			candidate:     listing("immoscout", "123", "https://immo.example/u2", "Apt B", "1200 €", "", "", ""),
			wantDuplicate: true,
			wantStrategy:  models.StrategyProviderExternalID,
			minConfidence: 0.95,
		},
		{
			name:          "identical content different url",
			stored:        listing("immowelt", "", "https://welt.example/a", "Altbau 2 Zimmer", "950 €", "60 m²", "2", "Oak Street 4"),
			candidate:     listing("immowelt", "", "https://welt.example/b", "Altbau 2 Zimmer", "950 €", "60 m²", "2", "Oak Street 4"),
			wantDuplicate: true,
			wantStrategy:  models.StrategyExactHash,
			minConfidence: 1.0,
		},
		{
			name:          "same url other provider",
			stored:        listing("immowelt", "", "https://shared.example/1", "Flat", "700", "", "", ""),
			candidate:     listing("kleinanzeigen", "", "https://shared.example/1", "Completely different", "3000", "", "", ""),
			wantDuplicate: true,
			wantStrategy:  models.StrategyURLMatch,
			minConfidence: 0.95,
		},
		{
			name:          "same flat on two sites",
			stored:        listing("immowelt", "", "https://welt.example/9", "Helle 3-Zimmer-Wohnung in Mitte", "1.200 €", "85 m²", "3", "Hauptstraße 5, Berlin"),
			candidate:     listing("immoscout", "", "https://immo.example/9", "Helle 3 Zimmer Wohnung in Mitte", "1200 EUR", "85m2", "3 Zimmer", "Hauptstr. 5 Berlin"),
			wantDuplicate: true,
			wantStrategy:  models.StrategyFuzzyMatch,
			minConfidence: 0.80,
		},
		{
			name:          "near identical free text",
			stored:        withDescription(listing("wg", "", "https://wg.example/1", "Sunny loft near the park", "", "", "", ""), "Large windows, wooden floors, quiet street, close to the tram"),
			candidate:     withDescription(listing("ebay", "", "https://ebay.example/1", "Sunny loft near the park", "", "", "", ""), "Large windows, wooden floors, quiet street, close to the trams"),
			wantDuplicate: true,
			wantStrategy:  models.StrategyContentSimilarity,
			minConfidence: 0.90,
		},
		{
			name:          "unrelated listing",
			stored:        listing("immowelt", "", "https://welt.example/x", "Penthouse with roof terrace", "3.500 €", "140 m²", "5", "Seeweg 1, Hamburg"),
			candidate:     listing("immoscout", "", "https://immo.example/y", "Tiny studio", "450 €", "18 m²", "1", "Bahnhofstraße 99, Köln"),
			wantDuplicate: false,
			wantStrategy:  models.StrategyNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			svc := NewDedupService(store, config.DefaultDedupConfig())
			storedID := insert(t, store, tt.stored)

			verdict, err := svc.CheckDuplicate(context.Background(), tt.candidate)
			if err != nil {
				t.Fatalf("check duplicate: %v", err)
			}
			if verdict.IsDuplicate != tt.wantDuplicate {
				t.Fatalf("expected duplicate=%v, got %+v", tt.wantDuplicate, verdict)
			}
			if verdict.Strategy != tt.wantStrategy {
				t.Errorf("expected strategy %s, got %s", tt.wantStrategy, verdict.Strategy)
			}
			if !tt.wantDuplicate {
				if verdict.Confidence != 0 || verdict.DuplicateOfID != nil {
					t.Errorf("expected empty verdict, got %+v", verdict)
				}
				return
			}
			if verdict.Confidence < tt.minConfidence {
				t.Errorf("expected confidence >= %v, got %v", tt.minConfidence, verdict.Confidence)
			}
			if verdict.DuplicateOfID == nil || *verdict.DuplicateOfID != storedID {
				t.Errorf("expected duplicate of %d, got %v", storedID, verdict.DuplicateOfID)
			}
		})
	}
}

func withDescription(r *models.ListingRecord, description string) *models.ListingRecord {
	r.Description = description
	return r
}

func TestCheckDuplicate_HashWinsOverFuzzy(t *testing.T) {
	store := newTestStore(t)
	svc := NewDedupService(store, config.DefaultDedupConfig())

	original := listing("immowelt", "", "https://welt.example/1", "Altbau", "900 €", "70 m²", "3", "Lindenweg 3")
	id := insert(t, store, original)
	// a second close candidate so fuzzy matching would also fire
	insert(t, store, listing("other", "", "https://other.example/1", "Altbau", "900 €", "70 m²", "3", "Lindenweg 3"))

	verdict, err := svc.CheckDuplicate(context.Background(),
		listing("immowelt", "", "https://welt.example/2", "Altbau", "900 €", "70 m²", "3", "Lindenweg 3"))
	if err != nil {
		t.Fatalf("check duplicate: %v", err)
	}
	if verdict.Strategy != models.StrategyExactHash || *verdict.DuplicateOfID != id {
		t.Errorf("expected exact_hash against %d, got %+v", id, verdict)
	}
}

func TestCheckDuplicate_ExcludesSelfOnRescan(t *testing.T) {
	store := newTestStore(t)
	svc := NewDedupService(store, config.DefaultDedupConfig())
	ctx := context.Background()

	r := listing("immowelt", "7", "https://welt.example/7", "Quiet flat", "800 €", "50 m²", "2", "Birkenweg 2")
	insert(t, store, r)

	verdict, err := svc.CheckDuplicate(ctx, r)
	if err != nil {
		t.Fatalf("check duplicate: %v", err)
	}
	if verdict.IsDuplicate {
		t.Fatalf("a stored listing must not match itself, got %+v", verdict)
	}

	// a listing already flagged as duplicate of r does not turn r into its duplicate
	dup := listing("other", "", "https://other.example/7", "Quiet flat", "800 €", "50 m²", "2", "Birkenweg 2")
	dupID := insert(t, store, dup)
	if err := store.MarkDuplicate(ctx, dupID, r.ID, 1, models.StrategyFuzzyMatch); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}

	verdict, err = svc.CheckDuplicate(ctx, r)
	if err != nil {
		t.Fatalf("check duplicate: %v", err)
	}
	if verdict.IsDuplicate {
		t.Errorf("expected no match against own duplicate, got %+v", verdict)
	}
}

func TestCheckDuplicate_ResolvesCanonicalRoot(t *testing.T) {
	store := newTestStore(t)
	svc := NewDedupService(store, config.DefaultDedupConfig())
	ctx := context.Background()

	root := insert(t, store, listing("a", "", "https://a.example/1", "Flat one", "1", "", "", ""))
	dupID := insert(t, store, listing("b", "", "https://b.example/1", "Flat two", "2", "", "", ""))
	if err := store.MarkDuplicate(ctx, dupID, root, 0.9, models.StrategyFuzzyMatch); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}

	verdict, err := svc.CheckDuplicate(ctx, listing("c", "", "https://b.example/1", "Something", "3", "", "", ""))
	if err != nil {
		t.Fatalf("check duplicate: %v", err)
	}
	if verdict.Strategy != models.StrategyURLMatch {
		t.Fatalf("expected url_match, got %s", verdict.Strategy)
	}
	if *verdict.DuplicateOfID != root {
		t.Errorf("expected verdict to point at root %d, got %d", root, *verdict.DuplicateOfID)
	}
}

func TestFuzzyScore(t *testing.T) {
	svc := NewDedupService(nil, config.DefaultDedupConfig())

	full := listing("a", "", "", "Garden flat", "1000", "80", "3", "Elm Road 3")

	tests := []struct {
		name string
		b    *models.ListingRecord
		want float64
	}{
		{"identical", listing("b", "", "", "Garden flat", "1000", "80", "3", "Elm Road 3"), 1.0},
		{"title only", listing("b", "", "", "Garden flat", "", "", "", ""), 0.30},
		{"price at tolerance edge", listing("b", "", "", "Garden flat", "900", "80", "3", "Elm Road 3"), 1.0 - 0.25*0.5},
		{"unparseable price", listing("b", "", "", "Garden flat", "on request", "80", "3", "Elm Road 3"), 0.75},
		{"nothing shared", listing("b", "", "", "", "", "", "", ""), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.FuzzyScore(full, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("expected %.4f, got %.4f", tt.want, got)
			}
		})
	}
}

func TestFuzzyScore_CustomWeights(t *testing.T) {
	cfg := config.DefaultDedupConfig()
	cfg.Weights = config.FieldWeights{Title: 1, Price: 1}
	svc := NewDedupService(nil, cfg)

	a := listing("a", "", "", "Garden flat", "1000", "", "", "")
	b := listing("b", "", "", "Garden flat", "", "", "", "")
	if got := svc.FuzzyScore(a, b); got != 0.5 {
		t.Errorf("expected score divided by total weight (0.5), got %v", got)
	}
}

func TestDuplicateStatistics(t *testing.T) {
	store := newTestStore(t)
	svc := NewDedupService(store, config.DefaultDedupConfig())
	ctx := context.Background()

	stats, err := svc.DuplicateStatistics(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DuplicateRate != 0 || stats.TotalListings != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}

	canonical := insert(t, store, listing("a", "1", "", "One", "", "", "", ""))
	dup := insert(t, store, listing("b", "2", "", "Two", "", "", "", ""))
	insert(t, store, listing("a", "3", "", "Three", "", "", "", ""))
	insert(t, store, listing("b", "4", "", "Four", "", "", "", ""))
	if err := store.MarkDuplicate(ctx, dup, canonical, 1, models.StrategyExactHash); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}

	stats, err = svc.DuplicateStatistics(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDuplicates != 1 || stats.DuplicatesByProvider["b"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.DuplicateRate != 0.25 {
		t.Errorf("expected rate 0.25, got %v", stats.DuplicateRate)
	}
}

func TestCheckDuplicate_ProviderIDWinsOverFuzzy(t *testing.T) {
	store := newTestStore(t)
	svc := NewDedupService(store, config.DefaultDedupConfig())

	stored := listing("immoscout", "123", "https://immo.example/a", "Helle 3-Zimmer-Wohnung in Mitte", "1.200 €", "85 m²", "3", "Hauptstraße 5, Berlin")
	storedID := insert(t, store, stored)
	candidate := listing("immoscout", "123", "https://immo.example/b", "Helle 3-Zimmer-Wohnung in Mitte, renoviert", "1.200 €", "85 m²", "3", "Hauptstraße 5, Berlin")

	if candidate.ContentHash == stored.ContentHash {
		t.Fatal("expected the extra title word to change the hash")
	}
	if score := svc.FuzzyScore(candidate, stored); score < config.DefaultDedupConfig().FuzzyMatchThreshold {
		t.Fatalf("expected the pair to clear the fuzzy threshold, got %.3f", score)
	}

	verdict, err := svc.CheckDuplicate(context.Background(), candidate)
	if err != nil {
		t.Fatalf("check duplicate: %v", err)
	}
	if verdict.Strategy != models.StrategyProviderExternalID || verdict.Confidence != 0.95 {
		t.Errorf("expected provider_external_id at 0.95, got %s at %v", verdict.Strategy, verdict.Confidence)
	}
	if verdict.DuplicateOfID == nil || *verdict.DuplicateOfID != storedID {
		t.Errorf("expected duplicate of %d, got %v", storedID, verdict.DuplicateOfID)
	}
}
