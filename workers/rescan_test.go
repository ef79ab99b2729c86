package workers

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"aptscout/config"
	"aptscout/identity"
	"aptscout/models"
	"aptscout/services"
	"aptscout/similarity"
	"aptscout/storage"
)

func newRescanWorker(t *testing.T) (*RescanWorker, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "rescan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dedup := services.NewDedupService(store, config.DefaultDedupConfig())
	merge := services.NewMergeService(store, nil, config.DeletePolicyMark)
	w := NewRescanWorker(store, dedup, merge)
	w.SetLogger(NoOpLogger)
	return w, store
}

func storeListing(t *testing.T, store storage.ListingStore, provider, url, title, price, address string) int64 {
	t.Helper()
	r := &models.ListingRecord{
		Provider: provider,
		URL:      &url,
		Title:    title,
		Price:    price,
		Size:     "65 m²",
		Rooms:    "2",
		Address:  address,
		Status:   models.StatusActive,
	}
	if v, ok := similarity.ParseMagnitude(price); ok {
		r.PriceValue = &v
	}
	if v, ok := similarity.ParseMagnitude(r.Size); ok {
		r.SizeValue = &v
	}
	r.ContentHash = identity.ContentHash(r)

	id, err := store.Insert(context.Background(), r)
	if err != nil {
		t.Fatalf("insert %s: %v", url, err)
	}
	return id
}

func TestRescanWorker_FlagsNewerListing(t *testing.T) {
	w, store := newRescanWorker(t)
	ctx := context.Background()

	older := storeListing(t, store, "immowelt", "https://welt.example/1", "Sonnige 2-Zimmer-Wohnung mit Balkon", "950 €", "Kastanienallee 12, Berlin")
	newer := storeListing(t, store, "immoscout", "https://scout.example/9", "Sonnige 2-Zimmer-Wohnung mit Balkon", "950 €", "Kastanienallee 12, Berlin")
	other := storeListing(t, store, "immoscout", "https://scout.example/10", "Loft am Hafen", "2.400 €", "Am Hafen 3, Hamburg")

	stats := w.ProcessBatch(ctx, 10)
	if stats.Duplicates != 1 || stats.Errors != 0 {
		t.Fatalf("expected one duplicate and no errors, got %+v", stats)
	}
	if !stats.Wrapped {
		t.Error("expected cursor to wrap after a short page")
	}

	got, _ := store.FindByID(ctx, newer)
	if got.DeduplicationStatus != models.DedupDuplicate {
		t.Fatalf("expected newer listing flagged, got %s", got.DeduplicationStatus)
	}
	if got.DuplicateOfID == nil || *got.DuplicateOfID != older {
		t.Errorf("expected duplicate of %d, got %v", older, got.DuplicateOfID)
	}
	if got.DuplicateStrategy != string(models.StrategyFuzzyMatch) {
		t.Errorf("expected fuzzy_match, got %q", got.DuplicateStrategy)
	}

	for _, id := range []int64{older, other} {
		r, _ := store.FindByID(ctx, id)
		if r.DeduplicationStatus != models.DedupUnique {
			t.Errorf("listing %d: expected unique, got %s", id, r.DeduplicationStatus)
		}
	}

	again := w.ProcessBatch(ctx, 10)
	if again.Duplicates != 0 {
		t.Errorf("expected a second pass to find nothing, got %+v", again)
	}
}

func TestRescanWorker_CursorPaging(t *testing.T) {
	w, store := newRescanWorker(t)
	ctx := context.Background()

	storeListing(t, store, "a", "https://a.example/1", "Loft am Hafen", "2.400 €", "Am Hafen 3, Hamburg")
	storeListing(t, store, "b", "https://b.example/2", "Reihenhaus mit Garten", "1.800 €", "Gartenweg 8, Köln")

	first := w.ProcessBatch(ctx, 1)
	if first.Checked != 1 || first.Wrapped {
		t.Fatalf("expected one checked without wrap, got %+v", first)
	}
	second := w.ProcessBatch(ctx, 1)
	if second.Checked != 1 || second.Wrapped {
		t.Fatalf("expected second page without wrap, got %+v", second)
	}
	third := w.ProcessBatch(ctx, 1)
	if third.Checked != 0 || !third.Wrapped {
		t.Fatalf("expected empty page to wrap, got %+v", third)
	}
	fourth := w.ProcessBatch(ctx, 1)
	if fourth.Checked != 1 {
		t.Errorf("expected paging to restart from the beginning, got %+v", fourth)
	}
}

func TestRescanWorker_StoreErrorIsLogged(t *testing.T) {
	w, store := newRescanWorker(t)

	var mu sync.Mutex
	var messages []string
	w.SetLogger(func(level models.LogLevel, source, message string) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, string(level)+" "+source+" "+message)
	})

	store.Close()
	stats := w.ProcessBatch(context.Background(), 10)
	if stats.Errors != 1 {
		t.Fatalf("expected one error, got %+v", stats)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 1 || !strings.HasPrefix(messages[0], "error rescan") {
		t.Errorf("unexpected log output %v", messages)
	}
}

func TestRescanWorker_Trigger(t *testing.T) {
	w, store := newRescanWorker(t)

	storeListing(t, store, "immowelt", "https://welt.example/1", "Sonnige 2-Zimmer-Wohnung mit Balkon", "950 €", "Kastanienallee 12, Berlin")
	storeListing(t, store, "immoscout", "https://scout.example/9", "Sonnige 2-Zimmer-Wohnung mit Balkon", "950 €", "Kastanienallee 12, Berlin")

	logged := make(chan string, 10)
	w.SetLogger(func(level models.LogLevel, source, message string) {
		logged <- message
	})

	// repeated triggers never block
	w.Trigger()
	w.Trigger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, 10, time.Hour)
		close(done)
	}()

	select {
	case msg := <-logged:
		if !strings.Contains(msg, "duplicate") {
			t.Errorf("unexpected first message %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("triggered batch did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRescanWorker_RejectsNonPositiveBatch(t *testing.T) {
	w, store := newRescanWorker(t)
	storeListing(t, store, "a", "https://a.example/1", "Loft am Hafen", "2.400 €", "Am Hafen 3, Hamburg")

	for _, size := range []int{0, -1} {
		stats := w.ProcessBatch(context.Background(), size)
		if stats.Errors != 1 || stats.Checked != 0 {
			t.Errorf("batch size %d: expected a single error, got %+v", size, stats)
		}
	}
}
