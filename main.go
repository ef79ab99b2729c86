package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"aptscout/config"
	"aptscout/logging"
	"aptscout/models"
	"aptscout/scheduler"
	"aptscout/services"
	"aptscout/storage"
	"aptscout/workers"
	"golang.org/x/sync/errgroup"
)

var (
	importFiles = flag.String("import", "", "Comma-separated JSON-lines files of scraped listings to ingest, then exit")
	cleanupNow  = flag.Bool("cleanup", false, "Run duplicate cleanup once and exit")
	mergeData   = flag.Bool("merge", true, "With -cleanup, copy contacts and images into the canonical listing")
	rescanNow   = flag.Bool("rescan", false, "Re-check every unique listing for duplicates and exit")
	showStats   = flag.Bool("stats", false, "Print duplicate statistics and exit")
	listNow     = flag.Bool("list", false, "Print stored listings as JSON and exit")
	provider    = flag.String("provider", "", "With -list, only this provider")
	listStatus  = flag.String("listing-status", "", "With -list, only this listing status (active, inactive)")
	dedupStatus = flag.String("dedup-status", "", "With -list, only this deduplication status (unique, duplicate, merged)")
	priceMax    = flag.Float64("price-max", 0, "With -list, only listings with a parsed price at or below this (0 for no limit)")
	query       = flag.String("q", "", "With -list, text search over title, address and description")
	sortBy      = flag.String("sort", "", "With -list, sort order: price or newest (default insertion order)")
	limit       = flag.Int("limit", 50, "With -list, page size (0 for all)")
	offset      = flag.Int("offset", 0, "With -list, rows to skip")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.SetLevel(cfg.LogLevel)

	logFile, err := logging.Setup(cfg.LogFile)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting aptscout...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	var archiver storage.ReportArchiver
	s3cfg := storage.S3Config(cfg.S3)
	if s3cfg.Enabled() {
		a, err := storage.NewS3Archiver(ctx, s3cfg)
		if err != nil {
			log.Printf("Warning: cleanup reports will not be archived: %v", err)
		} else {
			archiver = a
			log.Printf("Archiving cleanup reports to s3://%s/%s", s3cfg.Bucket, s3cfg.Prefix)
		}
	}

	// Initialize services
	dedupService := services.NewDedupService(store, cfg.Dedup)
	mergeService := services.NewMergeService(store, archiver, cfg.Dedup.DeletePolicy)
	listingService := services.NewListingService(store, dedupService)
	rescanWorker := workers.NewRescanWorker(store, dedupService, mergeService)

	// Handle one-shot commands
	switch {
	case *importFiles != "":
		if err := runImport(ctx, listingService, strings.Split(*importFiles, ",")); err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		return
	case *cleanupNow:
		result, err := mergeService.CleanupDuplicates(ctx, *mergeData)
		if err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
		printJSON(result)
		return
	case *rescanNow:
		runRescan(ctx, rescanWorker, cfg.Scheduler.RescanBatch)
		return
	case *showStats:
		stats, err := dedupService.DuplicateStatistics(ctx)
		if err != nil {
			log.Fatalf("Statistics failed: %v", err)
		}
		printJSON(stats)
		return
	case *listNow:
		filter := listFilter(*provider, *listStatus, *dedupStatus, *query, *sortBy, *priceMax)
		listings, err := listingService.ListListings(ctx, filter, *limit, *offset)
		if err != nil {
			log.Fatalf("List failed: %v", err)
		}
		printJSON(listings)
		return
	}

	// Daemon mode
	sched := scheduler.New(cfg.Scheduler, mergeService)
	if cfg.Scheduler.RescanInterval > 0 {
		go rescanWorker.Run(ctx, cfg.Scheduler.RescanBatch, cfg.Scheduler.RescanInterval)
		sched.SetWorkers(rescanWorker)
		log.Printf("Rescan worker started (batch %d every %s)", cfg.Scheduler.RescanBatch, cfg.Scheduler.RescanInterval)
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("Daemon running. SIGUSR1 rescans, SIGUSR2 runs cleanup, Ctrl+C stops.")

	usrCh := make(chan os.Signal, 1)
	signal.Notify(usrCh, syscall.SIGUSR1, syscall.SIGUSR2)
	for {
		select {
		case <-ctx.Done():
			log.Println("Shutting down...")
			sched.Stop()
			log.Println("Goodbye!")
			return
		case sig := <-usrCh:
			if sig == syscall.SIGUSR1 {
				sched.TriggerRescan()
				continue
			}
			if _, err := sched.RunCleanup(ctx); err != nil {
				log.Printf("Cleanup error: %v", err)
			}
		}
	}
}

func listFilter(provider, status, dedupStatus, query, sortBy string, priceMax float64) models.ListingFilter {
	filter := models.ListingFilter{
		Provider:            provider,
		Status:              status,
		DeduplicationStatus: dedupStatus,
		TextQuery:           query,
		SortBy:              sortBy,
	}
	if priceMax > 0 {
		filter.PriceMax = &priceMax
	}
	return filter
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.ListingStore, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		return store, nil
	default:
		store, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		log.Printf("SQLite database: %s", cfg.DBPath)
		return store, nil
	}
}

// runImport ingests each file concurrently, one goroutine per file
func runImport(ctx context.Context, svc *services.ListingService, paths []string) error {
	total := services.NewProcessStats()
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p := p
		g.Go(func() error {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()

			stats, err := svc.ImportJSONL(gctx, p, f)
			if err != nil {
				return err
			}
			log.Printf("Imported %s: %s", p, stats)
			total.Merge(stats)
			return nil
		})
	}

	err := g.Wait()
	log.Printf("Import total: %s", total)
	for strategy, n := range total.ByStrategy {
		log.Printf("  %s: %d", strategy, n)
	}
	return err
}

// runRescan walks every unique listing once
func runRescan(ctx context.Context, w *workers.RescanWorker, batchSize int) {
	if batchSize <= 0 {
		log.Printf("Warning: rescan batch size %d is not positive, nothing to do", batchSize)
		return
	}
	var checked, duplicates int
	for ctx.Err() == nil {
		stats := w.ProcessBatch(ctx, batchSize)
		checked += stats.Checked
		duplicates += stats.Duplicates
		if stats.Wrapped || (stats.Errors > 0 && stats.Checked == 0) {
			break
		}
	}
	log.Printf("Rescan complete: checked=%d duplicates=%d", checked, duplicates)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("Warning: %v", err)
	}
}

// maskConnectionString hides the password in a connection url for logging
func maskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "<unparseable connection string>"
	}
	return u.Redacted()
}
