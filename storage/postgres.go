package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"aptscout/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, unavailable("create pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, unavailable("migrate", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		external_id TEXT,
		url TEXT,
		title TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '',
		price_value DOUBLE PRECISION,
		size TEXT NOT NULL DEFAULT '',
		size_value DOUBLE PRECISION,
		rooms TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		content_hash VARCHAR(64) NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		deduplication_status TEXT NOT NULL DEFAULT 'unique',
		duplicate_of_id BIGINT,
		duplicate_confidence DOUBLE PRECISION,
		duplicate_strategy TEXT NOT NULL DEFAULT '',
		raw_data JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id BIGSERIAL PRIMARY KEY,
		listing_id BIGINT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		validation_status TEXT NOT NULL DEFAULT 'unverified',
		UNIQUE (listing_id, type, value)
	);

	CREATE TABLE IF NOT EXISTS listing_images (
		id BIGSERIAL PRIMARY KEY,
		listing_id BIGINT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		UNIQUE (listing_id, url)
	);

	CREATE TABLE IF NOT EXISTS cleanup_runs (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		merge_data BOOLEAN,
		policy TEXT,
		merged INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		error TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_listings_provider_external
		ON listings(provider, external_id) WHERE external_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS uq_listings_url_active
		ON listings(url) WHERE url IS NOT NULL AND status = 'active' AND deduplication_status IN ('unique', 'duplicate');
	CREATE INDEX IF NOT EXISTS idx_listings_hash ON listings(content_hash, deduplication_status);
	CREATE INDEX IF NOT EXISTS idx_listings_url ON listings(url);
	CREATE INDEX IF NOT EXISTS idx_listings_dedup ON listings(deduplication_status, id);
	CREATE INDEX IF NOT EXISTS idx_listings_duplicate_of ON listings(duplicate_of_id);
	CREATE INDEX IF NOT EXISTS idx_listings_price ON listings(price_value);
	CREATE INDEX IF NOT EXISTS idx_images_listing ON listing_images(listing_id, position);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

type pgxQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanPostgresListing(row pgx.Row) (*models.ListingRecord, error) {
	var r models.ListingRecord
	var rawData []byte
	err := row.Scan(&r.ID, &r.Provider, &r.ExternalID, &r.URL, &r.Title, &r.Price, &r.PriceValue, &r.Size, &r.SizeValue,
		&r.Rooms, &r.Address, &r.Description, &r.ContentHash, &r.Status, &r.DeduplicationStatus, &r.DuplicateOfID,
		&r.DuplicateConfidence, &r.DuplicateStrategy, &rawData, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(rawData) > 0 {
		r.RawData = json.RawMessage(rawData)
	}
	return &r, nil
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPostgres(op+": begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgres(op+": commit", err)
	}
	return nil
}

// =============================================================================
// Listings
// =============================================================================

func (s *PostgresStore) Insert(ctx context.Context, r *models.ListingRecord) (int64, error) {
	now := time.Now().UTC()
	status := r.Status
	if status == "" {
		status = models.StatusActive
	}
	dedupStatus := r.DeduplicationStatus
	if dedupStatus == "" {
		dedupStatus = models.DedupUnique
	}

	var id int64
	err := s.withTx(ctx, "insert listing", func(tx pgx.Tx) error {
		if r.DuplicateOfID != nil {
			if _, err := postgresLifecycleOf(ctx, tx, *r.DuplicateOfID); err != nil {
				return err
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO listings (provider, external_id, url, title, price, price_value, size, size_value,
				rooms, address, description, content_hash, status, deduplication_status, duplicate_of_id,
				duplicate_confidence, duplicate_strategy, raw_data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT DO NOTHING
			RETURNING id`,
			r.Provider, r.ExternalID, r.URL, r.Title, r.Price, r.PriceValue, r.Size, r.SizeValue,
			r.Rooms, r.Address, r.Description, r.ContentHash, status, dedupStatus, r.DuplicateOfID,
			r.DuplicateConfidence, r.DuplicateStrategy, rawJSONB(r.RawData), now, now,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return s.conflictFor(ctx, tx, r)
		}
		if err != nil {
			return classifyPostgres("insert listing", err)
		}

		if _, err := insertPostgresContacts(ctx, tx, id, r.Contacts); err != nil {
			return err
		}
		_, err = insertPostgresImages(ctx, tx, id, r.Images)
		return err
	})
	if err != nil {
		return 0, err
	}

	r.ID = id
	r.Status = status
	r.DeduplicationStatus = dedupStatus
	r.CreatedAt = now
	r.UpdatedAt = now
	return id, nil
}

// conflictFor names the natural key that made ON CONFLICT DO NOTHING skip r
func (s *PostgresStore) conflictFor(ctx context.Context, q pgxQueryer, r *models.ListingRecord) error {
	var existing int64
	if r.ExternalID != nil {
		err := q.QueryRow(ctx, `SELECT id FROM listings WHERE provider = $1 AND external_id = $2`,
			r.Provider, *r.ExternalID).Scan(&existing)
		if err == nil {
			return &ConflictError{Reason: ConflictProviderExternalID, ExistingID: existing}
		}
		if err != pgx.ErrNoRows {
			return classifyPostgres("check provider external id", err)
		}
	}
	if r.URL != nil {
		err := q.QueryRow(ctx, `
			SELECT id FROM listings
			WHERE url = $1 AND status = 'active' AND deduplication_status IN ('unique', 'duplicate')`,
			*r.URL).Scan(&existing)
		if err == nil {
			return &ConflictError{Reason: ConflictURL, ExistingID: existing}
		}
		if err != pgx.ErrNoRows {
			return classifyPostgres("check url", err)
		}
	}
	return &ConflictError{Reason: ConflictConstraint}
}

func (s *PostgresStore) UpdateContent(ctx context.Context, r *models.ListingRecord) error {
	return s.withTx(ctx, "update listing", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE listings SET title = $1, price = $2, price_value = $3, size = $4, size_value = $5,
				rooms = $6, address = $7, description = $8, content_hash = $9,
				raw_data = COALESCE($10, raw_data), updated_at = NOW()
			WHERE id = $11`,
			r.Title, r.Price, r.PriceValue, r.Size, r.SizeValue, r.Rooms, r.Address, r.Description,
			r.ContentHash, rawJSONB(r.RawData), r.ID)
		if err != nil {
			return classifyPostgres("update listing", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound(r.ID)
		}

		if _, err := insertPostgresContacts(ctx, tx, r.ID, r.Contacts); err != nil {
			return err
		}
		_, err = insertPostgresImages(ctx, tx, r.ID, r.Images)
		return err
	})
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.ListingRecord, error) {
	r, err := s.findOne(ctx, "find by id", `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if err != nil || r == nil {
		return r, err
	}
	if err := loadPostgresCollections(ctx, s.pool, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) FindByURL(ctx context.Context, url string) (*models.ListingRecord, error) {
	return s.findOne(ctx, "find by url", `
		SELECT `+listingColumns+` FROM listings WHERE url = $1
		ORDER BY deduplication_status = 'merged', status != 'active', id
		LIMIT 1`, url)
}

func (s *PostgresStore) FindByProviderExternalID(ctx context.Context, provider, externalID string) (*models.ListingRecord, error) {
	return s.findOne(ctx, "find by provider external id", `
		SELECT `+listingColumns+` FROM listings WHERE provider = $1 AND external_id = $2`,
		provider, externalID)
}

func (s *PostgresStore) FindByContentHash(ctx context.Context, hash string, excludeID int64) (*models.ListingRecord, error) {
	return s.findOne(ctx, "find by content hash", `
		SELECT `+listingColumns+` FROM listings
		WHERE content_hash = $1 AND deduplication_status = 'unique' AND id != $2
		ORDER BY id
		LIMIT 1`, hash, excludeID)
}

func (s *PostgresStore) findOne(ctx context.Context, op, query string, args ...any) (*models.ListingRecord, error) {
	r, err := scanPostgresListing(s.pool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgres(op, err)
	}
	return r, nil
}

func (s *PostgresStore) FuzzyCandidates(ctx context.Context, r *models.ListingRecord, limit int) ([]models.ListingRecord, error) {
	args := []any{r.ID}
	query := `
		SELECT ` + listingColumns + ` FROM listings
		WHERE status = 'active' AND deduplication_status != 'merged' AND id != $1
			AND (duplicate_of_id IS NULL OR duplicate_of_id != $1)`

	if r.PriceValue != nil && *r.PriceValue > 0 {
		args = append(args, *r.PriceValue*0.5, *r.PriceValue*1.5)
		query += " AND (price_value IS NULL OR price_value BETWEEN $2 AND $3)"
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	return s.queryListings(ctx, "fuzzy candidates", query, args...)
}

func (s *PostgresStore) List(ctx context.Context, filter models.ListingFilter, limit, offset int) ([]models.ListingRecord, error) {
	var conditions []string
	var args []any
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		conditions = append(conditions, cond)
	}

	if filter.Provider != "" {
		add("provider = ?", filter.Provider)
	}
	if filter.Status != "" {
		add("status = ?", filter.Status)
	}
	if filter.DeduplicationStatus != "" {
		add("deduplication_status = ?", filter.DeduplicationStatus)
	}
	if filter.PriceMax != nil {
		add("price_value IS NOT NULL AND price_value <= ?", *filter.PriceMax)
	}
	if q := strings.TrimSpace(filter.TextQuery); q != "" {
		pattern := "%" + q + "%"
		add("(title ILIKE ? OR address ILIKE ? OR description ILIKE ?)", pattern, pattern, pattern)
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	switch filter.SortBy {
	case models.SortPrice:
		query += " ORDER BY price_value ASC NULLS LAST, id"
	case models.SortNewest:
		query += " ORDER BY id DESC"
	default:
		query += " ORDER BY id"
	}

	var pageLimit *int
	if limit > 0 {
		pageLimit = &limit
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, pageLimit, offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return s.queryListings(ctx, "list listings", query, args...)
}

func (s *PostgresStore) UniqueSince(ctx context.Context, afterID int64, limit int) ([]models.ListingRecord, error) {
	return s.queryListings(ctx, "unique since", `
		SELECT `+listingColumns+` FROM listings
		WHERE id > $1 AND status = 'active' AND deduplication_status = 'unique'
		ORDER BY id
		LIMIT $2`, afterID, limit)
}

func (s *PostgresStore) queryListings(ctx context.Context, op, query string, args ...any) ([]models.ListingRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgres(op, err)
	}
	defer rows.Close()

	var listings []models.ListingRecord
	for rows.Next() {
		r, err := scanPostgresListing(rows)
		if err != nil {
			return nil, classifyPostgres(op, err)
		}
		listings = append(listings, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(op, err)
	}
	return listings, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, status string) error {
	if status != models.StatusActive && status != models.StatusInactive {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, status)
	}

	return s.withTx(ctx, "update status", func(tx pgx.Tx) error {
		state, err := postgresLifecycleOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if state.dedupStatus == models.DedupMerged && status == models.StatusActive {
			return fmt.Errorf("%w: listing %d is merged", ErrInvalidState, id)
		}

		_, err = tx.Exec(ctx, `UPDATE listings SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
		if isPostgresUniqueViolation(err) {
			return &ConflictError{Reason: ConflictURL}
		}
		if err != nil {
			return classifyPostgres("update status", err)
		}
		return nil
	})
}

func (s *PostgresStore) MarkDuplicate(ctx context.Context, id, canonicalID int64, confidence float64, strategy models.Strategy) error {
	if id == canonicalID {
		return ErrSelfReference
	}

	return s.withTx(ctx, "mark duplicate", func(tx pgx.Tx) error {
		sub, err := postgresLifecycleOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := postgresLifecycleOf(ctx, tx, canonicalID); err != nil {
			return err
		}

		if sub.dedupStatus == models.DedupMerged {
			if sub.duplicateOf != nil && *sub.duplicateOf == canonicalID {
				return nil
			}
			return fmt.Errorf("%w: listing %d is already merged", ErrInvalidState, id)
		}

		_, err = tx.Exec(ctx, `
			UPDATE listings SET deduplication_status = 'duplicate', duplicate_of_id = $1,
				duplicate_confidence = $2, duplicate_strategy = $3, updated_at = NOW()
			WHERE id = $4`,
			canonicalID, confidence, string(strategy), id)
		if err != nil {
			return classifyPostgres("mark duplicate", err)
		}
		return nil
	})
}

func (s *PostgresStore) MergeInto(ctx context.Context, subordinateID, canonicalID int64) (*models.MergeOutcome, error) {
	return s.merge(ctx, subordinateID, canonicalID, true)
}

func (s *PostgresStore) MarkMerged(ctx context.Context, subordinateID, canonicalID int64) (*models.MergeOutcome, error) {
	return s.merge(ctx, subordinateID, canonicalID, false)
}

func (s *PostgresStore) merge(ctx context.Context, subordinateID, canonicalID int64, copyData bool) (*models.MergeOutcome, error) {
	if subordinateID == canonicalID {
		return nil, ErrSelfReference
	}

	outcome := &models.MergeOutcome{}
	err := s.withTx(ctx, "merge listing", func(tx pgx.Tx) error {
		// Lock both rows in id order so concurrent merges cannot deadlock
		first, second := subordinateID, canonicalID
		if first > second {
			first, second = second, first
		}
		if _, err := tx.Exec(ctx, `SELECT id FROM listings WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`, first, second); err != nil {
			return classifyPostgres("lock listings", err)
		}

		sub, err := postgresLifecycleOf(ctx, tx, subordinateID)
		if err != nil {
			return err
		}
		if _, err := postgresLifecycleOf(ctx, tx, canonicalID); err != nil {
			return err
		}

		if sub.dedupStatus == models.DedupMerged {
			if sub.duplicateOf != nil && *sub.duplicateOf == canonicalID {
				return nil
			}
			return fmt.Errorf("%w: listing %d is already merged", ErrInvalidState, subordinateID)
		}

		if copyData {
			tag, err := tx.Exec(ctx, `
				INSERT INTO contacts (listing_id, type, value, confidence, source, validation_status)
				SELECT $1, type, value, confidence, source, validation_status
				FROM contacts WHERE listing_id = $2 ORDER BY id
				ON CONFLICT (listing_id, type, value) DO NOTHING`,
				canonicalID, subordinateID)
			if err != nil {
				return classifyPostgres("merge contacts", err)
			}
			outcome.ContactsCopied = int(tag.RowsAffected())

			tag, err = tx.Exec(ctx, `
				INSERT INTO listing_images (listing_id, url, position)
				SELECT $1, url, position + (SELECT COALESCE(MAX(position) + 1, 0) FROM listing_images WHERE listing_id = $1)
				FROM listing_images WHERE listing_id = $2 ORDER BY position
				ON CONFLICT (listing_id, url) DO NOTHING`,
				canonicalID, subordinateID)
			if err != nil {
				return classifyPostgres("merge images", err)
			}
			outcome.ImagesCopied = int(tag.RowsAffected())
		}

		_, err = tx.Exec(ctx, `
			UPDATE listings SET deduplication_status = 'merged', status = 'inactive',
				duplicate_of_id = $1, updated_at = NOW()
			WHERE id = $2`, canonicalID, subordinateID)
		if err != nil {
			return classifyPostgres("retire merged listing", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE listings SET updated_at = NOW() WHERE id = $1`, canonicalID); err != nil {
			return classifyPostgres("touch canonical listing", err)
		}

		outcome.Merged = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	return s.withTx(ctx, "delete listing", func(tx pgx.Tx) error {
		target, err := postgresLifecycleOf(ctx, tx, id)
		if err != nil {
			return err
		}

		if target.duplicateOf != nil {
			if _, err := tx.Exec(ctx, `UPDATE listings SET duplicate_of_id = $1 WHERE duplicate_of_id = $2`,
				*target.duplicateOf, id); err != nil {
				return classifyPostgres("repoint duplicates", err)
			}
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE listings SET deduplication_status = 'unique', duplicate_of_id = NULL,
					duplicate_confidence = NULL, duplicate_strategy = ''
				WHERE duplicate_of_id = $1 AND deduplication_status = 'duplicate'`, id); err != nil {
				return classifyPostgres("release duplicates", err)
			}
			// contacts and images of the tombstones go with them via ON DELETE CASCADE
			if _, err := tx.Exec(ctx, `
				DELETE FROM listings WHERE duplicate_of_id = $1 AND deduplication_status = 'merged'`, id); err != nil {
				return classifyPostgres("delete merged tombstones", err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM listings WHERE id = $1`, id); err != nil {
			return classifyPostgres("delete listing", err)
		}
		return nil
	})
}

type postgresLifecycle struct {
	status      string
	dedupStatus string
	duplicateOf *int64
}

func postgresLifecycleOf(ctx context.Context, q pgxQueryer, id int64) (*postgresLifecycle, error) {
	var l postgresLifecycle
	err := q.QueryRow(ctx, `
		SELECT status, deduplication_status, duplicate_of_id FROM listings WHERE id = $1`, id).
		Scan(&l.status, &l.dedupStatus, &l.duplicateOf)
	if err == pgx.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, classifyPostgres("load listing state", err)
	}
	return &l, nil
}

// =============================================================================
// Duplicate statistics
// =============================================================================

func (s *PostgresStore) DuplicateLinks(ctx context.Context) ([]models.DuplicateLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(duplicate_of_id, 0) FROM listings
		WHERE deduplication_status = 'duplicate'
		ORDER BY id`)
	if err != nil {
		return nil, classifyPostgres("duplicate links", err)
	}
	defer rows.Close()

	var links []models.DuplicateLink
	for rows.Next() {
		var link models.DuplicateLink
		if err := rows.Scan(&link.ID, &link.CanonicalID); err != nil {
			return nil, classifyPostgres("duplicate links", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *PostgresStore) DuplicateStats(ctx context.Context) (*models.DuplicateStats, error) {
	stats := &models.DuplicateStats{DuplicatesByProvider: make(map[string]int)}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE deduplication_status = 'duplicate'),
			COUNT(*) FILTER (WHERE deduplication_status = 'merged')
		FROM listings`).Scan(&stats.TotalListings, &stats.TotalDuplicates, &stats.TotalMerged)
	if err != nil {
		return nil, classifyPostgres("duplicate stats", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT provider, COUNT(*) FROM listings
		WHERE deduplication_status = 'duplicate'
		GROUP BY provider`)
	if err != nil {
		return nil, classifyPostgres("duplicate stats by provider", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, classifyPostgres("duplicate stats by provider", err)
		}
		stats.DuplicatesByProvider[provider] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("duplicate stats by provider", err)
	}

	if stats.TotalListings > 0 {
		stats.DuplicateRate = float64(stats.TotalDuplicates) / float64(stats.TotalListings)
	}
	return stats, nil
}

func (s *PostgresStore) RecordCleanupRun(ctx context.Context, run *models.CleanupRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cleanup_runs (id, started_at, finished_at, merge_data, policy, merged, deleted, skipped, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			merged = EXCLUDED.merged,
			deleted = EXCLUDED.deleted,
			skipped = EXCLUDED.skipped,
			error = EXCLUDED.error`,
		run.ID, run.StartedAt, run.FinishedAt, run.MergeData, run.Policy,
		run.Merged, run.Deleted, run.Skipped, run.Error)
	if err != nil {
		return classifyPostgres("record cleanup run", err)
	}
	return nil
}

// =============================================================================
// Contacts and images
// =============================================================================

func insertPostgresContacts(ctx context.Context, q pgxQueryer, listingID int64, contacts []models.Contact) (int, error) {
	inserted := 0
	for _, c := range contacts {
		validation := c.ValidationStatus
		if validation == "" {
			validation = models.ValidationUnverified
		}
		tag, err := q.Exec(ctx, `
			INSERT INTO contacts (listing_id, type, value, confidence, source, validation_status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (listing_id, type, value) DO NOTHING`,
			listingID, c.Type, c.Value, c.Confidence, c.Source, validation)
		if err != nil {
			return inserted, classifyPostgres("insert contact", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func insertPostgresImages(ctx context.Context, q pgxQueryer, listingID int64, images []string) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}

	var next int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM listing_images WHERE listing_id = $1`, listingID).Scan(&next)
	if err != nil {
		return 0, classifyPostgres("next image position", err)
	}

	inserted := 0
	for _, url := range images {
		tag, err := q.Exec(ctx, `
			INSERT INTO listing_images (listing_id, url, position) VALUES ($1, $2, $3)
			ON CONFLICT (listing_id, url) DO NOTHING`,
			listingID, url, next)
		if err != nil {
			return inserted, classifyPostgres("insert image", err)
		}
		if tag.RowsAffected() > 0 {
			inserted++
			next++
		}
	}
	return inserted, nil
}

func loadPostgresCollections(ctx context.Context, q pgxQueryer, r *models.ListingRecord) error {
	rows, err := q.Query(ctx, `
		SELECT id, listing_id, type, value, confidence, source, validation_status
		FROM contacts WHERE listing_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return classifyPostgres("load contacts", err)
	}
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Contact, error) {
		var c models.Contact
		err := row.Scan(&c.ID, &c.ListingID, &c.Type, &c.Value, &c.Confidence, &c.Source, &c.ValidationStatus)
		return c, err
	})
	if err != nil {
		return classifyPostgres("load contacts", err)
	}
	r.Contacts = contacts

	rows, err = q.Query(ctx, `
		SELECT url FROM listing_images WHERE listing_id = $1 ORDER BY position, id`, r.ID)
	if err != nil {
		return classifyPostgres("load images", err)
	}
	images, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return classifyPostgres("load images", err)
	}
	r.Images = images
	return nil
}

// =============================================================================
// Errors
// =============================================================================

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classifyPostgres marks connection loss, server shutdown and resource
// exhaustion as ErrStoreUnavailable.
func classifyPostgres(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "closed pool") || strings.Contains(err.Error(), "conn closed") {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rawJSONB(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
