package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"aptscout/models"
	"github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the listing database at dbPath.
// Write transactions start with BEGIN IMMEDIATE so concurrent writers queue
// on the busy timeout instead of racing on natural keys.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, unavailable("open", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("ping", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, unavailable("migrate", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		external_id TEXT,
		url TEXT,
		title TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '',
		price_value REAL,
		size TEXT NOT NULL DEFAULT '',
		size_value REAL,
		rooms TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		deduplication_status TEXT NOT NULL DEFAULT 'unique',
		duplicate_of_id INTEGER,
		duplicate_confidence REAL,
		duplicate_strategy TEXT NOT NULL DEFAULT '',
		raw_data JSON,
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id INTEGER PRIMARY KEY,
		listing_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		validation_status TEXT NOT NULL DEFAULT 'unverified',
		FOREIGN KEY (listing_id) REFERENCES listings(id) ON DELETE CASCADE,
		UNIQUE(listing_id, type, value)
	);

	CREATE TABLE IF NOT EXISTS listing_images (
		id INTEGER PRIMARY KEY,
		listing_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (listing_id) REFERENCES listings(id) ON DELETE CASCADE,
		UNIQUE(listing_id, url)
	);

	CREATE TABLE IF NOT EXISTS cleanup_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME,
		finished_at DATETIME,
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
	CREATE INDEX IF NOT EXISTS idx_contacts_listing ON contacts(listing_id);
	CREATE INDEX IF NOT EXISTS idx_images_listing ON listing_images(listing_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

const listingColumns = `id, provider, external_id, url, title, price, price_value, size, size_value,
	rooms, address, description, content_hash, status, deduplication_status, duplicate_of_id,
	duplicate_confidence, duplicate_strategy, raw_data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanSQLiteListing(row rowScanner) (*models.ListingRecord, error) {
	var r models.ListingRecord
	var externalID, url, rawData sql.NullString
	var priceValue, sizeValue, confidence sql.NullFloat64
	var duplicateOf sql.NullInt64
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&r.ID, &r.Provider, &externalID, &url, &r.Title, &r.Price, &priceValue, &r.Size, &sizeValue,
		&r.Rooms, &r.Address, &r.Description, &r.ContentHash, &r.Status, &r.DeduplicationStatus, &duplicateOf,
		&confidence, &r.DuplicateStrategy, &rawData, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if externalID.Valid {
		r.ExternalID = &externalID.String
	}
	if url.Valid {
		r.URL = &url.String
	}
	if priceValue.Valid {
		r.PriceValue = &priceValue.Float64
	}
	if sizeValue.Valid {
		r.SizeValue = &sizeValue.Float64
	}
	if duplicateOf.Valid {
		r.DuplicateOfID = &duplicateOf.Int64
	}
	if confidence.Valid {
		r.DuplicateConfidence = &confidence.Float64
	}
	if rawData.Valid && rawData.String != "" {
		r.RawData = json.RawMessage(rawData.String)
	}
	r.CreatedAt = createdAt.Time
	r.UpdatedAt = updatedAt.Time
	return &r, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(op+": commit", err)
	}
	return nil
}

// =============================================================================
// Listings
// =============================================================================

func (s *SQLiteStore) Insert(ctx context.Context, r *models.ListingRecord) (int64, error) {
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
	err := s.withTx(ctx, "insert listing", func(tx *sql.Tx) error {
		if err := s.checkNaturalKeys(ctx, tx, r); err != nil {
			return err
		}
		if r.DuplicateOfID != nil {
			if _, err := lifecycleOf(ctx, tx, *r.DuplicateOfID); err != nil {
				return err
			}
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO listings (provider, external_id, url, title, price, price_value, size, size_value,
				rooms, address, description, content_hash, status, deduplication_status, duplicate_of_id,
				duplicate_confidence, duplicate_strategy, raw_data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Provider, r.ExternalID, r.URL, r.Title, r.Price, r.PriceValue, r.Size, r.SizeValue,
			r.Rooms, r.Address, r.Description, r.ContentHash, status, dedupStatus, r.DuplicateOfID,
			r.DuplicateConfidence, r.DuplicateStrategy, rawJSON(r.RawData), now, now)
		if err != nil {
			if isSQLiteUniqueViolation(err) {
				return &ConflictError{Reason: ConflictConstraint}
			}
			return classifySQLite("insert listing", err)
		}

		id, err = result.LastInsertId()
		if err != nil {
			return classifySQLite("insert listing: last id", err)
		}

		if _, err := insertSQLiteContacts(ctx, tx, id, r.Contacts); err != nil {
			return err
		}
		_, err = insertSQLiteImages(ctx, tx, id, r.Images)
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

func (s *SQLiteStore) checkNaturalKeys(ctx context.Context, q sqlQueryer, r *models.ListingRecord) error {
	if r.ExternalID != nil {
		var existing int64
		err := q.QueryRowContext(ctx, `
			SELECT id FROM listings WHERE provider = ? AND external_id = ?`,
			r.Provider, *r.ExternalID).Scan(&existing)
		if err == nil {
			return &ConflictError{Reason: ConflictProviderExternalID, ExistingID: existing}
		}
		if err != sql.ErrNoRows {
			return classifySQLite("check provider external id", err)
		}
	}

	if r.URL != nil {
		var existing int64
		err := q.QueryRowContext(ctx, `
			SELECT id FROM listings
			WHERE url = ? AND status = 'active' AND deduplication_status IN ('unique', 'duplicate')`,
			*r.URL).Scan(&existing)
		if err == nil {
			return &ConflictError{Reason: ConflictURL, ExistingID: existing}
		}
		if err != sql.ErrNoRows {
			return classifySQLite("check url", err)
		}
	}

	return nil
}

// UpdateContent refreshes the content fields and hash of an existing listing and
// adds any contacts or images it does not have yet. Natural keys are left as is.
func (s *SQLiteStore) UpdateContent(ctx context.Context, r *models.ListingRecord) error {
	now := time.Now().UTC()
	return s.withTx(ctx, "update listing", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE listings SET title = ?, price = ?, price_value = ?, size = ?, size_value = ?,
				rooms = ?, address = ?, description = ?, content_hash = ?,
				raw_data = COALESCE(?, raw_data), updated_at = ?
			WHERE id = ?`,
			r.Title, r.Price, r.PriceValue, r.Size, r.SizeValue, r.Rooms, r.Address, r.Description,
			r.ContentHash, rawJSON(r.RawData), now, r.ID)
		if err != nil {
			return classifySQLite("update listing", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound(r.ID)
		}

		if _, err := insertSQLiteContacts(ctx, tx, r.ID, r.Contacts); err != nil {
			return err
		}
		_, err = insertSQLiteImages(ctx, tx, r.ID, r.Images)
		return err
	})
}

func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (*models.ListingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	r, err := scanSQLiteListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLite("find by id", err)
	}

	if err := loadSQLiteCollections(ctx, s.db, r); err != nil {
		return nil, err
	}
	return r, nil
}

// FindByURL prefers the active, non-merged holder of the url; merged
// tombstones are only returned when nothing else carries it.
func (s *SQLiteStore) FindByURL(ctx context.Context, url string) (*models.ListingRecord, error) {
	return s.findOne(ctx, "find by url", `
		SELECT `+listingColumns+` FROM listings WHERE url = ?
		ORDER BY deduplication_status = 'merged', status != 'active', id
		LIMIT 1`, url)
}

func (s *SQLiteStore) FindByProviderExternalID(ctx context.Context, provider, externalID string) (*models.ListingRecord, error) {
	return s.findOne(ctx, "find by provider external id", `
		SELECT `+listingColumns+` FROM listings WHERE provider = ? AND external_id = ?`,
		provider, externalID)
}

// FindByContentHash returns the oldest unique listing carrying the hash
func (s *SQLiteStore) FindByContentHash(ctx context.Context, hash string, excludeID int64) (*models.ListingRecord, error) {
	return s.findOne(ctx, "find by content hash", `
		SELECT `+listingColumns+` FROM listings
		WHERE content_hash = ? AND deduplication_status = 'unique' AND id != ?
		ORDER BY id
		LIMIT 1`, hash, excludeID)
}

func (s *SQLiteStore) findOne(ctx context.Context, op, query string, args ...any) (*models.ListingRecord, error) {
	r, err := scanSQLiteListing(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLite(op, err)
	}
	return r, nil
}

// FuzzyCandidates returns a bounded, newest-first set of active non-merged
// listings to score against r. When r has a parseable price the set is
// narrowed to a 0.5x..1.5x price bucket (listings without a price stay in).
func (s *SQLiteStore) FuzzyCandidates(ctx context.Context, r *models.ListingRecord, limit int) ([]models.ListingRecord, error) {
	query := `
		SELECT ` + listingColumns + ` FROM listings
		WHERE status = 'active' AND deduplication_status != 'merged' AND id != ?`
	args := []any{r.ID}

	if r.ID > 0 {
		query += " AND (duplicate_of_id IS NULL OR duplicate_of_id != ?)"
		args = append(args, r.ID)
	}
	if r.PriceValue != nil && *r.PriceValue > 0 {
		query += " AND (price_value IS NULL OR price_value BETWEEN ? AND ?)"
		args = append(args, *r.PriceValue*0.5, *r.PriceValue*1.5)
	}

	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	return s.queryListings(ctx, "fuzzy candidates", query, args...)
}

func (s *SQLiteStore) List(ctx context.Context, filter models.ListingFilter, limit, offset int) ([]models.ListingRecord, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1 = 1`
	var args []any

	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.DeduplicationStatus != "" {
		query += " AND deduplication_status = ?"
		args = append(args, filter.DeduplicationStatus)
	}
	if filter.PriceMax != nil {
		query += " AND price_value IS NOT NULL AND price_value <= ?"
		args = append(args, *filter.PriceMax)
	}
	if q := strings.TrimSpace(filter.TextQuery); q != "" {
		pattern := "%" + q + "%"
		query += " AND (title LIKE ? OR address LIKE ? OR description LIKE ?)"
		args = append(args, pattern, pattern, pattern)
	}

	switch filter.SortBy {
	case models.SortPrice:
		query += " ORDER BY price_value IS NULL, price_value, id"
	case models.SortNewest:
		query += " ORDER BY id DESC"
	default:
		query += " ORDER BY id"
	}

	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.queryListings(ctx, "list listings", query, args...)
}

// UniqueSince pages through active unique listings in id order
func (s *SQLiteStore) UniqueSince(ctx context.Context, afterID int64, limit int) ([]models.ListingRecord, error) {
	return s.queryListings(ctx, "unique since", `
		SELECT `+listingColumns+` FROM listings
		WHERE id > ? AND status = 'active' AND deduplication_status = 'unique'
		ORDER BY id
		LIMIT ?`, afterID, limit)
}

func (s *SQLiteStore) queryListings(ctx context.Context, op, query string, args ...any) ([]models.ListingRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(op, err)
	}
	defer rows.Close()

	var listings []models.ListingRecord
	for rows.Next() {
		r, err := scanSQLiteListing(rows)
		if err != nil {
			return nil, classifySQLite(op, err)
		}
		listings = append(listings, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(op, err)
	}
	return listings, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, status string) error {
	if status != models.StatusActive && status != models.StatusInactive {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, status)
	}

	return s.withTx(ctx, "update status", func(tx *sql.Tx) error {
		var dedupStatus string
		err := tx.QueryRowContext(ctx, `SELECT deduplication_status FROM listings WHERE id = ?`, id).Scan(&dedupStatus)
		if err == sql.ErrNoRows {
			return notFound(id)
		}
		if err != nil {
			return classifySQLite("update status", err)
		}
		if dedupStatus == models.DedupMerged && status == models.StatusActive {
			return fmt.Errorf("%w: listing %d is merged", ErrInvalidState, id)
		}

		_, err = tx.ExecContext(ctx, `UPDATE listings SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id)
		if err != nil {
			if isSQLiteUniqueViolation(err) {
				return &ConflictError{Reason: ConflictURL}
			}
			return classifySQLite("update status", err)
		}
		return nil
	})
}

func (s *SQLiteStore) MarkDuplicate(ctx context.Context, id, canonicalID int64, confidence float64, strategy models.Strategy) error {
	if id == canonicalID {
		return ErrSelfReference
	}

	return s.withTx(ctx, "mark duplicate", func(tx *sql.Tx) error {
		sub, err := lifecycleOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := lifecycleOf(ctx, tx, canonicalID); err != nil {
			return err
		}

		if sub.dedupStatus == models.DedupMerged {
			if sub.duplicateOf.Valid && sub.duplicateOf.Int64 == canonicalID {
				return nil
			}
			return fmt.Errorf("%w: listing %d is already merged", ErrInvalidState, id)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET deduplication_status = 'duplicate', duplicate_of_id = ?,
				duplicate_confidence = ?, duplicate_strategy = ?, updated_at = ?
			WHERE id = ?`,
			canonicalID, confidence, string(strategy), time.Now().UTC(), id)
		if err != nil {
			return classifySQLite("mark duplicate", err)
		}
		return nil
	})
}

// MergeInto folds the subordinate's contacts and images into the canonical
// listing and retires the subordinate, all in one transaction.
func (s *SQLiteStore) MergeInto(ctx context.Context, subordinateID, canonicalID int64) (*models.MergeOutcome, error) {
	return s.merge(ctx, subordinateID, canonicalID, true)
}

// MarkMerged retires the subordinate as merged into canonicalID without
// copying any of its data.
func (s *SQLiteStore) MarkMerged(ctx context.Context, subordinateID, canonicalID int64) (*models.MergeOutcome, error) {
	return s.merge(ctx, subordinateID, canonicalID, false)
}

func (s *SQLiteStore) merge(ctx context.Context, subordinateID, canonicalID int64, copyData bool) (*models.MergeOutcome, error) {
	if subordinateID == canonicalID {
		return nil, ErrSelfReference
	}

	outcome := &models.MergeOutcome{}
	err := s.withTx(ctx, "merge listing", func(tx *sql.Tx) error {
		sub, err := lifecycleOf(ctx, tx, subordinateID)
		if err != nil {
			return err
		}
		if _, err := lifecycleOf(ctx, tx, canonicalID); err != nil {
			return err
		}

		if sub.dedupStatus == models.DedupMerged {
			if sub.duplicateOf.Valid && sub.duplicateOf.Int64 == canonicalID {
				return nil
			}
			return fmt.Errorf("%w: listing %d is already merged into %d", ErrInvalidState, subordinateID, sub.duplicateOf.Int64)
		}

		if copyData {
			result, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO contacts (listing_id, type, value, confidence, source, validation_status)
				SELECT ?, type, value, confidence, source, validation_status
				FROM contacts WHERE listing_id = ? ORDER BY id`,
				canonicalID, subordinateID)
			if err != nil {
				return classifySQLite("merge contacts", err)
			}
			contacts, _ := result.RowsAffected()
			outcome.ContactsCopied = int(contacts)

			result, err = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO listing_images (listing_id, url, position)
				SELECT ?, url, position + (SELECT COALESCE(MAX(position) + 1, 0) FROM listing_images WHERE listing_id = ?)
				FROM listing_images WHERE listing_id = ? ORDER BY position`,
				canonicalID, canonicalID, subordinateID)
			if err != nil {
				return classifySQLite("merge images", err)
			}
			images, _ := result.RowsAffected()
			outcome.ImagesCopied = int(images)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET deduplication_status = 'merged', status = 'inactive',
				duplicate_of_id = ?, updated_at = ?
			WHERE id = ?`, canonicalID, now, subordinateID)
		if err != nil {
			return classifySQLite("retire merged listing", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE listings SET updated_at = ? WHERE id = ?`, now, canonicalID)
		if err != nil {
			return classifySQLite("touch canonical listing", err)
		}

		outcome.Merged = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Delete removes a listing and its contacts and images. Listings pointing at
// it are re-pointed to its own canonical when it has one; otherwise plain
// duplicates become unique again and merged tombstones are removed with it.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	return s.withTx(ctx, "delete listing", func(tx *sql.Tx) error {
		target, err := lifecycleOf(ctx, tx, id)
		if err != nil {
			return err
		}

		if target.duplicateOf.Valid {
			if _, err := tx.ExecContext(ctx, `UPDATE listings SET duplicate_of_id = ? WHERE duplicate_of_id = ?`,
				target.duplicateOf.Int64, id); err != nil {
				return classifySQLite("repoint duplicates", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE listings SET deduplication_status = 'unique', duplicate_of_id = NULL,
					duplicate_confidence = NULL, duplicate_strategy = ''
				WHERE duplicate_of_id = ? AND deduplication_status = 'duplicate'`, id); err != nil {
				return classifySQLite("release duplicates", err)
			}
			for _, stmt := range []string{
				`DELETE FROM contacts WHERE listing_id IN (SELECT id FROM listings WHERE duplicate_of_id = ? AND deduplication_status = 'merged')`,
				`DELETE FROM listing_images WHERE listing_id IN (SELECT id FROM listings WHERE duplicate_of_id = ? AND deduplication_status = 'merged')`,
				`DELETE FROM listings WHERE duplicate_of_id = ? AND deduplication_status = 'merged'`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
					return classifySQLite("delete merged tombstones", err)
				}
			}
		}

		for _, stmt := range []string{
			`DELETE FROM contacts WHERE listing_id = ?`,
			`DELETE FROM listing_images WHERE listing_id = ?`,
			`DELETE FROM listings WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return classifySQLite("delete listing", err)
			}
		}
		return nil
	})
}

type lifecycle struct {
	status      string
	dedupStatus string
	duplicateOf sql.NullInt64
}

func lifecycleOf(ctx context.Context, q sqlQueryer, id int64) (*lifecycle, error) {
	var l lifecycle
	err := q.QueryRowContext(ctx, `
		SELECT status, deduplication_status, duplicate_of_id FROM listings WHERE id = ?`, id).
		Scan(&l.status, &l.dedupStatus, &l.duplicateOf)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, classifySQLite("load listing state", err)
	}
	return &l, nil
}

// =============================================================================
// Duplicate statistics
// =============================================================================

func (s *SQLiteStore) DuplicateLinks(ctx context.Context) ([]models.DuplicateLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, duplicate_of_id FROM listings
		WHERE deduplication_status = 'duplicate'
		ORDER BY id`)
	if err != nil {
		return nil, classifySQLite("duplicate links", err)
	}
	defer rows.Close()

	var links []models.DuplicateLink
	for rows.Next() {
		var link models.DuplicateLink
		var canonical sql.NullInt64
		if err := rows.Scan(&link.ID, &canonical); err != nil {
			return nil, classifySQLite("duplicate links", err)
		}
		link.CanonicalID = canonical.Int64
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *SQLiteStore) DuplicateStats(ctx context.Context) (*models.DuplicateStats, error) {
	stats := &models.DuplicateStats{DuplicatesByProvider: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN deduplication_status = 'duplicate' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deduplication_status = 'merged' THEN 1 ELSE 0 END), 0)
		FROM listings`).Scan(&stats.TotalListings, &stats.TotalDuplicates, &stats.TotalMerged)
	if err != nil {
		return nil, classifySQLite("duplicate stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, COUNT(*) FROM listings
		WHERE deduplication_status = 'duplicate'
		GROUP BY provider`)
	if err != nil {
		return nil, classifySQLite("duplicate stats by provider", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, classifySQLite("duplicate stats by provider", err)
		}
		stats.DuplicatesByProvider[provider] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("duplicate stats by provider", err)
	}

	if stats.TotalListings > 0 {
		stats.DuplicateRate = float64(stats.TotalDuplicates) / float64(stats.TotalListings)
	}
	return stats, nil
}

func (s *SQLiteStore) RecordCleanupRun(ctx context.Context, run *models.CleanupRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_runs (id, started_at, finished_at, merge_data, policy, merged, deleted, skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			merged = excluded.merged,
			deleted = excluded.deleted,
			skipped = excluded.skipped,
			error = excluded.error`,
		run.ID.String(), run.StartedAt, run.FinishedAt, run.MergeData, run.Policy,
		run.Merged, run.Deleted, run.Skipped, run.Error)
	if err != nil {
		return classifySQLite("record cleanup run", err)
	}
	return nil
}

// =============================================================================
// Contacts and images
// =============================================================================

func insertSQLiteContacts(ctx context.Context, q sqlQueryer, listingID int64, contacts []models.Contact) (int, error) {
	inserted := 0
	for _, c := range contacts {
		validation := c.ValidationStatus
		if validation == "" {
			validation = models.ValidationUnverified
		}
		result, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO contacts (listing_id, type, value, confidence, source, validation_status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			listingID, c.Type, c.Value, c.Confidence, c.Source, validation)
		if err != nil {
			return inserted, classifySQLite("insert contact", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func insertSQLiteImages(ctx context.Context, q sqlQueryer, listingID int64, images []string) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}

	var next int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM listing_images WHERE listing_id = ?`, listingID).Scan(&next)
	if err != nil {
		return 0, classifySQLite("next image position", err)
	}

	inserted := 0
	for _, url := range images {
		result, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO listing_images (listing_id, url, position) VALUES (?, ?, ?)`,
			listingID, url, next)
		if err != nil {
			return inserted, classifySQLite("insert image", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
			next++
		}
	}
	return inserted, nil
}

func loadSQLiteCollections(ctx context.Context, q sqlQueryer, r *models.ListingRecord) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, listing_id, type, value, confidence, source, validation_status
		FROM contacts WHERE listing_id = ? ORDER BY id`, r.ID)
	if err != nil {
		return classifySQLite("load contacts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.ListingID, &c.Type, &c.Value, &c.Confidence, &c.Source, &c.ValidationStatus); err != nil {
			return classifySQLite("load contacts", err)
		}
		r.Contacts = append(r.Contacts, c)
	}
	if err := rows.Err(); err != nil {
		return classifySQLite("load contacts", err)
	}

	imgRows, err := q.QueryContext(ctx, `
		SELECT url FROM listing_images WHERE listing_id = ? ORDER BY position, id`, r.ID)
	if err != nil {
		return classifySQLite("load images", err)
	}
	defer imgRows.Close()

	for imgRows.Next() {
		var url string
		if err := imgRows.Scan(&url); err != nil {
			return classifySQLite("load images", err)
		}
		r.Images = append(r.Images, url)
	}
	return imgRows.Err()
}

// =============================================================================
// Errors
// =============================================================================

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// classifySQLite marks errors of the database itself (locked past the busy
// timeout, unreadable or corrupt file, closed handle) as ErrStoreUnavailable.
func classifySQLite(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrCorrupt,
			sqlite3.ErrNotADB, sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrReadonly:
			return unavailable(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) ||
		strings.Contains(err.Error(), "database is closed") {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
