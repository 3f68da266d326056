package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/flanksource/commons/logger"
)

var (
	// ErrNotFound indicates the entry was not found in cache
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorruptEntry indicates a stored payload could not be decoded
	ErrCorruptEntry = errors.New("cache entry is corrupt")
)

// CorruptEntryError is returned when a stored result cannot be decoded. It
// matches ErrCorruptEntry with errors.Is, which lets callers tell a damaged
// cache apart from a miss.
type CorruptEntryError struct {
	Key string
	URL string
	Err error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s for %s: %v", e.Key, e.URL, e.Err)
}

func (e *CorruptEntryError) Unwrap() error {
	return e.Err
}

func (e *CorruptEntryError) Is(target error) bool {
	return target == ErrCorruptEntry
}

// Entry represents a cached analysis result
type Entry struct {
	// Pointer (8 bytes)
	LastHitAt *time.Time `json:"last_hit_at,omitempty"`

	// Strings and slices
	Key    string          `json:"key"`
	URL    string          `json:"url"`
	Result json.RawMessage `json:"result"`

	// 8-byte types
	CreatedAt time.Time `json:"created_at"`
	HitCount  int64     `json:"hit_count"`
}

// Stats is a read-only summary of the cache
type Stats struct {
	Oldest *time.Time `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty" yaml:"newest,omitempty"`

	Count        int64 `json:"count" yaml:"count"`
	TotalHits    int64 `json:"total_hits" yaml:"total_hits"`
	SizeBytes    int64 `json:"size_bytes" yaml:"size_bytes"`
	WALSizeBytes int64 `json:"wal_size_bytes" yaml:"wal_size_bytes"`
}

// Cache stores analysis results in SQLite, keyed by URL. It holds no
// connections: every operation opens its own, so a Cache is safe to use from
// many goroutines and many processes can point at the same file.
type Cache struct {
	log     logger.Logger
	metrics Metrics
	now     func() time.Time
	config  Config
}

// Option customizes a Cache
type Option func(*Cache)

// WithLogger sets the logger used for retries and best-effort failures
func WithLogger(log logger.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// WithMetrics reports operation outcomes and retries to m
func WithMetrics(m Metrics) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New creates a cache for an already initialized database, see Initialize.
// Zero fields of config are taken from DefaultConfig.
func New(config Config, opts ...Option) (*Cache, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	c := &Cache{
		log:     logger.GetLogger("cache"),
		metrics: NoopMetrics{},
		now:     time.Now,
		config:  config,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the effective configuration, defaults applied
func (c *Cache) Config() Config {
	return c.config
}

// Initialize creates the database file, its directory and schema, and enables
// WAL journaling and incremental vacuum. Both settings live in the file, so
// connections opened later by any process inherit them.
//
// Call once before starting workers, never while writers are active. Calling it
// again on an initialized database only re-checks the journal mode.
func Initialize(ctx context.Context, config Config) error {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid cache config: %w", err)
	}
	log := logger.GetLogger("cache")

	if err := os.MkdirAll(filepath.Dir(config.DBPath), 0o750); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	pragmas := append([]string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", config.LockTimeout.Milliseconds()),
	}, bootstrapPragmas...)
	db, conn, err := openConn(ctx, config.DBPath, pragmas)
	if err != nil {
		return err
	}
	defer closeConn(log, db, conn)

	// journal_mode can not be changed inside a transaction
	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		return fmt.Errorf("failed to enable WAL journaling: %w", err)
	}
	if mode != journalModeWAL {
		log.Warnf("journal_mode is %q, expected %q: concurrent readers will block on writers", mode, journalModeWAL)
	}

	if _, err := conn.ExecContext(ctx, embeddedSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var autoVacuum int
	if err := conn.QueryRowContext(ctx, "PRAGMA auto_vacuum").Scan(&autoVacuum); err != nil {
		return fmt.Errorf("failed to read auto_vacuum: %w", err)
	}
	if autoVacuum != 2 {
		log.Warnf("auto_vacuum is %d, expected 2 (incremental): maintenance will not reclaim space until a full VACUUM", autoVacuum)
	}

	log.Infof("Result cache initialized: %s", config.DBPath)
	return nil
}

const (
	selectResultSQL = `SELECT result_json FROM result_cache WHERE cache_key = ?`

	recordHitSQL = `
		UPDATE result_cache
		SET hit_count = hit_count + 1, last_hit_at = ?
		WHERE cache_key = ?`

	upsertSQL = `
		INSERT INTO result_cache (cache_key, url, result_json, created_at, hit_count, last_hit_at)
		VALUES (?, ?, ?, ?, 0, NULL)
		ON CONFLICT(cache_key) DO UPDATE SET
			url         = excluded.url,
			result_json = excluded.result_json,
			created_at  = excluded.created_at,
			hit_count   = 0,
			last_hit_at = NULL`

	deleteSQL = `DELETE FROM result_cache WHERE cache_key = ?`

	purgeSQL = `DELETE FROM result_cache WHERE created_at < ?`

	statsSQL = `
		SELECT COUNT(*), COALESCE(SUM(hit_count), 0), MIN(created_at), MAX(created_at)
		FROM result_cache`

	entryColumns = `cache_key, url, result_json, created_at, hit_count, last_hit_at`
)

// Get looks up the result stored for url. A miss returns (nil, false, nil).
// A hit increments the entry's hit count in the same transaction; failing to
// record the hit never fails the read.
func (c *Cache) Get(ctx context.Context, url string) (json.RawMessage, bool, error) {
	start := time.Now()
	key := DeriveKey(url)

	type lookup struct {
		result json.RawMessage
		found  bool
	}
	res, err := withRetry(ctx, c.config.Retry, c.onRetry(OpGet), func() (lookup, error) {
		var l lookup
		err := c.withTx(ctx, readScope, func(tx *sql.Tx) error {
			var payload string
			err := tx.QueryRowContext(ctx, selectResultSQL, key).Scan(&payload)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get cache entry: %w", err)
			}
			l.result, l.found = json.RawMessage(payload), true

			if _, err := tx.ExecContext(ctx, recordHitSQL, c.timestamp(), key); err != nil {
				c.log.Debugf("failed to record hit for %s: %v", url, err)
			}
			return nil
		})

		var commitErr *commitError
		if l.found && errors.As(err, &commitErr) {
			c.log.Debugf("hit for %s not recorded: %v", url, err)
			return l, nil
		}
		return l, err
	})
	if err != nil {
		c.observe(OpGet, OutcomeError, start)
		return nil, false, err
	}

	if !res.found {
		c.observe(OpGet, OutcomeMiss, start)
		return nil, false, nil
	}
	if !json.Valid(res.result) {
		c.observe(OpGet, OutcomeCorrupt, start)
		return nil, false, &CorruptEntryError{Key: key, URL: url, Err: errors.New("stored result is not valid JSON")}
	}

	c.observe(OpGet, OutcomeHit, start)
	return res.result, true, nil
}

// GetInto looks up url and decodes the stored result into v. It reports
// whether an entry was found.
func (c *Cache) GetInto(ctx context.Context, url string, v any) (bool, error) {
	result, found, err := c.Get(ctx, url)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(result, v); err != nil {
		return false, &CorruptEntryError{Key: DeriveKey(url), URL: url, Err: err}
	}
	return true, nil
}

// Store saves result for url, replacing any previous entry and resetting its
// creation time and hit statistics. Concurrent stores of the same url from
// different processes are safe: the last one to commit wins.
//
// result is encoded as JSON; a json.RawMessage is stored verbatim.
func (c *Cache) Store(ctx context.Context, url string, result any) error {
	start := time.Now()
	payload, err := marshalResult(result)
	if err != nil {
		c.observe(OpStore, OutcomeError, start)
		return err
	}
	key := DeriveKey(url)

	_, err = withRetry(ctx, c.config.Retry, c.onRetry(OpStore), func() (struct{}, error) {
		return struct{}{}, c.withTx(ctx, writeScope, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, upsertSQL, key, url, string(payload), c.timestamp()); err != nil {
				return fmt.Errorf("failed to set cache entry: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		c.observe(OpStore, OutcomeError, start)
		return err
	}

	c.observe(OpStore, OutcomeOK, start)
	c.log.Debugf("Cached result for %s (key=%s)", url, key)
	return nil
}

// Delete removes the entry for url and reports whether one existed.
func (c *Cache) Delete(ctx context.Context, url string) (bool, error) {
	start := time.Now()
	key := DeriveKey(url)

	deleted, err := withRetry(ctx, c.config.Retry, c.onRetry(OpDelete), func() (bool, error) {
		var deleted bool
		err := c.withTx(ctx, writeScope, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, deleteSQL, key)
			if err != nil {
				return fmt.Errorf("failed to delete cache entry: %w", err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to count deleted entries: %w", err)
			}
			deleted = rows > 0
			return nil
		})
		return deleted, err
	})
	if err != nil {
		c.observe(OpDelete, OutcomeError, start)
		return false, err
	}

	if deleted {
		c.observe(OpDelete, OutcomeOK, start)
	} else {
		c.observe(OpDelete, OutcomeMiss, start)
	}
	return deleted, nil
}

// Stats returns entry counts, hit totals, the creation time range and the on
// disk size. It never writes.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	start := time.Now()

	stats, err := withRetry(ctx, c.config.Retry, c.onRetry(OpStats), func() (Stats, error) {
		var s Stats
		err := c.withTx(ctx, readScope, func(tx *sql.Tx) error {
			var oldest, newest sql.NullString
			if err := tx.QueryRowContext(ctx, statsSQL).Scan(&s.Count, &s.TotalHits, &oldest, &newest); err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			var err error
			if s.Oldest, err = parseNullTime(oldest); err != nil {
				return err
			}
			if s.Newest, err = parseNullTime(newest); err != nil {
				return err
			}
			return nil
		})
		return s, err
	})
	if err != nil {
		c.observe(OpStats, OutcomeError, start)
		return Stats{}, err
	}

	stats.SizeBytes = fileSize(c.config.DBPath)
	stats.WALSizeBytes = fileSize(c.config.DBPath + "-wal")
	c.observe(OpStats, OutcomeOK, start)
	return stats, nil
}

// Maintenance checkpoints the WAL into the main database, truncating it, and
// returns pages freed by deletions to the filesystem.
//
// Run it at startup, shutdown or in a quiet window. It is safe alongside
// writers but will contend with them, and a busy checkpoint only partially
// completes.
func (c *Cache) Maintenance(ctx context.Context) error {
	start := time.Now()
	err := c.withConn(ctx, func(conn *sql.Conn) error {
		var busy, logFrames, checkpointed int
		if err := conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed); err != nil {
			return fmt.Errorf("failed to checkpoint WAL: %w", err)
		}
		if busy != 0 {
			c.log.Warnf("WAL checkpoint was blocked by active connections (%d/%d frames checkpointed)", checkpointed, logFrames)
		}

		// incremental_vacuum frees one page per row stepped
		rows, err := conn.QueryContext(ctx, "PRAGMA incremental_vacuum")
		if err != nil {
			return fmt.Errorf("failed to run incremental vacuum: %w", err)
		}
		defer rows.Close()
		pages := 0
		for rows.Next() {
			pages++
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to run incremental vacuum: %w", err)
		}

		c.log.Infof("Result cache maintenance complete: %s (%d pages reclaimed)", c.config.DBPath, pages)
		return nil
	})
	if err != nil {
		c.observe(OpMaintenance, OutcomeError, start)
		return err
	}
	c.observe(OpMaintenance, OutcomeOK, start)
	return nil
}

// Entry returns the full row stored for url without counting it as a hit.
func (c *Cache) Entry(ctx context.Context, url string) (*Entry, error) {
	key := DeriveKey(url)
	return withRetry(ctx, c.config.Retry, c.onRetry(OpGet), func() (*Entry, error) {
		var entry *Entry
		err := c.withTx(ctx, readScope, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM result_cache WHERE cache_key = ?", key)
			e, err := scanEntry(row)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get cache entry: %w", err)
			}
			entry = e
			return nil
		})
		return entry, err
	})
}

// List returns up to limit entries, newest first. A limit <= 0 returns all.
func (c *Cache) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return withRetry(ctx, c.config.Retry, c.onRetry(OpGet), func() ([]Entry, error) {
		var entries []Entry
		err := c.withTx(ctx, readScope, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, "SELECT "+entryColumns+" FROM result_cache ORDER BY created_at DESC LIMIT ?", limit)
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				entry, err := scanEntry(rows)
				if err != nil {
					return fmt.Errorf("failed to scan entry: %w", err)
				}
				entries = append(entries, *entry)
			}
			return rows.Err()
		})
		return entries, err
	})
}

// Purge deletes every entry created before cutoff and returns how many were
// removed. Entries never expire on their own; this is an explicit operator
// action.
func (c *Cache) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	removed, err := withRetry(ctx, c.config.Retry, c.onRetry(OpPurge), func() (int64, error) {
		var removed int64
		err := c.withTx(ctx, writeScope, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, purgeSQL, formatTime(cutoff))
			if err != nil {
				return fmt.Errorf("failed to purge entries: %w", err)
			}
			removed, err = result.RowsAffected()
			return err
		})
		return removed, err
	})
	if err != nil {
		c.observe(OpPurge, OutcomeError, start)
		return 0, err
	}
	c.observe(OpPurge, OutcomeOK, start)
	c.log.Infof("Purged %d entries created before %s", removed, formatTime(cutoff))
	return removed, nil
}

// Export writes every entry as an indented JSON array
func (c *Cache) Export(ctx context.Context, w io.Writer) error {
	entries, err := c.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

// Import reads a JSON array of entries, as written by Export, and stores each
// one. Imported entries start with fresh hit statistics.
func (c *Cache) Import(ctx context.Context, r io.Reader) (int, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for i, entry := range entries {
		if entry.URL == "" {
			return i, fmt.Errorf("entry %d has no url", i)
		}
		if err := c.Store(ctx, entry.URL, entry.Result); err != nil {
			return i, fmt.Errorf("failed to import %s: %w", entry.URL, err)
		}
	}
	return len(entries), nil
}

// Fetch returns the cached result for url, or calls compute and caches what
// it returns. The boolean reports whether the result came from the cache. A
// corrupt entry is discarded and recomputed. If storing the computed result
// fails, the result is returned together with the error.
func (c *Cache) Fetch(ctx context.Context, url string, compute func(context.Context) (any, error)) (json.RawMessage, bool, error) {
	result, found, err := c.Get(ctx, url)
	switch {
	case errors.Is(err, ErrCorruptEntry):
		c.log.Warnf("Discarding corrupt cache entry: %v", err)
		if _, err := c.Delete(ctx, url); err != nil {
			return nil, false, err
		}
	case err != nil:
		return nil, false, err
	case found:
		return result, true, nil
	}

	value, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	payload, err := marshalResult(value)
	if err != nil {
		return nil, false, err
	}
	return payload, false, c.Store(ctx, url, payload)
}

func (c *Cache) onRetry(op Operation) retryFunc {
	return func(attempt int, delay time.Duration, err error) {
		c.metrics.ObserveRetry(op)
		c.log.Warnf("SQLite locked during %s (attempt %d/%d), retrying in %s: %v",
			op, attempt, c.config.Retry.MaxAttempts, delay, err)
	}
}

func (c *Cache) observe(op Operation, outcome Outcome, start time.Time) {
	c.metrics.ObserveOperation(op, outcome, time.Since(start))
}

func (c *Cache) timestamp() string {
	return formatTime(c.now())
}

func marshalResult(result any) (json.RawMessage, error) {
	if raw, ok := result.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("failed to encode result: invalid JSON")
		}
		return raw, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return payload, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var payload, createdAt string
	var lastHitAt sql.NullString
	if err := row.Scan(&entry.Key, &entry.URL, &payload, &createdAt, &entry.HitCount, &lastHitAt); err != nil {
		return nil, err
	}

	entry.Result = json.RawMessage(payload)
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	entry.CreatedAt = created
	if entry.LastHitAt, err = parseNullTime(lastHitAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts RFC3339, which databases written by older tooling use
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
