package cache

// embeddedSchema contains the SQLite database schema
const embeddedSchema = `
-- Analysis Result Cache Database Schema

-- One row per analyzed URL
CREATE TABLE IF NOT EXISTS result_cache (
    cache_key   TEXT PRIMARY KEY,
    url         TEXT NOT NULL,
    result_json TEXT NOT NULL,

    -- Timestamps (UTC, fixed width so lexical order is chronological)
    created_at  TEXT NOT NULL,
    last_hit_at TEXT,

    hit_count   INTEGER NOT NULL DEFAULT 0
);

-- Diagnostic lookups by original URL
CREATE INDEX IF NOT EXISTS idx_result_cache_url ON result_cache(url);

-- Age based queries and purges
CREATE INDEX IF NOT EXISTS idx_result_cache_created ON result_cache(created_at);
`

// bootstrapPragmas are persisted in the database file and only need to be
// applied once, outside of any transaction. auto_vacuum must be set before the
// first table exists for it to take effect.
var bootstrapPragmas = []string{
	"PRAGMA auto_vacuum = INCREMENTAL",
}

const (
	journalModeWAL = "wal"

	// timeLayout is used for every timestamp column.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)
