package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/monitor"
	"github.com/navillasa/assistant-orchestrator/internal/providers"
	_ "modernc.org/sqlite"
)

// MetricsDB is the durable append-only log of usage metrics and resource samples
type MetricsDB struct {
	*sql.DB
}

// OpenMetrics opens (creating if needed) the SQLite database at path
func OpenMetrics(path string) (*MetricsDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating metrics data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metrics database: %w", err)
	}
	// A single connection keeps writes serialised and lets :memory: work.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging metrics database: %w", err)
	}

	db := &MetricsDB{sqlDB}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating metrics database: %w", err)
	}
	return db, nil
}

func (db *MetricsDB) migrate() error {
	_, err := db.Exec(metricsSchema)
	return err
}

const metricsSchema = `
CREATE TABLE IF NOT EXISTS usage_metrics (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    provider          TEXT NOT NULL,
    model             TEXT NOT NULL,
    latency_ms        REAL NOT NULL,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    cost              REAL NOT NULL DEFAULT 0,
    success           INTEGER NOT NULL DEFAULT 1,
    error_kind        TEXT,
    user_id           TEXT,
    session_id        TEXT,
    attempts          TEXT,
    timestamp         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_metrics(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_metrics(provider, timestamp);

CREATE TABLE IF NOT EXISTS resource_samples (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    cpu_percent REAL NOT NULL,
    rss_bytes   INTEGER NOT NULL,
    heap_bytes  INTEGER NOT NULL,
    goroutines  INTEGER NOT NULL,
    timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resource_ts ON resource_samples(timestamp);
`

// RecordUsage appends a usage metric
func (db *MetricsDB) RecordUsage(m monitor.UsageMetric) error {
	var kind sql.NullString
	if m.ErrorKind != nil {
		kind = sql.NullString{String: m.ErrorKind.String(), Valid: true}
	}
	var attempts sql.NullString
	if len(m.Attempts) > 0 {
		b, err := json.Marshal(m.Attempts)
		if err != nil {
			return fmt.Errorf("encoding attempts: %w", err)
		}
		attempts = sql.NullString{String: string(b), Valid: true}
	}

	_, err := db.Exec(`INSERT INTO usage_metrics
		(provider, model, latency_ms, prompt_tokens, completion_tokens, cost, success, error_kind, user_id, session_id, attempts, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Provider, m.Model, m.LatencyMs, m.PromptTokens, m.CompletionTokens, m.Cost,
		boolInt(m.Success), kind, m.UserID, m.SessionID, attempts, m.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting usage metric: %w", err)
	}
	return nil
}

// RecordResources appends a resource sample
func (db *MetricsDB) RecordResources(s monitor.ResourceSample) error {
	_, err := db.Exec(`INSERT INTO resource_samples (cpu_percent, rss_bytes, heap_bytes, goroutines, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		s.CPUPercent, int64(s.RSSBytes), int64(s.HeapBytes), s.Goroutines, s.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting resource sample: %w", err)
	}
	return nil
}

// LoadUsageSince returns usage metrics recorded at or after since, oldest first
func (db *MetricsDB) LoadUsageSince(since time.Time) ([]monitor.UsageMetric, error) {
	rows, err := db.Query(`SELECT provider, model, latency_ms, prompt_tokens, completion_tokens, cost,
		success, error_kind, user_id, session_id, attempts, timestamp
		FROM usage_metrics WHERE timestamp >= ? ORDER BY timestamp, id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying usage metrics: %w", err)
	}
	defer rows.Close()

	var out []monitor.UsageMetric
	for rows.Next() {
		var (
			m                        monitor.UsageMetric
			success                  int
			kind, user, session, att sql.NullString
			ts                       int64
		)
		if err := rows.Scan(&m.Provider, &m.Model, &m.LatencyMs, &m.PromptTokens, &m.CompletionTokens,
			&m.Cost, &success, &kind, &user, &session, &att, &ts); err != nil {
			return nil, fmt.Errorf("scanning usage metric: %w", err)
		}
		m.Success = success == 1
		m.UserID = user.String
		m.SessionID = session.String
		m.Timestamp = time.UnixMilli(ts).UTC()
		if kind.Valid {
			k, err := providers.ParseErrorKind(kind.String)
			if err != nil {
				return nil, err
			}
			m.ErrorKind = &k
		}
		if att.Valid {
			if err := json.Unmarshal([]byte(att.String), &m.Attempts); err != nil {
				return nil, fmt.Errorf("decoding attempts: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadResourcesSince returns resource samples recorded at or after since, oldest first
func (db *MetricsDB) LoadResourcesSince(since time.Time) ([]monitor.ResourceSample, error) {
	rows, err := db.Query(`SELECT cpu_percent, rss_bytes, heap_bytes, goroutines, timestamp
		FROM resource_samples WHERE timestamp >= ? ORDER BY timestamp, id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying resource samples: %w", err)
	}
	defer rows.Close()

	var out []monitor.ResourceSample
	for rows.Next() {
		var (
			s       monitor.ResourceSample
			rss, hp int64
			ts      int64
		)
		if err := rows.Scan(&s.CPUPercent, &rss, &hp, &s.Goroutines, &ts); err != nil {
			return nil, fmt.Errorf("scanning resource sample: %w", err)
		}
		s.RSSBytes = uint64(rss)
		s.HeapBytes = uint64(hp)
		s.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes rows older than before and returns how many usage rows were removed
func (db *MetricsDB) Prune(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM usage_metrics WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning usage metrics: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM resource_samples WHERE timestamp < ?`, before.UnixMilli()); err != nil {
		return 0, fmt.Errorf("pruning resource samples: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
