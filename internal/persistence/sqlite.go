package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// SQLitePort stores the snapshot payload in a single-row table. It suits
// hosts that already keep their state in a SQLite database.
type SQLitePort struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLitePort, error) {
	if path == "" {
		path = strings.TrimSuffix(DefaultPath(), filepath.Ext(DefaultPath())) + ".db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	p := &SQLitePort{db: db, path: path, now: time.Now}
	if err := p.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePort) Close() error {
	return p.db.Close()
}

func (p *SQLitePort) initSchema(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		`CREATE TABLE IF NOT EXISTS task_snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			saved_at_ms INTEGER NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_snapshot_quarantine (
			quarantined_at_ms INTEGER NOT NULL,
			reason TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
	} {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init task snapshot schema: %w", err)
		}
	}
	return nil
}

func (p *SQLitePort) Load(ctx context.Context) (LoadResult, error) {
	var payload string
	err := p.db.QueryRowContext(ctx, `SELECT payload FROM task_snapshot WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoadResult{}, nil
		}
		return LoadResult{}, fmt.Errorf("read task snapshot row: %w", err)
	}

	entries, warnings, err := decodeSnapshot([]byte(payload))
	if err == nil {
		return LoadResult{Entries: entries, Warnings: warnings}, nil
	}
	var corrupt *corruptError
	if !errors.As(err, &corrupt) {
		return LoadResult{}, err
	}

	nowMs := p.now().UnixMilli()
	if qErr := p.quarantine(ctx, nowMs, err.Error(), payload); qErr != nil {
		return LoadResult{}, fmt.Errorf("quarantine corrupt task snapshot (%v): %w", err, qErr)
	}
	recovered := fmt.Sprintf("%s#corrupt-%d", p.path, nowMs)
	return LoadResult{
		RecoveredCorruptFilePath: recovered,
		Warnings: []Warning{{
			Code:    task.CodePersistenceRead,
			Message: fmt.Sprintf("task snapshot row was unreadable (%v); moved to %s and started empty", err, recovered),
		}},
	}, nil
}

func (p *SQLitePort) quarantine(ctx context.Context, nowMs int64, reason, payload string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quarantine tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_snapshot_quarantine (quarantined_at_ms, reason, payload) VALUES (?, ?, ?);
	`, nowMs, reason, payload); err != nil {
		return fmt.Errorf("insert quarantine row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_snapshot WHERE id = 1;`); err != nil {
		return fmt.Errorf("clear snapshot row: %w", err)
	}
	return tx.Commit()
}

func (p *SQLitePort) Save(ctx context.Context, snap task.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO task_snapshot (id, schema_version, saved_at_ms, payload)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				schema_version = excluded.schema_version,
				saved_at_ms = excluded.saved_at_ms,
				payload = excluded.payload;
		`, task.SchemaVersion, snap.SavedAtEpochMs, string(data))
		if err != nil {
			return fmt.Errorf("write task snapshot row: %w", err)
		}
		return nil
	})
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with capped
// exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
