package locks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteJournal keeps the lock table in a SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens or creates the database at path. ":memory:" keeps it
// in memory.
func OpenSQLiteJournal(ctx context.Context, path string) (*SQLiteJournal, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create lock journal directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lock journal: %w", err)
	}
	// One connection: sqlite serializes writers and a :memory: database lives
	// only as long as its connection.
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{db: db}
	if err := j.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS locks (
			token TEXT PRIMARY KEY,
			root TEXT NOT NULL,
			depth INTEGER NOT NULL,
			scope TEXT NOT NULL,
			owner TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_expires_at ON locks(expires_at)`,
	}
	for _, query := range queries {
		if _, err := j.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create lock journal schema: %w", err)
		}
	}
	return nil
}

func (j *SQLiteJournal) Save(ctx context.Context, l Lock) error {
	r := toRecord(l)
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO locks
		(token, root, depth, scope, owner, timeout_ms, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Token, r.Root, r.Depth, r.Scope, r.Owner, r.Timeout, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save lock %s: %w", l.Token, err)
	}
	return nil
}

func (j *SQLiteJournal) Delete(ctx context.Context, token string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM locks WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete lock %s: %w", token, err)
	}
	return nil
}

// Load purges rows that expired before now and returns the rest.
func (j *SQLiteJournal) Load(ctx context.Context, now time.Time) ([]Lock, error) {
	cutoff := now.UnixMilli()
	if _, err := j.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, cutoff); err != nil {
		return nil, fmt.Errorf("purge expired locks: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT token, root, depth, scope, owner, timeout_ms, created_at, expires_at
		FROM locks WHERE expires_at > ? ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.Token, &r.Root, &r.Depth, &r.Scope, &r.Owner, &r.Timeout, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, r.lock())
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
