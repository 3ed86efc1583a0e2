// Package store persists the workstation (PC) pool in sqlite. The pool
// is a numbered set of machines; responders take one, work on it, and
// release it back.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sosbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrDisabled is returned by every operation when no storage path was
// configured and the pool runs without persistence.
var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add grows the pool so that machines 1..n all exist. Existing entries
// keep their taken state.
func (s *Store) Add(ctx context.Context, n int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if n <= 0 {
		return errors.New("pool size must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i := 1; i <= n; i++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pcs(id) VALUES(?)`, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Available lists the free machine numbers in ascending order.
func (s *Store) Available(ctx context.Context) ([]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM pcs WHERE taken = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Take marks a machine as in use by userID. Reports false when the
// machine does not exist or is already taken.
func (s *Store) Take(ctx context.Context, id int, userID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pcs SET taken = 1, taken_by = ?, taken_at = ?
		 WHERE id = ? AND taken = 0`,
		userID, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Release frees a machine. Releasing a free machine is a no-op.
func (s *Store) Release(ctx context.Context, id int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE pcs SET taken = 0, taken_by = NULL, taken_at = NULL WHERE id = ?`, id)
	return err
}

// ReleaseBy frees every machine held by userID. Returns how many were
// freed.
func (s *Store) ReleaseBy(ctx context.Context, userID int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pcs SET taken = 0, taken_by = NULL, taken_at = NULL
		 WHERE taken = 1 AND taken_by = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Clear empties the pool.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pcs`)
	return err
}
