// Package sqlite implements port.QueueStore on a single SQLite file, for
// deployments without Redis. Lists are rows ordered by sequence number and
// hashes are (key, field) rows.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/port"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const DefaultPollInterval = 50 * time.Millisecond

type Store struct {
	db           *sql.DB
	pollInterval time.Duration
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// NewStore opens (and migrates) queue.db inside dataDir.
func NewStore(dataDir string, pollInterval time.Duration) (*Store, error) {
	registerHook()

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	dbPath := filepath.Join(dataDir, "queue.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection for SQLite (WAL allows concurrent reads but only one writer)
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, pollInterval: pollInterval}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
	}
	return nil
}

func (s *Store) Push(ctx context.Context, list string, item []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO list_items (list, value) VALUES (?, ?)`, list, item)
	if err != nil {
		return fmt.Errorf("push %s: %w", list, err)
	}
	return nil
}

// moveOnce relabels the oldest row of src in a single statement, which
// SQLite runs under its write lock.
func (s *Store) moveOnce(ctx context.Context, src, dst string) ([]byte, error) {
	var item []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE list_items SET list = ?
		WHERE seq = (SELECT seq FROM list_items WHERE list = ? ORDER BY seq LIMIT 1)
		RETURNING value`, dst, src).Scan(&item)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) Move(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		item, err := s.moveOnce(ctx, src, dst)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: move %s -> %s: %v", domain.ErrConnectivity, src, dst, err)
		}
		if item != nil {
			return item, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(s.pollInterval, remaining)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Store) Range(ctx context.Context, list string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM list_items WHERE list = ? ORDER BY seq DESC`, list)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", list, err)
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var item []byte
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("range %s: %w", list, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const removeOneSQL = `
	DELETE FROM list_items
	WHERE seq = (SELECT seq FROM list_items WHERE list = ? AND value = ? ORDER BY seq LIMIT 1)`

func (s *Store) Remove(ctx context.Context, list string, item []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, removeOneSQL, list, item)
	if err != nil {
		return false, fmt.Errorf("remove from %s: %w", list, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const upsertFieldSQL = `
	INSERT INTO hash_fields (key, field, value) VALUES (?, ?, ?)
	ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`

func (s *Store) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set fields on %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertFields(ctx, tx, key, fields); err != nil {
		return fmt.Errorf("set fields on %s: %w", key, err)
	}
	return tx.Commit()
}

func upsertFields(ctx context.Context, tx *sql.Tx, key string, fields map[string]string) error {
	for field, value := range fields {
		if _, err := tx.ExecContext(ctx, upsertFieldSQL, key, field, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetFields(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM hash_fields WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("get fields of %s: %w", key, err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("get fields of %s: %w", key, err)
		}
		fields[field] = value
	}
	return fields, rows.Err()
}

func (s *Store) Settle(ctx context.Context, st port.Settlement) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("settle %s: %w", st.Key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, removeOneSQL, st.List, st.Item); err != nil {
		return false, fmt.Errorf("settle %s: %w", st.Key, err)
	}

	if st.GuardField != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM hash_fields WHERE key = ? AND field = ?`, st.Key, st.GuardField).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("settle %s: %w", st.Key, err)
		}
		if exists > 0 {
			return false, tx.Commit()
		}
	}

	if err := upsertFields(ctx, tx, st.Key, st.Fields); err != nil {
		return false, fmt.Errorf("settle %s: %w", st.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("settle %s: %w", st.Key, err)
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ port.QueueStore = (*Store)(nil)
