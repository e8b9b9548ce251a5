package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/record"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteConfig holds the SQLite backend configuration.
type SQLiteConfig struct {
	// Path of the database file. Parent directories are created.
	Path string

	// BusyTimeout for lock contention.
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        "data/setlists.db",
		BusyTimeout: 5 * time.Second,
	}
}

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (and migrates) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// InsertSubject implements Store.
func (s *SQLiteStore) InsertSubject(ctx context.Context, mbid, name string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM setlists WHERE mbid = ?`, mbid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artists(mbid, name, in_progress, last_updated) VALUES(?, ?, 1, ?)
			 ON CONFLICT(mbid) DO UPDATE SET name = excluded.name, in_progress = 1, last_updated = excluded.last_updated`,
			mbid, name, time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return s.fail("insert", mbid, err)
	}
	return nil
}

// ReinsertSubject implements Store.
func (s *SQLiteStore) ReinsertSubject(ctx context.Context, mbid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artists SET in_progress = 1, last_updated = ? WHERE mbid = ?`,
		time.Now().UnixMilli(), mbid,
	)
	if err != nil {
		return s.fail("reinsert", mbid, err)
	}
	return nil
}

// CheckSubject implements Store.
func (s *SQLiteStore) CheckSubject(ctx context.Context, mbid string) (Status, error) {
	var (
		inProgress  bool
		lastUpdated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT in_progress, last_updated FROM artists WHERE mbid = ?`, mbid,
	).Scan(&inProgress, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, s.fail("check", mbid, err)
	}
	return Status{Exists: true, InProgress: inProgress, LastUpdated: time.UnixMilli(lastUpdated)}, nil
}

// AppendRecords implements Store.
func (s *SQLiteStore) AppendRecords(ctx context.Context, mbid string, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE artists SET last_updated = ? WHERE mbid = ?`, time.Now().UnixMilli(), mbid)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO setlists(mbid, event_date, payload) VALUES(?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range records {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			var eventDate any
			if rec.IsValid && rec.EventDate != "" {
				eventDate = rec.EventDate
			}
			if _, err := stmt.ExecContext(ctx, mbid, eventDate, string(payload)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.fail("append", mbid, err)
	}
	return nil
}

// AllRecords implements Store.
func (s *SQLiteStore) AllRecords(ctx context.Context, mbid string) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM setlists WHERE mbid = ? ORDER BY id`, mbid)
	if err != nil {
		return nil, s.fail("all_records", mbid, err)
	}
	defer rows.Close()

	records := []record.Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, s.fail("all_records", mbid, err)
		}
		var rec record.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, s.fail("all_records", mbid, fmt.Errorf("unmarshal record: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("all_records", mbid, err)
	}
	return records, nil
}

// MostRecentRecord implements Store. Ties on date resolve to the earliest insert.
func (s *SQLiteStore) MostRecentRecord(ctx context.Context, mbid string) (record.Record, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM setlists
		 WHERE mbid = ? AND event_date IS NOT NULL
		 ORDER BY event_date DESC, id ASC LIMIT 1`, mbid,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, s.fail("most_recent", mbid, err)
	}

	var rec record.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return record.Record{}, false, s.fail("most_recent", mbid, fmt.Errorf("unmarshal record: %w", err))
	}
	return rec, true, nil
}

// MarkComplete implements Store.
func (s *SQLiteStore) MarkComplete(ctx context.Context, mbid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artists SET in_progress = 0, last_updated = ? WHERE mbid = ?`,
		time.Now().UnixMilli(), mbid,
	)
	if err != nil {
		return s.fail("mark_complete", mbid, err)
	}
	return nil
}

// DeleteSubject implements Store.
func (s *SQLiteStore) DeleteSubject(ctx context.Context, mbid string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM setlists WHERE mbid = ?`, mbid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM artists WHERE mbid = ?`, mbid)
		return err
	})
	if err != nil {
		return s.fail("delete", mbid, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) fail(op, mbid string, err error) error {
	s.logger.Error().
		Err(err).
		Str("op", op).
		Str("mbid", mbid).
		Msg("SQLite store operation failed")
	return newStorageError(BackendSQLite, op, mbid, err)
}
