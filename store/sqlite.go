package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Seednode/santabox/exchange"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS games (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	document TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps one row per game. The version column makes saves a
// single conditional statement.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, exchange.Persistence("open sqlite db", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, exchange.Persistence("ping sqlite db", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, exchange.Persistence("create games table", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, gameID string) (*exchange.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM games WHERE id = ?`, gameID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, exchange.ErrNotFound
	case err != nil:
		return nil, exchange.Persistence("sqlite load", err)
	}
	return decode([]byte(raw))
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, gameID string, doc *exchange.Document) error {
	next := doc.Version + 1
	raw, err := encode(doc, next)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	var res sql.Result
	if doc.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO games (id, version, document, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			gameID, next, string(raw), now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE games SET version = ?, document = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			next, string(raw), now, gameID, doc.Version)
	}
	if err != nil {
		return exchange.Persistence("sqlite save", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return exchange.Persistence("sqlite save", err)
	}
	if n == 0 {
		return exchange.ErrVersionConflict
	}

	doc.Version = next
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
