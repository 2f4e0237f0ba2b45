package process

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"swap-router/pkg/types"
)

// SQLiteStore keeps one row per process with the record as a JSON document
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and creates the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway
	db.SetMaxOpenConns(1)

	if err := initDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			terminal BOOLEAN NOT NULL,
			created DATETIME NOT NULL,
			last_updated DATETIME NOT NULL,
			record TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create processes table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS processes_terminal ON processes (terminal, created)`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, r *ProcessRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal process: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processes (id, status, terminal, created, last_updated, record)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Status()), r.Terminal(), r.Created, r.LastUpdated, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert process '%s': %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*ProcessRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM processes WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process '%s': %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read process '%s': %w", id, err)
	}
	return decodeRecord(data)
}

func (s *SQLiteStore) Update(ctx context.Context, r *ProcessRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal process: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processes SET status = ?, terminal = ?, last_updated = ?, record = ?
		WHERE id = ?
	`, string(r.Status()), r.Terminal(), r.LastUpdated, string(data), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update process '%s': %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("process '%s': %w", r.ID, types.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*ProcessRecord, error) {
	return s.query(ctx, `SELECT record FROM processes ORDER BY created, id`)
}

func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]*ProcessRecord, error) {
	return s.query(ctx, `SELECT record FROM processes WHERE terminal = 0 ORDER BY created, id`)
}

func (s *SQLiteStore) query(ctx context.Context, q string) ([]*ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	var out []*ProcessRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		r, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecord(data string) (*ProcessRecord, error) {
	var r ProcessRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process: %w", err)
	}
	return &r, nil
}
