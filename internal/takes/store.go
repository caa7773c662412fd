// Package takes archives captured timelines in SQLite so sessions can be
// listed, reloaded and rendered later.
package takes

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cbegin/stemhost-go/internal/capture"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotFound = errors.New("take not found")

// Take is the archive metadata for one stored capture.
type Take struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SessionID  string    `json:"sessionId"`
	CreatedAt  time.Time `json:"createdAt"`
	Events     int       `json:"events"`
	DurationMs int64     `json:"durationMs"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the archive at path. Use ":memory:" for a
// throwaway archive.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open take archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect take archive: %w", err)
	}
	// SQLite has a single writer; an in-memory database also exists per
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply take schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores tl under name and returns its metadata.
func (s *Store) Save(ctx context.Context, name string, tl capture.Timeline) (Take, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Take{}, errors.New("take name is required")
	}
	if tl.Empty() {
		return Take{}, capture.ErrEmptyTimeline
	}
	var doc bytes.Buffer
	if err := capture.Encode(&doc, tl); err != nil {
		return Take{}, err
	}
	first, last := tl.Span()
	take := Take{
		ID:         uuid.NewString(),
		Name:       name,
		SessionID:  tl.SessionID,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
		Events:     len(tl.Events),
		DurationMs: last - first,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO takes (id, name, session_id, created_at, event_count, duration_ms, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		take.ID, take.Name, take.SessionID, take.CreatedAt.UnixMilli(), take.Events, take.DurationMs, doc.Bytes())
	if err != nil {
		return Take{}, fmt.Errorf("insert take: %w", err)
	}
	return take, nil
}

// List returns every take, newest first.
func (s *Store) List(ctx context.Context) ([]Take, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, session_id, created_at, event_count, duration_ms
		 FROM takes ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list takes: %w", err)
	}
	defer rows.Close()

	var out []Take
	for rows.Next() {
		var t Take
		var created int64
		if err := rows.Scan(&t.ID, &t.Name, &t.SessionID, &created, &t.Events, &t.DurationMs); err != nil {
			return nil, fmt.Errorf("scan take: %w", err)
		}
		t.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Load returns the timeline stored under id.
func (s *Store) Load(ctx context.Context, id string) (capture.Timeline, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM takes WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return capture.Timeline{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return capture.Timeline{}, fmt.Errorf("load take: %w", err)
	}
	return capture.Decode(bytes.NewReader(doc))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM takes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete take: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
