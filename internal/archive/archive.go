// Package archive keeps finalized session summaries in SQLite so past
// sessions can be listed after the tracking view is gone.
package archive

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spinspeeder/spinspeeder/internal/session"
)

// ErrNotFound is returned by Get for an unknown session ID.
var ErrNotFound = errors.New("archive: session not found")

// ErrNotFinal is returned by Record for a snapshot that is still live.
var ErrNotFinal = errors.New("archive: snapshot is not finalized")

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed summary archive.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the archive at path. Use ":memory:" for a throwaway
// store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: init schema: %w", err)
	}
	slog.Info("archive: opened", "path", path)
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record stores a final summary. Recording the same session again replaces
// the earlier row.
func (s *Store) Record(ctx context.Context, snap session.Snapshot) error {
	if !snap.Final() {
		return ErrNotFinal
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(session_id, started_at_ns, duration_ns, max_speed, max_rotation,
			 ball_count, frames, detections, final_seq, recorded_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID,
		snap.StartedAt.UnixNano(),
		int64(snap.Duration),
		snap.MaxSpeed,
		snap.MaxRotationRate,
		snap.DistinctBallCount,
		int64(snap.Frames),
		int64(snap.Detections),
		int64(snap.Seq),
		s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("archive: record %s: %w", snap.SessionID, err)
	}
	return nil
}

const selectColumns = `session_id, started_at_ns, duration_ns, max_speed, max_rotation,
	ball_count, frames, detections, final_seq`

// List returns up to limit summaries, newest session first. limit <= 0
// returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]session.Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM sessions ORDER BY started_at_ns DESC, final_seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer rows.Close()

	var out []session.Snapshot
	for rows.Next() {
		snap, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("archive: list: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return out, nil
}

// Get returns the summary recorded for id.
func (s *Store) Get(ctx context.Context, id string) (session.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sessions WHERE session_id = ?`, id)
	snap, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("archive: get %s: %w", id, err)
	}
	return snap, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (session.Snapshot, error) {
	var (
		snap              session.Snapshot
		startedNs, durNs  int64
		frames, dets, seq int64
	)
	err := r.Scan(&snap.SessionID, &startedNs, &durNs, &snap.MaxSpeed, &snap.MaxRotationRate,
		&snap.DistinctBallCount, &frames, &dets, &seq)
	if err != nil {
		return session.Snapshot{}, err
	}
	snap.Status = session.StatusFinalized
	snap.StartedAt = time.Unix(0, startedNs)
	snap.Duration = time.Duration(durNs)
	snap.Frames = uint64(frames)
	snap.Detections = uint64(dets)
	snap.Seq = uint64(seq)
	return snap, nil
}
