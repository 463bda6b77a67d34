// Package history keeps a local log of finished call sessions in SQLite.
//
// Only ended sessions are written. Nothing in the log is read back into a
// new session; it exists for "recent calls" views and usage totals.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/callkit/session"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrEmptySessionID is returned by Record for a summary without an id.
var ErrEmptySessionID = errors.New("session id cannot be empty")

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	session_id        TEXT PRIMARY KEY,
	call_type         TEXT NOT NULL,
	channel_label     TEXT NOT NULL,
	started_at        INTEGER NOT NULL,
	ended_at          INTEGER NOT NULL,
	duration_ms       INTEGER NOT NULL,
	last_status       TEXT NOT NULL,
	reason            TEXT NOT NULL,
	peak_participants INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_channel_ended ON calls (channel_label, ended_at);
`

// Entry is one logged session. StartedAt is zero for sessions that never
// acquired media.
type Entry struct {
	SessionID        string
	CallType         string
	ChannelLabel     string
	StartedAt        time.Time
	EndedAt          time.Time
	Duration         time.Duration
	LastStatus       string
	Reason           string
	PeakParticipants int
}

// Store is a call log backed by one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the log at path. ":memory:" gives a private
// in-memory log.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Info("Call history opened")

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record writes a finished session. Recording the same session twice
// keeps the latest summary.
func (s *Store) Record(ctx context.Context, summary session.Summary) error {
	if summary.SessionID == "" {
		return ErrEmptySessionID
	}
	reason := ""
	if summary.Reason != nil {
		reason = summary.Reason.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (session_id, call_type, channel_label, started_at, ended_at,
		                   duration_ms, last_status, reason, peak_participants)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			call_type = excluded.call_type,
			channel_label = excluded.channel_label,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			last_status = excluded.last_status,
			reason = excluded.reason,
			peak_participants = excluded.peak_participants`,
		summary.SessionID,
		summary.CallType.String(),
		summary.ChannelLabel,
		toMillis(summary.StartedAt),
		toMillis(summary.EndedAt),
		summary.Duration.Milliseconds(),
		summary.LastStatus.String(),
		reason,
		summary.PeakParticipants,
	)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Record",
			"session_id": summary.SessionID,
			"error":      err.Error(),
		}).Warn("Failed to record call")
		return fmt.Errorf("record call %s: %w", summary.SessionID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Record",
		"session_id": summary.SessionID,
		"duration":   summary.Duration,
	}).Debug("Call recorded")
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, call_type, channel_label, started_at, ended_at,
		       duration_ms, last_status, reason, peak_participants
		FROM calls ORDER BY ended_at DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	return scanEntries(rows)
}

// ByChannel returns up to limit sessions of one channel, newest first.
func (s *Store) ByChannel(ctx context.Context, channel string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, call_type, channel_label, started_at, ended_at,
		       duration_ms, last_status, reason, peak_participants
		FROM calls WHERE channel_label = ? ORDER BY ended_at DESC, session_id LIMIT ?`,
		channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query channel calls: %w", err)
	}
	return scanEntries(rows)
}

// TotalDuration sums the duration of sessions that ended at or after since.
func (s *Store) TotalDuration(ctx context.Context, since time.Time) (time.Duration, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(duration_ms) FROM calls WHERE ended_at >= ?`, toMillis(since)).Scan(&ms)
	if err != nil {
		return 0, fmt.Errorf("sum call duration: %w", err)
	}
	return time.Duration(ms.Int64) * time.Millisecond, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                         Entry
			startedMS, endedMS, durMS int64
		)
		if err := rows.Scan(&e.SessionID, &e.CallType, &e.ChannelLabel, &startedMS, &endedMS,
			&durMS, &e.LastStatus, &e.Reason, &e.PeakParticipants); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		e.StartedAt = fromMillis(startedMS)
		e.EndedAt = fromMillis(endedMS)
		e.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
