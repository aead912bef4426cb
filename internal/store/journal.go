package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"petwatch/internal/alert"
	"petwatch/internal/pipeline"
)

// Journal persists sessions, events and alerts in SQLite
type Journal struct {
	db *sql.DB

	mu      sync.RWMutex
	session string // Current session, used for alerts
}

// Session is one pipeline run
type Session struct {
	ID            string                       `json:"id"`
	StartedAt     time.Time                    `json:"started_at"`
	EndedAt       *time.Time                   `json:"ended_at,omitempty"`
	Mode          pipeline.PerformanceMode     `json:"mode"`
	Source        string                       `json:"source"`
	Reason        string                       `json:"reason,omitempty"`
	FinalSnapshot *pipeline.StatisticsSnapshot `json:"final_snapshot,omitempty"`
}

// EventFilter narrows ListEvents
type EventFilter struct {
	SessionID string
	Kind      pipeline.EventKind
	Since     *time.Time
	Limit     int
}

// AlertRecord is a delivered alert
type AlertRecord struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      alert.Type     `json:"type"`
	Severity  alert.Severity `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

// Open opens (or creates) the journal at path and runs migrations
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			mode TEXT NOT NULL,
			source TEXT,
			reason TEXT,
			final_snapshot TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			track_id INTEGER NOT NULL,
			species TEXT,
			zone_id TEXT,
			zone_kind TEXT,
			bowl_id TEXT,
			bowl_kind TEXT,
			timestamp DATETIME NOT NULL,
			frame_seq INTEGER NOT NULL,
			duration_ns INTEGER DEFAULT 0,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			type TEXT NOT NULL,
			severity TEXT,
			title TEXT,
			message TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_time ON events(session_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// StartSession records a new run and makes it current
func (j *Journal) StartSession(ctx context.Context, s Session) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, mode, source) VALUES (?, ?, ?, ?)`,
		s.ID, s.StartedAt.UTC(), string(s.Mode), s.Source)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	j.mu.Lock()
	j.session = s.ID
	j.mu.Unlock()
	return nil
}

// EndSession stamps the end of a run and archives its final snapshot
func (j *Journal) EndSession(ctx context.Context, id string, endedAt time.Time, reason string, snapshot *pipeline.StatisticsSnapshot) error {
	var snapshotJSON sql.NullString
	if snapshot != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		snapshotJSON = sql.NullString{String: string(data), Valid: true}
	}

	result, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, reason = ?, final_snapshot = ? WHERE id = ?`,
		endedAt.UTC(), reason, snapshotJSON, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (j *Journal) GetSession(ctx context.Context, id string) (*Session, error) {
	rows, err := j.db.QueryContext(ctx, sessionQuery+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

// ListSessions returns the most recent sessions first
func (j *Journal) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	query := sessionQuery + " ORDER BY started_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

const sessionQuery = `SELECT id, started_at, ended_at, mode, source, reason, final_snapshot FROM sessions`

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		var s Session
		var mode string
		var endedAt sql.NullTime
		var source, reason, snapshotJSON sql.NullString

		if err := rows.Scan(&s.ID, &s.StartedAt, &endedAt, &mode, &source, &reason, &snapshotJSON); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		s.Mode = pipeline.PerformanceMode(mode)
		s.Source = source.String
		s.Reason = reason.String
		if endedAt.Valid {
			t := endedAt.Time
			s.EndedAt = &t
		}
		if snapshotJSON.Valid && snapshotJSON.String != "" {
			var snap pipeline.StatisticsSnapshot
			if err := json.Unmarshal([]byte(snapshotJSON.String), &snap); err != nil {
				return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			s.FinalSnapshot = &snap
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// SaveEvents inserts a batch of events in one transaction. Replayed
// events (same id) are ignored.
func (j *Journal) SaveEvents(ctx context.Context, sessionID string, events []pipeline.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events
		(id, session_id, kind, track_id, species, zone_id, zone_kind, bowl_id, bowl_kind, timestamp, frame_seq, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, sessionID, string(e.Kind), e.TrackID, string(e.Species),
			e.ZoneID, string(e.ZoneKind), e.BowlID, string(e.BowlKind),
			e.Timestamp.UTC(), int64(e.FrameSeq), int64(e.Duration)); err != nil {
			return fmt.Errorf("failed to save event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// ListEvents returns events newest first
func (j *Journal) ListEvents(ctx context.Context, filter EventFilter) ([]pipeline.Event, error) {
	query := `SELECT id, kind, track_id, species, zone_id, zone_kind, bowl_id, bowl_kind, timestamp, frame_seq, duration_ns
		FROM events WHERE 1=1`
	args := []any{}

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC, frame_seq DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []pipeline.Event{}
	for rows.Next() {
		var e pipeline.Event
		var kind, species, zoneKind, bowlKind string
		var frameSeq, duration int64

		if err := rows.Scan(&e.ID, &kind, &e.TrackID, &species, &e.ZoneID, &zoneKind,
			&e.BowlID, &bowlKind, &e.Timestamp, &frameSeq, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		e.Kind = pipeline.EventKind(kind)
		e.Species = pipeline.Species(species)
		e.ZoneKind = pipeline.ZoneKind(zoneKind)
		e.BowlKind = pipeline.BowlKind(bowlKind)
		e.FrameSeq = uint64(frameSeq)
		e.Duration = time.Duration(duration)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsBefore deletes events older than the specified time
func (j *Journal) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

// Name implements alert.Notifier
func (j *Journal) Name() string { return "journal" }

// Notify records a delivered alert against the current session
func (j *Journal) Notify(ctx context.Context, a alert.Alert) error {
	j.mu.RLock()
	session := j.session
	j.mu.RUnlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, session_id, type, severity, title, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, session, string(a.Type), string(a.Severity), a.Title, a.Message, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListAlerts returns recorded alerts newest first
func (j *Journal) ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	query := `SELECT id, session_id, type, severity, title, message, created_at FROM alerts ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	records := []AlertRecord{}
	for rows.Next() {
		var r AlertRecord
		var session, severity, title, message sql.NullString
		var typ string
		if err := rows.Scan(&r.ID, &session, &typ, &severity, &title, &message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		r.SessionID = session.String
		r.Type = alert.Type(typ)
		r.Severity = alert.Severity(severity.String)
		r.Title = title.String
		r.Message = message.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveSetting saves a configuration value
func (j *Journal) SaveSetting(ctx context.Context, key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := j.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

// GetSetting retrieves a configuration value. Missing keys return "".
func (j *Journal) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx, "SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SessionSource describes a source for the sessions table
func SessionSource(kind, device string) string {
	return strings.TrimSpace(kind + " " + device)
}

var _ alert.Notifier = (*Journal)(nil)
