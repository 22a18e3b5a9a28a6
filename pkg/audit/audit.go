// Package audit records administrative credit adjustments in an append-only
// log, separate from the ledger itself: the ledger answers "what is the
// balance", the audit log answers "who changed it and why".
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action identifies what an admin did to a user's balance.
type Action string

const (
	ActionCreditGrant  Action = "credits.grant"
	ActionCreditRevoke Action = "credits.revoke"
)

// Entry is one audit log record.
type Entry struct {
	ID         string    `json:"id"`
	Action     Action    `json:"action"`
	ActorID    string    `json:"actor_id"`
	SubjectID  string    `json:"subject_id"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	RequestID  string    `json:"request_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Logger writes audit entries to Postgres.
type Logger struct {
	db *sql.DB
}

// NewLogger wraps an existing database handle and ensures the table exists.
func NewLogger(ctx context.Context, db *sql.DB) (*Logger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	l := &Logger{db: db}
	if err := l.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit_logs table: %w", err)
	}
	return l, nil
}

func (l *Logger) ensureTable(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			request_id TEXT,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Record appends one entry. The generated entry id is returned.
func (l *Logger) Record(ctx context.Context, entry *Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, actor_id, subject_id, amount, reason, request_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		entry.ID, string(entry.Action), entry.ActorID, entry.SubjectID,
		entry.Amount, entry.Reason, entry.RequestID, entry.RecordedAt)
	if err != nil {
		return "", fmt.Errorf("record audit entry: %w", err)
	}
	return entry.ID, nil
}

// ForSubject returns entries touching one user, newest first.
func (l *Logger) ForSubject(ctx context.Context, subjectID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, action, actor_id, subject_id, amount, reason, COALESCE(request_id, ''), recorded_at
		FROM audit_logs
		WHERE subject_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`,
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries for %s: %w", subjectID, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var action string
		if err := rows.Scan(&e.ID, &action, &e.ActorID, &e.SubjectID, &e.Amount, &e.Reason, &e.RequestID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
