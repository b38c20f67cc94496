// Package journal persists the terminal outcome of every relayed order.
// It is an audit log, not a queue: rows are written once, after the relay
// finishes, and the roster itself is never persisted.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

func (s Status) terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusRejected:
		return true
	}
	return false
}

// Entry is one relay outcome.
type Entry struct {
	ID          string
	Speciality  string
	StaffID     string
	Status      Status
	Fingerprint string
	CreatedAt   time.Time
	CompletedAt *time.Time
	LastError   *string
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Fingerprint returns the hex BLAKE3 digest of an order payload. Empty
// payloads fingerprint to the empty string.
func Fingerprint(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Record inserts a terminal relay row.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if !e.Status.terminal() {
		return fmt.Errorf("invalid terminal status: %q", e.Status)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var completedAt any
	if e.CompletedAt != nil {
		completedAt = e.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	var lastError any
	if e.LastError != nil {
		lastError = *e.LastError
	}
	var staffID any
	if e.StaffID != "" {
		staffID = e.StaffID
	}
	var speciality any
	if e.Speciality != "" {
		speciality = e.Speciality
	}
	var fingerprint any
	if e.Fingerprint != "" {
		fingerprint = e.Fingerprint
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO relay_log(id, speciality, staff_id, status, fingerprint, created_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, speciality, staffID, string(e.Status), fingerprint,
		createdAt.UTC().Format(time.RFC3339Nano), completedAt, lastError)
	if err != nil {
		return fmt.Errorf("insert relay_log: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, speciality, staff_id, status, fingerprint, created_at, completed_at, last_error
FROM relay_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, n)
	if err != nil {
		return nil, fmt.Errorf("query relay_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e            Entry
			speciality   sql.NullString
			staffID      sql.NullString
			fingerprint  sql.NullString
			statusS      string
			createdAtS   string
			completedAtS sql.NullString
			lastError    sql.NullString
		)
		if err := rows.Scan(&e.ID, &speciality, &staffID, &statusS, &fingerprint, &createdAtS, &completedAtS, &lastError); err != nil {
			return nil, fmt.Errorf("scan relay_log: %w", err)
		}
		e.Status = Status(statusS)
		if speciality.Valid {
			e.Speciality = speciality.String
		}
		if staffID.Valid {
			e.StaffID = staffID.String
		}
		if fingerprint.Valid {
			e.Fingerprint = fingerprint.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			e.CreatedAt = t
		}
		if completedAtS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
				e.CompletedAt = &t
			}
		}
		if lastError.Valid {
			e.LastError = &lastError.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByStatus returns row counts grouped by terminal status.
func (j *Journal) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM relay_log GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count relay_log: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}
