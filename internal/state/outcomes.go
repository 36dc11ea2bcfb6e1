package state

import (
	"fmt"
	"time"
)

// Outcome statuses.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeUnproductive = "unproductive"
	OutcomeBlocked      = "blocked"
)

// Outcome is one finished session attempt on an issue.
type Outcome struct {
	ID           int64
	SessionID    string
	IssueNumber  int
	IssueTitle   string
	Provider     string
	Status       string
	ToolCalls    int
	FilesChanged int
	IssueClosed  bool
	Score        float64
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RecordOutcome inserts a finished session attempt.
func (db *DB) RecordOutcome(o Outcome) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.conn.Exec(`
		INSERT INTO session_outcomes
			(session_id, issue_number, issue_title, provider, status,
			 tool_calls, files_changed, issue_closed, score, error,
			 started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.IssueNumber, o.IssueTitle, o.Provider, o.Status,
		o.ToolCalls, o.FilesChanged, boolToInt(o.IssueClosed), o.Score, o.Error,
		o.StartedAt.UTC(), o.FinishedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("record outcome: %w", err)
	}
	return res.LastInsertId()
}

// RecentOutcomes returns the most recent outcomes, newest first.
func (db *DB) RecentOutcomes(limit int) ([]Outcome, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT id, session_id, issue_number, issue_title, provider, status,
		       tool_calls, files_changed, issue_closed, score, error,
		       started_at, finished_at
		FROM session_outcomes
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// IssueHistory returns every recorded attempt on an issue, oldest first.
func (db *DB) IssueHistory(issueNumber int) ([]Outcome, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT id, session_id, issue_number, issue_title, provider, status,
		       tool_calls, files_changed, issue_closed, score, error,
		       started_at, finished_at
		FROM session_outcomes
		WHERE issue_number = ?
		ORDER BY finished_at ASC, id ASC`, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("query issue history: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// Summary aggregates outcome counts by status.
type Summary struct {
	Total        int
	Completed    int
	Failed       int
	Unproductive int
	Blocked      int
}

// Summarize counts outcomes by status across the whole history.
func (db *DB) Summarize() (Summary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT status, COUNT(*) FROM session_outcomes GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize outcomes: %w", err)
	}
	defer rows.Close()

	var s Summary
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Summary{}, err
		}
		s.Total += n
		switch status {
		case OutcomeCompleted:
			s.Completed = n
		case OutcomeFailed:
			s.Failed = n
		case OutcomeUnproductive:
			s.Unproductive = n
		case OutcomeBlocked:
			s.Blocked = n
		}
	}
	return s, rows.Err()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanOutcomes(rows rowScanner) ([]Outcome, error) {
	var out []Outcome
	for rows.Next() {
		var o Outcome
		var closed int
		if err := rows.Scan(&o.ID, &o.SessionID, &o.IssueNumber, &o.IssueTitle,
			&o.Provider, &o.Status, &o.ToolCalls, &o.FilesChanged, &closed,
			&o.Score, &o.Error, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, err
		}
		o.IssueClosed = closed != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
