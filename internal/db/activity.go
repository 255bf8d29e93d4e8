package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event types that update account_stats. Other types are only logged.
const (
	EventLoggedOn = "logged_on"
	EventError    = "error"
	EventRetry    = "retry_scheduled"
	EventUsage    = "usage"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 100

// Event is one activity_log row.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AccountID string    `json:"accountId"`
	EventType string    `json:"eventType"`
	Details   string    `json:"details,omitempty"`
}

// AccountStats aggregates the activity of one account.
type AccountStats struct {
	AccountID      string     `json:"accountId"`
	TotalLogins    int        `json:"totalLogins"`
	TotalErrors    int        `json:"totalErrors"`
	TotalRetries   int        `json:"totalRetries"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	LastError      *time.Time `json:"lastError,omitempty"`
	UsageMinutes   int64      `json:"usageMinutes"`
	AccruedMinutes int64      `json:"accruedMinutes"`
	UsageUpdated   *time.Time `json:"usageUpdated,omitempty"`
}

// LogEvent appends e to the activity log and updates the account's stats
// in one transaction.
func (d *DB) LogEvent(e Event) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ts := e.Timestamp.UTC()

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO activity_log (timestamp, account_id, event_type, details) VALUES (?, ?, ?, ?)`,
		ts, e.AccountID, e.EventType, nullString(e.Details),
	); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}

	if err := updateStats(tx, e.AccountID, e.EventType, e.Details, ts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func updateStats(tx *sql.Tx, accountID, eventType, details string, ts time.Time) error {
	var (
		query string
		args  []any
	)
	switch eventType {
	case EventLoggedOn:
		query = `INSERT INTO account_stats (account_id, total_logins, last_login) VALUES (?, 1, ?)
ON CONFLICT(account_id) DO UPDATE SET total_logins = total_logins + 1, last_login = excluded.last_login`
		args = []any{accountID, ts}
	case EventError:
		query = `INSERT INTO account_stats (account_id, total_errors, last_error) VALUES (?, 1, ?)
ON CONFLICT(account_id) DO UPDATE SET total_errors = total_errors + 1, last_error = excluded.last_error`
		args = []any{accountID, ts}
	case EventRetry:
		query = `INSERT INTO account_stats (account_id, total_retries) VALUES (?, 1)
ON CONFLICT(account_id) DO UPDATE SET total_retries = total_retries + 1`
		args = []any{accountID}
	case EventUsage:
		current, accrued, ok := ParseUsageDetails(details)
		if !ok {
			return nil
		}
		query = `INSERT INTO account_stats (account_id, usage_minutes, accrued_minutes, usage_updated) VALUES (?, ?, ?, ?)
ON CONFLICT(account_id) DO UPDATE SET usage_minutes = excluded.usage_minutes,
    accrued_minutes = excluded.accrued_minutes, usage_updated = excluded.usage_updated`
		args = []any{accountID, current, accrued, ts}
	default:
		return nil
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("update stats for %s: %w", accountID, err)
	}
	return nil
}

// ParseUsageDetails reads the "current=N accrued=M" details of a usage
// event.
func ParseUsageDetails(details string) (current, accrued int64, ok bool) {
	if _, err := fmt.Sscanf(details, "current=%d accrued=%d", &current, &accrued); err != nil {
		return 0, 0, false
	}
	return current, accrued, true
}

// History returns the newest events for accountID, newest first. A
// non-positive limit uses DefaultHistoryLimit.
func (d *DB) History(accountID string, limit int) ([]Event, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is not open")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := d.conn.Query(
		`SELECT id, timestamp, account_id, event_type, COALESCE(details, '')
FROM activity_log WHERE account_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.AccountID, &e.EventType, &e.Details); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return events, nil
}

// Stats returns the aggregated stats for accountID, or nil when the
// account has no recorded activity.
func (d *DB) Stats(accountID string) (*AccountStats, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is not open")
	}

	row := d.conn.QueryRow(`SELECT account_id, total_logins, total_errors, total_retries,
    last_login, last_error, usage_minutes, accrued_minutes, usage_updated
FROM account_stats WHERE account_id = ?`, accountID)

	stats, err := scanStats(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// DeleteAccount removes every row belonging to accountID.
func (d *DB) DeleteAccount(accountID string) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM activity_log WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM account_stats WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete stats: %w", err)
	}
	return tx.Commit()
}

// Prune deletes activity older than cutoff and returns the number of rows
// removed. Stats are kept.
func (d *DB) Prune(cutoff time.Time) (int64, error) {
	if d == nil || d.conn == nil {
		return 0, fmt.Errorf("db is not open")
	}
	res, err := d.conn.Exec(`DELETE FROM activity_log WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStats(row rowScanner) (*AccountStats, error) {
	var (
		s                                   AccountStats
		lastLogin, lastError, usageUpdated sql.NullTime
	)
	if err := row.Scan(&s.AccountID, &s.TotalLogins, &s.TotalErrors, &s.TotalRetries,
		&lastLogin, &lastError, &s.UsageMinutes, &s.AccruedMinutes, &usageUpdated); err != nil {
		return nil, err
	}
	s.LastLogin = nullTimePtr(lastLogin)
	s.LastError = nullTimePtr(lastError)
	s.UsageUpdated = nullTimePtr(usageUpdated)
	return &s, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
