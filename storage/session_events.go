package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSessionEventLimit = 100
	maxSessionEventLimit     = 1000
)

// SetSessionEventRetention configures the automatic pruning horizon.
func (s *Store) SetSessionEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSessionEventRetention
	}
	s.sessionEventRetention = retention
}

// RecordSessionEvent appends one journal row and prunes rows past retention.
func (s *Store) RecordSessionEvent(event SessionEvent) (int64, error) {
	if err := validateSessionEventKind(event.Kind); err != nil {
		return 0, err
	}
	if err := validateSessionRole(event.Role); err != nil {
		return 0, err
	}
	if event.Attempt < 0 {
		return 0, fmt.Errorf("attempt must be >= 0, got %d", event.Attempt)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO session_events (
			kind,
			role,
			remote_addr,
			attempt,
			detail,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.Kind,
		event.Role,
		strings.TrimSpace(event.RemoteAddr),
		event.Attempt,
		event.Detail,
		event.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session event %q: %w", event.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read session event id: %w", err)
	}

	if s.sessionEventRetention > 0 {
		cutoff := time.Now().Add(-s.sessionEventRetention).UnixMilli()
		if _, err := s.PruneSessionEvents(cutoff); err != nil {
			return id, err
		}
	}

	return id, nil
}

// GetSessionEvent returns one journal row by id.
func (s *Store) GetSessionEvent(id int64) (*SessionEvent, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, role, remote_addr, attempt, detail, timestamp
		FROM session_events WHERE id = ?`,
		id,
	)
	event, err := scanSessionEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session event %d: %w", id, err)
	}
	return event, nil
}

// ListSessionEvents returns journal rows newest first.
func (s *Store) ListSessionEvents(filter SessionEventFilter) ([]SessionEvent, error) {
	if filter.Kind != "" {
		if err := validateSessionEventKind(filter.Kind); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSessionEventLimit
	}
	if limit > maxSessionEventLimit {
		limit = maxSessionEventLimit
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id, kind, role, remote_addr, attempt, detail, timestamp
	FROM session_events`)

	args := make([]any, 0, 2)
	if filter.Kind != "" {
		query.WriteString(" WHERE kind = ?")
		args = append(args, filter.Kind)
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	events := make([]SessionEvent, 0)
	for rows.Next() {
		event, err := scanSessionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session event rows: %w", err)
	}

	return events, nil
}

// PruneSessionEvents removes rows older than cutoffTimestamp (unix ms).
func (s *Store) PruneSessionEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for session event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanSessionEvent(row scanner) (*SessionEvent, error) {
	var event SessionEvent
	if err := row.Scan(
		&event.ID,
		&event.Kind,
		&event.Role,
		&event.RemoteAddr,
		&event.Attempt,
		&event.Detail,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	return &event, nil
}
