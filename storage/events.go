package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetEventRetention configures the automatic event pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if s == nil {
		return
	}
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogEvent inserts a structured event and applies retention pruning.
// A nil store drops the event silently.
func (s *Store) LogEvent(event Event) error {
	if s == nil || s.db == nil {
		return nil
	}

	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerID *string
	if event.PeerID != nil {
		trimmed := strings.TrimSpace(*event.PeerID)
		if trimmed != "" {
			peerID = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO events (
			event_type,
			peer_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneEvents(cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
	}

	return nil
}

// Events returns recent events with optional filtering.
func (s *Store) Events(filter EventFilter) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		peer_id,
		details,
		severity,
		timestamp
	FROM events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return events, nil
}

// EventByID returns a single event row, or ErrNotFound when no event
// with that id exists. A nil store holds nothing.
func (s *Store) EventByID(id int64) (*Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("%w: event %d", ErrNotFound, id)
	}

	row := s.db.QueryRow(`SELECT
		id,
		event_type,
		peer_id,
		details,
		severity,
		timestamp
	FROM events WHERE id = ?`, id)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return event, nil
}

// PruneEvents removes events older than cutoffTimestamp.
func (s *Store) PruneEvents(cutoffTimestamp int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event  Event
		peerID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.PeerID = stringPtr(peerID)
	return &event, nil
}
