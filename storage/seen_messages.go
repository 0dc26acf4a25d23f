package storage

import (
	"errors"
	"fmt"
)

// MarkMessageSeen records a message ID for duplicate suppression.
// A nil store drops the record silently.
func (s *Store) MarkMessageSeen(messageID string, receivedAt int64) error {
	if s == nil || s.db == nil {
		return nil
	}
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_messages (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at`,
		messageID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen message ID %q: %w", messageID, err)
	}

	return nil
}

// HasSeenMessage returns true if a message ID has already been recorded.
// A nil store has seen nothing.
func (s *Store) HasSeenMessage(messageID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_messages WHERE message_id = ?)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen message ID %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneSeenMessages removes seen_messages rows older than cutoff timestamp.
func (s *Store) PruneSeenMessages(cutoffTimestamp int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_messages WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen message prune: %w", err)
	}

	return rowsAffected, nil
}
