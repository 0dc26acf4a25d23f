package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SeverityInfo indicates informational event context.
	SeverityInfo = "info"
	// SeverityWarning indicates potentially suspicious behavior.
	SeverityWarning = "warning"
	// SeverityCritical indicates serious failures.
	SeverityCritical = "critical"
)

// Event stores one structured networking or security event.
type Event struct {
	ID        int64
	EventType string
	PeerID    *string
	Details   string
	Severity  string
	Timestamp int64
}

// EventFilter narrows Events query results.
type EventFilter struct {
	EventType     string
	PeerID        string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid event severity %q", severity)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
