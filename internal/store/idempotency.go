package store

import (
	"fmt"
	"strings"
	"time"
)

// HasKey reports whether key is already claimed within scope.
func (s *Store) HasKey(scope, key string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM idempotency_keys WHERE scope = ? AND key = ?`, scope, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

// RecordKey claims key within scope, storing payload alongside it. It
// returns claimed=true only for the caller that performs the first
// successful insert; every other concurrent or subsequent caller for the
// same (scope, key) gets claimed=false. This is the linearization point
// the concurrency model requires: at most one caller ever observes true.
func (s *Store) RecordKey(scope, key, payload string) (claimed bool, err error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO idempotency_keys (scope, key, payload, created_at) VALUES (?, ?, ?, ?)`,
		scope, key, payload, time.Now().Format(time.RFC3339Nano),
	)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("record idempotency key: %w", err)
}

// DeleteKey releases key within scope, e.g. after a confirmed failure so a
// later retry may claim it again.
func (s *Store) DeleteKey(scope, key string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM idempotency_keys WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE/PRIMARY KEY
// constraint failure, the expected shape of a lost idempotency-claim race.
// Matching on the message avoids importing the driver's internal error type
// directly into this package.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
