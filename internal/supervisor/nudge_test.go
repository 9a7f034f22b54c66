package supervisor

import (
	"errors"
	"testing"
	"time"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := OpenSession(t.TempDir(), "sess-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNudgeQueueDeliversInOrder(t *testing.T) {
	q := NewNudgeQueue(newTestSession(t))
	now := time.Now()

	if err := q.Enqueue("n1", "first", now); err != nil {
		t.Fatalf("enqueue n1: %v", err)
	}
	if err := q.Enqueue("n2", "second", now); err != nil {
		t.Fatalf("enqueue n2: %v", err)
	}

	var delivered []string
	err := q.Drain(func(n Nudge) error {
		delivered = append(delivered, n.Message)
		return nil
	}, now)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", delivered)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected queue empty, got %d pending", q.Pending())
	}
}

func TestNudgeQueueStopsDrainOnFailure(t *testing.T) {
	q := NewNudgeQueue(newTestSession(t))
	now := time.Now()
	q.Enqueue("n1", "first", now)
	q.Enqueue("n2", "second", now)

	boom := errors.New("boom")
	attempts := 0
	err := q.Drain(func(n Nudge) error {
		attempts++
		return boom
	}, now)
	if err == nil {
		t.Fatal("expected drain to stop on delivery failure")
	}
	if attempts != 1 {
		t.Fatalf("expected drain to stop after the first failing nudge, got %d attempts", attempts)
	}
	if q.Pending() != 2 {
		t.Fatalf("expected both nudges still pending, got %d", q.Pending())
	}
}

func TestNudgeQueueDropsAfterMaxAttempts(t *testing.T) {
	q := NewNudgeQueue(newTestSession(t))
	now := time.Now()
	q.Enqueue("n1", "first", now)

	boom := errors.New("boom")
	for i := 0; i < MaxNudgeAttempts; i++ {
		err := q.Drain(func(n Nudge) error { return boom }, now)
		if i < MaxNudgeAttempts-1 && err == nil {
			t.Fatalf("attempt %d: expected failure before exhausting MaxNudgeAttempts", i)
		}
	}
	if q.Pending() != 0 {
		t.Fatalf("expected nudge dropped after %d failed attempts, got %d pending", MaxNudgeAttempts, q.Pending())
	}
}
