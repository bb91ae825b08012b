// Package history records the outcome of file transfers.
package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome is the terminal result of a transfer.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeInstalled  Outcome = "installed"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
)

var ErrClosed = errors.New("history: store closed")

// Record describes one finished transfer.
type Record struct {
	ID         string    `json:"id"`
	Peer       uint64    `json:"peer"`
	FileName   string    `json:"file_name"`
	TotalBytes int       `json:"total_bytes"`
	Incoming   bool      `json:"incoming"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store persists records. List returns the newest first.
type Store interface {
	Add(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// MemoryStore keeps the most recent records in a ring.
type MemoryStore struct {
	mu      sync.Mutex
	max     int
	records []Record
	closed  bool
}

// NewMemoryStore keeps at most max records; max <= 0 means unbounded.
func NewMemoryStore(max int) *MemoryStore {
	return &MemoryStore{max: max}
}

func (s *MemoryStore) Add(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records = append(s.records, rec)
	if s.max > 0 && len(s.records) > s.max {
		s.records = append(s.records[:0], s.records[len(s.records)-s.max:]...)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
