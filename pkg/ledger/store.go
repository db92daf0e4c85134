package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Store is the durable owner of a ledger's ordered entries.
type Store interface {
	// Append adds e at the tail and persists the updated sequence before returning.
	// It fails with ErrChainConflict when e does not link to the current tail.
	Append(ctx context.Context, e Entry) error

	// GetAll returns a snapshot of every entry in insertion order.
	GetAll(ctx context.Context) ([]Entry, error)

	// Tail returns the last entry; ok is false when the ledger is empty.
	Tail(ctx context.Context) (e Entry, ok bool, err error)

	Close() error
}

// SubjectQuerier is implemented by stores that can filter by subject natively.
type SubjectQuerier interface {
	QueryBySubject(ctx context.Context, subjectID string) ([]Entry, error)
}

// BatchAppender is implemented by stores that can append several entries as one unit:
// either every entry is persisted or none is.
type BatchAppender interface {
	AppendBatch(ctx context.Context, entries []Entry) error
}

// CheckLink verifies that e extends a ledger whose current head is tailDigest.
func CheckLink(e Entry, tailDigest string) error {
	if e.Record.PreviousDigest != tailDigest {
		return fmt.Errorf("%w: previous_digest %s, head %s", ErrChainConflict, e.Record.PreviousDigest, tailDigest)
	}
	return nil
}

// CheckBatch verifies that entries form a chain extending a ledger whose head is tailDigest.
func CheckBatch(entries []Entry, tailDigest string) error {
	head := tailDigest
	for i, e := range entries {
		if err := CheckLink(e, head); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		head = e.Digest
	}
	return nil
}

// MemoryStore keeps entries in process memory only.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store, optionally seeded with entries.
func NewMemoryStore(seed ...Entry) *MemoryStore {
	return &MemoryStore{entries: CloneEntries(seed)}
}

func (m *MemoryStore) Append(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := ZeroSentinel
	if n := len(m.entries); n > 0 {
		head = m.entries[n-1].Digest
	}
	if err := CheckLink(e, head); err != nil {
		return err
	}
	m.entries = append(m.entries, e.Clone())
	return nil
}

func (m *MemoryStore) AppendBatch(ctx context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := ZeroSentinel
	if n := len(m.entries); n > 0 {
		head = m.entries[n-1].Digest
	}
	if err := CheckBatch(entries, head); err != nil {
		return err
	}
	m.entries = append(m.entries, CloneEntries(entries)...)
	return nil
}

func (m *MemoryStore) GetAll(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CloneEntries(m.entries), nil
}

func (m *MemoryStore) Tail(ctx context.Context) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	return m.entries[len(m.entries)-1].Clone(), true, nil
}

func (m *MemoryStore) Close() error { return nil }
