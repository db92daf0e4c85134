package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

// FileStore implements ledger.Store using a local JSON file.
// Every append rewrites the whole document through a temp file and an atomic rename,
// so a crash leaves either the old or the new ledger on disk, never a torn one.
type FileStore struct {
	path    string
	mu      sync.RWMutex
	entries []ledger.Entry
}

// OpenFile loads the ledger at path. A missing file is an empty ledger; a present but
// unreadable or malformed file fails with ledger.ErrCorruptStorage.
func OpenFile(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Start empty
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger file %s: %w", f.path, err)
	}

	entries, err := DecodeEntries(raw)
	if err != nil {
		return fmt.Errorf("ledger file %s: %w", f.path, err)
	}
	f.entries = entries
	return nil
}

// Path returns the file backing the store.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Append(ctx context.Context, e ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	head := ledger.ZeroSentinel
	if n := len(f.entries); n > 0 {
		head = f.entries[n-1].Digest
	}
	if err := ledger.CheckLink(e, head); err != nil {
		return err
	}

	next := make([]ledger.Entry, len(f.entries), len(f.entries)+1)
	copy(next, f.entries)
	next = append(next, e.Clone())

	if err := f.save(next); err != nil {
		return err
	}
	f.entries = next
	return nil
}

// AppendBatch links and persists entries with a single rewrite of the file.
func (f *FileStore) AppendBatch(ctx context.Context, entries []ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	head := ledger.ZeroSentinel
	if n := len(f.entries); n > 0 {
		head = f.entries[n-1].Digest
	}
	if err := ledger.CheckBatch(entries, head); err != nil {
		return err
	}

	next := make([]ledger.Entry, len(f.entries), len(f.entries)+len(entries))
	copy(next, f.entries)
	next = append(next, ledger.CloneEntries(entries)...)

	if err := f.save(next); err != nil {
		return err
	}
	f.entries = next
	return nil
}

func (f *FileStore) save(entries []ledger.Entry) error {
	data, err := EncodeEntries(entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("failed to set ledger permissions: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	committed = true
	return nil
}

func (f *FileStore) GetAll(ctx context.Context) ([]ledger.Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ledger.CloneEntries(f.entries), nil
}

func (f *FileStore) Tail(ctx context.Context) (ledger.Entry, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.entries) == 0 {
		return ledger.Entry{}, false, nil
	}
	return f.entries[len(f.entries)-1].Clone(), true, nil
}

func (f *FileStore) Close() error { return nil }
