package saga

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	snapshotExt = ".json"
	activeExt   = ".active"
)

// FileStorage implements RecoveryStorage with one JSON file per transaction
// in a directory. Writes go through a temp file and a rename, so a crash
// leaves either the previous snapshot or the new one.
type FileStorage struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("file storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file storage: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *FileStorage) Dir() string {
	return s.dir
}

func (s *FileStorage) path(name, ext string) string {
	return filepath.Join(s.dir, url.PathEscape(name)+ext)
}

// NotifyTransactionStarted writes the active marker and the first snapshot.
// A start that fails part way leaves no marker behind.
func (s *FileStorage) NotifyTransactionStarted(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := s.path(data.Name, activeExt)
	if session, err := os.ReadFile(marker); err == nil && string(session) != data.SessionID {
		return NewTransactionLockedError(data.Name)
	}
	b, err := data.Encode()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.dir, marker, []byte(data.SessionID)); err != nil {
		return fmt.Errorf("write active marker: %w", err)
	}
	if err := writeFileAtomic(s.dir, s.path(data.Name, snapshotExt), b); err != nil {
		return errors.Join(err, removeIfExists(marker))
	}
	return nil
}

// SaveSnapshot persists the current transaction data.
func (s *FileStorage) SaveSnapshot(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(data)
}

func (s *FileStorage) write(data *TransactionData) error {
	b, err := data.Encode()
	if err != nil {
		return err
	}
	return writeFileAtomic(s.dir, s.path(data.Name, snapshotExt), b)
}

// RecoverSnapshot reads the snapshot for name.
func (s *FileStorage) RecoverSnapshot(ctx context.Context, name string) (*TransactionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(s.path(name, snapshotExt))
}

func (s *FileStorage) read(path string) (*TransactionData, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeTransactionData(b)
}

// RemoveSnapshot deletes the snapshot file.
func (s *FileStorage) RemoveSnapshot(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeIfExists(s.path(data.Name, snapshotExt))
}

// NotifyTransactionEnded deletes the active marker if data's session owns it.
func (s *FileStorage) NotifyTransactionEnded(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := s.path(data.Name, activeExt)
	session, err := os.ReadFile(marker)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(session) != data.SessionID {
		return nil
	}
	return removeIfExists(marker)
}

// List retrieves snapshots matching the filter, most recently updated first.
func (s *FileStorage) List(ctx context.Context, filter SnapshotFilter) (*SnapshotList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var records []SnapshotRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotExt) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), snapshotExt))
		if err != nil {
			continue
		}
		rec, err := s.record(name)
		if err != nil {
			return nil, err
		}
		if rec == nil || !filter.matches(rec) {
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})

	return &SnapshotList{
		Snapshots: filter.page(records),
		Total:     len(records),
	}, nil
}

// Get retrieves the snapshot record for name.
func (s *FileStorage) Get(ctx context.Context, name string) (*SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record(name)
}

func (s *FileStorage) record(name string) (*SnapshotRecord, error) {
	data, err := s.read(s.path(name, snapshotExt))
	if err != nil || data == nil {
		return nil, err
	}
	_, statErr := os.Stat(s.path(name, activeExt))
	return &SnapshotRecord{
		Name:      name,
		SessionID: data.SessionID,
		Active:    statErr == nil,
		Data:      data,
		CreatedAt: data.StartedAt,
		UpdatedAt: data.UpdatedAt,
	}, nil
}

// Discard deletes the snapshot and the active marker for name.
func (s *FileStorage) Discard(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := removeIfExists(s.path(name, snapshotExt)); err != nil {
		return err
	}
	return removeIfExists(s.path(name, activeExt))
}

func writeFileAtomic(dir, path string, b []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Ensure FileStorage implements RecoveryStorage and Inspector.
var (
	_ RecoveryStorage = (*FileStorage)(nil)
	_ Inspector       = (*FileStorage)(nil)
)
