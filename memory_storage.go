package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	snapshot  []byte
	sessionID string
	createdAt time.Time
	updatedAt time.Time
}

// MemoryStorage implements RecoveryStorage using in-memory maps.
// WARNING: snapshots do not survive the process - use for tests and
// single-process retries only.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	active  map[string]string
	now     func() time.Time
}

// NewMemoryStorage creates a new MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]*memoryRecord),
		active:  make(map[string]string),
		now:     time.Now,
	}
}

// NotifyTransactionStarted marks the session active and stores its first
// snapshot. A second session for the same name is rejected until the first
// one ends.
func (s *MemoryStorage) NotifyTransactionStarted(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.active[data.Name]; ok && session != data.SessionID {
		return NewTransactionLockedError(data.Name)
	}
	if err := s.put(data); err != nil {
		return err
	}
	s.active[data.Name] = data.SessionID
	return nil
}

// SaveSnapshot persists the current transaction data.
func (s *MemoryStorage) SaveSnapshot(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(data)
}

func (s *MemoryStorage) put(data *TransactionData) error {
	b, err := data.Encode()
	if err != nil {
		return err
	}
	now := s.now()
	if existing, ok := s.records[data.Name]; ok {
		existing.snapshot = b
		existing.sessionID = data.SessionID
		existing.updatedAt = now
		return nil
	}
	s.records[data.Name] = &memoryRecord{
		snapshot:  b,
		sessionID: data.SessionID,
		createdAt: now,
		updatedAt: now,
	}
	return nil
}

// RecoverSnapshot returns a copy of the last snapshot for name.
func (s *MemoryStorage) RecoverSnapshot(ctx context.Context, name string) (*TransactionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, nil
	}
	return DecodeTransactionData(rec.snapshot)
}

// RemoveSnapshot discards the snapshot.
func (s *MemoryStorage) RemoveSnapshot(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, data.Name)
	return nil
}

// NotifyTransactionEnded clears the active session.
func (s *MemoryStorage) NotifyTransactionEnded(ctx context.Context, data *TransactionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[data.Name] == data.SessionID {
		delete(s.active, data.Name)
	}
	return nil
}

// List retrieves snapshots matching the filter, most recently updated first.
func (s *MemoryStorage) List(ctx context.Context, filter SnapshotFilter) (*SnapshotList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []SnapshotRecord
	for name := range s.records {
		rec, err := s.record(name)
		if err != nil {
			return nil, err
		}
		if !filter.matches(rec) {
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
func (s *MemoryStorage) Get(ctx context.Context, name string) (*SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[name]; !ok {
		return nil, nil
	}
	return s.record(name)
}

func (s *MemoryStorage) record(name string) (*SnapshotRecord, error) {
	rec := s.records[name]
	data, err := DecodeTransactionData(rec.snapshot)
	if err != nil {
		return nil, err
	}
	_, active := s.active[name]
	return &SnapshotRecord{
		Name:      name,
		SessionID: rec.sessionID,
		Active:    active,
		Data:      data,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}, nil
}

// Discard drops the snapshot and any active marker for name.
func (s *MemoryStorage) Discard(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	delete(s.active, name)
	return nil
}

// Ensure MemoryStorage implements RecoveryStorage and Inspector.
var (
	_ RecoveryStorage = (*MemoryStorage)(nil)
	_ Inspector       = (*MemoryStorage)(nil)
)
