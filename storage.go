package saga

import (
	"context"
	"time"
)

// RecoveryStorage is the persistence boundary of a transaction.
//
// The driver calls NotifyTransactionStarted before the first step of every
// run, fresh or resumed, SaveSnapshot after every cursor move,
// RemoveSnapshot when the snapshot must not be resumed, and
// NotifyTransactionEnded once the run is over or its start failed.
type RecoveryStorage interface {
	// NotifyTransactionStarted is called once before the first step of a
	// run. A resumed run repeats it with the recovered session id, which
	// must be accepted; a different active session must be rejected with a
	// TransactionLockedError.
	NotifyTransactionStarted(ctx context.Context, data *TransactionData) error

	// SaveSnapshot persists data after a step transition.
	SaveSnapshot(ctx context.Context, data *TransactionData) error

	// RecoverSnapshot returns the last snapshot saved for name, or nil if
	// no transaction with that name is in flight.
	RecoverSnapshot(ctx context.Context, name string) (*TransactionData, error)

	// RemoveSnapshot discards the snapshot of data's transaction.
	RemoveSnapshot(ctx context.Context, data *TransactionData) error

	// NotifyTransactionEnded is called once after every run. It only ends
	// the session named by data.
	NotifyTransactionEnded(ctx context.Context, data *TransactionData) error
}

// NoOpStorage keeps nothing. A transaction using it runs purely in memory
// and cannot be recovered.
type NoOpStorage struct{}

// NoStorage is the default storage.
var NoStorage RecoveryStorage = NoOpStorage{}

func (NoOpStorage) NotifyTransactionStarted(context.Context, *TransactionData) error { return nil }
func (NoOpStorage) SaveSnapshot(context.Context, *TransactionData) error             { return nil }
func (NoOpStorage) RemoveSnapshot(context.Context, *TransactionData) error           { return nil }
func (NoOpStorage) NotifyTransactionEnded(context.Context, *TransactionData) error   { return nil }

func (NoOpStorage) RecoverSnapshot(context.Context, string) (*TransactionData, error) {
	return nil, nil
}

// SnapshotRecord is a persisted snapshot as seen by administrative tools.
type SnapshotRecord struct {
	Name      string           `json:"name"`
	SessionID string           `json:"sessionId"`
	Active    bool             `json:"active"`
	Data      *TransactionData `json:"data"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// SnapshotFilter is used to query snapshots.
type SnapshotFilter struct {
	// Active filters on whether a session is currently running.
	Active        *bool
	UpdatedBefore *time.Time
	Offset        int
	Limit         int
}

// SnapshotList is the result of a snapshot query.
type SnapshotList struct {
	Snapshots []SnapshotRecord
	Total     int
}

// Inspector is implemented by storages that can be browsed and repaired.
type Inspector interface {
	List(ctx context.Context, filter SnapshotFilter) (*SnapshotList, error)

	// Get returns nil if no snapshot exists for name.
	Get(ctx context.Context, name string) (*SnapshotRecord, error)

	// Discard drops the snapshot for name so the next run starts fresh.
	Discard(ctx context.Context, name string) error
}

const defaultListLimit = 100

func (f SnapshotFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func (f SnapshotFilter) matches(r *SnapshotRecord) bool {
	if f.Active != nil && r.Active != *f.Active {
		return false
	}
	if f.UpdatedBefore != nil && !r.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}

// page applies offset and limit to records already filtered and sorted.
func (f SnapshotFilter) page(records []SnapshotRecord) []SnapshotRecord {
	if f.Offset >= len(records) {
		return nil
	}
	if f.Offset > 0 {
		records = records[f.Offset:]
	}
	if limit := f.limit(); len(records) > limit {
		records = records[:limit]
	}
	return records
}

var _ RecoveryStorage = NoOpStorage{}
