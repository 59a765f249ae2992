package saga

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// RunMode selects what happens to a transaction after a forward step fails.
type RunMode string

const (
	// ModeRollback compensates every completed step and discards the snapshot.
	ModeRollback RunMode = "rollback"

	// ModeRollbackResumable compensates every completed step and keeps the
	// snapshot, so the next run of the same transaction starts again.
	ModeRollbackResumable RunMode = "rollback_resumable"

	// ModeRetry compensates nothing and keeps the snapshot at the failed
	// step, so the next run resumes forward from there.
	ModeRetry RunMode = "retry"
)

var runModes = []RunMode{ModeRollback, ModeRollbackResumable, ModeRetry}

// RunModes returns the declared run modes.
func RunModes() []RunMode {
	return slices.Clone(runModes)
}

// IsValid reports whether m is one of the declared run modes.
func (m RunMode) IsValid() bool {
	return slices.Contains(runModes, m)
}

// Compensates reports whether a forward failure triggers rollback.
func (m RunMode) Compensates() bool {
	return m != ModeRetry
}

// Resumable reports whether the snapshot survives a failed run.
func (m RunMode) Resumable() bool {
	return m == ModeRollbackResumable || m == ModeRetry
}

// RunConfiguration holds the immutable settings of a transaction.
type RunConfiguration struct {
	Name string
	Mode RunMode

	// Clock defaults to time.Now.
	Clock func() time.Time
	// SessionID defaults to UUIDSessionIDs.
	SessionID func() string
}

// Validate rejects an empty name or an undeclared mode.
func (c RunConfiguration) Validate() error {
	if c.Name == "" {
		return NewConfigurationError("name", "transaction name is required")
	}
	if !c.Mode.IsValid() {
		return NewConfigurationError("mode", "run mode %q is not one of %v", c.Mode, runModes)
	}
	return nil
}

func (c RunConfiguration) withDefaults() RunConfiguration {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SessionID == nil {
		c.SessionID = UUIDSessionIDs
	}
	return c
}

// UUIDSessionIDs generates random UUIDv4 session ids.
func UUIDSessionIDs() string {
	return uuid.NewString()
}

// KSUIDSessionIDs generates time-sortable session ids.
func KSUIDSessionIDs() string {
	return ksuid.New().String()
}
