package saga

import "time"

const (
	// MaxErrorLength is the maximum length of a failure message kept in a snapshot (2KB).
	MaxErrorLength = 2048

	// DefaultLockTTL is the lock lease requested for a single Run.
	DefaultLockTTL = 15 * time.Minute
)

// Direction records which way the driver was walking the catalog when a
// snapshot was written.
type Direction string

const (
	DirectionForward     Direction = "forward"
	DirectionRollingBack Direction = "rolling_back"
)

// Phase is the driver state of a transaction.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseRunning     Phase = "running"
	PhaseRollingBack Phase = "rolling_back"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)
