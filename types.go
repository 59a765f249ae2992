// Package saga runs a multi-step transaction with durable position tracking.
//
// A transaction is an ordered catalog of steps. Each step has a forward
// action and, optionally, a compensating action that undoes it. The driver
// walks the catalog forward, persisting a snapshot after every step, and
// compensates the completed steps in reverse order when one fails. A crash
// or restart resumes from the last persisted snapshot instead of starting
// over.
//
// Key features:
//   - Crash recovery: state is persisted through a RecoveryStorage after each transition
//   - Explicit compensation: HasCompensation / NoCompensation per step
//   - Executor gates: steps can be marshaled onto a dedicated goroutine or a bounded pool
//   - Run modes: rollback, rollback_resumable, retry
//   - Failures never escape Run as errors; they are folded into the Result
//
// Example:
//
//	catalog, _ := saga.NewCatalog(
//	    saga.StepDefinition{
//	        ID:       "reserve",
//	        Forward:  reserve,
//	        Backward: saga.HasCompensation(release),
//	    },
//	    saga.StepDefinition{ID: "charge", Forward: charge},
//	)
//	tx, _ := saga.NewTransaction(saga.RunConfiguration{
//	    Name: "order-123",
//	    Mode: saga.ModeRollback,
//	}, catalog, saga.TransactionOptions{Storage: storage})
//	result, err := tx.Run(ctx)
package saga

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StepID identifies a step inside a catalog.
type StepID string

// Action is the forward or backward work of a step. Data passed between
// steps travels through data.Payload so that it survives a restart.
type Action func(ctx context.Context, data *TransactionData) error

// Compensation is the backward half of a step. The zero value is
// NoCompensation.
type Compensation struct {
	action Action
}

// NoCompensation marks a step that has nothing to undo.
var NoCompensation = Compensation{}

// HasCompensation wraps the action that undoes a step.
func HasCompensation(action Action) Compensation {
	return Compensation{action: action}
}

// Defined reports whether the step has a backward action.
func (c Compensation) Defined() bool {
	return c.action != nil
}

// Action returns the backward action, or nil for NoCompensation.
func (c Compensation) Action() Action {
	return c.action
}

// RetryPolicy configures retry behavior for an action.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Backoff is the wait before the second attempt.
	Backoff time.Duration
	// Exponential doubles the wait after every failed attempt.
	Exponential bool
	// MaxBackoff caps the wait when Exponential is set.
	MaxBackoff time.Duration
}

// StepDefinition defines one step of the catalog.
type StepDefinition struct {
	ID       StepID
	Forward  Action
	Backward Compensation

	// Executor replaces the transaction-wide executor for this step's
	// forward and backward actions.
	Executor Executor

	Timeout           time.Duration
	Retry             *RetryPolicy
	CompensationRetry *RetryPolicy
}

// TransactionOptions configures a transaction.
type TransactionOptions struct {
	Storage  RecoveryStorage
	Executor Executor
	Lock     Lock
	Events   *TransactionEvents
	Logger   *zerolog.Logger
}
