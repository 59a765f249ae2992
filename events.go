package saga

import "time"

// TransactionEvents provides hooks for observability and monitoring.
// All callbacks are optional - only set the ones you need.
// Event handlers are called synchronously but wrapped in panic recovery,
// so a panicking handler won't break the transaction flow.
//
// Example:
//
//	events := &saga.TransactionEvents{
//	    OnStepComplete: func(id saga.StepID, index int, duration time.Duration) {
//	        log.Printf("Step %s completed in %v", id, duration)
//	    },
//	    OnCompensationFailed: func(id saga.StepID, err error) {
//	        alerting.SendAlert("compensation of %s failed: %v", id, err)
//	    },
//	}
type TransactionEvents struct {
	// Transaction lifecycle
	OnTransactionStart    func(name, sessionID string, resumed bool)
	OnTransactionComplete func(name, sessionID string)
	OnTransactionFailed   func(name, sessionID string, err error)

	// Step lifecycle
	OnStepStart    func(id StepID, index int)
	OnStepComplete func(id StepID, index int, duration time.Duration)
	OnStepFailed   func(id StepID, index int, err error, attempt int)
	OnStepRetry    func(id StepID, attempt int, err error)
	OnStepTimeout  func(id StepID, timeout time.Duration)

	// Compensation lifecycle
	OnCompensationStart    func(id StepID)
	OnCompensationComplete func(id StepID)
	OnCompensationFailed   func(id StepID, err error)

	// Persistence
	OnSnapshotSaved func(data *TransactionData)
}

// emitEvent safely calls an event handler, catching any panics.
func emitEvent(events *TransactionEvents, handler func()) {
	if events == nil || handler == nil {
		return
	}
	defer func() {
		// Catch panics from event handlers - never break transaction flow
		_ = recover()
	}()
	handler()
}
