package saga

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Sentinel errors for errors.Is() support
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrStepFailed           = errors.New("step failed")
	ErrCompensationFailed   = errors.New("compensation failed")
	ErrStepTimeout          = errors.New("step timeout")
	ErrTransactionLocked    = errors.New("transaction locked")
	ErrStorage              = errors.New("storage failure")
	ErrActionPanicked       = errors.New("action panicked")
	ErrResumedFailure       = errors.New("resumed failure")
	ErrExecutorClosed       = errors.New("executor closed")
)

// Error codes for saga errors
const (
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrCodeStepFailed           = "STEP_FAILED"
	ErrCodeCompensationFailed   = "COMPENSATION_FAILED"
	ErrCodeStepTimeout          = "STEP_TIMEOUT"
	ErrCodeTransactionLocked    = "TRANSACTION_LOCKED"
	ErrCodeStorage              = "STORAGE"
	ErrCodeActionPanicked       = "ACTION_PANICKED"
	ErrCodeResumedFailure       = "RESUMED_FAILURE"
)

// SagaError is the base error type for all saga errors.
type SagaError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Cause
}

// ConfigurationError is returned when a transaction definition or run
// configuration is rejected. No step ever runs after one.
type ConfigurationError struct {
	SagaError
	Field string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		SagaError: SagaError{
			Code:    ErrCodeInvalidConfiguration,
			Message: fmt.Sprintf(format, args...),
		},
		Field: field,
	}
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// StepError wraps a failure raised by a forward action.
type StepError struct {
	SagaError
	StepID StepID
	Index  int
}

// NewStepError creates a new StepError.
func NewStepError(id StepID, index int, cause error) *StepError {
	return &StepError{
		SagaError: SagaError{
			Code:    ErrCodeStepFailed,
			Message: fmt.Sprintf("step '%s' (index %d) failed", id, index),
			Cause:   cause,
		},
		StepID: id,
		Index:  index,
	}
}

func (e *StepError) Is(target error) bool {
	return target == ErrStepFailed
}

// CompensationFailedError wraps a failure raised by a backward action.
type CompensationFailedError struct {
	SagaError
	TransactionName string
	StepID          StepID
	Index           int
}

// NewCompensationFailedError creates a new CompensationFailedError.
func NewCompensationFailedError(name string, id StepID, index int, cause error) *CompensationFailedError {
	return &CompensationFailedError{
		SagaError: SagaError{
			Code:    ErrCodeCompensationFailed,
			Message: fmt.Sprintf("compensation failed for step '%s' in transaction '%s'", id, name),
			Cause:   cause,
		},
		TransactionName: name,
		StepID:          id,
		Index:           index,
	}
}

func (e *CompensationFailedError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// StepTimeoutError is returned when an action overruns its step timeout.
type StepTimeoutError struct {
	SagaError
	StepID    StepID
	TimeoutMs int64
}

// NewStepTimeoutError creates a new StepTimeoutError.
func NewStepTimeoutError(id StepID, timeout time.Duration, cause error) *StepTimeoutError {
	return &StepTimeoutError{
		SagaError: SagaError{
			Code:    ErrCodeStepTimeout,
			Message: fmt.Sprintf("step '%s' exceeded timeout of %d ms", id, timeout.Milliseconds()),
			Cause:   cause,
		},
		StepID:    id,
		TimeoutMs: timeout.Milliseconds(),
	}
}

func (e *StepTimeoutError) Is(target error) bool {
	return target == ErrStepTimeout
}

// TransactionLockedError is returned when another session holds the transaction.
type TransactionLockedError struct {
	SagaError
	TransactionName string
}

// NewTransactionLockedError creates a new TransactionLockedError.
func NewTransactionLockedError(name string) *TransactionLockedError {
	return &TransactionLockedError{
		SagaError: SagaError{
			Code:    ErrCodeTransactionLocked,
			Message: fmt.Sprintf("transaction '%s' is locked by another session", name),
		},
		TransactionName: name,
	}
}

func (e *TransactionLockedError) Is(target error) bool {
	return target == ErrTransactionLocked
}

// StorageError wraps a failure of the recovery storage.
type StorageError struct {
	SagaError
	Op string
}

// NewStorageError creates a new StorageError.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{
		SagaError: SagaError{
			Code:    ErrCodeStorage,
			Message: fmt.Sprintf("storage %s failed", op),
			Cause:   cause,
		},
		Op: op,
	}
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// PanicError is what an executor returns when an action panics.
type PanicError struct {
	SagaError
	Value any
}

// NewPanicError creates a new PanicError.
func NewPanicError(value any) *PanicError {
	var cause error
	if err, ok := value.(error); ok {
		cause = err
	}
	return &PanicError{
		SagaError: SagaError{
			Code:    ErrCodeActionPanicked,
			Message: fmt.Sprintf("action panicked: %v", value),
			Cause:   cause,
		},
		Value: value,
	}
}

func (e *PanicError) Is(target error) bool {
	return target == ErrActionPanicked
}

// ResumedFailureError reports a failure recorded by an earlier session whose
// rollback was interrupted and is being finished by this one.
type ResumedFailureError struct {
	SagaError
	Failure StepFailure
}

// NewResumedFailureError creates a new ResumedFailureError.
func NewResumedFailureError(f *StepFailure) *ResumedFailureError {
	var failure StepFailure
	if f != nil {
		failure = *f
	}
	return &ResumedFailureError{
		SagaError: SagaError{
			Code:    ErrCodeResumedFailure,
			Message: fmt.Sprintf("resuming rollback after failure of step '%s': %s", failure.StepID, failure.Error),
		},
		Failure: failure,
	}
}

func (e *ResumedFailureError) Is(target error) bool {
	return target == ErrResumedFailure
}

// StepFailure is the structured failure kept in a snapshot.
type StepFailure struct {
	StepID            StepID    `json:"stepId"`
	Index             int       `json:"index"`
	Error             string    `json:"error"`
	CompensationError string    `json:"compensationError,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// TruncateError truncates an error message to MaxErrorLength.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorLength {
		return msg
	}
	marker := "... [TRUNCATED]"
	cut := MaxErrorLength - len(marker)
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + marker
}

// NewStepFailure creates a StepFailure stamped with at.
func NewStepFailure(id StepID, index int, err error, at time.Time) *StepFailure {
	return &StepFailure{
		StepID:    id,
		Index:     index,
		Error:     TruncateError(err),
		Timestamp: at,
	}
}
