package saga

import (
	"encoding/json"
	"fmt"
)

// TransactionState is the cursor over a catalog of length steps. Index
// length means every step has completed.
type TransactionState struct {
	index  int
	length int
}

// NewTransactionState returns a cursor at index 0 over length steps.
func NewTransactionState(length int) *TransactionState {
	if length < 0 {
		length = 0
	}
	return &TransactionState{length: length}
}

// CurrentStepIndex returns the index of the next step to run.
func (s *TransactionState) CurrentStepIndex() int {
	return s.index
}

// Len returns the catalog length the cursor was built for.
func (s *TransactionState) Len() int {
	return s.length
}

// Completed reports whether every step has run.
func (s *TransactionState) Completed() bool {
	return s.index >= s.length
}

// Increment moves the cursor forward by count, clamped to [0, Len()].
func (s *TransactionState) Increment(count int) {
	s.index = max(0, min(s.length, s.index+count))
}

// Decrement moves the cursor back by one, never below 0.
func (s *TransactionState) Decrement() {
	s.index = max(0, s.index-1)
}

type stateJSON struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// MarshalJSON implements json.Marshaler.
func (s *TransactionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{Index: s.index, Length: s.length})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TransactionState) UnmarshalJSON(b []byte) error {
	var v stateJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v.Length < 0 || v.Index < 0 || v.Index > v.Length {
		return fmt.Errorf("invalid transaction state: index %d, length %d", v.Index, v.Length)
	}
	s.index, s.length = v.Index, v.Length
	return nil
}
