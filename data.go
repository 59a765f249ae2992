package saga

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Payload carries user data between steps. Values are kept JSON-encoded so
// that a snapshot restores exactly what was saved.
type Payload map[string]json.RawMessage

// Set stores v under key.
func (p Payload) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload %q: %w", key, err)
	}
	p[key] = b
	return nil
}

// Get decodes the value under key into v. It returns false when the key is
// not present.
func (p Payload) Get(key string, v any) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode payload %q: %w", key, err)
	}
	return true, nil
}

// Delete removes key.
func (p Payload) Delete(key string) {
	delete(p, key)
}

// Equal reports whether both payloads hold the same encoded values.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// TransactionData is the unit persisted to RecoveryStorage.
type TransactionData struct {
	Name      string            `json:"name"`
	SessionID string            `json:"sessionId"`
	State     *TransactionState `json:"state"`
	Direction Direction         `json:"direction"`
	Payload   Payload           `json:"payload"`
	Failure   *StepFailure      `json:"failure,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// NewTransactionData returns fresh data positioned at the first of steps.
func NewTransactionData(name, sessionID string, steps int, now time.Time) *TransactionData {
	return &TransactionData{
		Name:      name,
		SessionID: sessionID,
		State:     NewTransactionState(steps),
		Direction: DirectionForward,
		Payload:   Payload{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (d *TransactionData) Clone() *TransactionData {
	if d == nil {
		return nil
	}
	c := *d
	if d.State != nil {
		st := *d.State
		c.State = &st
	}
	if d.Payload != nil {
		c.Payload = make(Payload, len(d.Payload))
		for k, v := range d.Payload {
			c.Payload[k] = append(json.RawMessage(nil), v...)
		}
	}
	if d.Failure != nil {
		f := *d.Failure
		c.Failure = &f
	}
	return &c
}

// Encode serializes the data for storage backends.
func (d *TransactionData) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeTransactionData is the inverse of Encode.
func DecodeTransactionData(b []byte) (*TransactionData, error) {
	var d TransactionData
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if d.State == nil {
		return nil, fmt.Errorf("decode snapshot: missing state")
	}
	if d.Payload == nil {
		d.Payload = Payload{}
	}
	return &d, nil
}
