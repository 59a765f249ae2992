package saga

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stateOp is one cursor call: an Increment by n, or a Decrement when dec
// is set.
type stateOp struct {
	n   int
	dec bool
}

func inc(n int) stateOp { return stateOp{n: n} }

var dec = stateOp{dec: true}

func TestTransactionStateClamps(t *testing.T) {
	tests := []struct {
		name   string
		length int
		ops    []stateOp
		want   int
	}{
		{"starts at zero", 3, nil, 0},
		{"single increments", 3, []stateOp{inc(1), inc(1)}, 2},
		{"clamped to length", 3, []stateOp{inc(10)}, 3},
		{"negative increment clamped to zero", 3, []stateOp{inc(-5)}, 0},
		{"decrement never below zero", 3, []stateOp{inc(1), dec, dec, dec, dec}, 0},
		{"empty catalog", 0, []stateOp{inc(1)}, 0},
		{"clamp at length before decrement", 3, []stateOp{inc(10), dec}, 2},
		{"clamp at zero before increment", 3, []stateOp{dec, inc(1)}, 1},
		{"repeated clamps", 3, []stateOp{inc(5), dec, inc(5), dec, dec}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewTransactionState(tt.length)
			for _, op := range tt.ops {
				if op.dec {
					s.Decrement()
				} else {
					s.Increment(op.n)
				}
				assert.GreaterOrEqual(t, s.CurrentStepIndex(), 0)
				assert.LessOrEqual(t, s.CurrentStepIndex(), s.Len())
			}
			assert.Equal(t, tt.want, s.CurrentStepIndex())
		})
	}
}

func TestTransactionStateCompleted(t *testing.T) {
	s := NewTransactionState(2)
	assert.False(t, s.Completed())
	s.Increment(2)
	assert.True(t, s.Completed())
	assert.True(t, NewTransactionState(0).Completed())
}

func TestTransactionStateJSON(t *testing.T) {
	s := NewTransactionState(4)
	s.Increment(3)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":3,"length":4}`, string(b))

	var got TransactionState
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 3, got.CurrentStepIndex())
	assert.Equal(t, 4, got.Len())

	for _, bad := range []string{`{"index":5,"length":4}`, `{"index":-1,"length":4}`, `{"index":0,"length":-1}`} {
		assert.Error(t, json.Unmarshal([]byte(bad), &got), bad)
	}
}
