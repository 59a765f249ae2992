package saga

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reservation struct {
	ID    string `json:"id"`
	Units int    `json:"units"`
}

func TestPayload(t *testing.T) {
	p := Payload{}
	require.NoError(t, p.Set("reservation", reservation{ID: "r-1", Units: 3}))

	var got reservation
	ok, err := p.Get("reservation", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, reservation{ID: "r-1", Units: 3}, got)

	ok, err = p.Get("missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	var wrong int
	ok, err = p.Get("reservation", &wrong)
	assert.True(t, ok)
	assert.Error(t, err)

	p.Delete("reservation")
	assert.Empty(t, p)

	assert.Error(t, p.Set("bad", make(chan int)))
}

func TestTransactionDataCloneIsDeep(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewTransactionData("order", "s-1", 3, now)
	require.NoError(t, d.Payload.Set("k", "v"))
	d.Failure = NewStepFailure("a", 0, errors.New("x"), now)

	c := d.Clone()
	c.State.Increment(2)
	require.NoError(t, c.Payload.Set("k", "changed"))
	c.Failure.Error = "changed"

	assert.Equal(t, 0, d.State.CurrentStepIndex())
	var v string
	_, err := d.Payload.Get("k", &v)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, "x", d.Failure.Error)

	assert.Nil(t, (*TransactionData)(nil).Clone())
}

func TestTransactionDataEncodeDecode(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewTransactionData("order", "s-1", 3, now)
	d.State.Increment(2)
	d.Direction = DirectionRollingBack
	require.NoError(t, d.Payload.Set("units", 7))
	d.Failure = NewStepFailure("charge", 2, errors.New("declined"), now)

	b, err := d.Encode()
	require.NoError(t, err)

	got, err := DecodeTransactionData(b)
	require.NoError(t, err)
	assert.Equal(t, "order", got.Name)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, 2, got.State.CurrentStepIndex())
	assert.Equal(t, 3, got.State.Len())
	assert.Equal(t, DirectionRollingBack, got.Direction)
	assert.True(t, d.Payload.Equal(got.Payload))
	assert.Equal(t, *d.Failure, *got.Failure)
	assert.True(t, now.Equal(got.StartedAt))
}

func TestDecodeTransactionDataRejectsGarbage(t *testing.T) {
	_, err := DecodeTransactionData([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeTransactionData([]byte(`{"name":"x"}`))
	assert.ErrorContains(t, err, "missing state")

	got, err := DecodeTransactionData([]byte(`{"name":"x","state":{"index":0,"length":1}}`))
	require.NoError(t, err)
	assert.NotNil(t, got.Payload)
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "", TruncateError(nil))
	assert.Equal(t, "short", TruncateError(errors.New("short")))

	long := make([]byte, MaxErrorLength*2)
	for i := range long {
		long[i] = 'x'
	}
	got := TruncateError(errors.New(string(long)))
	assert.Len(t, got, MaxErrorLength)
	assert.True(t, len(got) > 0 && got[len(got)-1] == ']')

	// Multi-byte runes are never split.
	got = TruncateError(errors.New(strings.Repeat("é", MaxErrorLength)))
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), MaxErrorLength)
	assert.True(t, strings.HasSuffix(got, "é... [TRUNCATED]"))
}
