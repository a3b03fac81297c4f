package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsNestedFault(t *testing.T) {
	inner := New(Transient, "adapter.SubmitOrder", errors.New("connection reset"))
	wrapped := fmt.Errorf("submit attempt 2: %w", inner)

	require.Equal(t, Transient, KindOf(wrapped))
	assert.True(t, IsTransient(wrapped))
	assert.False(t, Is(wrapped, Rejection))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, Is(errors.New("plain"), Kind("")))
}

func TestFaultErrorMessage(t *testing.T) {
	f := New(Rejection, "adapter.SubmitOrder", errors.New("insufficient balance"))
	assert.Contains(t, f.Error(), "adapter.SubmitOrder")
	assert.Contains(t, f.Error(), "rejection")

	empty := &Fault{Kind: Channel, Op: "channel.Await"}
	assert.Contains(t, empty.Error(), "channel")
}

func TestErrorfCarriesKind(t *testing.T) {
	err := Errorf(Integrity, "syncengine.Run", "order %s unknown to both sides", "abc")
	assert.True(t, Is(err, Integrity))
	assert.Contains(t, err.Error(), "abc")
}
