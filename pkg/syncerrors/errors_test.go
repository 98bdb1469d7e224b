package syncerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(KindTransient, "loader", "connection lost")
	require.NotNil(t, err)
	assert.Equal(t, KindTransient, err.Kind)
	assert.Equal(t, "loader", err.Component)
	assert.True(t, err.Retriable)
	assert.Contains(t, err.Error(), "loader/transient: connection lost")
	assert.NotEmpty(t, err.Stack)
}

func TestRetriabilityByKind(t *testing.T) {
	tests := []struct {
		kind      Kind
		retriable bool
	}{
		{KindConfig, false},
		{KindTransient, true},
		{KindData, false},
		{KindConflict, false},
		{KindIntegrity, false},
		{KindNotFound, false},
		{KindExists, false},
		{KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "test", "msg")
			assert.Equal(t, tt.retriable, err.Retriable)
			assert.Equal(t, tt.retriable, IsRetriable(err))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("wraps foreign error", func(t *testing.T) {
		cause := errors.New("dial tcp: refused")
		err := Wrap(cause, KindTransient, "detector", "source unreachable")
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, KindTransient, KindOf(err))
	})

	t.Run("nil cause returns nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, KindTransient, "detector", "x"))
	})

	t.Run("preserves stack of inner error", func(t *testing.T) {
		inner := New(KindData, "transform", "bad value")
		outer := Wrap(inner, KindData, "orchestrator", "transform phase failed")
		assert.Equal(t, inner.Stack, outer.Stack)
	})

	t.Run("survives fmt wrapping", func(t *testing.T) {
		inner := New(KindIntegrity, "detector", "watermark regression")
		wrapped := fmt.Errorf("phase extract: %w", inner)
		assert.Equal(t, KindIntegrity, KindOf(wrapped))
		assert.True(t, IsKind(wrapped, KindIntegrity))
	})
}

func TestWithDetail(t *testing.T) {
	err := New(KindData, "transform", "coercion failed").
		WithDetail("field", "dob").
		WithDetail("value", "not-a-date")
	assert.Equal(t, "dob", err.Detail["field"])
	assert.Equal(t, "not-a-date", err.Detail["value"])
}

func TestWithRetriable(t *testing.T) {
	err := New(KindInternal, "loader", "lock wait exceeded").WithRetriable(true)
	assert.True(t, IsRetriable(err))
}

func TestKindOfForeign(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, IsRetriable(errors.New("plain")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(New(KindNotFound, "mapping", "mapping not found")))
	assert.False(t, IsNotFound(New(KindExists, "mapping", "mapping exists")))
}
