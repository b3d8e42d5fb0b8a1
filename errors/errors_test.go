package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"not connected", ErrNotConnected, true},
		{"delivery failed", ErrDeliveryFailed, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"timeout message", stderrors.New("request timeout"), true},
		{"missing config", ErrMissingConfig, false},
		{"classified transient", WrapTransient(stderrors.New("boom"), "Broker", "Publish", "send"), true},
		{"classified fatal", WrapFatal(stderrors.New("boom"), "Envelope", "Apply", "open"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrKeyUnreadable))
	assert.True(t, IsFatal(ErrEnvelopeMalformed))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.False(t, IsFatal(ErrNotConnected))
	assert.False(t, IsFatal(nil))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrParsingFailed))
	assert.True(t, IsInvalid(ErrNameFormat))
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(WrapInvalid(stderrors.New("bad regex"), "MessageFilter", "New", "compile")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrKeyUnreadable))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(ErrNotConnected))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("something unexpected")))
}

func TestWrap(t *testing.T) {
	base := stderrors.New("underlying")
	wrapped := Wrap(base, "Geofence", "Apply", "resolve position")

	require.Error(t, wrapped)
	assert.Equal(t, "Geofence.Apply: resolve position failed: underlying", wrapped.Error())
	assert.True(t, stderrors.Is(wrapped, base))
	assert.Nil(t, Wrap(nil, "Geofence", "Apply", "resolve position"))
}

func TestWrapClassified_Unwrap(t *testing.T) {
	base := fmt.Errorf("read %s: %w", "key.pem", ErrKeyUnreadable)
	wrapped := WrapFatal(base, "Envelope", "Apply", "load key")

	var ce *ClassifiedError
	require.True(t, stderrors.As(wrapped, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.Equal(t, "Envelope", ce.Component)
	assert.True(t, stderrors.Is(wrapped, ErrKeyUnreadable))
}
