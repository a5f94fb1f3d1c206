package core

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	cause := errors.New("bad photo")
	tests := []struct {
		name      string
		err       *ValidationError
		wantMsg   string
		wantField map[string]string
	}{
		{name: "empty", err: &ValidationError{}, wantMsg: ""},
		{name: "fields only", err: &ValidationError{Fields: []FieldError{{Field: "type", Error: "unknown"}}},
			wantMsg: "type: unknown", wantField: map[string]string{"type": "unknown"}},
		{name: "cause", err: &ValidationError{Err: cause, Fields: []FieldError{{Field: "photo", Error: "bad photo"}}},
			wantMsg: "bad photo", wantField: map[string]string{"photo": "bad photo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q; want %q", got, tt.wantMsg)
			}
			assert.Equal(t, tt.wantField, tt.err.FieldMap())
		})
	}

	wrapped := errors.Wrap(NewValidationError(cause), "uploading")
	assert.ErrorIs(t, wrapped, cause)
}

func TestIsShutdown(t *testing.T) {
	assert.True(t, IsShutdown(errors.Wrap(NewShutdownError("integrity"), "handling")))
	assert.False(t, IsShutdown(errors.New("nope")))
}
