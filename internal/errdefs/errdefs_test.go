package errdefs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsKindAndCause(t *testing.T) {
	err := Wrap(ErrPublish, "push", io.ErrUnexpectedEOF, "upload of %s interrupted", "model.qgraph")

	assert.True(t, errors.Is(err, ErrPublish))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, errors.Is(err, ErrLoad))
	assert.Equal(t, "push: publish failed: upload of model.qgraph interrupted: unexpected EOF", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(ErrExport, "export", nil, "ignored"))
}

func TestNestedKinds(t *testing.T) {
	inner := New(ErrConfiguration, "labels", "label %q not in mapping", "neutral")
	err := Wrap(ErrEvaluation, "evaluate", inner, "dataset rejected")

	assert.True(t, errors.Is(err, ErrEvaluation))
	assert.True(t, errors.Is(err, ErrConfiguration))

	var stageErr *Error
	assert.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "evaluate", stageErr.Op)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"export", New(ErrExport, "", "x"), ErrExport},
		{"mismatch wins over load", Wrap(ErrLoad, "", New(ErrMismatch, "", "x"), "y"), ErrMismatch},
		{"plain error", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
