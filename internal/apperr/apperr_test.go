package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/manpreetbhatti/planroom/internal/apperr"
)

func TestIsMatchesCodeAndMessage(t *testing.T) {
	wrapped := fmt.Errorf("room p1: %w", apperr.ErrNothingToUndo)

	assert.ErrorIs(t, wrapped, apperr.ErrNothingToUndo)
	assert.NotErrorIs(t, wrapped, apperr.ErrNothingToRedo)
	assert.ErrorIs(t, wrapped, apperr.New(apperr.CodeEmptyStack, ""))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := apperr.Wrap(cause, apperr.CodePersistence, "persist layout")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[PERSISTENCE] persist layout: disk full", err.Error())
}

func TestWithDetailsDoesNotMutateSentinel(t *testing.T) {
	detailed := apperr.ErrOversize.WithDetails("12 kB")

	assert.Equal(t, "12 kB", detailed.Details)
	assert.Empty(t, apperr.ErrOversize.Details)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.ErrNothingToRedo, http.StatusBadRequest},
		{apperr.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("rollback: %w", apperr.ErrForbidden), http.StatusForbidden},
		{apperr.ErrVersionNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.HTTPStatus(tt.err))
		})
	}
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "Nothing to undo", apperr.MessageOf(apperr.ErrNothingToUndo))
	assert.Equal(t, "internal error", apperr.MessageOf(errors.New("x")))
}
