package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func TestSessionErrorCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{service.ErrSessionNotFound, http.StatusNotFound, response.ErrNotFound},
		{fmt.Errorf("load: %w", repository.ErrExamNotFound), http.StatusNotFound, response.ErrNotFound},
		{service.ErrInvalidState, http.StatusConflict, response.ErrInvalidTransition},
		{fmt.Errorf("%w: already started", service.ErrInvalidTransition), http.StatusConflict, response.ErrInvalidTransition},
		{service.ErrSessionClosed, http.StatusConflict, response.ErrSessionClosed},
		{service.ErrUnknownQuestion, http.StatusUnprocessableEntity, response.ErrUnknownQuestion},
		{service.ErrKindMismatch, http.StatusUnprocessableEntity, response.ErrKindMismatch},
		{service.ErrUnknownKind, http.StatusUnprocessableEntity, response.ErrKindMismatch},
		{fmt.Errorf("%w: no questions", service.ErrInvalidExam), http.StatusUnprocessableEntity, response.ErrInvalidExam},
		{service.ErrInvalidFlag, http.StatusBadRequest, response.ErrInvalidFlag},
		{service.ErrResultNotReady, http.StatusConflict, response.ErrResultNotReady},
		{errors.New("connection reset"), http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := sessionErrorCode(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("got %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}
