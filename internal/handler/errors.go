package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// sessionErrorCode maps session lifecycle errors onto an HTTP status and error code.
// The InvalidState check must come before InvalidTransition since it wraps it.
func sessionErrorCode(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, repository.ErrExamNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrUnknownQuestion):
		return http.StatusUnprocessableEntity, response.ErrUnknownQuestion
	case errors.Is(err, service.ErrKindMismatch), errors.Is(err, service.ErrUnknownKind):
		return http.StatusUnprocessableEntity, response.ErrKindMismatch
	case errors.Is(err, service.ErrSessionClosed):
		return http.StatusConflict, response.ErrSessionClosed
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict, response.ErrInvalidTransition
	case errors.Is(err, service.ErrInvalidExam):
		return http.StatusUnprocessableEntity, response.ErrInvalidExam
	case errors.Is(err, service.ErrInvalidFlag):
		return http.StatusBadRequest, response.ErrInvalidFlag
	case errors.Is(err, service.ErrInvalidTrigger):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, service.ErrResultNotReady):
		return http.StatusConflict, response.ErrResultNotReady
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failSession writes the error envelope for err, logging unexpected failures.
func failSession(c *gin.Context, log zerolog.Logger, err error) {
	status, code := sessionErrorCode(err)
	if status == http.StatusInternalServerError {
		l := response.Logger(c, log)
		l.Error().Err(err).Msg("Session operation failed")
		response.Fail(c, status, code)
		return
	}
	response.FailWithMessage(c, status, code, err.Error())
}
