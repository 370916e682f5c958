package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Session lifecycle errors. Structural errors never mutate session state.
var (
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrInvalidState is returned when an operation needs an in-progress session.
	ErrInvalidState    = fmt.Errorf("%w: session is not in progress", ErrInvalidTransition)
	ErrUnknownQuestion = errors.New("unknown question")
	ErrKindMismatch    = model.ErrKindMismatch
	ErrUnknownKind     = model.ErrUnknownKind
	ErrSessionClosed   = errors.New("session closed")
	ErrInvalidExam     = model.ErrInvalidExam
	ErrInvalidTrigger  = errors.New("invalid completion trigger")
	ErrInvalidFlag     = errors.New("invalid proctoring flag")
	ErrResultNotReady  = errors.New("session has no result yet")
	ErrSessionNotFound = model.ErrSessionNotFound
)

// Grading errors are absorbed into a degraded score; they never end a session.
var (
	ErrGradingTimeout = errors.New("grading timed out")
	ErrGradingFailure = errors.New("grading failed")
)
