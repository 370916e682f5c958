package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrDeviceActive       ErrCode = "DEVICE_ALREADY_ACTIVE"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden           ErrCode = "FORBIDDEN"
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrInvalidTransition ErrCode = "INVALID_TRANSITION"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrKindMismatch      ErrCode = "KIND_MISMATCH"
	ErrSessionClosed     ErrCode = "SESSION_CLOSED"
	ErrInvalidExam       ErrCode = "INVALID_EXAM"
	ErrInvalidFlag       ErrCode = "INVALID_FLAG"
	ErrResultNotReady    ErrCode = "RESULT_NOT_READY"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrDeviceActive:
		return "This exam session is already open on another device."
	case ErrSessionInvalidated:
		return "Your access was reset. Ask the proctor for a new link."
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrCandidateAccessOnly:
		return "This resource is limited to candidates."
	case ErrProctorAccessOnly:
		return "This resource is limited to proctors."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Exam session ──────────────────────────────────────────────────
	case ErrInvalidTransition:
		return "This action is not allowed in the current session state."
	case ErrUnknownQuestion:
		return "The question does not belong to this exam."
	case ErrKindMismatch:
		return "The answer does not match the question type."
	case ErrSessionClosed:
		return "The exam session has already ended."
	case ErrInvalidExam:
		return "The exam definition cannot be administered."
	case ErrInvalidFlag:
		return "Unknown proctoring flag type."
	case ErrResultNotReady:
		return "The result is not available until the session is completed."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
