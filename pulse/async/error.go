package async

import (
	"context"

	"github.com/AITrekker/Jarvis/errors"
)

// Outcome is the verdict of one window execution
type Outcome int

const (
	OutcomeDone      Outcome = iota // result persisted
	OutcomeTransient                // retry after backoff
	OutcomePermanent                // mark the window FAILED
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrorCode represents the classification of an execution error
type ErrorCode string

const (
	ErrorCodeBackend   ErrorCode = "backend_error"
	ErrorCodePersist   ErrorCode = "persist_error"
	ErrorCodeInvariant ErrorCode = "invariant_violation"
	ErrorCodeCancelled ErrorCode = "cancelled"
	ErrorCodeTimeout   ErrorCode = "timeout"
	ErrorCodeUnknown   ErrorCode = "unknown"
)

// Result is what an executor reports for one attempt at a window
type Result struct {
	Outcome Outcome
	Stage   string // pipeline stage that failed: assemble, summarize, embed, persist
	Err     error
}

// Done is the successful result
func Done() Result {
	return Result{Outcome: OutcomeDone}
}

// Failed classifies err raised during stage into a Result
func Failed(stage string, err error) Result {
	if err == nil {
		return Done()
	}
	outcome := OutcomeTransient
	if errors.IsPermanent(err) {
		outcome = OutcomePermanent
	}
	return Result{Outcome: outcome, Stage: stage, Err: err}
}

// ErrorContext provides structured error information for window failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Will the window be retried?
}

// ClassifyError categorizes an error by its markers and stage
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	ctx := ErrorContext{
		Stage:     stage,
		Message:   err.Error(),
		Retryable: errors.IsTransient(err),
	}

	switch {
	case errors.Is(err, errors.ErrInvariantViolation):
		ctx.Code = ErrorCodeInvariant
	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout):
		ctx.Code = ErrorCodeTimeout
	case stage == "persist":
		ctx.Code = ErrorCodePersist
	case stage == "summarize" || stage == "embed" || errors.Is(err, errors.ErrServiceUnavailable):
		ctx.Code = ErrorCodeBackend
	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
