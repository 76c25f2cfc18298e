package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storyloom/internal/services"
)

// Kind classifies a stage failure.
type Kind string

const (
	// KindTransient failures may succeed on another attempt.
	KindTransient Kind = "transient"
	// KindValidation failures are permanent: the input or request is wrong.
	KindValidation Kind = "validation"
	// KindUpstream failures come from the generation service and are retried.
	KindUpstream Kind = "upstream"
	// KindTimeout failures exceeded a per-call deadline and are retried.
	KindTimeout Kind = "timeout"
)

// marker maps a kind onto the services sentinel used for retry classification.
func (k Kind) marker() error {
	switch k {
	case KindValidation:
		return services.ErrValidation
	case KindUpstream:
		return services.ErrExternalTool
	case KindTimeout:
		return services.ErrTimeout
	default:
		return services.ErrTransient
	}
}

// StageError is the classified failure of one stage call.
type StageError struct {
	Stage   string
	Item    *int
	Kind    Kind
	Message string
	Err     error
}

// NewError builds a StageError for req.
func NewError(kind Kind, req Request, message string, err error) *StageError {
	return &StageError{
		Stage:   req.Stage,
		Item:    req.Item,
		Kind:    kind,
		Message: strings.TrimSpace(message),
		Err:     err,
	}
}

func (e *StageError) Error() string {
	label := e.Stage
	if e.Item != nil {
		label = fmt.Sprintf("%s[%d]", e.Stage, *e.Item)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "stage failed"
	}
	if label == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", label, e.Kind, msg)
}

// Unwrap exposes both the kind marker and the underlying cause to errors.Is.
func (e *StageError) Unwrap() []error {
	errs := []error{e.Kind.marker()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Permanent reports whether the failure must not be retried.
func (e *StageError) Permanent() bool {
	return e.Kind == KindValidation
}

// Classify returns the kind of err. Unclassified errors are transient; bare
// deadline errors are timeouts.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, services.ErrTimeout):
		return KindTimeout
	case !services.Retryable(err):
		return KindValidation
	case errors.Is(err, services.ErrExternalTool):
		return KindUpstream
	default:
		return KindTransient
	}
}

// IsPermanent reports whether err should exhaust the stage immediately.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == KindValidation
}
