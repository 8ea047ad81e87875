package spanz

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrInvalidState is returned when an ended span is mutated.
	ErrInvalidState = errors.New("spanz: span has already ended")

	// ErrInvalidStatusTransition is returned when a status change would lower
	// an Error status or otherwise move backwards.
	ErrInvalidStatusTransition = errors.New("spanz: invalid status transition")
)

// StatusFromError maps an error to a span status: Ok for nil, Error with the
// error text otherwise.
func StatusFromError(err error) (codes.Code, string) {
	if err == nil {
		return codes.Ok, ""
	}
	return codes.Error, err.Error()
}

// RecordError records err on span, wrapped with msg, and marks the span as
// failed. Both steps happen here explicitly; RecordException alone leaves the
// status untouched.
func RecordError(span *ActiveSpan, err error, msg string) error {
	if err == nil {
		return nil
	}

	wrapped := err
	if msg != "" {
		wrapped = pkgerrors.Wrap(err, msg)
	} else {
		msg = err.Error()
	}

	return errors.Join(
		span.RecordException(wrapped),
		span.SetStatus(codes.Error, msg),
	)
}
