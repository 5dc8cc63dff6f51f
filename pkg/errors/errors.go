package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// Kind classifies a pipeline failure
type Kind string

const (
	SignalNotIdentified  Kind = "SignalNotIdentified"
	SignalNotDefined     Kind = "SignalNotDefined"
	SignalNotEnabled     Kind = "SignalNotEnabled"
	InvalidSignalId      Kind = "InvalidSignalId"
	DuplicatePrimaryKey  Kind = "DuplicatePrimaryKey"
	FilterCompileError   Kind = "FilterCompileError"
	EntityExtractFailure Kind = "EntityExtractFailure"
	CollaboratorFailure  Kind = "CollaboratorFailure"
	TransientDbError     Kind = "TransientDbError"
)

// Unrecoverable reports whether retrying the same input can never succeed.
// Transport envelopes failing with an unrecoverable kind are deleted.
func (k Kind) Unrecoverable() bool {
	switch k {
	case SignalNotIdentified, SignalNotDefined, SignalNotEnabled, InvalidSignalId:
		return true
	}
	return false
}

// StatusCode maps a kind onto the HTTP status returned by the API
func (k Kind) StatusCode() int {
	switch k {
	case InvalidSignalId, SignalNotIdentified:
		return http.StatusBadRequest
	case SignalNotDefined, SignalNotEnabled:
		return http.StatusUnprocessableEntity
	case CollaboratorFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type PipelineError struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *PipelineError {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is matches another PipelineError of the same kind so that
// errors.Is(err, errors.New(SignalNotDefined, "")) works as a kind check.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first PipelineError in err's chain
func KindOf(err error) (Kind, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ToHTTPError converts pipeline errors for the echo error handler; other errors pass through
func ToHTTPError(err error) error {
	if err == nil || httperror.IsHTTPError(err) {
		return err
	}
	var pe *PipelineError
	if !errors.As(err, &pe) {
		return err
	}
	return httperror.NewHTTPError(pe.Kind.StatusCode(), pe.Error())
}
