package presence

import (
	"errors"

	"github.com/christopherjohns/roomchat/internal/user"
)

// Failure kinds. Every error returned by a Coordinator operation wraps
// exactly one of them; none is fatal and none leaves partial state behind.
var (
	ErrValidation    = errors.New("validation error")
	ErrConflict      = errors.New("uniqueness conflict")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Error is a classified operation failure. Text is safe to show to the
// client.
type Error struct {
	Kind error
	Text string
	Err  error
}

func (e *Error) Error() string {
	return e.Text
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validation(text string) error {
	return &Error{Kind: ErrValidation, Text: text}
}

func notFound(text string, err error) error {
	return &Error{Kind: ErrNotFound, Text: text, Err: err}
}

// classify converts an identity registry failure.
func classify(err error) error {
	switch {
	case errors.Is(err, user.ErrUsernameTaken):
		return &Error{Kind: ErrConflict, Text: "Username is already taken", Err: err}
	case errors.Is(err, user.ErrEmailTaken):
		return &Error{Kind: ErrConflict, Text: "Email is already registered", Err: err}
	case errors.Is(err, user.ErrInvalidInput):
		return &Error{Kind: ErrValidation, Text: user.Reason(err), Err: err}
	default:
		return err
	}
}
