package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error implements repositories.RepositoryError for Firestore backed repositories.
type Error struct {
	Op   string
	Code codes.Code
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the document was missing.
func (e *Error) IsNotFound() bool {
	return e != nil && e.Code == codes.NotFound
}

// IsConflict reports whether a write lost against a concurrent one or hit an existing document.
func (e *Error) IsConflict() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// IsUnavailable reports a transient backend outage.
func (e *Error) IsUnavailable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal:
		return true
	}
	return false
}

// WrapError annotates Firestore errors with repository semantics. Caller
// cancellation passes through untouched; deadlines count as unavailability but
// still match context.DeadlineExceeded.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		return context.Canceled
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if repoErr.Op == "" {
			repoErr.Op = op
		}
		return repoErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Code: codes.DeadlineExceeded, Err: err}
	}
	if errors.Is(err, ErrProviderClosed) {
		return &Error{Op: op, Code: codes.Unavailable, Err: err}
	}

	code := status.Code(err)
	if code == codes.DeadlineExceeded {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return &Error{Op: op, Code: code, Err: err}
}
