package upload

import (
	"errors"
	"fmt"
)

// TransientError marks an attempt failure the queue may retry: the transport
// broke in a way that was not a decision made by the server or by trust checks.
type TransientError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func Transient(kind Kind, op string, err error) error {
	return &TransientError{Kind: kind, Op: op, Err: err}
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
