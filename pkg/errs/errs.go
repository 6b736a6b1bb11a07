// Package errs classifies failures into the handful of kinds the engine
// reacts to differently: validation, exchange rejection, transient network
// failure, ledger inconsistency and not-found.
package errs

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the error class.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindRejection
	KindTransient
	KindInconsistency
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRejection:
		return "exchange_rejection"
	case KindTransient:
		return "transient_network"
	case KindInconsistency:
		return "state_inconsistency"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error carries a kind plus optional exchange code.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a malformed instruction. Never retried.
func Validation(op, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)})
}

// Rejection reports a definitive refusal by the exchange.
func Rejection(op string, code int, msg string) error {
	return errors.WithStack(&Error{Kind: KindRejection, Op: op, Code: code, Msg: msg})
}

// Transient wraps a timeout or connection failure that may succeed on retry.
func Transient(op string, err error) error {
	return errors.WithStack(&Error{Kind: KindTransient, Op: op, Msg: "transient failure", Err: err})
}

// Exhausted converts the last transient failure into a rejection-equivalent
// error once the retry budget is spent. The transient cause stays in the chain.
func Exhausted(op string, attempts int, err error) error {
	return errors.WithStack(&Error{
		Kind: KindRejection,
		Op:   op,
		Msg:  fmt.Sprintf("gave up after %d attempts", attempts),
		Err:  err,
	})
}

// Inconsistency reports an event the ledger cannot apply without breaking its rules.
func Inconsistency(op, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindInconsistency, Op: op, Msg: fmt.Sprintf(format, args...)})
}

// NotFound reports an order the exchange does not know.
func NotFound(op string, code int, msg string) error {
	return errors.WithStack(&Error{Kind: KindNotFound, Op: op, Code: code, Msg: msg})
}

// KindOf returns the outermost classified kind in the chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether any error in the chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// CodeOf returns the first exchange error code in the chain, if any. A
// transient wrapper carries no code of its own.
func CodeOf(err error) int {
	var e *Error
	for stderrors.As(err, &e) {
		if e.Code != 0 {
			return e.Code
		}
		err = e.Err
	}
	return 0
}
