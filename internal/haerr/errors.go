// Package haerr defines the error taxonomy shared by the replication components. Every error that crosses a component
// or network boundary carries a Kind so that callers can tell a plain retry from a re-resolution of the master.
package haerr

import (
	"errors"
	"fmt"
)

// Kind classifies how a caller is expected to react to an error
type Kind int

const (
	// Fatal errors are not retryable and must be surfaced
	Fatal Kind = iota
	// Transient errors may be retried after a backoff (communication failures, role switches, quorum loss)
	Transient
	// InvalidEpoch errors are fatal to the session: the request must not be retried as-is, the master has to be
	// re-resolved first
	InvalidEpoch
	// ConstraintViolation errors come from the storage layer and propagate to the user unmodified
	ConstraintViolation
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "Fatal"
	case Transient:
		return "Transient"
	case InvalidEpoch:
		return "InvalidEpoch"
	case ConstraintViolation:
		return "ConstraintViolation"
	default:
		return "Unknown"
	}
}

var (
	ErrNotMaster           = errors.New("instance is not the master")
	ErrUnavailable         = errors.New("database is unavailable for writes")
	ErrInvalidEpoch        = errors.New("invalid epoch")
	ErrBranchedData        = errors.New("store has branched from the master")
	ErrPullerInactive      = errors.New("update puller is not active")
	ErrNoQuorum            = errors.New("no quorum of cluster members")
	ErrTransactionGap      = errors.New("transaction gap")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrCommunication       = errors.New("communication failure")
	ErrDuplicateInstanceID = errors.New("instance id is claimed by another instance")
)

// Error is an error tagged with a Kind and the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewTransient tags err as retryable
func NewTransient(op string, err error) error {
	return New(Transient, op, err)
}

// NewInvalidEpoch reports a request carrying epoch got while the master is at epoch want
func NewInvalidEpoch(op string, got, want uint64) error {
	return New(InvalidEpoch, op, fmt.Errorf("%w: request epoch %d, master epoch %d", ErrInvalidEpoch, got, want))
}

// NewConstraintViolation tags err as a storage constraint violation
func NewConstraintViolation(op string, err error) error {
	return New(ConstraintViolation, op, err)
}

// NewFatal tags err as not retryable
func NewFatal(op string, err error) error {
	return New(Fatal, op, err)
}

// KindOf returns the Kind of the outermost tagged error in err's chain. Untagged errors are Fatal, except for the
// well known sentinels which imply their own kind.
func KindOf(err error) Kind {
	var haErr *Error
	if errors.As(err, &haErr) {
		return haErr.Kind
	}

	switch {
	case errors.Is(err, ErrInvalidEpoch):
		return InvalidEpoch
	case errors.Is(err, ErrConstraintViolation), errors.Is(err, ErrDuplicateInstanceID):
		return ConstraintViolation
	case errors.Is(err, ErrNotMaster), errors.Is(err, ErrUnavailable), errors.Is(err, ErrNoQuorum),
		errors.Is(err, ErrCommunication), errors.Is(err, ErrTransactionGap):
		return Transient
	default:
		return Fatal
	}
}

// IsTransient reports whether err may be retried as-is
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// IsInvalidEpoch reports whether err requires re-resolving the master
func IsInvalidEpoch(err error) bool {
	return err != nil && KindOf(err) == InvalidEpoch
}
