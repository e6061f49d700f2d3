package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/neo4j/neo4j-sub063/internal/haerr"
)

// sentinels are recognised in status messages and restored on the client so that errors.Is keeps working across
// the wire. The first match wins.
var sentinels = []error{
	haerr.ErrInvalidEpoch,
	haerr.ErrBranchedData,
	haerr.ErrNotMaster,
	haerr.ErrUnavailable,
	haerr.ErrPullerInactive,
	haerr.ErrNoQuorum,
	haerr.ErrTransactionGap,
	haerr.ErrDuplicateInstanceID,
	haerr.ErrConstraintViolation,
	haerr.ErrCommunication,
}

// toStatus converts a handler error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	var code codes.Code
	switch haerr.KindOf(err) {
	case haerr.Transient:
		code = codes.Unavailable
	case haerr.InvalidEpoch:
		code = codes.FailedPrecondition
	case haerr.ConstraintViolation:
		code = codes.AlreadyExists
	default:
		code = codes.Internal
		if errors.Is(err, haerr.ErrBranchedData) {
			code = codes.DataLoss
		}
	}
	return status.Error(code, err.Error())
}

// fromStatus converts the error of a call into an haerr error of the kind the remote handler returned. Failures to
// reach the remote side at all are transient communication errors.
func fromStatus(op, addr string, err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return haerr.NewTransient(op, fmt.Errorf("%w: %s: %v", haerr.ErrCommunication, addr, err))
	}

	cause := restoreSentinel(st.Message())
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		if cause == nil {
			return haerr.NewTransient(op, fmt.Errorf("%w: %s: %s", haerr.ErrCommunication, addr, st.Message()))
		}
		return haerr.NewTransient(op, cause)
	case codes.FailedPrecondition:
		if cause == nil {
			cause = fmt.Errorf("%w: %s", haerr.ErrInvalidEpoch, st.Message())
		}
		return haerr.New(haerr.InvalidEpoch, op, cause)
	case codes.AlreadyExists:
		if cause == nil {
			cause = fmt.Errorf("%w: %s", haerr.ErrConstraintViolation, st.Message())
		}
		return haerr.NewConstraintViolation(op, cause)
	default:
		if cause == nil {
			cause = errors.New(st.Message())
		}
		return haerr.NewFatal(op, cause)
	}
}

func restoreSentinel(message string) error {
	for _, sentinel := range sentinels {
		if strings.Contains(message, sentinel.Error()) {
			return fmt.Errorf("%w: %s", sentinel, message)
		}
	}
	return nil
}
