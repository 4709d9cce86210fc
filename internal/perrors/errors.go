// Package perrors defines the error taxonomy used across the replication
// core, matching the error kinds a replica must be able to tell apart:
// transient network failures, stale protocol messages, protocol violations,
// storage failures, client-facing errors, back-pressure, and stalled
// recovery. Named perrors (not errors) so it doesn't shadow the stdlib
// package in files that need both.
package perrors

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Kind classifies a PaxosError for the purpose of deciding how to react to
// it: retry locally, drop silently, abort the process, or surface to a
// client.
type Kind string

const (
	// TransientNetwork covers send failures and partial writes. Handled by
	// retry or, for catch-up, by marking the peer rating negative.
	TransientNetwork Kind = "TRANSIENT_NETWORK"
	// StaleMessage covers a message bearing a lower view or an instance id
	// that is already decided differently. Dropped silently.
	StaleMessage Kind = "STALE_MESSAGE"
	// ProtocolViolation covers a duplicate decision with a different value,
	// or any other state that safety invariants say cannot happen. Fatal.
	ProtocolViolation Kind = "PROTOCOL_VIOLATION"
	// StorageIO covers a failed durable write. Fatal: the replica must not
	// ack an operation it could not persist.
	StorageIO Kind = "STORAGE_IO"
	// ClientError covers an unknown command type or a stale client request.
	// Surfaced to the client as a NACK with a diagnostic.
	ClientError Kind = "CLIENT_ERROR"
	// BackPressure covers the pending-request semaphore being exhausted.
	// The caller blocks; this kind exists for logging/metrics only.
	BackPressure Kind = "BACK_PRESSURE"
	// RecoveryStalled covers a restart recovery round that hasn't reached
	// a majority yet. Liveness only; handled by continued retransmission.
	RecoveryStalled Kind = "RECOVERY_STALLED"
)

// fatal reports whether errors of this kind must halt the process rather
// than be handled locally.
func (k Kind) fatal() bool {
	return k == ProtocolViolation || k == StorageIO
}

// PaxosError is the wrapping error type used throughout the core.
type PaxosError struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "log.append"
	Err  error  // wrapped cause, may be nil
}

func (e *PaxosError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *PaxosError) Unwrap() error { return e.Err }

// New builds a PaxosError of the given kind.
func New(kind Kind, op string, err error) *PaxosError {
	return &PaxosError{Kind: kind, Op: op, Err: err}
}

// Of reports the Kind of err if it is (or wraps) a *PaxosError.
func Of(err error) (Kind, bool) {
	var pe *PaxosError
	if !errors.As(err, &pe) {
		return "", false
	}
	return pe.Kind, true
}

// Handle applies the propagation policy of the error design: fatal kinds
// abort the process (via logger.Fatal, which itself calls os.Exit after
// flushing), everything else is logged and returned to the caller for
// local handling.
func Handle(logger *zap.Logger, err error) error {
	if err == nil {
		return nil
	}
	pe, ok := err.(*PaxosError)
	if !ok {
		return err
	}
	fields := []zap.Field{zap.String("kind", string(pe.Kind)), zap.String("op", pe.Op), zap.Error(pe.Err)}
	if pe.Kind.fatal() {
		logger.Fatal("fatal replication error, halting replica", fields...)
		return pe
	}
	logger.Warn("replication error", fields...)
	return pe
}
