// Package dcperr collects the error taxonomy shared across the client: the
// set of conditions a caller or a retry predicate needs to tell apart from a
// generic, unclassified failure.
package dcperr

import (
	"github.com/pkg/errors"
)

// sentinel is a comparable error value that sentinel-typed errors wrap with
// context via errors.Wrap, so errors.Is/errors.Cause keep working through
// the wrap chain.
type sentinel string

func (s sentinel) Error() string {
	return string(s)
}

// TimedOut means an operation (connect, open-stream, get-failover-log) did
// not complete within its deadline.
const TimedOut = sentinel("operation timed out")

// SessionDisconnected means the owning Channel's connection dropped while a
// request was in flight, or the session was torn down while a caller was
// blocked waiting on partition state.
const SessionDisconnected = sentinel("session disconnected")

// InvariantViolation means state evolved in a way the protocol does not
// allow, e.g. a snapshot marker with end before start.
const InvariantViolation = sentinel("invariant violation")

// AuthFailed means SASL authentication with the cluster was rejected.
const AuthFailed = sentinel("authentication failed")

// BucketNotFound means the configured bucket does not exist on the cluster
// the client connected to.
const BucketNotFound = sentinel("bucket not found")

// UnknownOpcode means a frame from the server carried an opcode the codec
// does not recognize.
const UnknownOpcode = sentinel("unknown dcp opcode")

// NotMyVbucket means the node that received a stream request is not (or is
// no longer) responsible for the requested partition.
const NotMyVbucket = sentinel("not my vbucket")

// Rollback means the server rejected a stream request's resume point and
// requires the client to restart the stream from an earlier seqno.
const Rollback = sentinel("rollback required")

// ChannelFailed means a Channel's connection could not be established or
// re-established after exhausting its repair budget.
const ChannelFailed = sentinel("channel failed")

// Wrap attaches msg as context to cause while preserving cause for errors.Is
// and errors.Cause, matching the wrapping convention used throughout the
// client instead of constructing bare errors.
func Wrap(cause error, msg string) error {
	return errors.Wrap(cause, msg)
}

// Wrapf is Wrap with Printf-style formatting of msg.
func Wrapf(cause error, format string, args ...interface{}) error {
	return errors.Wrapf(cause, format, args...)
}

// Is reports whether err is, or wraps, target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// RollbackError carries the seqno the server says the client must rewind to
// before reopening the stream.
type RollbackError struct {
	VbID        uint16
	SeqnoRollTo uint64
}

func (e *RollbackError) Error() string {
	return Rollback.Error()
}

func (e *RollbackError) Unwrap() error {
	return Rollback
}

// NotMyVbucketError carries the partition that the receiving node rejected.
type NotMyVbucketError struct {
	VbID uint16
}

func (e *NotMyVbucketError) Error() string {
	return NotMyVbucket.Error()
}

func (e *NotMyVbucketError) Unwrap() error {
	return NotMyVbucket
}

// ChannelFailedError carries the address of the channel that exhausted its
// repair budget and the last error that a repair attempt produced.
type ChannelFailedError struct {
	Address string
	Cause   error
}

func (e *ChannelFailedError) Error() string {
	return ChannelFailed.Error() + ": " + e.Address
}

func (e *ChannelFailedError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err represents a condition a retry policy
// should schedule another attempt for, rather than propagate as terminal.
// AuthFailed, BucketNotFound and InvariantViolation are never retryable:
// retrying them cannot change the outcome.
func IsRetryable(err error) bool {
	switch {
	case Is(err, AuthFailed):
		return false
	case Is(err, BucketNotFound):
		return false
	case Is(err, InvariantViolation):
		return false
	default:
		return true
	}
}
