package statefold

import (
	"errors"
	"fmt"

	"github.com/blockberries/statefold/types"
)

// The error taxonomy, in four classes:
//
//   - Transient: network-level failures and reorgs observed mid-fetch.
//     Retried with backoff; surfaced as SyncStalledError only when the
//     retry ceiling is exceeded.
//   - Structural: UnknownParent, NoCommonAncestor, AncestryUndetermined.
//     The local ancestry view is too shallow or the data source is
//     inconsistent; handled by widening the lookback once.
//   - Invariant violations: InvariantViolationError,
//     DivergentConfirmedStateError. A bug in the reducer, the engine's
//     range computation, or cache corruption. Fatal for the affected
//     query, never retried.
//   - Reducer faults: ReducerFaultError. Caller-supplied logic
//     rejecting its input. Fatal for the affected query only.

// TransientError wraps a failure that is expected to resolve on retry:
// a timeout, connection reset, rate limit, or a reorg observed halfway
// through a fetch.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient checks whether an error is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// NotFoundError reports that the data source does not know the
// requested block.
type NotFoundError struct {
	Ref string // hash or number, for the message
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("block %s not found", e.Ref)
}

// IsNotFound checks whether an error is a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// RangeTooLargeError reports that a log request spans more blocks than
// the data source will serve in one call. The caller must subdivide.
type RangeTooLargeError struct {
	From, To uint64
}

func (e *RangeTooLargeError) Error() string {
	return fmt.Sprintf("log range [%d, %d] too large", e.From, e.To)
}

// IsRangeTooLarge checks whether an error is a RangeTooLargeError.
func IsRangeTooLarge(err error) bool {
	var r *RangeTooLargeError
	return errors.As(err, &r)
}

// UnknownParentError reports an attempt to insert a header whose
// parent is not yet tracked. The caller must backfill ancestors first.
type UnknownParentError struct {
	Block types.BlockID
}

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("unknown parent %s of block %s (number %d)",
		e.Block.ParentHash.Short(), e.Block.Hash.Short(), e.Block.Number)
}

// IsUnknownParent checks whether an error is an UnknownParentError.
func IsUnknownParent(err error) bool {
	var u *UnknownParentError
	return errors.As(err, &u)
}

// AncestryUndeterminedError reports that an ancestry walk exceeded the
// configured lookback bound before reaching a decision. It is never
// collapsed to a plain "not an ancestor".
type AncestryUndeterminedError struct {
	A, B     types.BlockID
	Lookback uint64
}

func (e *AncestryUndeterminedError) Error() string {
	return fmt.Sprintf("ancestry of %s under %s undetermined within lookback %d",
		e.A.Hash.Short(), e.B.Hash.Short(), e.Lookback)
}

// IsAncestryUndetermined checks whether an error is an
// AncestryUndeterminedError.
func IsAncestryUndetermined(err error) bool {
	var a *AncestryUndeterminedError
	return errors.As(err, &a)
}

// NoCommonAncestorError reports that two blocks share no ancestor
// within the lookback bound. This indicates a data-source
// inconsistency.
type NoCommonAncestorError struct {
	A, B types.BlockID
}

func (e *NoCommonAncestorError) Error() string {
	return fmt.Sprintf("no common ancestor of %s and %s", e.A.Hash.Short(), e.B.Hash.Short())
}

// InvariantViolationError signals a bug: the engine computed a gapped
// replay range, or an internal structure is corrupt. It is fatal for
// the affected query and must be loudly reported, since silently
// continuing risks serving incorrect application state.
type InvariantViolationError struct {
	Msg string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.Msg
}

// Invariantf builds an InvariantViolationError with a formatted message.
func Invariantf(format string, args ...any) *InvariantViolationError {
	return &InvariantViolationError{Msg: fmt.Sprintf(format, args...)}
}

// DivergentConfirmedStateError signals that two folds produced
// different states for the same Confirmed block. This must never
// happen in normal operation: it means the reducer is not
// deterministic or ancestry tracking is broken.
type DivergentConfirmedStateError struct {
	Block types.BlockID
}

func (e *DivergentConfirmedStateError) Error() string {
	return fmt.Sprintf("divergent confirmed state at block %s (number %d)",
		e.Block.Hash.Short(), e.Block.Number)
}

// ReducerFaultError wraps an error returned by a reducer's Apply:
// caller-supplied logic rejected its input. Fatal for that query only.
type ReducerFaultError struct {
	Block types.BlockID
	Err   error
}

func (e *ReducerFaultError) Error() string {
	return fmt.Sprintf("reducer fault at block %s (number %d): %v",
		e.Block.Hash.Short(), e.Block.Number, e.Err)
}

func (e *ReducerFaultError) Unwrap() error { return e.Err }

// IsFatal checks whether an error ends the affected query permanently:
// an invariant violation, divergent confirmed state, or reducer fault.
func IsFatal(err error) bool {
	var iv *InvariantViolationError
	var dv *DivergentConfirmedStateError
	var rf *ReducerFaultError
	return errors.As(err, &iv) || errors.As(err, &dv) || errors.As(err, &rf)
}

// SyncStalledError reports that one sync cycle gave up after the retry
// ceiling. The query remains alive and serves its last good state; the
// next sync cycle starts again from scratch.
type SyncStalledError struct {
	Attempts uint64
	Err      error // last underlying error
}

func (e *SyncStalledError) Error() string {
	return fmt.Sprintf("sync stalled after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SyncStalledError) Unwrap() error { return e.Err }

// IsSyncStalled checks whether an error is a SyncStalledError.
func IsSyncStalled(err error) bool {
	var s *SyncStalledError
	return errors.As(err, &s)
}
