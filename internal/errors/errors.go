/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package errors provides the structured error type for the replication
core.

Rather than a dense numeric code space keyed to SQL error categories,
this package organizes errors around the five recovery classes a Raft
node's callers actually have to branch on: a dropped connection is
handled completely differently from a diverged log, which is handled
completely differently from on-disk corruption.
*/
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-checkable error class.
type Kind int

const (
	// KindTransientTransport covers dropped connections, handshake
	// timeouts, and RPC timeouts — retry with backoff is always safe.
	KindTransientTransport Kind = iota
	// KindProtocolDivergence covers a peer's log diverging from ours in
	// a way that requires negotiating a new match point (rollback).
	KindProtocolDivergence
	// KindStoreCorruption covers invariant violations detected by the
	// store adapter — unrecoverable without operator intervention.
	KindStoreCorruption
	// KindQuorumLoss covers an election that cannot complete because no
	// majority of peers is reachable.
	KindQuorumLoss
	// KindRollbackFailure covers a rollback that could not be applied
	// cleanly to the local store.
	KindRollbackFailure
)

func (k Kind) String() string {
	switch k {
	case KindTransientTransport:
		return "transient_transport"
	case KindProtocolDivergence:
		return "protocol_divergence"
	case KindStoreCorruption:
		return "store_corruption"
	case KindQuorumLoss:
		return "quorum_loss"
	case KindRollbackFailure:
		return "rollback_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the recovery policy for this kind is to
// retry the operation, possibly after backoff, rather than escalate.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientTransport, KindQuorumLoss:
		return true
	default:
		return false
	}
}

// Error is the structured error carried across the replication core: a
// machine-checkable Kind, a human message, optional detail, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail returns a copy of e with Detail set.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithCause returns a copy of e with Cause set.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Is implements Kind-based matching for errors.Is: two *Error values
// match if their Kind matches, regardless of message, detail, or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if stderrors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// TransientTransport constructs a KindTransientTransport error.
func TransientTransport(message string, cause error) *Error {
	return &Error{Kind: KindTransientTransport, Message: message, Cause: cause}
}

// ProtocolDivergence constructs a KindProtocolDivergence error.
func ProtocolDivergence(message string) *Error {
	return &Error{Kind: KindProtocolDivergence, Message: message}
}

// StoreCorruption constructs a KindStoreCorruption error.
func StoreCorruption(message string, cause error) *Error {
	return &Error{Kind: KindStoreCorruption, Message: message, Cause: cause}
}

// QuorumLoss constructs a KindQuorumLoss error.
func QuorumLoss(message string) *Error {
	return &Error{Kind: KindQuorumLoss, Message: message}
}

// RollbackFailure constructs a KindRollbackFailure error.
func RollbackFailure(message string, cause error) *Error {
	return &Error{Kind: KindRollbackFailure, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err should be retried per its Kind's
// recovery policy. Non-*Error values are treated as non-retryable.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Retryable()
}

