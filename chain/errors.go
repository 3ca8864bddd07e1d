// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
)

// ErrorKind decides how a failure propagates through the controller.
type ErrorKind uint8

const (
	// Recoverable failures fail the transaction and are kept in its trace.
	Recoverable ErrorKind = iota
	// Guard failures abort the whole operation and are returned to the caller.
	Guard
	// BlockValidation failures reject a block.
	BlockValidation
	// SchemaValidation failures come from an invalid contract schema.
	SchemaValidation
)

func (k ErrorKind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case Guard:
		return "guard"
	case BlockValidation:
		return "block validation"
	case SchemaValidation:
		return "schema validation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is a classified controller failure. Errors match when their codes
// match, so a wrapped sentinel is found by errors.Is.
type Error struct {
	Kind   ErrorKind
	Code   uint64
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Detail
	case e.Detail == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(kind ErrorKind, code uint64, detail string) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail}
}

// wrap returns [sentinel] with a formatted detail.
func wrap(sentinel *Error, format string, args ...interface{}) error {
	return &Error{
		Kind:   sentinel.Kind,
		Code:   sentinel.Code,
		Detail: fmt.Sprintf("%s: %s", sentinel.Detail, fmt.Sprintf(format, args...)),
	}
}

// withKind classifies [err] under [sentinel] keeping the cause.
func withKind(sentinel *Error, err error) error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Detail: sentinel.Detail, Err: err}
}

var (
	ErrSecondNestedTx        = newError(Recoverable, 3040020, "only one nested transaction can be sent and nested transactions can't send one")
	ErrNotPrivilegedNestedTx = newError(Recoverable, 3040021, "only privileged contracts can send nested transactions")
	ErrNestedContextFree     = newError(Recoverable, 3040022, "context free actions are not allowed in nested transactions")
	ErrDeferredNested        = newError(Recoverable, 3040023, "deferred transactions can't send nested transactions")
	ErrNestedDelay           = newError(Recoverable, 3040024, "nested transactions can't be delayed")

	ErrTxDuplicate       = newError(Recoverable, 3040008, "duplicate transaction")
	ErrMissingAuth       = newError(Recoverable, 3090004, "missing required authority")
	ErrIrrelevantSig     = newError(Recoverable, 3090005, "transaction includes signatures that are not required")
	ErrInvalidDelay      = newError(Recoverable, 3040015, "transaction delay exceeds the maximum")
	ErrExpiredTx         = newError(Recoverable, 3040005, "expired transaction")
	ErrTxExpTooFar       = newError(Recoverable, 3040006, "transaction expiration is too far in the future")
	ErrTaPoS             = newError(Recoverable, 3040007, "transaction references an unknown block")
	ErrDeadlineExceeded  = newError(Recoverable, 3080004, "transaction deadline exceeded")
	ErrResourceExhausted = newError(Recoverable, 3080001, "transaction exceeded a resource limit")
	ErrTxNotReady        = newError(Recoverable, 3040013, "scheduled transaction is not ready")
	ErrUnknownScheduled  = newError(Recoverable, 3040012, "unknown scheduled transaction")
	ErrDeferredDuplicate = newError(Recoverable, 3040014, "deferred transaction with the same sender id exists")
	ErrActionValidate    = newError(Recoverable, 3050003, "action validation failed")
	ErrUnknownAccount    = newError(Recoverable, 3060002, "unknown account")
	ErrAssertion         = newError(Recoverable, 3050001, "assertion failure")
	ErrWasm              = newError(Recoverable, 3070000, "wasm execution failed")

	ErrBlockValidate    = newError(BlockValidation, 3030000, "block validation failed")
	ErrUnlinkableBlock  = newError(BlockValidation, 3030001, "unlinkable block")
	ErrForkDatabase     = newError(BlockValidation, 3020000, "fork database error")
	ErrInvalidSignature = newError(BlockValidation, 3030002, "block is not signed by the scheduled producer")

	ErrPendingExists = newError(Guard, 3100001, "pending block already exists")
	ErrNoPending     = newError(Guard, 3100002, "no pending block")
	ErrGuard         = newError(Guard, 3060000, "guard exception")
)

// KindOf classifies [err].
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if abi.IsSchemaError(err) {
		return SchemaValidation
	}
	return Recoverable
}

// IsSubjective reports whether [err] depends on the node that executed the
// transaction rather than on the transaction itself.
func IsSubjective(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded) || KindOf(err) == Guard
}
