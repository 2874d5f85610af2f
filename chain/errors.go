// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrChainUnavailable is returned when no client is configured for a
	// chain name.
	ErrChainUnavailable = errors.New("chain not available")
	// ErrTxFailed is the cause of an Error for a rejected transaction.
	ErrTxFailed = errors.New("transaction failed")
	// ErrUnknownKind is returned for a chain kind without factory.
	ErrUnknownKind = errors.New("unknown chain kind")
)

// Error is a failed call to a chain. Detail holds the message of the ledger.
type Error struct {
	Chain  string
	Op     string
	Detail string
	Err    error
}

// NewError wraps err as an Error of op on chain.
func NewError(chain, op string, err error) *Error {
	return &Error{Chain: chain, Op: op, Detail: err.Error(), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain %s: %s: %s", e.Chain, e.Op, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// IsChainError reports whether err is or wraps an Error.
func IsChainError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
