// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotInitialized      = errors.New("engine not initialized")
	ErrWrongPhase          = errors.New("operation not allowed in current phase")
	ErrEstablishmentFailed = errors.New("channel establishment failed")
	ErrSettlementMismatch  = errors.New("settlement amount mismatch")
	ErrInvalidRevocation   = errors.New("invalid revoke token")
	ErrInvalidPaymentToken = errors.New("invalid payment token")
	ErrInvalidCloseToken   = errors.New("invalid close token")
	ErrInvalidPayment      = errors.New("invalid payment proof")
	ErrRoundInProgress     = errors.New("payment round in progress")

	ErrMissingMarketData = errors.New("missing market data")
	ErrInvalidMarketData = errors.New("invalid market data")
	ErrPaymentOverflow   = errors.New("payment does not fit int64")
	ErrNoPendingPayment  = errors.New("no pending payment")
	ErrNoRevokeToken     = errors.New("no revoke token")
	ErrPeriodSettled     = errors.New("price period already settled")

	ErrTokenFrozen     = errors.New("channel token already bound to another customer")
	ErrCustomerUnbound = errors.New("customer key not bound")
	ErrInvalidID       = errors.New("invalid channel id")
)

// codes names the sentinels on the wire.
var codes = []struct {
	code string
	err  error
}{
	{"not_initialized", ErrNotInitialized},
	{"wrong_phase", ErrWrongPhase},
	{"establishment_failed", ErrEstablishmentFailed},
	{"settlement_mismatch", ErrSettlementMismatch},
	{"invalid_revocation", ErrInvalidRevocation},
	{"invalid_payment_token", ErrInvalidPaymentToken},
	{"invalid_close_token", ErrInvalidCloseToken},
	{"invalid_payment", ErrInvalidPayment},
	{"round_in_progress", ErrRoundInProgress},
	{"missing_market_data", ErrMissingMarketData},
	{"invalid_market_data", ErrInvalidMarketData},
	{"payment_overflow", ErrPaymentOverflow},
	{"no_pending_payment", ErrNoPendingPayment},
	{"no_revoke_token", ErrNoRevokeToken},
	{"period_settled", ErrPeriodSettled},
	{"token_frozen", ErrTokenFrozen},
	{"customer_unbound", ErrCustomerUnbound},
	{"invalid_id", ErrInvalidID},
}

// Code returns the wire name of the sentinel err wraps, or "" if there is
// none.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromCode returns the sentinel named code, or nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

type (
	// ProtocolError is a verification failure caused by the counter-party.
	// The engine that returned it kept its last-good state.
	ProtocolError struct {
		Cause error
		Msg   string
	}

	// PreconditionError is a local sequencing failure, for example a payment
	// requested before two price snapshots arrived.
	PreconditionError struct {
		Cause error
		Msg   string
	}

	// SettlementMismatch is returned when the amount claimed by the taker
	// differs from the amount the maker computed.
	SettlementMismatch struct {
		Expected int64
		Claimed  int64
	}
)

// Protocol wraps cause as a ProtocolError.
func Protocol(cause error, msg string) error {
	return errors.WithStack(&ProtocolError{Cause: cause, Msg: msg})
}

// Precondition wraps cause as a PreconditionError.
func Precondition(cause error, msg string) error {
	return errors.WithStack(&PreconditionError{Cause: cause, Msg: msg})
}

// IsProtocolError reports whether err was caused by the counter-party.
func IsProtocolError(err error) bool {
	var p *ProtocolError
	return errors.As(err, &p)
}

// IsPrecondition reports whether err is a local sequencing failure.
func IsPrecondition(err error) bool {
	var p *PreconditionError
	return errors.As(err, &p)
}

func (e *ProtocolError) Error() string {
	return joinMsg(e.Msg, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

func (e *PreconditionError) Error() string {
	return joinMsg(e.Msg, e.Cause)
}

func (e *PreconditionError) Unwrap() error { return e.Cause }

func (e *SettlementMismatch) Error() string {
	return fmt.Sprintf("%v: expected %d, claimed %d", ErrSettlementMismatch, e.Expected, e.Claimed)
}

// Is makes errors.Is(err, ErrSettlementMismatch) hold.
func (e *SettlementMismatch) Is(target error) bool {
	return target == ErrSettlementMismatch
}

func joinMsg(msg string, cause error) string {
	switch {
	case cause == nil:
		return msg
	case msg == "":
		return cause.Error()
	default:
		return cause.Error() + ": " + msg
	}
}
