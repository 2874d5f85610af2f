// SPDX-License-Identifier: Apache-2.0

// Package chancrypto defines the capability the protocol engines need from a
// channel cryptography library. Secrets are opaque blobs: every mutating call
// returns a new blob and leaves its input untouched, so an engine can keep the
// last-good blob and revert to it when a round fails.
package chancrypto

import (
	"io"

	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/wallet"
)

type (
	// MerchantSecret is the maker side secret channel material.
	MerchantSecret []byte
	// CustomerSecret is the taker side secret channel material.
	CustomerSecret []byte

	// Library produces and validates commitments, proofs and tokens.
	Library interface {
		// NewMerchant creates the channel token and merchant secret for a new
		// liquidity offer.
		NewMerchant(rng io.Reader, st channel.State) (channel.Token, MerchantSecret, error)
		// NewCustomer creates a customer secret holding a wallet with the
		// given balances. The returned key must be bound into the token.
		NewCustomer(rng io.Reader, tok channel.Token, custBal, merchBal int64) (wallet.Address, CustomerSecret, error)
		// Commit returns the commitment to the current wallet and its proof.
		Commit(cs CustomerSecret, tok channel.Token) (channel.Commitment, channel.CommitmentProof, error)

		// Establish checks the root commitment against margin and order
		// size and issues the initial close and pay tokens.
		Establish(ms MerchantSecret, tok channel.Token, com channel.Commitment, proof channel.CommitmentProof,
			margin, orderSize int64) (channel.CloseToken, channel.PayToken, MerchantSecret, error)
		// VerifyCloseToken checks and stores a close token for the current
		// wallet.
		VerifyCloseToken(cs CustomerSecret, tok channel.Token, ct channel.CloseToken) (CustomerSecret, error)
		// VerifyPayToken checks and stores a pay token for the current wallet.
		VerifyPayToken(cs CustomerSecret, tok channel.Token, pt channel.PayToken) (CustomerSecret, error)

		// Pay proves a payment of amount and returns the pending secret
		// holding the updated wallet.
		Pay(rng io.Reader, cs CustomerSecret, tok channel.Token, amount int64) (channel.PaymentProof, CustomerSecret, error)
		// VerifyPayment checks a payment proof and issues a close token for
		// the updated wallet.
		VerifyPayment(ms MerchantSecret, tok channel.Token, p channel.PaymentProof) (channel.CloseToken, MerchantSecret, error)
		// Revoke checks the close token on the pending wallet and revokes the
		// current one. The returned secret holds the pending wallet.
		Revoke(cs, pending CustomerSecret, tok channel.Token, ct channel.CloseToken) (channel.RevokeToken, CustomerSecret, error)
		// VerifyRevoke checks a revoke token and issues the pay token for the
		// wallet that replaced the revoked one.
		VerifyRevoke(ms MerchantSecret, tok channel.Token, rt channel.RevokeToken) (channel.PayToken, MerchantSecret, error)

		// CustomerClose builds the signed closing artifact of the current
		// wallet.
		CustomerClose(cs CustomerSecret, tok channel.Token) (channel.CloseMessage, error)
		// Balances returns the customer and merchant balance of the current
		// wallet.
		Balances(cs CustomerSecret) (cust, merch int64, err error)
	}
)

var (
	ErrMalformed         = errors.New("malformed artifact")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidOpening    = errors.New("commitment opening does not match")
	ErrBalanceMismatch   = errors.New("wallet balances do not match")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRevoked           = errors.New("wallet already revoked")
	ErrUnknownWallet     = errors.New("unknown wallet")
	ErrNoToken           = errors.New("missing token")
)
