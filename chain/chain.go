// SPDX-License-Identifier: Apache-2.0

// Package chain abstracts the ledgers that hold channel escrow. Each ledger
// family provides the four Ledger primitives; EscrowClient turns them into
// the escrow operations the daemon needs.
package chain

import (
	"context"

	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/wallet"
)

// Escrow contract methods.
const (
	MethodEscrowLiquidity = "escrow_liquidity"
	MethodEscrowFill      = "escrow_fill"
	MethodCloseEscrow     = "close_escrow"
	MethodShowLiquidity   = "show_liquidity"
)

type (
	// Client is the escrow capability of one chain.
	Client interface {
		// Name returns the configured chain name.
		Name() string
		// EscrowLiquidity locks amount as liquidity for offer.
		EscrowLiquidity(ctx context.Context, offer Offer, amount int64) (Receipt, error)
		// EscrowFill locks amount against the pool of merchant.
		EscrowFill(ctx context.Context, fill Fill, merchant string, amount int64) (Receipt, error)
		// ListLiquidityPools returns the pools in contract order.
		ListLiquidityPools(ctx context.Context) ([]Pool, error)
		// CloseEscrow submits a customer close message for merchant's pool.
		CloseEscrow(ctx context.Context, merchant string, msg channel.CloseMessage) (Receipt, error)
	}

	// Receipt confirms a finalized transaction.
	Receipt struct {
		Chain  string `json:"chain"`
		TxHash string `json:"tx_hash"`
		Result string `json:"result,omitempty"`
	}

	// Offer is the public part of a maker that is published with its
	// liquidity.
	Offer struct {
		MerchantPublicKey wallet.Address
		State             channel.State
		Token             channel.Token
	}

	// Fill is the public part of a taker that is published with its fill.
	Fill struct {
		CustomerPublicKey wallet.Address
		WalletCommitment  channel.Commitment
	}
)

// PoolID returns the identifier under which the escrow contract files an
// offer.
func (o Offer) PoolID() string {
	return o.MerchantPublicKey.String()
}
