// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"perun.network/perun-perp-backend/wallet"
)

// Cryptographic artifacts produced by the channel cryptography library. They
// are opaque to the engines and travel as base64 in JSON.
type (
	Commitment      []byte
	CommitmentProof []byte
	CloseToken      []byte
	PayToken        []byte
	RevokeToken     []byte
	CloseMessage    []byte

	// PaymentProof proves a payment of Amount from the current wallet.
	PaymentProof struct {
		Amount int64  `json:"amount"`
		Proof  []byte `json:"proof"`
	}
)

type (
	OpenChannelRequest struct {
		MerchantPublicKey   wallet.Address  `json:"merchant_public_key"`
		CustomerPublicKey   wallet.Address  `json:"customer_public_key"`
		RootCommitment      Commitment      `json:"root_commitment"`
		RootCommitmentProof CommitmentProof `json:"root_commitment_proof"`
		Margin              int64           `json:"margin"`
		OrderSize           int64           `json:"order_size"`
	}

	OpenChannelResponse struct {
		ChannelID  string     `json:"channel_id"`
		CloseToken CloseToken `json:"close_token"`
		PayToken   PayToken   `json:"pay_token"`
	}

	// PaymentRequest settles the price period Period, the Seq of the
	// taker's latest snapshot.
	PaymentRequest struct {
		ChannelID    string       `json:"channel_id"`
		Period       uint64       `json:"period"`
		PaymentProof PaymentProof `json:"payment_proof"`
	}

	PaymentResponse struct {
		CloseToken CloseToken `json:"close_token"`
	}

	GeneratePaymentTokenRequest struct {
		ChannelID   string      `json:"channel_id"`
		RevokeToken RevokeToken `json:"revoke_token"`
	}

	GeneratePaymentTokenResponse struct {
		PaymentToken PayToken `json:"payment_token"`
	}

	// OrderRequest asks the taker to fill the pool MakerOrderID on Chain.
	OrderRequest struct {
		InitialMargin int64  `json:"initial_margin"`
		OrderSize     int64  `json:"order_size"`
		MakerOrderID  string `json:"maker_order_id"`
		Chain         string `json:"chain"`
	}

	MarketDataUpdate struct {
		AssetPriceUSD int64 `json:"asset_price_usd"`
	}
)
