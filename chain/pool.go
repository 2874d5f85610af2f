// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/channel"
)

type (
	// Pool is a merchant pool together with the id the contract files it
	// under.
	Pool struct {
		ID string `json:"id"`
		MerchantPool
	}

	// MerchantPool is the chain view of one maker's liquidity.
	MerchantPool struct {
		Total             int64           `json:"total"`
		Available         int64           `json:"available"`
		MerchantPublicKey string          `json:"merchant_public_key"`
		State             channel.State   `json:"channel_state"`
		Token             channel.Token   `json:"channel_token"`
		Escrows           []EscrowAccount `json:"escrows"`
	}

	// EscrowAccount is one customer fill of a pool.
	EscrowAccount struct {
		Amount            int64  `json:"amount"`
		Customer          string `json:"customer"`
		CustomerPublicKey string `json:"customer_public_key"`
		WalletCommitment  []byte `json:"wallet_commit"`
	}

	// PoolRecord is the contract storage form of a pool. The channel state
	// and token are base64 encoded JSON blobs.
	PoolRecord struct {
		ID                string          `json:"id"`
		Total             int64           `json:"total"`
		Available         int64           `json:"available"`
		MerchantPublicKey string          `json:"merchant_public_key"`
		ChannelState      string          `json:"channel_state"`
		ChannelToken      string          `json:"channel_token"`
		Escrows           []EscrowAccount `json:"escrows"`
	}

	// LiquidityPayload is the argument of escrow_liquidity.
	LiquidityPayload struct {
		MerchantPublicKey string `json:"merchant_public_key"`
		ChannelState      string `json:"channel_state"`
		ChannelToken      string `json:"channel_token"`
	}

	// FillPayload is the argument of escrow_fill.
	FillPayload struct {
		MerchantIdentifier string `json:"merchant_identifier"`
		CustomerPublicKey  string `json:"customer_public_key"`
		WalletCommitment   string `json:"wallet_commitment"`
	}

	// ClosePayload is the argument of close_escrow.
	ClosePayload struct {
		MerchantIdentifier string `json:"merchant_identifier"`
		CloseMessage       string `json:"close_message"`
	}
)

// EncodeBlob returns v as base64 encoded JSON.
func EncodeBlob(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeBlob reverses EncodeBlob.
func DecodeBlob(blob string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return errors.Wrap(err, "decoding base64 blob")
	}
	return errors.Wrap(json.Unmarshal(raw, v), "decoding json blob")
}

// Decode turns the storage form into a pool.
func (r PoolRecord) Decode() (Pool, error) {
	p := Pool{
		ID: r.ID,
		MerchantPool: MerchantPool{
			Total:             r.Total,
			Available:         r.Available,
			MerchantPublicKey: r.MerchantPublicKey,
			Escrows:           r.Escrows,
		},
	}
	if err := DecodeBlob(r.ChannelState, &p.State); err != nil {
		return p, errors.WithMessagef(err, "pool %s: channel state", r.ID)
	}
	if err := DecodeBlob(r.ChannelToken, &p.Token); err != nil {
		return p, errors.WithMessagef(err, "pool %s: channel token", r.ID)
	}
	return p, nil
}

// DecodePools parses the result of show_liquidity.
func DecodePools(raw []byte) ([]Pool, error) {
	var records []PoolRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, errors.Wrap(err, "decoding pools")
	}
	pools := make([]Pool, 0, len(records))
	for _, r := range records {
		p, err := r.Decode()
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// NewLiquidityPayload builds the escrow_liquidity argument of an offer.
func NewLiquidityPayload(o Offer) (LiquidityPayload, error) {
	st, err := EncodeBlob(o.State)
	if err != nil {
		return LiquidityPayload{}, err
	}
	tok, err := EncodeBlob(o.Token)
	if err != nil {
		return LiquidityPayload{}, err
	}
	return LiquidityPayload{
		MerchantPublicKey: o.MerchantPublicKey.String(),
		ChannelState:      st,
		ChannelToken:      tok,
	}, nil
}
