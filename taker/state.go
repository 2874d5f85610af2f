// SPDX-License-Identifier: Apache-2.0

package taker

import (
	"time"

	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/channel"
)

// Phase is the position of a taker in the channel lifecycle.
type Phase int

const (
	Uninitialized Phase = iota
	ProofGenerated
	AwaitingEstablishment
	Established
	PaymentSent
	RevocationPending
	PaymentTokenPending
)

var phaseNames = [...]string{
	Uninitialized:         "uninitialized",
	ProofGenerated:        "proof_generated",
	AwaitingEstablishment: "awaiting_establishment",
	Established:           "established",
	PaymentSent:           "payment_sent",
	RevocationPending:     "revocation_pending",
	PaymentTokenPending:   "payment_token_pending",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, n := range phaseNames {
		if n == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return errors.Errorf("unknown taker phase %q", text)
}

type (
	// State is everything a taker persists. Pending and RevokeToken are
	// never set at the same time.
	State struct {
		PoolID              string                    `json:"pool_id"`
		Chain               string                    `json:"chain"`
		ChannelID           string                    `json:"channel_id"`
		Token               channel.Token             `json:"channel_token"`
		Channel             channel.State             `json:"channel_state"`
		Secret              chancrypto.CustomerSecret `json:"customer_secret"`
		RootCommitment      channel.Commitment        `json:"root_commitment"`
		RootCommitmentProof channel.CommitmentProof   `json:"root_commitment_proof"`
		InitialMargin       int64                     `json:"initial_margin"`
		OrderSize           int64                     `json:"order_size"`
		AvailableMargin     int64                     `json:"available_margin"`
		Pending             *Pending                  `json:"pending,omitempty"`
		RevokeToken         channel.RevokeToken       `json:"revoke_token,omitempty"`
		Market              channel.MarketData        `json:"market_data"`
		Phase               Phase                     `json:"phase"`
		// LastError is the last establishment failure. It is set while the
		// fill is locked on chain but the maker did not open the channel.
		LastError string `json:"last_error,omitempty"`
	}

	// Pending is a payment that was sent but not yet answered.
	Pending struct {
		Secret chancrypto.CustomerSecret `json:"secret"`
		Amount int64                     `json:"amount"`
		Period uint64                    `json:"period"`
		Sent   time.Time                 `json:"sent"`
	}
)

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.Token = s.Token.Clone()
	c.Secret = append(chancrypto.CustomerSecret(nil), s.Secret...)
	c.RootCommitment = append(channel.Commitment(nil), s.RootCommitment...)
	c.RootCommitmentProof = append(channel.CommitmentProof(nil), s.RootCommitmentProof...)
	if s.Pending != nil {
		p := *s.Pending
		p.Secret = append(chancrypto.CustomerSecret(nil), s.Pending.Secret...)
		c.Pending = &p
	}
	if s.RevokeToken != nil {
		c.RevokeToken = append(channel.RevokeToken(nil), s.RevokeToken...)
	}
	if s.Market.Latest != nil {
		l := *s.Market.Latest
		c.Market.Latest = &l
	}
	if s.Market.Previous != nil {
		p := *s.Market.Previous
		c.Market.Previous = &p
	}
	return c
}
