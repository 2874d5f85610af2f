// SPDX-License-Identifier: Apache-2.0

package maker

import (
	"time"

	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/channel"
)

// Phase is the position of a maker in the channel lifecycle.
type Phase int

const (
	Uninitialized Phase = iota
	Escrowed
	AwaitingCounterparty
	// Established is also the phase in which the maker awaits a payment.
	Established
	AwaitingRevocation
)

var phaseNames = [...]string{
	Uninitialized:        "uninitialized",
	Escrowed:             "escrowed",
	AwaitingCounterparty: "awaiting_counterparty",
	Established:          "established",
	AwaitingRevocation:   "awaiting_revocation",
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
	return errors.Errorf("unknown maker phase %q", text)
}

type (
	// State is everything a maker persists.
	State struct {
		Chain           string                    `json:"chain"`
		ChannelID       string                    `json:"channel_id,omitempty"`
		Token           channel.Token             `json:"channel_token"`
		Channel         channel.State             `json:"channel_state"`
		Secret          chancrypto.MerchantSecret `json:"merchant_secret"`
		InitialMargin   int64                     `json:"initial_margin"`
		OrderSize       *int64                    `json:"order_size,omitempty"`
		AvailableMargin int64                     `json:"available_margin"`
		Market          channel.MarketData        `json:"market_data"`
		Phase           Phase                     `json:"phase"`
		// LastPeriod is the last price period the taker settled.
		LastPeriod uint64 `json:"last_period,omitempty"`
		Round      *Round `json:"round,omitempty"`
		// Expired is the last round reverted for want of a revocation. A late
		// revocation for it reinstates the round.
		Expired *Round `json:"expired,omitempty"`
		// Revoked is the last verified revocation and its answer, replayed
		// when the taker repeats the request.
		Revoked *Revocation `json:"revoked,omitempty"`
	}

	// Round is a payment that was answered with a close token but whose
	// revocation has not arrived. It holds what is needed to undo it.
	Round struct {
		Amount        int64                     `json:"amount"`
		Period        uint64                    `json:"period"`
		Settled       uint64                    `json:"settled"`
		Deadline      time.Time                 `json:"deadline"`
		Secret        chancrypto.MerchantSecret `json:"secret"`
		PrevSecret    chancrypto.MerchantSecret `json:"prev_secret"`
		PrevAvailable int64                     `json:"prev_available"`
		PrevSettled   uint64                    `json:"prev_settled"`
		PrevPeriod    uint64                    `json:"prev_period"`
	}

	Revocation struct {
		RevokeToken channel.RevokeToken `json:"revoke_token"`
		PayToken    channel.PayToken    `json:"pay_token"`
	}
)

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.Token = s.Token.Clone()
	c.Secret = append(chancrypto.MerchantSecret(nil), s.Secret...)
	if s.OrderSize != nil {
		size := *s.OrderSize
		c.OrderSize = &size
	}
	c.Market = cloneMarket(s.Market)
	c.Round = s.Round.clone()
	c.Expired = s.Expired.clone()
	if s.Revoked != nil {
		c.Revoked = &Revocation{
			RevokeToken: append(channel.RevokeToken(nil), s.Revoked.RevokeToken...),
			PayToken:    append(channel.PayToken(nil), s.Revoked.PayToken...),
		}
	}
	return c
}

func (r *Round) clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	c.Secret = append(chancrypto.MerchantSecret(nil), r.Secret...)
	c.PrevSecret = append(chancrypto.MerchantSecret(nil), r.PrevSecret...)
	return &c
}

func cloneMarket(m channel.MarketData) channel.MarketData {
	c := m
	if m.Latest != nil {
		l := *m.Latest
		c.Latest = &l
	}
	if m.Previous != nil {
		p := *m.Previous
		c.Previous = &p
	}
	return c
}
