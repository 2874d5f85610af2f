// SPDX-License-Identifier: Apache-2.0

// Package maker implements the liquidity provider side of a funding channel.
package maker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/channel"
)

// DefaultRoundTimeout is how long a maker waits for the revocation of a
// payment it answered.
const DefaultRoundTimeout = 30 * time.Second

type (
	// Maker is the maker protocol engine. All methods are safe for
	// concurrent use.
	Maker struct {
		log.Embedding

		mu           sync.Mutex
		lib          chancrypto.Library
		state        State
		roundTimeout time.Duration
		now          func() time.Time
	}

	// Option configures a Maker.
	Option func(*Maker)
)

// WithRoundTimeout sets the revocation deadline of a payment round.
func WithRoundTimeout(d time.Duration) Option {
	return func(m *Maker) { m.roundTimeout = d }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Maker) { m.now = now }
}

// New creates the channel token and merchant secret for an offer of margin.
func New(lib chancrypto.Library, rng io.Reader, chainName string, margin int64, opts ...Option) (*Maker, error) {
	if margin < 0 {
		return nil, errors.Errorf("negative margin %d", margin)
	}
	st := channel.NewState("perp-funding", false)
	tok, ms, err := lib.NewMerchant(rng, st)
	if err != nil {
		return nil, errors.WithMessage(err, "creating merchant")
	}
	return Restore(lib, State{
		Chain:           chainName,
		Token:           tok,
		Channel:         st,
		Secret:          ms,
		InitialMargin:   margin,
		AvailableMargin: margin,
		Phase:           Uninitialized,
	}, opts...), nil
}

// Restore wraps a previously saved state.
func Restore(lib chancrypto.Library, st State, opts ...Option) *Maker {
	m := &Maker{
		Embedding:    log.MakeEmbedding(log.WithField("maker", st.Token.MerchantKey.String())),
		lib:          lib,
		state:        st.Clone(),
		roundTimeout: DefaultRoundTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns a copy of the current state.
func (m *Maker) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Phase returns the current phase.
func (m *Maker) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

// ChannelID returns the bound channel id, if any.
func (m *Maker) ChannelID() (channel.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ChannelID == "" {
		return channel.ID{}, false
	}
	id, err := channel.ParseID(m.state.ChannelID)
	return id, err == nil
}

// Offer is the on-chain liquidity record of this maker.
func (m *Maker) Offer() chain.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return chain.Offer{
		MerchantPublicKey: m.state.Token.MerchantKey,
		State:             m.state.Channel,
		Token:             m.state.Token.Clone(),
	}
}

// MarkEscrowed records that the margin is locked on chain.
func (m *Maker) MarkEscrowed() error {
	return m.advance(Uninitialized, Escrowed)
}

// Listen makes the maker accept an open-channel request.
func (m *Maker) Listen() error {
	return m.advance(Escrowed, AwaitingCounterparty)
}

func (m *Maker) advance(from, to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == to {
		return nil
	}
	if m.state.Phase != from {
		return channel.Precondition(channel.ErrWrongPhase, m.state.Phase.String())
	}
	m.setPhase(to)
	return nil
}

// HandleOpenChannel establishes the channel with the customer of req.
func (m *Maker) HandleOpenChannel(req channel.OpenChannelRequest) (channel.OpenChannelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case AwaitingCounterparty:
	case Uninitialized, Escrowed:
		return channel.OpenChannelResponse{}, channel.Precondition(channel.ErrNotInitialized, "no published offer")
	default:
		return channel.OpenChannelResponse{}, channel.Protocol(channel.ErrWrongPhase, "channel already established")
	}
	if len(req.MerchantPublicKey) != 0 && !bytes.Equal(req.MerchantPublicKey, m.state.Token.MerchantKey) {
		return channel.OpenChannelResponse{}, channel.Protocol(channel.ErrEstablishmentFailed, "request for another merchant")
	}
	if req.OrderSize <= 0 || req.Margin < 0 {
		return channel.OpenChannelResponse{}, channel.Protocol(channel.ErrEstablishmentFailed, "invalid margin or order size")
	}

	tok := m.state.Token.Clone()
	if err := tok.BindCustomer(req.CustomerPublicKey); err != nil {
		return channel.OpenChannelResponse{}, channel.Protocol(channel.ErrEstablishmentFailed, err.Error())
	}
	id, err := tok.ComputeID()
	if err != nil {
		return channel.OpenChannelResponse{}, channel.Protocol(channel.ErrEstablishmentFailed, err.Error())
	}
	ct, pt, ms, err := m.lib.Establish(m.state.Secret, tok, req.RootCommitment, req.RootCommitmentProof, req.Margin, req.OrderSize)
	if err != nil {
		return channel.OpenChannelResponse{}, channel.Protocol(channel.ErrEstablishmentFailed, err.Error())
	}

	size := req.OrderSize
	m.state.Token = tok
	m.state.ChannelID = channel.FormatID(id)
	m.state.OrderSize = &size
	m.state.Secret = ms
	m.state.Channel.PayInit = true
	m.state.Channel.Established = true
	m.Embedding = log.MakeEmbedding(log.WithField("channel", m.state.ChannelID))
	m.setPhase(Established)

	return channel.OpenChannelResponse{ChannelID: m.state.ChannelID, CloseToken: ct, PayToken: pt}, nil
}

// HandlePayment checks the claimed amount against the own settlement, then
// verifies the proof and answers with a close token for the new wallet. Each
// price period is settled at most once.
func (m *Maker) HandlePayment(req channel.PaymentRequest) (channel.PaymentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase == AwaitingRevocation {
		if !m.deadline().IsElapsed(context.Background()) {
			return channel.PaymentResponse{}, channel.Protocol(channel.ErrRoundInProgress, "awaiting revocation")
		}
		m.revertRound()
	}
	if err := m.requireEstablished(req.ChannelID); err != nil {
		return channel.PaymentResponse{}, err
	}
	if req.Period <= m.state.LastPeriod {
		return channel.PaymentResponse{}, channel.Protocol(channel.ErrPeriodSettled, fmt.Sprintf("period %d", req.Period))
	}
	settled, err := m.state.Market.Period()
	if errors.Is(err, channel.ErrPeriodSettled) {
		return channel.PaymentResponse{}, channel.Protocol(channel.ErrPeriodSettled, "no new price")
	} else if err != nil {
		return channel.PaymentResponse{}, err
	}

	expected, err := channel.ComputePaymentFrom(m.state.Market, *m.state.OrderSize)
	if err != nil {
		return channel.PaymentResponse{}, err
	}
	if claimed := req.PaymentProof.Amount; claimed != expected {
		m.Log().Warnf("Rejecting payment of %d, expected %d", claimed, expected)
		return channel.PaymentResponse{}, channel.Protocol(
			&channel.SettlementMismatch{Expected: expected, Claimed: claimed}, "payment rejected")
	}
	ct, ms, err := m.lib.VerifyPayment(m.state.Secret, m.state.Token, req.PaymentProof)
	if err != nil {
		return channel.PaymentResponse{}, channel.Protocol(channel.ErrInvalidPayment, err.Error())
	}

	m.state.Round = &Round{
		Amount:        expected,
		Period:        req.Period,
		Settled:       settled,
		Deadline:      m.now().Add(m.roundTimeout),
		Secret:        ms,
		PrevSecret:    m.state.Secret,
		PrevAvailable: m.state.AvailableMargin,
		PrevSettled:   m.state.Market.Settled,
		PrevPeriod:    m.state.LastPeriod,
	}
	m.state.Expired = nil
	m.state.Revoked = nil
	m.apply(m.state.Round)
	m.setPhase(AwaitingRevocation)
	return channel.PaymentResponse{CloseToken: ct}, nil
}

// HandleGeneratePaymentToken completes a round: it verifies the revocation of
// the old wallet and issues the pay token for the new one. A repeated
// revocation is answered with the same pay token, and a late revocation of a
// reverted round reinstates it.
func (m *Maker) HandleGeneratePaymentToken(req channel.GeneratePaymentTokenRequest) (channel.GeneratePaymentTokenResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != AwaitingRevocation && m.state.Phase != Established {
		return channel.GeneratePaymentTokenResponse{}, channel.Protocol(channel.ErrNoPendingPayment, m.state.Phase.String())
	}
	if req.ChannelID != m.state.ChannelID {
		return channel.GeneratePaymentTokenResponse{}, channel.Protocol(channel.ErrInvalidRevocation, "unknown channel")
	}

	var r *Round
	switch {
	case m.state.Phase == AwaitingRevocation:
		r = m.state.Round
	case m.state.Revoked != nil && bytes.Equal(req.RevokeToken, m.state.Revoked.RevokeToken):
		m.Log().Debug("Replaying pay token")
		return channel.GeneratePaymentTokenResponse{
			PaymentToken: append(channel.PayToken(nil), m.state.Revoked.PayToken...),
		}, nil
	case m.state.Expired != nil:
		r = m.state.Expired
	default:
		return channel.GeneratePaymentTokenResponse{}, channel.Protocol(channel.ErrNoPendingPayment, m.state.Phase.String())
	}

	pt, ms, err := m.lib.VerifyRevoke(r.Secret, m.state.Token, req.RevokeToken)
	if err != nil {
		return channel.GeneratePaymentTokenResponse{}, channel.Protocol(channel.ErrInvalidRevocation, err.Error())
	}
	if m.state.Phase == Established {
		m.Log().Infof("Reinstating payment of %d after late revocation", r.Amount)
		m.apply(r)
	}

	m.state.Secret = ms
	m.state.Round = nil
	m.state.Expired = nil
	m.state.Revoked = &Revocation{
		RevokeToken: append(channel.RevokeToken(nil), req.RevokeToken...),
		PayToken:    append(channel.PayToken(nil), pt...),
	}
	m.setPhase(Established)
	return channel.GeneratePaymentTokenResponse{PaymentToken: pt}, nil
}

// UpdateMarketData installs a new price snapshot.
func (m *Maker) UpdateMarketData(s channel.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Market.Update(s)
}

// RoundDeadline returns the revocation deadline of the in-flight round.
func (m *Maker) RoundDeadline() (*channel.RoundDeadline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Round == nil {
		return nil, false
	}
	return m.deadline(), true
}

// ExpireRound reverts the in-flight round if its deadline passed. It reports
// whether a round was reverted.
func (m *Maker) ExpireRound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Round == nil || !m.deadline().IsElapsed(context.Background()) {
		return false
	}
	m.revertRound()
	return true
}

func (m *Maker) deadline() *channel.RoundDeadline {
	return channel.NewRoundDeadline(m.state.Round.Deadline).WithClock(m.now)
}

// apply books the settlement of r.
func (m *Maker) apply(r *Round) {
	m.state.Secret = r.Secret
	m.state.AvailableMargin = r.PrevAvailable + r.Amount
	m.state.Market.Settled = r.Settled
	m.state.LastPeriod = r.Period
}

func (m *Maker) revertRound() {
	r := m.state.Round
	m.Log().Warnf("Reverting payment of %d, no revocation before %v", r.Amount, r.Deadline)
	m.state.Secret = r.PrevSecret
	m.state.AvailableMargin = r.PrevAvailable
	m.state.Market.Settled = r.PrevSettled
	m.state.LastPeriod = r.PrevPeriod
	m.state.Expired = r
	m.state.Round = nil
	m.setPhase(Established)
}

func (m *Maker) requireEstablished(id string) error {
	switch m.state.Phase {
	case Established:
	case Uninitialized, Escrowed, AwaitingCounterparty:
		return channel.Protocol(channel.ErrNotInitialized, "channel not established")
	default:
		return channel.Protocol(channel.ErrWrongPhase, m.state.Phase.String())
	}
	if id != m.state.ChannelID {
		return channel.Protocol(channel.ErrInvalidPayment, "unknown channel "+id)
	}
	return nil
}

func (m *Maker) setPhase(p Phase) {
	m.Log().Debugf("Phase %v -> %v", m.state.Phase, p)
	m.state.Phase = p
}
