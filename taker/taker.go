// SPDX-License-Identifier: Apache-2.0

// Package taker implements the position holder side of a funding channel.
package taker

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/channel"
)

// Taker is the taker protocol engine. All methods are safe for concurrent
// use.
type Taker struct {
	log.Embedding

	mu    sync.Mutex
	lib   chancrypto.Library
	rng   io.Reader
	state State
	now   func() time.Time
}

// New binds a fresh customer wallet holding margin against orderSize into
// tok and commits to it.
func New(lib chancrypto.Library, rng io.Reader, margin, orderSize int64, st channel.State, tok channel.Token) (*Taker, error) {
	if margin < 0 || orderSize <= 0 {
		return nil, errors.Errorf("invalid margin %d or order size %d", margin, orderSize)
	}
	tok = tok.Clone()
	pk, cs, err := lib.NewCustomer(rng, tok, margin, orderSize)
	if err != nil {
		return nil, errors.WithMessage(err, "creating customer")
	}
	if err := tok.BindCustomer(pk); err != nil {
		return nil, channel.Precondition(err, "binding customer key")
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, err
	}
	com, proof, err := lib.Commit(cs, tok)
	if err != nil {
		return nil, errors.WithMessage(err, "committing to wallet")
	}

	return Restore(lib, rng, State{
		ChannelID:           channel.FormatID(id),
		Token:               tok,
		Channel:             st,
		Secret:              cs,
		RootCommitment:      com,
		RootCommitmentProof: proof,
		InitialMargin:       margin,
		OrderSize:           orderSize,
		AvailableMargin:     margin,
		Phase:               ProofGenerated,
	}), nil
}

// Restore wraps a previously saved state.
func Restore(lib chancrypto.Library, rng io.Reader, st State) *Taker {
	return &Taker{
		Embedding: log.MakeEmbedding(log.WithField("channel", st.ChannelID)),
		lib:       lib,
		rng:       rng,
		state:     st.Clone(),
		now:       time.Now,
	}
}

// Bind records the pool and chain the taker fills.
func (t *Taker) Bind(poolID, chainName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.PoolID = poolID
	t.state.Chain = chainName
}

// Snapshot returns a copy of the current state.
func (t *Taker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// Phase returns the current phase.
func (t *Taker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Phase
}

// ChannelID returns the id of the channel.
func (t *Taker) ChannelID() channel.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, _ := channel.ParseID(t.state.ChannelID)
	return id
}

// Fill is the on-chain record that locks the customer margin.
func (t *Taker) Fill() chain.Fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	return chain.Fill{
		CustomerPublicKey: t.state.Token.CustomerKey,
		WalletCommitment:  t.state.RootCommitment,
	}
}

// MarkFilled records that the fill escrow is confirmed.
func (t *Taker) MarkFilled() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state.Phase {
	case AwaitingEstablishment:
		return nil
	case ProofGenerated:
		t.setPhase(AwaitingEstablishment)
		return nil
	default:
		return channel.Precondition(channel.ErrWrongPhase, t.state.Phase.String())
	}
}

// BuildOpenChannelRequest returns the request for the maker.
func (t *Taker) BuildOpenChannelRequest() (channel.OpenChannelRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Phase == Uninitialized {
		return channel.OpenChannelRequest{}, channel.Precondition(channel.ErrNotInitialized, "no root commitment")
	}
	return channel.OpenChannelRequest{
		MerchantPublicKey:   t.state.Token.MerchantKey,
		CustomerPublicKey:   t.state.Token.CustomerKey,
		RootCommitment:      t.state.RootCommitment,
		RootCommitmentProof: t.state.RootCommitmentProof,
		Margin:              t.state.InitialMargin,
		OrderSize:           t.state.OrderSize,
	}, nil
}

// AcceptOpenChannelResponse verifies the initial close and pay tokens.
func (t *Taker) AcceptOpenChannelResponse(resp channel.OpenChannelResponse) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Phase != AwaitingEstablishment {
		return channel.Precondition(channel.ErrWrongPhase, t.state.Phase.String())
	}
	if resp.ChannelID != "" && resp.ChannelID != t.state.ChannelID {
		return channel.Protocol(channel.ErrEstablishmentFailed, "channel id "+resp.ChannelID)
	}
	cs, err := t.lib.VerifyCloseToken(t.state.Secret, t.state.Token, resp.CloseToken)
	if err != nil {
		return channel.Protocol(channel.ErrEstablishmentFailed, err.Error())
	}
	if cs, err = t.lib.VerifyPayToken(cs, t.state.Token, resp.PayToken); err != nil {
		return channel.Protocol(channel.ErrEstablishmentFailed, err.Error())
	}

	t.state.Secret = cs
	t.state.Channel.PayInit = true
	t.state.Channel.Established = true
	t.state.LastError = ""
	t.setPhase(Established)
	return nil
}

// RecordFailure keeps err as the reason the channel is not established yet.
// It only applies while the fill awaits establishment.
func (t *Taker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Phase != AwaitingEstablishment || err == nil {
		return
	}
	t.state.LastError = err.Error()
}

// Due reports whether a payment round can make progress: a new price period
// is unsettled or a revocation still waits for its pay token.
func (t *Taker) Due() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state.Phase {
	case RevocationPending, PaymentTokenPending:
		return true
	case Established:
		_, err := t.state.Market.Period()
		return err == nil
	default:
		return false
	}
}

// BuildPaymentRequest computes the payment of the current period and proves
// it. The new wallet is held as pending until the maker answers.
func (t *Taker) BuildPaymentRequest() (channel.PaymentRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Phase != Established {
		return channel.PaymentRequest{}, channel.Precondition(channel.ErrWrongPhase, t.state.Phase.String())
	}
	period, err := t.state.Market.Period()
	if err != nil {
		return channel.PaymentRequest{}, err
	}
	amount, err := channel.ComputePaymentFrom(t.state.Market, t.state.OrderSize)
	if err != nil {
		return channel.PaymentRequest{}, err
	}
	proof, pending, err := t.lib.Pay(t.rng, t.state.Secret, t.state.Token, amount)
	if err != nil {
		return channel.PaymentRequest{}, channel.Precondition(err, "proving payment")
	}

	t.state.Pending = &Pending{Secret: pending, Amount: amount, Period: period, Sent: t.now()}
	t.setPhase(PaymentSent)
	return channel.PaymentRequest{ChannelID: t.state.ChannelID, Period: period, PaymentProof: proof}, nil
}

// AcceptPaymentResponse checks the close token on the pending wallet and
// revokes the previous one. The pending wallet becomes current.
func (t *Taker) AcceptPaymentResponse(resp channel.PaymentResponse) (channel.RevokeToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Pending == nil {
		return nil, channel.Precondition(channel.ErrNoPendingPayment, t.state.Phase.String())
	}
	rt, cs, err := t.lib.Revoke(t.state.Secret, t.state.Pending.Secret, t.state.Token, resp.CloseToken)
	if err != nil {
		return nil, channel.Protocol(channel.ErrInvalidCloseToken, err.Error())
	}

	t.state.Secret = cs
	t.state.AvailableMargin -= t.state.Pending.Amount
	t.state.Market.Settled = t.state.Pending.Period
	t.state.Pending = nil
	t.state.RevokeToken = rt
	t.setPhase(RevocationPending)
	return append(channel.RevokeToken(nil), rt...), nil
}

// BuildGeneratePaymentTokenRequest hands the revocation to the maker.
func (t *Taker) BuildGeneratePaymentTokenRequest() (channel.GeneratePaymentTokenRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.RevokeToken == nil {
		return channel.GeneratePaymentTokenRequest{}, channel.Precondition(channel.ErrNoRevokeToken, t.state.Phase.String())
	}
	if t.state.Phase == RevocationPending {
		t.setPhase(PaymentTokenPending)
	}
	return channel.GeneratePaymentTokenRequest{
		ChannelID:   t.state.ChannelID,
		RevokeToken: append(channel.RevokeToken(nil), t.state.RevokeToken...),
	}, nil
}

// AcceptPaymentTokenResponse verifies the pay token for the current wallet
// and completes the round.
func (t *Taker) AcceptPaymentTokenResponse(resp channel.GeneratePaymentTokenResponse) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.RevokeToken == nil {
		return channel.Precondition(channel.ErrNoRevokeToken, t.state.Phase.String())
	}
	cs, err := t.lib.VerifyPayToken(t.state.Secret, t.state.Token, resp.PaymentToken)
	if err != nil {
		return channel.Protocol(channel.ErrInvalidPaymentToken, err.Error())
	}

	t.state.Secret = cs
	t.state.RevokeToken = nil
	t.setPhase(Established)
	return nil
}

// AbandonPayment drops an unanswered payment and keeps the last agreed
// wallet. A round that already revoked its old wallet cannot be dropped; it
// falls back to RevocationPending so the token request can be retried.
func (t *Taker) AbandonPayment() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state.Pending != nil:
		t.Log().Warnf("Abandoning payment of %d", t.state.Pending.Amount)
		t.state.Pending = nil
		t.setPhase(Established)
		return true
	case t.state.Phase == PaymentTokenPending:
		t.setPhase(RevocationPending)
	}
	return false
}

// BuildCloseMessage signs the closing artifact of the last agreed wallet.
func (t *Taker) BuildCloseMessage() (channel.CloseMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Phase < Established {
		return nil, channel.Precondition(channel.ErrWrongPhase, t.state.Phase.String())
	}
	return t.lib.CustomerClose(t.state.Secret, t.state.Token)
}

// UpdateMarketData installs a new price snapshot.
func (t *Taker) UpdateMarketData(s channel.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Market.Update(s)
}

func (t *Taker) setPhase(p Phase) {
	t.Log().Debugf("Phase %v -> %v", t.state.Phase, p)
	t.state.Phase = p
}
