// SPDX-License-Identifier: Apache-2.0

package taker_test

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-perp-backend/chancrypto/edlib"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/maker"
	"perun.network/perun-perp-backend/taker"
)

type pair struct {
	m  *maker.Maker
	tk *taker.Taker
}

func newPair(t *testing.T) *pair {
	t.Helper()
	rng := ptest.Prng(t)
	var lib edlib.Library

	m, err := maker.New(lib, rng, "cosmos", 1000)
	require.NoError(t, err)
	require.NoError(t, m.MarkEscrowed())
	require.NoError(t, m.Listen())

	offer := m.Offer()
	tk, err := taker.New(lib, rng, 1000, 500, offer.State, offer.Token)
	require.NoError(t, err)
	tk.Bind(offer.PoolID(), "cosmos")
	return &pair{m: m, tk: tk}
}

func (p *pair) establish(t *testing.T) {
	t.Helper()
	require.NoError(t, p.tk.MarkFilled())
	req, err := p.tk.BuildOpenChannelRequest()
	require.NoError(t, err)
	resp, err := p.m.HandleOpenChannel(req)
	require.NoError(t, err)
	require.NoError(t, p.tk.AcceptOpenChannelResponse(resp))
}

func (p *pair) prices(prev, cur int64) {
	for _, price := range []int64{prev, cur} {
		s := channel.Snapshot{Price: price}
		p.m.UpdateMarketData(s)
		p.tk.UpdateMarketData(s)
	}
}

func (p *pair) round(t *testing.T) {
	t.Helper()
	req, err := p.tk.BuildPaymentRequest()
	require.NoError(t, err)
	resp, err := p.m.HandlePayment(req)
	require.NoError(t, err)
	_, err = p.tk.AcceptPaymentResponse(resp)
	require.NoError(t, err)
	tokReq, err := p.tk.BuildGeneratePaymentTokenRequest()
	require.NoError(t, err)
	tokResp, err := p.m.HandleGeneratePaymentToken(tokReq)
	require.NoError(t, err)
	require.NoError(t, p.tk.AcceptPaymentTokenResponse(tokResp))
}

func TestNew(t *testing.T) {
	p := newPair(t)
	st := p.tk.Snapshot()
	assert.Equal(t, taker.ProofGenerated, st.Phase)
	assert.True(t, st.Token.HasCustomer())
	assert.NotEmpty(t, st.RootCommitment)
	assert.Equal(t, p.m.Offer().PoolID(), st.PoolID)

	fill := p.tk.Fill()
	assert.Equal(t, st.Token.CustomerKey, fill.CustomerPublicKey)
	assert.Equal(t, st.RootCommitment, fill.WalletCommitment)

	_, err := taker.New(edlib.Library{}, ptest.Prng(t, "zero"), 10, 0, st.Channel, st.Token)
	assert.Error(t, err)
	// The token is already bound to the first customer.
	_, err = taker.New(edlib.Library{}, ptest.Prng(t, "second"), 10, 5, st.Channel, st.Token)
	assert.True(t, errors.Is(err, channel.ErrTokenFrozen))
}

func TestFullRound(t *testing.T) {
	p := newPair(t)
	p.establish(t)

	mid, ok := p.m.ChannelID()
	require.True(t, ok)
	require.Equal(t, mid, p.tk.ChannelID())

	p.prices(20000, 20500)
	p.round(t)

	mst, tst := p.m.Snapshot(), p.tk.Snapshot()
	assert.Equal(t, int64(1012), mst.AvailableMargin)
	assert.Equal(t, int64(988), tst.AvailableMargin)
	assert.Equal(t, mst.AvailableMargin-mst.InitialMargin, tst.InitialMargin-tst.AvailableMargin)
	assert.Equal(t, taker.Established, tst.Phase)
	assert.Nil(t, tst.Pending)
	assert.Nil(t, tst.RevokeToken)

	// Prices fall back, the maker pays.
	p.prices(20500, 20000)
	p.round(t)
	assert.Equal(t, int64(1000-12+12), p.tk.Snapshot().AvailableMargin)
	assert.Equal(t, p.m.Snapshot().AvailableMargin, int64(1000+12-12))
}

func TestEstablishmentFailure(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.tk.MarkFilled())
	before := p.tk.Snapshot()

	err := p.tk.AcceptOpenChannelResponse(channel.OpenChannelResponse{
		CloseToken: channel.CloseToken("bogus"),
		PayToken:   channel.PayToken("bogus"),
	})
	assert.True(t, errors.Is(err, channel.ErrEstablishmentFailed))
	assert.True(t, channel.IsProtocolError(err))
	assert.Equal(t, before, p.tk.Snapshot())
}

func TestRecordFailure(t *testing.T) {
	p := newPair(t)
	p.tk.RecordFailure(errors.New("ignored before fill"))
	assert.Empty(t, p.tk.Snapshot().LastError)

	require.NoError(t, p.tk.MarkFilled())
	p.tk.RecordFailure(errors.New("maker unreachable"))
	st := p.tk.Snapshot()
	assert.Equal(t, taker.AwaitingEstablishment, st.Phase)
	assert.Equal(t, "maker unreachable", st.LastError)

	p.establish(t)
	assert.Empty(t, p.tk.Snapshot().LastError)
}

func TestDue(t *testing.T) {
	p := newPair(t)
	assert.False(t, p.tk.Due())
	p.establish(t)
	assert.False(t, p.tk.Due())

	p.prices(20000, 20500)
	assert.True(t, p.tk.Due())
	req, err := p.tk.BuildPaymentRequest()
	require.NoError(t, err)
	assert.False(t, p.tk.Due())

	resp, err := p.m.HandlePayment(req)
	require.NoError(t, err)
	_, err = p.tk.AcceptPaymentResponse(resp)
	require.NoError(t, err)
	// The revocation still has to be delivered.
	assert.True(t, p.tk.Due())
	assert.Equal(t, req.Period, p.tk.Snapshot().Market.Settled)
}

func TestAcceptOpenBeforeFill(t *testing.T) {
	p := newPair(t)
	err := p.tk.AcceptOpenChannelResponse(channel.OpenChannelResponse{})
	assert.True(t, errors.Is(err, channel.ErrWrongPhase))
}

func TestPaymentPreconditions(t *testing.T) {
	p := newPair(t)
	p.establish(t)

	_, err := p.tk.BuildPaymentRequest()
	assert.True(t, errors.Is(err, channel.ErrMissingMarketData))
	assert.True(t, channel.IsPrecondition(err))

	_, err = p.tk.AcceptPaymentResponse(channel.PaymentResponse{})
	assert.True(t, errors.Is(err, channel.ErrNoPendingPayment))

	_, err = p.tk.BuildGeneratePaymentTokenRequest()
	assert.True(t, errors.Is(err, channel.ErrNoRevokeToken))

	err = p.tk.AcceptPaymentTokenResponse(channel.GeneratePaymentTokenResponse{})
	assert.True(t, errors.Is(err, channel.ErrNoRevokeToken))
}

func TestInvalidCloseToken(t *testing.T) {
	p := newPair(t)
	p.establish(t)
	p.prices(100, 110)

	_, err := p.tk.BuildPaymentRequest()
	require.NoError(t, err)
	before := p.tk.Snapshot()

	_, err = p.tk.AcceptPaymentResponse(channel.PaymentResponse{CloseToken: channel.CloseToken("x")})
	assert.True(t, errors.Is(err, channel.ErrInvalidCloseToken))
	assert.Equal(t, before, p.tk.Snapshot())
}

func TestInvalidPaymentToken(t *testing.T) {
	p := newPair(t)
	p.establish(t)
	p.prices(100, 110)

	req, err := p.tk.BuildPaymentRequest()
	require.NoError(t, err)
	resp, err := p.m.HandlePayment(req)
	require.NoError(t, err)
	_, err = p.tk.AcceptPaymentResponse(resp)
	require.NoError(t, err)
	tokReq, err := p.tk.BuildGeneratePaymentTokenRequest()
	require.NoError(t, err)
	before := p.tk.Snapshot()

	err = p.tk.AcceptPaymentTokenResponse(channel.GeneratePaymentTokenResponse{PaymentToken: channel.PayToken("x")})
	assert.True(t, errors.Is(err, channel.ErrInvalidPaymentToken))
	assert.Equal(t, before, p.tk.Snapshot())

	// The revocation can still be delivered.
	tokResp, err := p.m.HandleGeneratePaymentToken(tokReq)
	require.NoError(t, err)
	require.NoError(t, p.tk.AcceptPaymentTokenResponse(tokResp))
}

func TestAbandonPayment(t *testing.T) {
	p := newPair(t)
	p.establish(t)
	p.prices(100, 110)
	before := p.tk.Snapshot()

	_, err := p.tk.BuildPaymentRequest()
	require.NoError(t, err)
	assert.Equal(t, taker.PaymentSent, p.tk.Phase())
	require.True(t, p.tk.AbandonPayment())

	after := p.tk.Snapshot()
	assert.Equal(t, taker.Established, after.Phase)
	assert.Equal(t, before.Secret, after.Secret)
	assert.Equal(t, before.AvailableMargin, after.AvailableMargin)
	assert.False(t, p.tk.AbandonPayment())
}

func TestAbandonAfterRevocation(t *testing.T) {
	p := newPair(t)
	p.establish(t)
	p.prices(100, 110)

	req, err := p.tk.BuildPaymentRequest()
	require.NoError(t, err)
	resp, err := p.m.HandlePayment(req)
	require.NoError(t, err)
	_, err = p.tk.AcceptPaymentResponse(resp)
	require.NoError(t, err)
	_, err = p.tk.BuildGeneratePaymentTokenRequest()
	require.NoError(t, err)

	assert.False(t, p.tk.AbandonPayment())
	assert.Equal(t, taker.RevocationPending, p.tk.Phase())
	assert.NotNil(t, p.tk.Snapshot().RevokeToken)
}

func TestCloseMessage(t *testing.T) {
	p := newPair(t)
	_, err := p.tk.BuildCloseMessage()
	assert.True(t, errors.Is(err, channel.ErrWrongPhase))

	p.establish(t)
	p.prices(20000, 20500)
	p.round(t)

	raw, err := p.tk.BuildCloseMessage()
	require.NoError(t, err)
	msg, err := edlib.VerifyCloseMessage(p.tk.Snapshot().Token, raw)
	require.NoError(t, err)
	assert.Equal(t, int64(988), msg.CustBal)
	assert.Equal(t, int64(512), msg.MerchBal)

	// Mid-round the last agreed wallet closes.
	p.prices(20500, 20000)
	_, err = p.tk.BuildPaymentRequest()
	require.NoError(t, err)
	raw, err = p.tk.BuildCloseMessage()
	require.NoError(t, err)
	msg, err = edlib.VerifyCloseMessage(p.tk.Snapshot().Token, raw)
	require.NoError(t, err)
	assert.Equal(t, int64(988), msg.CustBal)
}

func TestStateJSON(t *testing.T) {
	p := newPair(t)
	p.establish(t)
	p.prices(20000, 20500)
	_, err := p.tk.BuildPaymentRequest()
	require.NoError(t, err)

	st := p.tk.Snapshot()
	data, err := json.Marshal(st)
	require.NoError(t, err)
	var back taker.State
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, st.Phase, back.Phase)
	assert.Equal(t, st.Secret, back.Secret)
	require.NotNil(t, back.Pending)
	assert.Equal(t, st.Pending.Amount, back.Pending.Amount)

	// A restored taker continues the round.
	tk := taker.Restore(edlib.Library{}, ptest.Prng(t), back)
	assert.Equal(t, taker.PaymentSent, tk.Phase())
	assert.True(t, tk.AbandonPayment())
}
