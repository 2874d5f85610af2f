// SPDX-License-Identifier: Apache-2.0

package maker_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-perp-backend/chancrypto/edlib"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/maker"
	"perun.network/perun-perp-backend/taker"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newPair(t *testing.T, c *clock) (*maker.Maker, *taker.Taker) {
	t.Helper()
	rng := ptest.Prng(t)
	var lib edlib.Library

	m, err := maker.New(lib, rng, "near", 1000, maker.WithClock(c.now), maker.WithRoundTimeout(time.Minute))
	require.NoError(t, err)
	require.Equal(t, maker.Uninitialized, m.Phase())
	require.NoError(t, m.MarkEscrowed())
	require.NoError(t, m.Listen())

	offer := m.Offer()
	tk, err := taker.New(lib, rng, 1000, 500, offer.State, offer.Token)
	require.NoError(t, err)
	require.NoError(t, tk.MarkFilled())
	return m, tk
}

func establish(t *testing.T, m *maker.Maker, tk *taker.Taker) {
	t.Helper()
	req, err := tk.BuildOpenChannelRequest()
	require.NoError(t, err)
	resp, err := m.HandleOpenChannel(req)
	require.NoError(t, err)
	require.NoError(t, tk.AcceptOpenChannelResponse(resp))
}

func prices(m *maker.Maker, tk *taker.Taker, prev, cur int64) {
	for _, p := range []int64{prev, cur} {
		s := channel.Snapshot{Price: p}
		m.UpdateMarketData(s)
		tk.UpdateMarketData(s)
	}
}

func TestOpenChannel(t *testing.T) {
	m, tk := newPair(t, &clock{t: time.Unix(0, 0)})
	establish(t, m, tk)

	id, ok := m.ChannelID()
	require.True(t, ok)
	assert.Equal(t, tk.ChannelID(), id)
	assert.Equal(t, maker.Established, m.Phase())
	st := m.Snapshot()
	require.NotNil(t, st.OrderSize)
	assert.Equal(t, int64(500), *st.OrderSize)
	assert.True(t, st.Channel.Established)

	// A second request hits an established channel.
	req, err := tk.BuildOpenChannelRequest()
	require.NoError(t, err)
	_, err = m.HandleOpenChannel(req)
	assert.True(t, channel.IsProtocolError(err))
	assert.Equal(t, st, m.Snapshot())
}

func TestOpenChannelNotListening(t *testing.T) {
	rng := ptest.Prng(t)
	var lib edlib.Library
	m, err := maker.New(lib, rng, "near", 1000)
	require.NoError(t, err)

	_, err = m.HandleOpenChannel(channel.OpenChannelRequest{OrderSize: 1})
	assert.True(t, errors.Is(err, channel.ErrNotInitialized))
	assert.True(t, channel.IsPrecondition(err))
	assert.Error(t, m.Listen())
}

func TestOpenChannelBadProof(t *testing.T) {
	m, tk := newPair(t, &clock{t: time.Unix(0, 0)})
	before := m.Snapshot()

	req, err := tk.BuildOpenChannelRequest()
	require.NoError(t, err)
	req.Margin++
	_, err = m.HandleOpenChannel(req)
	assert.True(t, errors.Is(err, channel.ErrEstablishmentFailed))
	assert.Equal(t, before, m.Snapshot())
	assert.Equal(t, maker.AwaitingCounterparty, m.Phase())
}

func TestSettlementMismatch(t *testing.T) {
	m, tk := newPair(t, &clock{t: time.Unix(0, 0)})
	establish(t, m, tk)
	prices(m, tk, 20000_00000000, 20500_00000000)
	before := m.Snapshot()

	req, err := tk.BuildPaymentRequest()
	require.NoError(t, err)
	require.Equal(t, int64(12), req.PaymentProof.Amount)
	req.PaymentProof.Amount = 13

	_, err = m.HandlePayment(req)
	var mm *channel.SettlementMismatch
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, int64(12), mm.Expected)
	assert.Equal(t, int64(13), mm.Claimed)
	assert.True(t, errors.Is(err, channel.ErrSettlementMismatch))
	assert.Equal(t, before, m.Snapshot())
}

func TestPaymentNeedsMarketData(t *testing.T) {
	m, tk := newPair(t, &clock{t: time.Unix(0, 0)})
	establish(t, m, tk)
	id, _ := m.ChannelID()

	_, err := m.HandlePayment(channel.PaymentRequest{ChannelID: channel.FormatID(id), Period: 1})
	assert.True(t, errors.Is(err, channel.ErrMissingMarketData))
}

func TestPaymentRound(t *testing.T) {
	m, tk := newPair(t, &clock{t: time.Unix(0, 0)})
	establish(t, m, tk)
	prices(m, tk, 20000, 20500)

	req, err := tk.BuildPaymentRequest()
	require.NoError(t, err)
	resp, err := m.HandlePayment(req)
	require.NoError(t, err)
	assert.Equal(t, maker.AwaitingRevocation, m.Phase())
	assert.Equal(t, int64(1012), m.Snapshot().AvailableMargin)

	// The round blocks further payments.
	_, err = m.HandlePayment(req)
	assert.True(t, errors.Is(err, channel.ErrRoundInProgress))

	_, err = tk.AcceptPaymentResponse(resp)
	require.NoError(t, err)
	tokReq, err := tk.BuildGeneratePaymentTokenRequest()
	require.NoError(t, err)
	tokResp, err := m.HandleGeneratePaymentToken(tokReq)
	require.NoError(t, err)
	require.NoError(t, tk.AcceptPaymentTokenResponse(tokResp))

	assert.Equal(t, maker.Established, m.Phase())
	assert.Nil(t, m.Snapshot().Round)

	// A repeated revocation gets the same pay token without changing the state.
	before := m.Snapshot()
	again, err := m.HandleGeneratePaymentToken(tokReq)
	require.NoError(t, err)
	assert.Equal(t, tokResp, again)
	assert.Equal(t, before, m.Snapshot())

	// Any other revocation has nothing to answer.
	tokReq.RevokeToken = channel.RevokeToken("{}")
	_, err = m.HandleGeneratePaymentToken(tokReq)
	assert.True(t, errors.Is(err, channel.ErrNoPendingPayment))
	assert.Equal(t, before, m.Snapshot())
}

func TestPeriodSettledOnce(t *testing.T) {
	m, tk := newPair(t, &clock{t: time.Unix(0, 0)})
	establish(t, m, tk)
	prices(m, tk, 20000, 20500)

	req, err := tk.BuildPaymentRequest()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), req.Period)
	completeRound(t, m, tk, req)
	assert.Equal(t, uint64(2), m.Snapshot().LastPeriod)

	// Without a new price the taker has nothing to pay.
	_, err = tk.BuildPaymentRequest()
	assert.True(t, errors.Is(err, channel.ErrPeriodSettled))
	assert.True(t, channel.IsPrecondition(err))
	assert.False(t, tk.Due())

	// The maker refuses to settle the period twice.
	before := m.Snapshot()
	_, err = m.HandlePayment(req)
	assert.True(t, errors.Is(err, channel.ErrPeriodSettled))
	assert.True(t, channel.IsProtocolError(err))
	assert.Equal(t, before, m.Snapshot())
	assert.Equal(t, int64(1012), m.Snapshot().AvailableMargin)
	assert.Equal(t, int64(988), tk.Snapshot().AvailableMargin)

	// A new price opens the next period.
	s := channel.Snapshot{Price: 20500}
	m.UpdateMarketData(s)
	tk.UpdateMarketData(s)
	assert.True(t, tk.Due())
	req, err = tk.BuildPaymentRequest()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), req.Period)
	completeRound(t, m, tk, req)
	assert.Equal(t, int64(1012), m.Snapshot().AvailableMargin)
}

func TestLateRevocationReinstatesRound(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	m, tk := newPair(t, c)
	establish(t, m, tk)
	prices(m, tk, 20000, 20500)

	req, err := tk.BuildPaymentRequest()
	require.NoError(t, err)
	resp, err := m.HandlePayment(req)
	require.NoError(t, err)
	_, err = tk.AcceptPaymentResponse(resp)
	require.NoError(t, err)
	tokReq, err := tk.BuildGeneratePaymentTokenRequest()
	require.NoError(t, err)

	// The revocation is delayed past the deadline and the round is reverted.
	c.advance(time.Hour)
	require.True(t, m.ExpireRound())
	st := m.Snapshot()
	assert.Equal(t, int64(1000), st.AvailableMargin)
	assert.Zero(t, st.LastPeriod)
	require.NotNil(t, st.Expired)

	tokResp, err := m.HandleGeneratePaymentToken(tokReq)
	require.NoError(t, err)
	require.NoError(t, tk.AcceptPaymentTokenResponse(tokResp))

	st = m.Snapshot()
	assert.Equal(t, maker.Established, st.Phase)
	assert.Equal(t, int64(1012), st.AvailableMargin)
	assert.Equal(t, uint64(2), st.LastPeriod)
	assert.Nil(t, st.Expired)
	assert.Equal(t, int64(988), tk.Snapshot().AvailableMargin)

	_, err = m.HandlePayment(req)
	assert.True(t, errors.Is(err, channel.ErrPeriodSettled))
}

func completeRound(t *testing.T, m *maker.Maker, tk *taker.Taker, req channel.PaymentRequest) {
	t.Helper()
	resp, err := m.HandlePayment(req)
	require.NoError(t, err)
	_, err = tk.AcceptPaymentResponse(resp)
	require.NoError(t, err)
	tokReq, err := tk.BuildGeneratePaymentTokenRequest()
	require.NoError(t, err)
	tokResp, err := m.HandleGeneratePaymentToken(tokReq)
	require.NoError(t, err)
	require.NoError(t, tk.AcceptPaymentTokenResponse(tokResp))
}

func TestInvalidRevocation(t *testing.T) {
	m, tk := newPair(t, &clock{t: time.Unix(0, 0)})
	establish(t, m, tk)
	prices(m, tk, 100, 90)

	req, err := tk.BuildPaymentRequest()
	require.NoError(t, err)
	_, err = m.HandlePayment(req)
	require.NoError(t, err)
	before := m.Snapshot()

	id, _ := m.ChannelID()
	_, err = m.HandleGeneratePaymentToken(channel.GeneratePaymentTokenRequest{
		ChannelID:   channel.FormatID(id),
		RevokeToken: channel.RevokeToken("{}"),
	})
	assert.True(t, errors.Is(err, channel.ErrInvalidRevocation))
	assert.Equal(t, before, m.Snapshot())
}

func TestStaleRoundReverted(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	m, tk := newPair(t, c)
	establish(t, m, tk)
	prices(m, tk, 20000, 20500)

	req, err := tk.BuildPaymentRequest()
	require.NoError(t, err)
	_, err = m.HandlePayment(req)
	require.NoError(t, err)

	d, ok := m.RoundDeadline()
	require.True(t, ok)
	assert.Equal(t, c.t.Add(time.Minute), d.When())
	assert.False(t, m.ExpireRound())

	// The taker gives up, the maker deadline passes.
	require.True(t, tk.AbandonPayment())
	c.advance(2 * time.Minute)
	assert.True(t, d.IsElapsed(context.Background()))

	req, err = tk.BuildPaymentRequest()
	require.NoError(t, err)
	_, err = m.HandlePayment(req)
	require.NoError(t, err)
	assert.Equal(t, int64(1012), m.Snapshot().AvailableMargin)
}

func TestExpireRound(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	m, tk := newPair(t, c)
	establish(t, m, tk)
	prices(m, tk, 20000, 20500)

	req, err := tk.BuildPaymentRequest()
	require.NoError(t, err)
	_, err = m.HandlePayment(req)
	require.NoError(t, err)

	c.advance(time.Hour)
	require.True(t, m.ExpireRound())
	st := m.Snapshot()
	assert.Equal(t, maker.Established, st.Phase)
	assert.Equal(t, int64(1000), st.AvailableMargin)
	assert.Nil(t, st.Round)
	require.NotNil(t, st.Expired)
	assert.Equal(t, int64(12), st.Expired.Amount)
	assert.False(t, m.ExpireRound())
}

func TestPhaseText(t *testing.T) {
	for p := maker.Uninitialized; p <= maker.AwaitingRevocation; p++ {
		text, err := p.MarshalText()
		require.NoError(t, err)
		var q maker.Phase
		require.NoError(t, q.UnmarshalText(text))
		assert.Equal(t, p, q)
	}
	var q maker.Phase
	assert.Error(t, q.UnmarshalText([]byte("closing")))
}
