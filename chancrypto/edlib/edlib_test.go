// SPDX-License-Identifier: Apache-2.0

package edlib_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/chancrypto/edlib"
	"perun.network/perun-perp-backend/channel"
)

type setup struct {
	lib edlib.Library
	tok channel.Token
	ms  chancrypto.MerchantSecret
	cs  chancrypto.CustomerSecret
	com channel.Commitment
	prf channel.CommitmentProof
}

func newSetup(t *testing.T, name string, margin, size int64) *setup {
	t.Helper()
	rng := ptest.Prng(t, name)
	s := &setup{}

	var err error
	s.tok, s.ms, err = s.lib.NewMerchant(rng, channel.NewState("Channel A -> B", false))
	require.NoError(t, err)

	pk, cs, err := s.lib.NewCustomer(rng, s.tok, margin, size)
	require.NoError(t, err)
	require.NoError(t, s.tok.BindCustomer(pk))
	s.cs = cs

	s.com, s.prf, err = s.lib.Commit(s.cs, s.tok)
	require.NoError(t, err)
	return s
}

func (s *setup) establish(t *testing.T, margin, size int64) {
	t.Helper()
	ct, pt, ms, err := s.lib.Establish(s.ms, s.tok, s.com, s.prf, margin, size)
	require.NoError(t, err)
	s.ms = ms

	s.cs, err = s.lib.VerifyCloseToken(s.cs, s.tok, ct)
	require.NoError(t, err)
	s.cs, err = s.lib.VerifyPayToken(s.cs, s.tok, pt)
	require.NoError(t, err)
}

func TestPaymentRound(t *testing.T) {
	rng := ptest.Prng(t, "round")
	s := newSetup(t, "setup", 1000, 500)
	s.establish(t, 1000, 500)

	for _, amount := range []int64{12, -7, 0} {
		proof, pending, err := s.lib.Pay(rng, s.cs, s.tok, amount)
		require.NoError(t, err)
		require.Equal(t, amount, proof.Amount)

		ct, ms, err := s.lib.VerifyPayment(s.ms, s.tok, proof)
		require.NoError(t, err)

		rt, committed, err := s.lib.Revoke(s.cs, pending, s.tok, ct)
		require.NoError(t, err)

		pt, ms, err := s.lib.VerifyRevoke(ms, s.tok, rt)
		require.NoError(t, err)
		s.ms = ms

		s.cs, err = s.lib.VerifyPayToken(committed, s.tok, pt)
		require.NoError(t, err)
	}

	bc, bm, err := s.lib.Balances(s.cs)
	require.NoError(t, err)
	require.Equal(t, int64(1000-5), bc)
	require.Equal(t, int64(500+5), bm)

	raw, err := s.lib.CustomerClose(s.cs, s.tok)
	require.NoError(t, err)
	msg, err := edlib.VerifyCloseMessage(s.tok, raw)
	require.NoError(t, err)
	require.Equal(t, bc, msg.CustBal)
	require.Equal(t, bm, msg.MerchBal)
}

func TestEstablishRejectsWrongBalances(t *testing.T) {
	s := newSetup(t, "a", 1000, 500)
	_, _, _, err := s.lib.Establish(s.ms, s.tok, s.com, s.prf, 1000, 501)
	require.True(t, errors.Is(err, chancrypto.ErrBalanceMismatch))

	other := newSetup(t, "b", 1000, 500)
	_, _, _, err = s.lib.Establish(s.ms, s.tok, other.com, s.prf, 1000, 500)
	require.True(t, errors.Is(err, chancrypto.ErrInvalidOpening))
}

func TestVerifyTokensRejectForeignSignatures(t *testing.T) {
	s := newSetup(t, "setup", 1000, 500)
	ct, pt, _, err := s.lib.Establish(s.ms, s.tok, s.com, s.prf, 1000, 500)
	require.NoError(t, err)

	_, err = s.lib.VerifyCloseToken(s.cs, s.tok, channel.CloseToken(pt))
	require.True(t, errors.Is(err, chancrypto.ErrInvalidSignature))
	_, err = s.lib.VerifyPayToken(s.cs, s.tok, channel.PayToken(ct))
	require.True(t, errors.Is(err, chancrypto.ErrInvalidSignature))
}

func TestDoubleSpendAndReplay(t *testing.T) {
	rng := ptest.Prng(t, "replay")
	s := newSetup(t, "setup", 1000, 500)
	s.establish(t, 1000, 500)

	proof, pending, err := s.lib.Pay(rng, s.cs, s.tok, 12)
	require.NoError(t, err)
	ct, ms, err := s.lib.VerifyPayment(s.ms, s.tok, proof)
	require.NoError(t, err)

	// The same wallet cannot be spent twice.
	_, _, err = s.lib.VerifyPayment(ms, s.tok, proof)
	require.True(t, errors.Is(err, chancrypto.ErrRevoked))

	rt, _, err := s.lib.Revoke(s.cs, pending, s.tok, ct)
	require.NoError(t, err)
	_, ms, err = s.lib.VerifyRevoke(ms, s.tok, rt)
	require.NoError(t, err)

	_, _, err = s.lib.VerifyRevoke(ms, s.tok, rt)
	require.True(t, errors.Is(err, chancrypto.ErrUnknownWallet))
	_, _, err = s.lib.VerifyPayment(ms, s.tok, proof)
	require.True(t, errors.Is(err, chancrypto.ErrRevoked))
}

func TestPaymentTamperedAmount(t *testing.T) {
	rng := ptest.Prng(t, "tamper")
	s := newSetup(t, "setup", 1000, 500)
	s.establish(t, 1000, 500)

	proof, _, err := s.lib.Pay(rng, s.cs, s.tok, 12)
	require.NoError(t, err)
	proof.Amount = 13
	_, _, err = s.lib.VerifyPayment(s.ms, s.tok, proof)
	require.True(t, errors.Is(err, chancrypto.ErrBalanceMismatch))

	_, _, err = s.lib.Pay(rng, s.cs, s.tok, 1001)
	require.True(t, errors.Is(err, chancrypto.ErrInsufficientFunds))
}
