// SPDX-License-Identifier: Apache-2.0

package liquidity_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/chain/chaintest"
	"perun.network/perun-perp-backend/chancrypto/edlib"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/liquidity"
	"perun.network/perun-perp-backend/taker"
)

func TestMatchEmpty(t *testing.T) {
	_, err := liquidity.Match(nil, "m1")
	assert.True(t, errors.Is(err, liquidity.ErrPoolNotFound))
}

func TestMatchFirst(t *testing.T) {
	pools := []chain.Pool{{ID: "m0"}, {ID: "m1", MerchantPool: chain.MerchantPool{Total: 1}}, {ID: "m1"}}
	p, err := liquidity.Match(pools, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Total)
}

func TestLookupAndBind(t *testing.T) {
	ctx := context.Background()
	rng := ptest.Prng(t)
	var lib edlib.Library
	client, _ := chaintest.NewClient("near")

	st := channel.NewState("Channel A -> B", false)
	tok, _, err := lib.NewMerchant(rng, st)
	require.NoError(t, err)
	offer := chain.Offer{MerchantPublicKey: tok.MerchantKey, State: st, Token: tok}
	_, err = client.EscrowLiquidity(ctx, offer, 1000)
	require.NoError(t, err)

	req := channel.OrderRequest{InitialMargin: 100, OrderSize: 500, MakerOrderID: "m1", Chain: "near"}
	_, err = liquidity.Lookup(ctx, client, req)
	assert.True(t, errors.Is(err, liquidity.ErrPoolNotFound))

	req.MakerOrderID = offer.PoolID()
	req.OrderSize = 2000
	_, err = liquidity.Lookup(ctx, client, req)
	assert.True(t, errors.Is(err, liquidity.ErrPoolNotFound))

	req.OrderSize = 500
	pool, err := liquidity.Lookup(ctx, client, req)
	require.NoError(t, err)

	tk, err := liquidity.Bind(lib, rng, pool, req)
	require.NoError(t, err)
	ts := tk.Snapshot()
	assert.Equal(t, taker.ProofGenerated, ts.Phase)
	assert.Equal(t, offer.PoolID(), ts.PoolID)
	assert.Equal(t, "near", ts.Chain)
	assert.Equal(t, tok.MerchantKey, ts.Token.MerchantKey)
}
