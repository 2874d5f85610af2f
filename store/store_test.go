// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-perp-backend/chancrypto/edlib"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/maker"
	"perun.network/perun-perp-backend/store"
	"perun.network/perun-perp-backend/taker"
)

func newEngines(t *testing.T) (*maker.Maker, *taker.Taker) {
	t.Helper()
	rng := ptest.Prng(t)
	var lib edlib.Library
	m, err := maker.New(lib, rng, "near", 1000)
	require.NoError(t, err)
	require.NoError(t, m.MarkEscrowed())
	require.NoError(t, m.Listen())
	offer := m.Offer()
	tk, err := taker.New(lib, rng, 1000, 500, offer.State, offer.Token)
	require.NoError(t, err)
	tk.Bind(offer.PoolID(), "near")
	return m, tk
}

func testStore(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	m, tk := newEngines(t)
	m.UpdateMarketData(channel.Snapshot{Price: 20000})
	pool := m.Offer().PoolID()

	_, err := s.LoadMaker(ctx, pool)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.SaveMaker(ctx, pool, m.Snapshot()))
	got, err := s.LoadMaker(ctx, pool)
	require.NoError(t, err)
	want := m.Snapshot()
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, want.Secret, got.Secret)
	assert.Equal(t, want.Token.MerchantKey, got.Token.MerchantKey)
	require.NotNil(t, got.Market.Latest)
	assert.Equal(t, int64(20000), got.Market.Latest.Price)

	makers, err := s.Makers(ctx)
	require.NoError(t, err)
	assert.Len(t, makers, 1)
	assert.Contains(t, makers, pool)

	st := tk.Snapshot()
	require.NoError(t, s.SaveTaker(ctx, st))
	back, err := s.LoadTaker(ctx, st.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, st.RootCommitment, back.RootCommitment)
	assert.Equal(t, st.PoolID, back.PoolID)

	takers, err := s.Takers(ctx)
	require.NoError(t, err)
	require.Len(t, takers, 1)
	assert.Equal(t, st.ChannelID, takers[0].ChannelID)

	require.NoError(t, s.DeleteTaker(ctx, st.ChannelID))
	takers, err = s.Takers(ctx)
	require.NoError(t, err)
	assert.Empty(t, takers)
}

func TestMapStore(t *testing.T) {
	testStore(t, store.New(dssync.MutexWrap(datastore.NewMapDatastore())))
}

func TestLevelStore(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}
