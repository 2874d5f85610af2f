// SPDX-License-Identifier: Apache-2.0

// Package liquidity selects the maker pool a taker order fills.
package liquidity

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/taker"
)

// ErrPoolNotFound is returned if no pool carries the requested id.
var ErrPoolNotFound = errors.New("maker pool not found")

// Match returns the first pool with id target.
func Match(pools []chain.Pool, target string) (chain.Pool, error) {
	for _, p := range pools {
		if p.ID == target {
			return p, nil
		}
	}
	return chain.Pool{}, errors.WithMessagef(ErrPoolNotFound, "%q among %d pools", target, len(pools))
}

// Lookup lists the pools of c and matches req against them. A pool that
// cannot hold the order size is not a match.
func Lookup(ctx context.Context, c chain.Client, req channel.OrderRequest) (chain.Pool, error) {
	pools, err := c.ListLiquidityPools(ctx)
	if err != nil {
		return chain.Pool{}, err
	}
	p, err := Match(pools, req.MakerOrderID)
	if err != nil {
		return chain.Pool{}, err
	}
	if p.Available < req.OrderSize {
		return chain.Pool{}, errors.WithMessagef(ErrPoolNotFound, "pool %s has %d available, order needs %d",
			p.ID, p.Available, req.OrderSize)
	}
	return p, nil
}

// Bind creates the taker that fills pool.
func Bind(lib chancrypto.Library, rng io.Reader, pool chain.Pool, req channel.OrderRequest) (*taker.Taker, error) {
	t, err := taker.New(lib, rng, req.InitialMargin, req.OrderSize, pool.State, pool.Token)
	if err != nil {
		return nil, errors.WithMessagef(err, "binding to pool %s", pool.ID)
	}
	t.Bind(pool.ID, req.Chain)
	return t, nil
}
