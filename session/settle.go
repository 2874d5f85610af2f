// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"perun.network/perun-perp-backend/maker"
)

// Settle runs a settlement round for every taker each interval until ctx is
// done. Maker rounds whose revocation deadline passed are reverted first.
func (r *Registry) Settle(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs a single settlement pass.
func (r *Registry) Tick(ctx context.Context) {
	r.mu.RLock()
	var reverted []*maker.Maker
	for _, m := range r.makers {
		if m.ExpireRound() {
			reverted = append(reverted, m)
		}
	}
	r.mu.RUnlock()
	for _, m := range reverted {
		r.saveMaker(ctx, m.Offer().PoolID(), m)
	}

	if err := r.PayAll(ctx); err != nil {
		r.Log().Warnf("Settlement: %v", err)
	}
}
