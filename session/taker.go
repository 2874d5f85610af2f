// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/liquidity"
	"perun.network/perun-perp-backend/taker"
)

// Order fills the pool req.MakerOrderID and opens a channel with its maker.
// A repeated order for a pool that already has a taker returns that taker,
// retrying the establishment if it did not complete.
func (r *Registry) Order(ctx context.Context, req channel.OrderRequest) (taker.State, error) {
	if req.OrderSize <= 0 || req.InitialMargin < 0 {
		return taker.State{}, errors.WithMessagef(ErrInvalidOrder, "margin %d, size %d", req.InitialMargin, req.OrderSize)
	}
	client, err := r.chains.Get(req.Chain)
	if err != nil {
		return taker.State{}, err
	}

	v, err, _ := r.flight.Do("order/"+req.MakerOrderID, func() (any, error) {
		t, err := r.fill(ctx, client, req)
		if err != nil {
			return nil, err
		}
		if err := r.establish(ctx, t); err != nil {
			return nil, err
		}
		return t.Snapshot(), nil
	})
	if err != nil {
		return taker.State{}, err
	}
	return v.(taker.State), nil
}

// fill returns the taker of the pool, creating it and escrowing the order
// size if there is none.
func (r *Registry) fill(ctx context.Context, client chain.Client, req channel.OrderRequest) (*taker.Taker, error) {
	r.mu.RLock()
	id, ok := r.pools[req.MakerOrderID]
	t := r.takers[id]
	r.mu.RUnlock()
	if ok {
		r.Log().Infof("Pool %s already has a taker", req.MakerOrderID)
		return t, nil
	}

	pool, err := liquidity.Lookup(ctx, client, req)
	if err != nil {
		return nil, err
	}
	t, err = liquidity.Bind(r.lib, r.rng, pool, req)
	if err != nil {
		return nil, err
	}
	id = t.ChannelID()

	r.mu.Lock()
	r.seed(t.UpdateMarketData)
	r.takers[id] = t
	r.pools[pool.ID] = id
	r.mu.Unlock()
	r.saveTaker(ctx, t)

	r.Log().Infof("Filling pool %s with %d on %s", pool.ID, req.OrderSize, client.Name())
	if _, err := client.EscrowFill(ctx, t.Fill(), pool.ID, req.OrderSize); err != nil {
		r.drop(ctx, id, pool.ID)
		return nil, err
	}
	if err := t.MarkFilled(); err != nil {
		return nil, err
	}
	r.saveTaker(ctx, t)
	return t, nil
}

func (r *Registry) establish(ctx context.Context, t *taker.Taker) error {
	if t.Phase() != taker.AwaitingEstablishment {
		return nil
	}
	req, err := t.BuildOpenChannelRequest()
	if err != nil {
		return err
	}
	resp, err := r.getPeer().OpenChannel(ctx, req)
	if err == nil {
		err = t.AcceptOpenChannelResponse(resp)
	}
	if err != nil {
		err = errors.WithMessage(err, "opening channel")
		t.RecordFailure(err)
		r.saveTaker(ctx, t)
		r.Log().Errorf("Fill of pool %s is locked on chain without a channel: %v", t.Snapshot().PoolID, err)
		return err
	}
	r.saveTaker(ctx, t)
	r.Log().Infof("Channel %s established", resp.ChannelID)
	return nil
}

// Pay runs one settlement round of the taker of channel id. A round that
// does not complete within the round timeout is abandoned. Concurrent calls
// for the same channel share one round.
func (r *Registry) Pay(ctx context.Context, id channel.ID) (taker.State, error) {
	t, err := r.taker(id)
	if err != nil {
		return taker.State{}, err
	}
	type result struct {
		st  taker.State
		err error
	}
	v, _, _ := r.flight.Do("pay/"+channel.FormatID(id), func() (any, error) {
		rctx, cancel := context.WithTimeout(ctx, r.roundTimeout)
		defer cancel()

		err := r.round(rctx, t)
		if err != nil && t.AbandonPayment() {
			r.Log().Warnf("Round of %s abandoned: %v", channel.FormatID(id), err)
		}
		r.saveTaker(ctx, t)
		return result{st: t.Snapshot(), err: err}, nil
	})
	res := v.(result)
	return res.st, res.err
}

func (r *Registry) round(ctx context.Context, t *taker.Taker) error {
	peer := r.getPeer()
	switch t.Phase() {
	case taker.RevocationPending, taker.PaymentTokenPending:
		// The previous round revoked its wallet but missed the pay token.
	default:
		req, err := t.BuildPaymentRequest()
		if err != nil {
			return err
		}
		r.saveTaker(ctx, t)
		resp, err := peer.Pay(ctx, req)
		if err != nil {
			return errors.WithMessage(err, "sending payment")
		}
		if _, err := t.AcceptPaymentResponse(resp); err != nil {
			return err
		}
		r.saveTaker(ctx, t)
	}

	req, err := t.BuildGeneratePaymentTokenRequest()
	if err != nil {
		return err
	}
	resp, err := peer.PaymentToken(ctx, req)
	if err != nil {
		return errors.WithMessage(err, "requesting payment token")
	}
	return t.AcceptPaymentTokenResponse(resp)
}

// PayAll runs a round for every established taker with an unsettled price
// period or an undelivered revocation.
func (r *Registry) PayAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]channel.ID, 0, len(r.takers))
	for id, t := range r.takers {
		if t.Due() {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	var result *multierror.Error
	for _, id := range ids {
		if _, err := r.Pay(ctx, id); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "channel %s", channel.FormatID(id)))
		}
	}
	return result.ErrorOrNil()
}

// Close submits the close message of the taker filling merchant's pool.
func (r *Registry) Close(ctx context.Context, merchant, chainName string) (chain.Receipt, error) {
	client, err := r.chains.Get(chainName)
	if err != nil {
		return chain.Receipt{}, err
	}
	r.mu.RLock()
	id, ok := r.pools[merchant]
	t := r.takers[id]
	r.mu.RUnlock()
	if !ok {
		return chain.Receipt{}, errors.WithMessagef(ErrTakerNotFound, "pool %s", merchant)
	}

	msg, err := t.BuildCloseMessage()
	if err != nil {
		return chain.Receipt{}, err
	}
	rcpt, err := client.CloseEscrow(ctx, merchant, msg)
	if err != nil {
		return chain.Receipt{}, err
	}
	r.Log().Infof("Channel %s closed in %s", channel.FormatID(id), rcpt.TxHash)
	r.drop(ctx, id, merchant)
	return rcpt, nil
}

func (r *Registry) drop(ctx context.Context, id channel.ID, pool string) {
	r.mu.Lock()
	delete(r.takers, id)
	delete(r.pools, pool)
	r.mu.Unlock()
	if r.store == nil {
		return
	}
	if err := r.store.DeleteTaker(ctx, channel.FormatID(id)); err != nil {
		r.Log().Errorf("Deleting taker %s: %v", channel.FormatID(id), err)
	}
}

func (r *Registry) getPeer() Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peer
}
