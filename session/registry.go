// SPDX-License-Identifier: Apache-2.0

// Package session owns the maker and taker engines of the daemon and drives
// them through escrow, establishment, settlement rounds and close.
package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/maker"
	"perun.network/perun-perp-backend/taker"
)

var (
	ErrMakerNotFound = errors.New("maker not found")
	ErrTakerNotFound = errors.New("taker not found")
	ErrInvalidOrder  = errors.New("invalid order")
)

// DefaultRoundTimeout bounds one payment round of a taker.
const DefaultRoundTimeout = 30 * time.Second

type (
	// Peer is the maker side of the channels this daemon takes.
	Peer interface {
		OpenChannel(ctx context.Context, req channel.OpenChannelRequest) (channel.OpenChannelResponse, error)
		Pay(ctx context.Context, req channel.PaymentRequest) (channel.PaymentResponse, error)
		PaymentToken(ctx context.Context, req channel.GeneratePaymentTokenRequest) (channel.GeneratePaymentTokenResponse, error)
	}

	// Persister saves engine snapshots after every mutation.
	Persister interface {
		SaveMaker(ctx context.Context, pool string, st maker.State) error
		SaveTaker(ctx context.Context, st taker.State) error
		DeleteTaker(ctx context.Context, id string) error
	}

	// Registry holds every engine of the daemon. Offers are makers whose
	// liquidity is escrowed but not yet bound to a customer; they move to
	// makers once a channel is opened.
	Registry struct {
		log.Embedding

		lib          chancrypto.Library
		rng          io.Reader
		chains       *chain.Registry
		peer         Peer
		store        Persister
		roundTimeout time.Duration

		mu     sync.RWMutex
		offers map[string]*maker.Maker // by pool id
		byName map[string]string       // chain name -> pool id of its open offer
		makers map[channel.ID]*maker.Maker
		takers map[channel.ID]*taker.Taker
		pools  map[string]channel.ID // pool id -> taker
		market channel.MarketData

		flight singleflight.Group
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithPersister saves snapshots to p.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.store = p }
}

// WithRoundTimeout sets the deadline of a taker payment round.
func WithRoundTimeout(d time.Duration) Option {
	return func(r *Registry) { r.roundTimeout = d }
}

// NewRegistry returns an empty registry. rng must be safe for concurrent
// use, like crypto/rand.Reader.
func NewRegistry(lib chancrypto.Library, rng io.Reader, chains *chain.Registry, peer Peer, opts ...Option) *Registry {
	r := &Registry{
		Embedding:    log.MakeEmbedding(log.WithField("role", "session")),
		lib:          lib,
		rng:          &lockedReader{r: rng},
		chains:       chains,
		peer:         peer,
		roundTimeout: DefaultRoundTimeout,
		offers:       make(map[string]*maker.Maker),
		byName:       make(map[string]string),
		makers:       make(map[channel.ID]*maker.Maker),
		takers:       make(map[channel.ID]*taker.Taker),
		pools:        make(map[string]channel.ID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPeer replaces the peer. It must be called before the first order.
func (r *Registry) SetPeer(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer = p
}

// Restore installs saved engines.
func (r *Registry) Restore(makers map[string]maker.State, takers []taker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pool, st := range makers {
		m := maker.Restore(r.lib, st, maker.WithRoundTimeout(r.roundTimeout))
		if id, ok := m.ChannelID(); ok {
			r.makers[id] = m
			continue
		}
		r.offers[pool] = m
		r.byName[strings.ToLower(st.Chain)] = pool
	}
	for _, st := range takers {
		t := taker.Restore(r.lib, r.rng, st)
		id := t.ChannelID()
		r.takers[id] = t
		r.pools[st.PoolID] = id
	}
	r.Log().Infof("Restored %d makers and %d takers", len(makers), len(takers))
}

// InitMaker escrows margin as a new liquidity offer on chainName. While an
// offer on that chain is open, it is returned without escrowing again.
func (r *Registry) InitMaker(ctx context.Context, chainName string, margin int64) (maker.State, error) {
	key := strings.ToLower(chainName)
	v, err, _ := r.flight.Do("init/"+key, func() (any, error) {
		if m := r.openOffer(key); m != nil {
			r.Log().Infof("Offer on %s already escrowed", chainName)
			return m.Snapshot(), nil
		}
		client, err := r.chains.Get(chainName)
		if err != nil {
			return nil, err
		}

		m, err := maker.New(r.lib, r.rng, key, margin, maker.WithRoundTimeout(r.roundTimeout))
		if err != nil {
			return nil, err
		}
		offer := m.Offer()
		r.Log().Infof("Escrowing %d on %s", margin, chainName)
		if _, err := client.EscrowLiquidity(ctx, offer, margin); err != nil {
			return nil, err
		}
		if err := m.MarkEscrowed(); err != nil {
			return nil, err
		}
		if err := m.Listen(); err != nil {
			return nil, err
		}

		pool := offer.PoolID()
		r.mu.Lock()
		r.seed(m.UpdateMarketData)
		r.offers[pool] = m
		r.byName[key] = pool
		r.mu.Unlock()
		r.saveMaker(ctx, pool, m)
		return m.Snapshot(), nil
	})
	if err != nil {
		return maker.State{}, err
	}
	return v.(maker.State), nil
}

func (r *Registry) openOffer(chainKey string) *maker.Maker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.byName[chainKey]
	if !ok {
		return nil
	}
	return r.offers[pool]
}

// HandleOpenChannel routes req to the offer of its merchant key.
func (r *Registry) HandleOpenChannel(ctx context.Context, req channel.OpenChannelRequest) (channel.OpenChannelResponse, error) {
	pool := req.MerchantPublicKey.String()
	r.mu.RLock()
	m, ok := r.offers[pool]
	r.mu.RUnlock()
	if !ok {
		return channel.OpenChannelResponse{}, errors.WithMessagef(ErrMakerNotFound, "pool %s", pool)
	}

	resp, err := m.HandleOpenChannel(req)
	if err != nil {
		return resp, err
	}
	id, _ := m.ChannelID()

	r.mu.Lock()
	delete(r.offers, pool)
	for name, p := range r.byName {
		if p == pool {
			delete(r.byName, name)
		}
	}
	r.makers[id] = m
	r.mu.Unlock()

	r.saveMaker(ctx, pool, m)
	return resp, nil
}

// HandlePayment routes req to the maker of its channel.
func (r *Registry) HandlePayment(ctx context.Context, req channel.PaymentRequest) (channel.PaymentResponse, error) {
	m, err := r.maker(req.ChannelID)
	if err != nil {
		return channel.PaymentResponse{}, err
	}
	resp, err := m.HandlePayment(req)
	if err != nil {
		return resp, err
	}
	r.saveMaker(ctx, m.Offer().PoolID(), m)
	return resp, nil
}

// HandleGeneratePaymentToken routes req to the maker of its channel.
func (r *Registry) HandleGeneratePaymentToken(ctx context.Context, req channel.GeneratePaymentTokenRequest) (channel.GeneratePaymentTokenResponse, error) {
	m, err := r.maker(req.ChannelID)
	if err != nil {
		return channel.GeneratePaymentTokenResponse{}, err
	}
	resp, err := m.HandleGeneratePaymentToken(req)
	if err != nil {
		return resp, err
	}
	r.saveMaker(ctx, m.Offer().PoolID(), m)
	return resp, nil
}

func (r *Registry) maker(channelID string) (*maker.Maker, error) {
	id, err := channel.ParseID(channelID)
	if err != nil {
		return nil, channel.Protocol(channel.ErrInvalidID, channelID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.makers[id]
	if !ok {
		return nil, errors.WithMessagef(ErrMakerNotFound, "channel %s", channelID)
	}
	return m, nil
}

// UpdateMarketData installs a new price snapshot in every engine.
func (r *Registry) UpdateMarketData(u channel.MarketDataUpdate) {
	s := channel.Snapshot{Price: u.AssetPriceUSD, Time: time.Now()}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.market.Update(s)
	for _, m := range r.offers {
		m.UpdateMarketData(s)
	}
	for _, m := range r.makers {
		m.UpdateMarketData(s)
	}
	for _, t := range r.takers {
		t.UpdateMarketData(s)
	}
	r.Log().Debugf("Market data %d pushed to %d engines", s.Price, len(r.offers)+len(r.makers)+len(r.takers))
}

// seed hands the known snapshots to a new engine. Callers hold mu.
func (r *Registry) seed(update func(channel.Snapshot)) {
	if r.market.Previous != nil {
		update(*r.market.Previous)
	}
	if r.market.Latest != nil {
		update(*r.market.Latest)
	}
}

// Makers returns the snapshots of all makers, open offers first.
func (r *Registry) Makers() []maker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]maker.State, 0, len(r.offers)+len(r.makers))
	for _, m := range r.offers {
		out = append(out, m.Snapshot())
	}
	for _, m := range r.makers {
		out = append(out, m.Snapshot())
	}
	return out
}

// Taker returns the snapshot of the taker of channel id.
func (r *Registry) Taker(id channel.ID) (taker.State, error) {
	t, err := r.taker(id)
	if err != nil {
		return taker.State{}, err
	}
	return t.Snapshot(), nil
}

// Takers returns the snapshots of all takers.
func (r *Registry) Takers() []taker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]taker.State, 0, len(r.takers))
	for _, t := range r.takers {
		out = append(out, t.Snapshot())
	}
	return out
}

func (r *Registry) taker(id channel.ID) (*taker.Taker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.takers[id]
	if !ok {
		return nil, errors.WithMessagef(ErrTakerNotFound, "channel %s", channel.FormatID(id))
	}
	return t, nil
}

func (r *Registry) saveMaker(ctx context.Context, pool string, m *maker.Maker) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveMaker(ctx, pool, m.Snapshot()); err != nil {
		r.Log().Errorf("Saving maker %s: %v", pool, err)
	}
}

func (r *Registry) saveTaker(ctx context.Context, t *taker.Taker) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTaker(ctx, t.Snapshot()); err != nil {
		r.Log().Errorf("Saving taker %s: %v", channel.FormatID(t.ChannelID()), err)
	}
}

type lockedReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}
