// SPDX-License-Identifier: Apache-2.0

// Package pricefeed polls the reference asset price and pushes it into the
// engines as market data.
package pricefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/channel"
)

const (
	// DefaultInterval is the time between two price polls.
	DefaultInterval = 60 * time.Second
	// DefaultQuote is the currency prices are read in.
	DefaultQuote = "usd"
)

var (
	ErrMissingPrice = errors.New("price missing from response")
	ErrInvalidPrice = errors.New("invalid price")
)

var scale = decimal.NewFromInt(channel.SettlementScale)

type (
	// Feed polls a simple price endpoint that answers with
	// {"<asset>": {"usd": <price>}}.
	Feed struct {
		log.Embedding

		url      string
		asset    string
		quote    string
		interval time.Duration
		client   *http.Client
		limiter  *rate.Limiter
		sink     func(channel.MarketDataUpdate)
	}

	// Option configures a Feed.
	Option func(*Feed)
)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithLimit bounds the request rate, including retries after failures.
func WithLimit(l rate.Limit, burst int) Option {
	return func(f *Feed) { f.limiter = rate.NewLimiter(l, burst) }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Feed) { f.client = c }
}

// New creates a feed of asset served at url. Every price read is passed to
// sink.
func New(url, asset string, sink func(channel.MarketDataUpdate), opts ...Option) *Feed {
	f := &Feed{
		Embedding: log.MakeEmbedding(log.WithField("feed", asset)),
		url:       url,
		asset:     asset,
		quote:     DefaultQuote,
		interval:  DefaultInterval,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		sink:      sink,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Run polls until ctx is done. The first poll happens immediately. Failed
// polls are logged and skipped.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.Log().Warnf("Polling price: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads one price and passes it to the sink.
func (f *Feed) Poll(ctx context.Context) error {
	price, err := f.Fetch(ctx)
	if err != nil {
		return err
	}
	f.Log().Debugf("Price %d", price)
	f.sink(channel.MarketDataUpdate{AssetPriceUSD: price})
	return nil
}

// Fetch reads the current price in fixed point.
func (f *Feed) Fetch(ctx context.Context) (int64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := f.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "requesting price")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, errors.Errorf("price endpoint: %s", res.Status)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "decoding price")
	}
	p, ok := body[f.asset][f.quote]
	if !ok {
		return 0, errors.WithMessagef(ErrMissingPrice, "%s/%s", f.asset, f.quote)
	}
	return ToFixed(p)
}

// ToFixed converts p to the fixed point scale of the settlement, dropping
// digits beyond it.
func ToFixed(p decimal.Decimal) (int64, error) {
	if !p.IsPositive() {
		return 0, errors.WithMessage(ErrInvalidPrice, p.String())
	}
	v := p.Mul(scale)
	if !v.IsInteger() {
		v = v.Truncate(0)
	}
	if v.IsZero() {
		return 0, errors.WithMessagef(ErrInvalidPrice, "%s below resolution", p)
	}
	return v.IntPart(), nil
}
