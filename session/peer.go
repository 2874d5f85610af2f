// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"perun.network/perun-perp-backend/channel"
)

// Loopback is a Peer served by the maker side of a registry in the same
// process.
type Loopback struct {
	Maker *Registry
}

var _ Peer = Loopback{}

func (l Loopback) OpenChannel(ctx context.Context, req channel.OpenChannelRequest) (channel.OpenChannelResponse, error) {
	return l.Maker.HandleOpenChannel(ctx, req)
}

func (l Loopback) Pay(ctx context.Context, req channel.PaymentRequest) (channel.PaymentResponse, error) {
	return l.Maker.HandlePayment(ctx, req)
}

func (l Loopback) PaymentToken(ctx context.Context, req channel.GeneratePaymentTokenRequest) (channel.GeneratePaymentTokenResponse, error) {
	return l.Maker.HandleGeneratePaymentToken(ctx, req)
}
