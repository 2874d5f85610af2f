// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/channel"
)

type (
	// Ledger is the set of primitives a chain family has to provide.
	Ledger interface {
		// Nonce returns the next sequence number of the signing account.
		Nonce(ctx context.Context) (uint64, error)
		// LatestReference returns the latest finalized block reference.
		LatestReference(ctx context.Context) (string, error)
		// SubmitAndAwait signs and sends tx and waits for its final status.
		SubmitAndAwait(ctx context.Context, tx Tx) (Receipt, error)
		// QueryView calls a read-only contract method.
		QueryView(ctx context.Context, method string, args []byte) ([]byte, error)
	}

	// Tx is an escrow contract invocation.
	Tx struct {
		Nonce     uint64
		Reference string
		Method    string
		Args      []byte
		// Deposit is attached to the call in the native token.
		Deposit int64
	}

	// EscrowClient implements Client on top of a Ledger.
	EscrowClient struct {
		log.Embedding

		name   string
		ledger Ledger
	}
)

var _ Client = (*EscrowClient)(nil)

// NewEscrowClient returns a Client called name that talks to ledger.
func NewEscrowClient(name string, ledger Ledger) *EscrowClient {
	return &EscrowClient{
		Embedding: log.MakeEmbedding(log.WithField("chain", name)),
		name:      name,
		ledger:    ledger,
	}
}

func (c *EscrowClient) Name() string { return c.name }

func (c *EscrowClient) EscrowLiquidity(ctx context.Context, offer Offer, amount int64) (Receipt, error) {
	payload, err := NewLiquidityPayload(offer)
	if err != nil {
		return Receipt{}, NewError(c.name, MethodEscrowLiquidity, err)
	}
	return c.submit(ctx, MethodEscrowLiquidity, payload, amount)
}

func (c *EscrowClient) EscrowFill(ctx context.Context, fill Fill, merchant string, amount int64) (Receipt, error) {
	payload := FillPayload{
		MerchantIdentifier: merchant,
		CustomerPublicKey:  fill.CustomerPublicKey.String(),
		WalletCommitment:   base64.StdEncoding.EncodeToString(fill.WalletCommitment),
	}
	return c.submit(ctx, MethodEscrowFill, payload, amount)
}

func (c *EscrowClient) CloseEscrow(ctx context.Context, merchant string, msg channel.CloseMessage) (Receipt, error) {
	payload := ClosePayload{
		MerchantIdentifier: merchant,
		CloseMessage:       base64.StdEncoding.EncodeToString(msg),
	}
	return c.submit(ctx, MethodCloseEscrow, payload, 0)
}

func (c *EscrowClient) ListLiquidityPools(ctx context.Context) ([]Pool, error) {
	raw, err := c.ledger.QueryView(ctx, MethodShowLiquidity, []byte("{}"))
	if err != nil {
		return nil, NewError(c.name, MethodShowLiquidity, err)
	}
	pools, err := DecodePools(raw)
	if err != nil {
		return nil, NewError(c.name, MethodShowLiquidity, err)
	}
	return pools, nil
}

func (c *EscrowClient) submit(ctx context.Context, method string, payload any, deposit int64) (Receipt, error) {
	args, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, NewError(c.name, method, err)
	}

	tx := Tx{Method: method, Args: args, Deposit: deposit}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		tx.Nonce, err = c.ledger.Nonce(gctx)
		return errors.WithMessage(err, "fetching nonce")
	})
	g.Go(func() (err error) {
		tx.Reference, err = c.ledger.LatestReference(gctx)
		return errors.WithMessage(err, "fetching latest block")
	})
	if err := g.Wait(); err != nil {
		return Receipt{}, NewError(c.name, method, err)
	}

	c.Log().WithField("method", method).Debugf("Submitting tx with nonce %d at %s", tx.Nonce, tx.Reference)
	rcpt, err := c.ledger.SubmitAndAwait(ctx, tx)
	if err != nil {
		return Receipt{}, NewError(c.name, method, err)
	}
	rcpt.Chain = c.name
	c.Log().WithField("method", method).Infof("Tx %s final", rcpt.TxHash)
	return rcpt, nil
}
