// SPDX-License-Identifier: Apache-2.0

// Package icp runs the escrow operations against an escrow canister on the
// Internet Computer. Deposits are ICP ledger transfers to the canister that
// are referenced by block index in the following invoke call.
package icp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/aviate-labs/agent-go"
	"github.com/aviate-labs/agent-go/ic/icpledger"
	"github.com/aviate-labs/agent-go/identity"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/chain"
)

// Kind is the registry kind of the adapter.
const Kind = "icp"

// DefaultFee is the ICP ledger transfer fee in e8s.
const DefaultFee = 10_000

// Ledger implements chain.Ledger for an escrow canister.
type Ledger struct {
	log.Embedding

	escrow   *EscrowAgent
	ledger   *icpledger.Agent
	escrowID principal.Principal
	account  string
	fee      uint64
}

var _ chain.Ledger = (*Ledger)(nil)

// Factory builds an ICP escrow client.
func Factory(cfg chain.Config) (chain.Client, error) {
	l, err := NewLedger(cfg)
	if err != nil {
		return nil, err
	}
	return chain.NewEscrowClient(cfg.Name, l), nil
}

// NewLedger connects to the escrow canister and, if configured, the ICP
// ledger canister.
func NewLedger(cfg chain.Config) (*Ledger, error) {
	host, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parsing endpoint")
	}
	escrowID, err := principal.Decode(cfg.Contract)
	if err != nil {
		return nil, errors.Wrap(err, "decoding escrow principal")
	}

	agentCfg := agent.Config{
		ClientConfig: &agent.ClientConfig{Host: host},
		FetchRootKey: true,
	}
	account := cfg.Account
	if cfg.KeyFile != "" {
		id, err := NewIdentity(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		agentCfg.Identity = id
		if account == "" {
			account = id.Sender().String()
		}
	}
	if account == "" {
		return nil, errors.New("account or key_file is required")
	}

	escrow, err := NewEscrowAgent(escrowID, agentCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating escrow agent")
	}
	l := &Ledger{
		Embedding: log.MakeEmbedding(log.WithField("icp", account)),
		escrow:    escrow,
		escrowID:  escrowID,
		account:   account,
		fee:       DefaultFee,
	}

	if cfg.Ledger != "" {
		ledgerID, err := principal.Decode(cfg.Ledger)
		if err != nil {
			return nil, errors.Wrap(err, "decoding ledger principal")
		}
		if l.ledger, err = icpledger.NewAgent(ledgerID, agentCfg); err != nil {
			return nil, errors.Wrap(err, "creating ledger agent")
		}
	}
	return l, nil
}

// NewIdentity loads a secp256k1 identity from a PEM file.
func NewIdentity(path string) (identity.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading identity")
	}
	id, err := identity.NewSecp256k1IdentityFromPEM(data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding identity")
	}
	return id, nil
}

func (l *Ledger) Nonce(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.escrow.NextNonce(l.account)
}

func (l *Ledger) LatestReference(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h, err := l.escrow.CertifiedHeight()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(h, 10), nil
}

// SubmitAndAwait transfers the deposit to the escrow canister, then invokes
// the method. Update calls return once the reply is certified.
func (l *Ledger) SubmitAndAwait(ctx context.Context, tx chain.Tx) (chain.Receipt, error) {
	req := InvokeRequest{
		Nonce:     tx.Nonce,
		Reference: tx.Reference,
		Method:    tx.Method,
		Payload:   base64.StdEncoding.EncodeToString(tx.Args),
	}
	if tx.Deposit > 0 {
		block, err := l.transfer(ctx, tx.Nonce, uint64(tx.Deposit))
		if err != nil {
			return chain.Receipt{}, err
		}
		req.Block = &block
	}
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}

	res, err := l.escrow.Invoke(req)
	if err != nil {
		return chain.Receipt{}, errors.Wrap(err, "invoking escrow")
	}
	if !res.Ok {
		return chain.Receipt{}, errors.WithMessage(chain.ErrTxFailed, res.Detail)
	}
	return chain.Receipt{TxHash: fmt.Sprintf("%s/%d", l.account, tx.Nonce), Result: res.Detail}, nil
}

func (l *Ledger) transfer(ctx context.Context, memo, amount uint64) (uint64, error) {
	if l.ledger == nil {
		return 0, errors.New("deposit needs a ledger canister")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sub := icpledger.SubAccount(principal.DefaultSubAccount[:])
	res, err := l.ledger.Transfer(icpledger.TransferArgs{
		Memo:           memo,
		Amount:         icpledger.Tokens{E8s: amount},
		Fee:            icpledger.Tokens{E8s: l.fee},
		FromSubaccount: &sub,
		To:             l.escrowID.AccountIdentifier(principal.DefaultSubAccount).Bytes(),
		CreatedAtTime:  &icpledger.TimeStamp{TimestampNanos: uint64(time.Now().UnixNano())},
	})
	if err != nil {
		return 0, errors.Wrap(err, "transferring deposit")
	}
	if res.Err != nil {
		return 0, transferError(res.Err)
	}
	if res.Ok == nil {
		return 0, errors.New("transfer returned no block index")
	}
	l.Log().Debugf("Deposit of %d e8s in block %d", amount, *res.Ok)
	return uint64(*res.Ok), nil
}

func transferError(err *icpledger.TransferError) error {
	switch {
	case err.BadFee != nil:
		return errors.Errorf("transfer: bad fee, expected %v", err.BadFee.ExpectedFee)
	case err.InsufficientFunds != nil:
		return errors.Errorf("transfer: insufficient funds, balance %v", err.InsufficientFunds.Balance)
	case err.TxTooOld != nil:
		return errors.Errorf("transfer: too old, window %v ns", err.TxTooOld.AllowedWindowNanos)
	case err.TxCreatedInFuture != nil:
		return errors.New("transfer: created in the future")
	case err.TxDuplicate != nil:
		return errors.Errorf("transfer: duplicate of block %v", err.TxDuplicate.DuplicateOf)
	default:
		return errors.New("transfer failed")
	}
}

func (l *Ledger) QueryView(ctx context.Context, method string, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := l.escrow.View(ViewRequest{Method: method, Args: string(args)})
	if err != nil {
		return nil, err
	}
	return []byte(res), nil
}
