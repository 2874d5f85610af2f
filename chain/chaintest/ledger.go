// SPDX-License-Identifier: Apache-2.0

// Package chaintest provides an in-memory escrow contract for tests.
package chaintest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/chain"
)

// Ledger is an in-memory chain.Ledger running the escrow contract.
type Ledger struct {
	mu      sync.Mutex
	nonce   uint64
	height  uint64
	pools   []chain.PoolRecord
	calls   map[string]int
	failure map[string]error
}

var _ chain.Ledger = (*Ledger)(nil)

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		pools:   []chain.PoolRecord{},
		calls:   make(map[string]int),
		failure: make(map[string]error),
	}
}

// NewClient returns an escrow client called name on a fresh ledger.
func NewClient(name string) (*chain.EscrowClient, *Ledger) {
	l := NewLedger()
	return chain.NewEscrowClient(name, l), l
}

// Fail makes every following submit of method fail with err. A nil err
// clears the failure.
func (l *Ledger) Fail(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failure, method)
		return
	}
	l.failure[method] = err
}

// Calls returns how often method was submitted or queried.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Pools returns a copy of the stored pools.
func (l *Ledger) Pools() []chain.PoolRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chain.PoolRecord(nil), l.pools...)
}

func (l *Ledger) Nonce(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce + 1, nil
}

func (l *Ledger) LatestReference(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("block-%d", l.height), nil
}

func (l *Ledger) SubmitAndAwait(ctx context.Context, tx chain.Tx) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls[tx.Method]++
	if err := l.failure[tx.Method]; err != nil {
		return chain.Receipt{}, err
	}
	if tx.Nonce != l.nonce+1 {
		return chain.Receipt{}, errors.Errorf("invalid nonce %d, expected %d", tx.Nonce, l.nonce+1)
	}
	if err := l.apply(tx); err != nil {
		return chain.Receipt{}, errors.WithMessage(chain.ErrTxFailed, err.Error())
	}
	l.nonce++
	l.height++
	return chain.Receipt{TxHash: fmt.Sprintf("tx-%d", l.nonce)}, nil
}

func (l *Ledger) QueryView(_ context.Context, method string, _ []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls[method]++
	if err := l.failure[method]; err != nil {
		return nil, err
	}
	if method != chain.MethodShowLiquidity {
		return nil, errors.Errorf("unknown view %s", method)
	}
	return json.Marshal(l.pools)
}

func (l *Ledger) apply(tx chain.Tx) error {
	switch tx.Method {
	case chain.MethodEscrowLiquidity:
		var p chain.LiquidityPayload
		if err := json.Unmarshal(tx.Args, &p); err != nil {
			return err
		}
		if pool := l.pool(p.MerchantPublicKey); pool != nil {
			pool.Total += tx.Deposit
			pool.Available += tx.Deposit
			return nil
		}
		l.pools = append(l.pools, chain.PoolRecord{
			ID:                p.MerchantPublicKey,
			Total:             tx.Deposit,
			Available:         tx.Deposit,
			MerchantPublicKey: p.MerchantPublicKey,
			ChannelState:      p.ChannelState,
			ChannelToken:      p.ChannelToken,
			Escrows:           []chain.EscrowAccount{},
		})
	case chain.MethodEscrowFill:
		var p chain.FillPayload
		if err := json.Unmarshal(tx.Args, &p); err != nil {
			return err
		}
		pool := l.pool(p.MerchantIdentifier)
		if pool == nil {
			return errors.Errorf("no pool %s", p.MerchantIdentifier)
		}
		if pool.Available < tx.Deposit {
			return errors.Errorf("pool %s has %d available, need %d", pool.ID, pool.Available, tx.Deposit)
		}
		pool.Available -= tx.Deposit
		pool.Escrows = append(pool.Escrows, chain.EscrowAccount{
			Amount:            tx.Deposit,
			CustomerPublicKey: p.CustomerPublicKey,
		})
	case chain.MethodCloseEscrow:
		var p chain.ClosePayload
		if err := json.Unmarshal(tx.Args, &p); err != nil {
			return err
		}
		if l.pool(p.MerchantIdentifier) == nil {
			return errors.Errorf("no pool %s", p.MerchantIdentifier)
		}
	default:
		return errors.Errorf("unknown method %s", tx.Method)
	}
	return nil
}

func (l *Ledger) pool(id string) *chain.PoolRecord {
	for i := range l.pools {
		if l.pools[i].ID == id {
			return &l.pools[i]
		}
	}
	return nil
}
