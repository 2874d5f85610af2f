// SPDX-License-Identifier: Apache-2.0

// Package near talks to a NEAR escrow contract over JSON-RPC.
package near

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jpillora/backoff"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/wallet"
)

// Kind is the registry kind of the adapter.
const Kind = "near"

const (
	DefaultGas          = 100_000_000_000_000
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = time.Minute

	keyPrefix = "ed25519:"
)

// Ledger implements chain.Ledger for NEAR.
type Ledger struct {
	log.Embedding

	rpc      *rpc.Client
	account  string
	contract string
	key      wallet.Account
	gas      uint64
	poll     time.Duration
	timeout  time.Duration
}

var _ chain.Ledger = (*Ledger)(nil)

type (
	accessKeyView struct {
		Nonce     uint64 `json:"nonce"`
		BlockHash string `json:"block_hash"`
		Error     string `json:"error"`
	}

	statusView struct {
		SyncInfo struct {
			LatestBlockHash   string `json:"latest_block_hash"`
			LatestBlockHeight uint64 `json:"latest_block_height"`
		} `json:"sync_info"`
	}

	callView struct {
		Result []int    `json:"result"`
		Logs   []string `json:"logs"`
		Error  string   `json:"error"`
	}

	txView struct {
		Status map[string]json.RawMessage `json:"status"`
	}

	credentials struct {
		AccountID  string `json:"account_id"`
		PrivateKey string `json:"private_key"`
	}
)

// Factory builds a NEAR escrow client.
func Factory(cfg chain.Config) (chain.Client, error) {
	l, err := NewLedger(cfg)
	if err != nil {
		return nil, err
	}
	return chain.NewEscrowClient(cfg.Name, l), nil
}

// NewLedger dials the endpoint and loads the signing key.
func NewLedger(cfg chain.Config) (*Ledger, error) {
	secret, account := cfg.SecretKey, cfg.Account
	if cfg.KeyFile != "" {
		raw, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading key file")
		}
		var c credentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "decoding key file")
		}
		secret = c.PrivateKey
		if account == "" {
			account = c.AccountID
		}
	}
	key, err := ParseSecretKey(secret)
	if err != nil {
		return nil, err
	}
	if account == "" || cfg.Contract == "" {
		return nil, errors.New("account and contract are required")
	}

	client, err := rpc.DialHTTP(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "dialing rpc")
	}

	l := &Ledger{
		Embedding: log.MakeEmbedding(log.WithField("near", account)),
		rpc:       client,
		account:   account,
		contract:  cfg.Contract,
		key:       key,
		gas:       cfg.Gas,
		poll:      cfg.PollInterval,
		timeout:   cfg.Timeout,
	}
	if l.gas == 0 {
		l.gas = DefaultGas
	}
	if l.poll == 0 {
		l.poll = DefaultPollInterval
	}
	if l.timeout == 0 {
		l.timeout = DefaultTimeout
	}
	return l, nil
}

// ParseSecretKey decodes a key of the form ed25519:<base58>.
func ParseSecretKey(s string) (wallet.Account, error) {
	raw, err := base58.Decode(strings.TrimPrefix(s, keyPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "decoding secret key")
	}
	return wallet.AccountFromBytes(raw)
}

// FormatSecretKey encodes acc in the form ParseSecretKey reads.
func FormatSecretKey(acc wallet.Account) string {
	return keyPrefix + base58.Encode(acc)
}

// FormatPublicKey encodes pk in the ed25519:<base58> form.
func FormatPublicKey(pk wallet.Address) string {
	return keyPrefix + base58.Encode(pk)
}

func (l *Ledger) Nonce(ctx context.Context) (uint64, error) {
	var v accessKeyView
	path := "access_key/" + l.account + "/" + FormatPublicKey(l.key.PublicKey())
	if err := l.rpc.CallContext(ctx, &v, "query", path, ""); err != nil {
		return 0, err
	}
	if v.Error != "" {
		return 0, errors.New(v.Error)
	}
	return v.Nonce + 1, nil
}

func (l *Ledger) LatestReference(ctx context.Context) (string, error) {
	var v statusView
	if err := l.rpc.CallContext(ctx, &v, "status", []any{}...); err != nil {
		return "", err
	}
	if v.SyncInfo.LatestBlockHash == "" {
		return "", errors.New("empty block hash")
	}
	return v.SyncInfo.LatestBlockHash, nil
}

func (l *Ledger) SubmitAndAwait(ctx context.Context, t chain.Tx) (chain.Receipt, error) {
	if t.Deposit < 0 {
		return chain.Receipt{}, errors.Errorf("negative deposit %d", t.Deposit)
	}
	blockHash, err := base58.Decode(t.Reference)
	if err != nil || len(blockHash) != 32 {
		return chain.Receipt{}, errors.Errorf("invalid block hash %q", t.Reference)
	}

	pk, err := newPublicKey(l.key.PublicKey())
	if err != nil {
		return chain.Receipt{}, err
	}
	tx := transaction{
		SignerID:   l.account,
		PublicKey:  pk,
		Nonce:      t.Nonce,
		ReceiverID: l.contract,
		Actions: []action{callAction(functionCall{
			MethodName: t.Method,
			Args:       t.Args,
			Gas:        l.gas,
			Deposit:    *big.NewInt(t.Deposit),
		})},
	}
	copy(tx.BlockHash[:], blockHash)
	signed, hash, err := tx.sign(l.key)
	if err != nil {
		return chain.Receipt{}, errors.Wrap(err, "signing tx")
	}

	var sent string
	if err := l.rpc.CallContext(ctx, &sent, "broadcast_tx_async", base64.StdEncoding.EncodeToString(signed)); err != nil {
		return chain.Receipt{}, errors.Wrap(err, "broadcasting tx")
	}
	if want := base58.Encode(hash[:]); sent != want {
		l.Log().Warnf("Node returned tx hash %s, computed %s", sent, want)
	}

	result, err := l.await(ctx, sent)
	if err != nil {
		return chain.Receipt{}, err
	}
	return chain.Receipt{TxHash: sent, Result: result}, nil
}

// await polls the tx status until it is final.
func (l *Ledger) await(ctx context.Context, hash string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	b := &backoff.Backoff{Min: l.poll, Max: 8 * l.poll, Factor: 2}
	for {
		var v txView
		err := l.rpc.CallContext(ctx, &v, "tx", hash, l.account)
		if err == nil {
			if raw, ok := v.Status["SuccessValue"]; ok {
				return decodeSuccess(raw)
			}
			if raw, ok := v.Status["Failure"]; ok {
				return "", errors.WithMessage(chain.ErrTxFailed, string(raw))
			}
		} else {
			l.Log().Debugf("Tx %s not final: %v", hash, err)
		}

		select {
		case <-ctx.Done():
			return "", errors.Wrapf(ctx.Err(), "awaiting tx %s", hash)
		case <-time.After(b.Duration()):
		}
	}
}

func decodeSuccess(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.Wrap(err, "decoding success value")
	}
	out, err := base64.StdEncoding.DecodeString(s)
	return string(out), errors.Wrap(err, "decoding success value")
}

func (l *Ledger) QueryView(ctx context.Context, method string, args []byte) ([]byte, error) {
	var v callView
	path := "call/" + l.contract + "/" + method
	if err := l.rpc.CallContext(ctx, &v, "query", path, base58.Encode(args)); err != nil {
		return nil, err
	}
	if v.Error != "" {
		return nil, errors.New(v.Error)
	}
	out := make([]byte, len(v.Result))
	for i, b := range v.Result {
		out[i] = byte(b)
	}
	return out, nil
}

// Close closes the rpc connection.
func (l *Ledger) Close() {
	l.rpc.Close()
}
