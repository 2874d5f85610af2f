// SPDX-License-Identifier: Apache-2.0

// Package cosmos talks to an escrow module of a Cosmos-SDK chain through the
// legacy LCD REST interface with amino JSON signing.
package cosmos

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/chain"
)

// Kind is the registry kind of the adapter.
const Kind = "cosmos"

const (
	DefaultGas          = 200_000
	DefaultDenom        = "stake"
	DefaultPollInterval = time.Second
	DefaultTimeout      = time.Minute

	msgType    = "escrow/MsgInvoke"
	pubKeyType = "tendermint/PubKeySecp256k1"
)

// Ledger implements chain.Ledger for the legacy LCD API.
type Ledger struct {
	log.Embedding

	http     *http.Client
	endpoint string
	address  string
	chainID  string
	denom    string
	gas      uint64
	key      *ecdsa.PrivateKey
	poll     time.Duration
	timeout  time.Duration

	accountNumber atomic.Uint64
}

var _ chain.Ledger = (*Ledger)(nil)

type (
	coin struct {
		Amount string `json:"amount"`
		Denom  string `json:"denom"`
	}

	stdFee struct {
		Amount []coin `json:"amount"`
		Gas    string `json:"gas"`
	}

	// invokeValue fields are sorted to produce the canonical amino JSON.
	invokeValue struct {
		Deposit []coin `json:"deposit"`
		Method  string `json:"method"`
		Payload string `json:"payload"`
		Sender  string `json:"sender"`
	}

	stdMsg struct {
		Type  string      `json:"type"`
		Value invokeValue `json:"value"`
	}

	// stdSignDoc fields are sorted to produce the canonical amino JSON.
	stdSignDoc struct {
		AccountNumber string   `json:"account_number"`
		ChainID       string   `json:"chain_id"`
		Fee           stdFee   `json:"fee"`
		Memo          string   `json:"memo"`
		Msgs          []stdMsg `json:"msgs"`
		Sequence      string   `json:"sequence"`
	}

	pubKey struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}

	stdSignature struct {
		PubKey    pubKey `json:"pub_key"`
		Signature string `json:"signature"`
	}

	stdTx struct {
		Msg        []stdMsg       `json:"msg"`
		Fee        stdFee         `json:"fee"`
		Signatures []stdSignature `json:"signatures"`
		Memo       string         `json:"memo"`
	}

	broadcastReq struct {
		Tx   stdTx  `json:"tx"`
		Mode string `json:"mode"`
	}

	broadcastRes struct {
		TxHash string `json:"txhash"`
		Code   uint32 `json:"code"`
		RawLog string `json:"raw_log"`
	}

	accountRes struct {
		Result struct {
			Value struct {
				AccountNumber string `json:"account_number"`
				Sequence      string `json:"sequence"`
			} `json:"value"`
		} `json:"result"`
	}

	blockRes struct {
		Block struct {
			Header struct {
				Height  string `json:"height"`
				ChainID string `json:"chain_id"`
			} `json:"header"`
		} `json:"block"`
	}

	viewRes struct {
		Result json.RawMessage `json:"result"`
	}
)

// Factory builds a Cosmos escrow client.
func Factory(cfg chain.Config) (chain.Client, error) {
	l, err := NewLedger(cfg)
	if err != nil {
		return nil, err
	}
	return chain.NewEscrowClient(cfg.Name, l), nil
}

// NewLedger loads the secp256k1 key and prepares the REST client.
func NewLedger(cfg chain.Config) (*Ledger, error) {
	secret := cfg.SecretKey
	if cfg.KeyFile != "" {
		raw, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading key file")
		}
		secret = strings.TrimSpace(string(raw))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "decoding secp256k1 key")
	}
	if cfg.Account == "" || cfg.ChainID == "" {
		return nil, errors.New("account and chain_id are required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, errors.Wrap(err, "parsing endpoint")
	}

	l := &Ledger{
		Embedding: log.MakeEmbedding(log.WithField("cosmos", cfg.Account)),
		http:      &http.Client{Timeout: 30 * time.Second},
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		address:   cfg.Account,
		chainID:   cfg.ChainID,
		denom:     cfg.Denom,
		gas:       cfg.Gas,
		key:       key,
		poll:      cfg.PollInterval,
		timeout:   cfg.Timeout,
	}
	if l.denom == "" {
		l.denom = DefaultDenom
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

func (l *Ledger) Nonce(ctx context.Context) (uint64, error) {
	var res accountRes
	if err := l.get(ctx, "/auth/accounts/"+l.address, &res); err != nil {
		return 0, err
	}
	num, err := strconv.ParseUint(res.Result.Value.AccountNumber, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parsing account number")
	}
	seq, err := strconv.ParseUint(res.Result.Value.Sequence, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parsing sequence")
	}
	l.accountNumber.Store(num)
	return seq, nil
}

func (l *Ledger) LatestReference(ctx context.Context) (string, error) {
	var res blockRes
	if err := l.get(ctx, "/blocks/latest", &res); err != nil {
		return "", err
	}
	if id := res.Block.Header.ChainID; id != "" && id != l.chainID {
		return "", errors.Errorf("connected to chain %s, configured %s", id, l.chainID)
	}
	return res.Block.Header.Height, nil
}

func (l *Ledger) SubmitAndAwait(ctx context.Context, t chain.Tx) (chain.Receipt, error) {
	msg := stdMsg{Type: msgType, Value: invokeValue{
		Deposit: []coin{},
		Method:  t.Method,
		Payload: base64.StdEncoding.EncodeToString(t.Args),
		Sender:  l.address,
	}}
	if t.Deposit > 0 {
		msg.Value.Deposit = []coin{{Amount: strconv.FormatInt(t.Deposit, 10), Denom: l.denom}}
	}
	fee := stdFee{Amount: []coin{}, Gas: strconv.FormatUint(l.gas, 10)}
	memo := "ref:" + t.Reference

	doc := stdSignDoc{
		AccountNumber: strconv.FormatUint(l.accountNumber.Load(), 10),
		ChainID:       l.chainID,
		Fee:           fee,
		Memo:          memo,
		Msgs:          []stdMsg{msg},
		Sequence:      strconv.FormatUint(t.Nonce, 10),
	}
	sig, err := l.sign(doc)
	if err != nil {
		return chain.Receipt{}, err
	}

	req := broadcastReq{Mode: "sync", Tx: stdTx{
		Msg:        []stdMsg{msg},
		Fee:        fee,
		Signatures: []stdSignature{sig},
		Memo:       memo,
	}}
	var res broadcastRes
	if err := l.post(ctx, "/txs", req, &res); err != nil {
		return chain.Receipt{}, errors.WithMessage(err, "broadcasting tx")
	}
	if res.Code != 0 {
		return chain.Receipt{}, errors.WithMessagef(chain.ErrTxFailed, "code %d: %s", res.Code, res.RawLog)
	}
	return l.await(ctx, res.TxHash)
}

// signBytes returns the canonical sign bytes of doc.
func signBytes(doc stdSignDoc) ([]byte, error) {
	return json.Marshal(doc)
}

func (l *Ledger) sign(doc stdSignDoc) (stdSignature, error) {
	raw, err := signBytes(doc)
	if err != nil {
		return stdSignature{}, err
	}
	h := sha256.Sum256(raw)
	sig, err := crypto.Sign(h[:], l.key)
	if err != nil {
		return stdSignature{}, errors.Wrap(err, "signing tx")
	}
	return stdSignature{
		PubKey: pubKey{
			Type:  pubKeyType,
			Value: base64.StdEncoding.EncodeToString(crypto.CompressPubkey(&l.key.PublicKey)),
		},
		// Cosmos expects R || S without the recovery id.
		Signature: base64.StdEncoding.EncodeToString(sig[:64]),
	}, nil
}

func (l *Ledger) await(ctx context.Context, hash string) (chain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	b := &backoff.Backoff{Min: l.poll, Max: 8 * l.poll, Factor: 2}
	for {
		var res broadcastRes
		err := l.get(ctx, "/txs/"+hash, &res)
		switch {
		case err == nil && res.Code == 0:
			return chain.Receipt{TxHash: hash, Result: res.RawLog}, nil
		case err == nil:
			return chain.Receipt{}, errors.WithMessagef(chain.ErrTxFailed, "code %d: %s", res.Code, res.RawLog)
		default:
			l.Log().Debugf("Tx %s not final: %v", hash, err)
		}

		select {
		case <-ctx.Done():
			return chain.Receipt{}, errors.Wrapf(ctx.Err(), "awaiting tx %s", hash)
		case <-time.After(b.Duration()):
		}
	}
}

func (l *Ledger) QueryView(ctx context.Context, method string, args []byte) ([]byte, error) {
	q := url.Values{"args": {base64.StdEncoding.EncodeToString(args)}}
	var res viewRes
	if err := l.get(ctx, "/escrow/"+url.PathEscape(method)+"?"+q.Encode(), &res); err != nil {
		return nil, err
	}
	return res.Result, nil
}

func (l *Ledger) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint+path, nil)
	if err != nil {
		return err
	}
	return l.do(req, out)
}

func (l *Ledger) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return l.do(req, out)
}

func (l *Ledger) do(req *http.Request, out any) error {
	res, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	if res.StatusCode != http.StatusOK {
		return errors.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, res.Status, bytes.TrimSpace(body))
	}
	return errors.Wrap(json.Unmarshal(body, out), "decoding response")
}
