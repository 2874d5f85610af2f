// SPDX-License-Identifier: Apache-2.0

// Package edlib is a transparent reference implementation of
// chancrypto.Library. Commitments are blake2b hashes, proofs reveal the
// opening, and tokens are plain ed25519 signatures of the merchant. It
// provides the message flow of a blind-signature channel without any of its
// privacy.
package edlib

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"perun.network/perun-perp-backend/chancrypto"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/wallet"
)

// ParamsLen is the length of the random channel parameters.
const ParamsLen = 32

const (
	tagClose   = "close"
	tagPay     = "pay"
	tagRevoke  = "revoke"
	tagCommit  = "wallet"
	tagClosing = "closing"
)

// Library implements chancrypto.Library.
type Library struct{}

var _ chancrypto.Library = Library{}

type (
	// opening reveals a committed wallet.
	opening struct {
		WalletKey wallet.Address `json:"wpk"`
		CustBal   int64          `json:"bc"`
		MerchBal  int64          `json:"bm"`
		Rand      []byte         `json:"r"`
	}

	walletSecret struct {
		Seed []byte `json:"seed"`
		opening
	}

	customerSecret struct {
		Key        []byte       `json:"key"`
		Wallet     walletSecret `json:"wallet"`
		CloseToken []byte       `json:"close_token,omitempty"`
		PayToken   []byte       `json:"pay_token,omitempty"`
	}

	merchantSecret struct {
		Key     []byte            `json:"key"`
		Pending map[string][]byte `json:"pending"`
		Revoked map[string]bool   `json:"revoked"`
	}

	paymentProof struct {
		Old      opening `json:"old"`
		PayToken []byte  `json:"pay_token"`
		New      opening `json:"new"`
	}

	revokeToken struct {
		WalletKey wallet.Address `json:"wpk"`
		Sig       []byte         `json:"sig"`
	}

	// CloseMessage is the decoded form of the closing artifact.
	CloseMessage struct {
		ChannelID  []byte         `json:"channel_id"`
		WalletKey  wallet.Address `json:"wpk"`
		CustBal    int64          `json:"bc"`
		MerchBal   int64          `json:"bm"`
		Commitment []byte         `json:"commitment"`
		CloseToken []byte         `json:"close_token"`
		Sig        []byte         `json:"sig"`
	}
)

func (Library) NewMerchant(rng io.Reader, _ channel.State) (channel.Token, chancrypto.MerchantSecret, error) {
	acc, err := wallet.NewAccount(rng)
	if err != nil {
		return channel.Token{}, nil, err
	}
	params := make([]byte, ParamsLen)
	if _, err := io.ReadFull(rng, params); err != nil {
		return channel.Token{}, nil, errors.Wrap(err, "reading channel params")
	}
	ms := merchantSecret{
		Key:     acc.Seed(),
		Pending: make(map[string][]byte),
		Revoked: make(map[string]bool),
	}
	blob, err := json.Marshal(ms)
	return channel.Token{MerchantKey: acc.PublicKey(), Params: params}, blob, err
}

func (Library) NewCustomer(rng io.Reader, _ channel.Token, custBal, merchBal int64) (wallet.Address, chancrypto.CustomerSecret, error) {
	if custBal < 0 || merchBal < 0 {
		return nil, nil, errors.WithMessage(chancrypto.ErrInsufficientFunds, "negative initial balance")
	}
	acc, err := wallet.NewAccount(rng)
	if err != nil {
		return nil, nil, err
	}
	w, err := newWallet(rng, custBal, merchBal)
	if err != nil {
		return nil, nil, err
	}
	blob, err := json.Marshal(customerSecret{Key: acc.Seed(), Wallet: w})
	return acc.PublicKey(), blob, err
}

func (Library) Commit(cs chancrypto.CustomerSecret, tok channel.Token) (channel.Commitment, channel.CommitmentProof, error) {
	s, err := decodeCustomer(cs)
	if err != nil {
		return nil, nil, err
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, nil, err
	}
	proof, err := json.Marshal(s.Wallet.opening)
	if err != nil {
		return nil, nil, err
	}
	return s.Wallet.commit(id), proof, nil
}

func (Library) Establish(ms chancrypto.MerchantSecret, tok channel.Token, com channel.Commitment,
	proof channel.CommitmentProof, margin, orderSize int64,
) (channel.CloseToken, channel.PayToken, chancrypto.MerchantSecret, error) {
	m, acc, err := decodeMerchant(ms)
	if err != nil {
		return nil, nil, nil, err
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, nil, nil, err
	}
	var o opening
	if err := json.Unmarshal(proof, &o); err != nil {
		return nil, nil, nil, errors.WithMessage(chancrypto.ErrMalformed, err.Error())
	}
	if !equalBytes(o.commit(id), com) {
		return nil, nil, nil, chancrypto.ErrInvalidOpening
	}
	if o.CustBal != margin || o.MerchBal != orderSize {
		return nil, nil, nil, errors.WithMessagef(chancrypto.ErrBalanceMismatch,
			"opening (%d, %d), request (%d, %d)", o.CustBal, o.MerchBal, margin, orderSize)
	}
	if m.Revoked[o.WalletKey.String()] {
		return nil, nil, nil, chancrypto.ErrRevoked
	}

	ct, err := acc.SignData(tagged(tagClose, id, com))
	if err != nil {
		return nil, nil, nil, err
	}
	pt, err := acc.SignData(tagged(tagPay, id, com))
	if err != nil {
		return nil, nil, nil, err
	}
	return ct, pt, ms, nil
}

func (Library) VerifyCloseToken(cs chancrypto.CustomerSecret, tok channel.Token, ct channel.CloseToken) (chancrypto.CustomerSecret, error) {
	s, err := decodeCustomer(cs)
	if err != nil {
		return nil, err
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, err
	}
	if !verify(tok.MerchantKey, tagged(tagClose, id, s.Wallet.commit(id)), ct) {
		return nil, errors.WithMessage(chancrypto.ErrInvalidSignature, "close token")
	}
	s.CloseToken = append([]byte(nil), ct...)
	return json.Marshal(s)
}

func (Library) VerifyPayToken(cs chancrypto.CustomerSecret, tok channel.Token, pt channel.PayToken) (chancrypto.CustomerSecret, error) {
	s, err := decodeCustomer(cs)
	if err != nil {
		return nil, err
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, err
	}
	if !verify(tok.MerchantKey, tagged(tagPay, id, s.Wallet.commit(id)), pt) {
		return nil, errors.WithMessage(chancrypto.ErrInvalidSignature, "pay token")
	}
	s.PayToken = append([]byte(nil), pt...)
	return json.Marshal(s)
}

func (Library) Pay(rng io.Reader, cs chancrypto.CustomerSecret, tok channel.Token, amount int64) (channel.PaymentProof, chancrypto.CustomerSecret, error) {
	s, err := decodeCustomer(cs)
	if err != nil {
		return channel.PaymentProof{}, nil, err
	}
	if len(s.PayToken) == 0 {
		return channel.PaymentProof{}, nil, errors.WithMessage(chancrypto.ErrNoToken, "pay token")
	}
	bc, bm := s.Wallet.CustBal-amount, s.Wallet.MerchBal+amount
	if bc < 0 || bm < 0 {
		return channel.PaymentProof{}, nil, errors.WithMessagef(chancrypto.ErrInsufficientFunds,
			"paying %d from (%d, %d)", amount, s.Wallet.CustBal, s.Wallet.MerchBal)
	}
	next, err := newWallet(rng, bc, bm)
	if err != nil {
		return channel.PaymentProof{}, nil, err
	}
	proof, err := json.Marshal(paymentProof{Old: s.Wallet.opening, PayToken: s.PayToken, New: next.opening})
	if err != nil {
		return channel.PaymentProof{}, nil, err
	}
	pending, err := json.Marshal(customerSecret{Key: s.Key, Wallet: next})
	if err != nil {
		return channel.PaymentProof{}, nil, err
	}
	return channel.PaymentProof{Amount: amount, Proof: proof}, pending, nil
}

func (Library) VerifyPayment(ms chancrypto.MerchantSecret, tok channel.Token, p channel.PaymentProof) (channel.CloseToken, chancrypto.MerchantSecret, error) {
	m, acc, err := decodeMerchant(ms)
	if err != nil {
		return nil, nil, err
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, nil, err
	}
	var pp paymentProof
	if err := json.Unmarshal(p.Proof, &pp); err != nil {
		return nil, nil, errors.WithMessage(chancrypto.ErrMalformed, err.Error())
	}

	old := pp.Old.WalletKey.String()
	if m.Revoked[old] {
		return nil, nil, chancrypto.ErrRevoked
	}
	if _, ok := m.Pending[old]; ok {
		return nil, nil, errors.WithMessage(chancrypto.ErrRevoked, "wallet already spent")
	}
	oldCom := pp.Old.commit(id)
	if !verify(tok.MerchantKey, tagged(tagPay, id, oldCom), pp.PayToken) {
		return nil, nil, errors.WithMessage(chancrypto.ErrInvalidSignature, "pay token")
	}
	if pp.New.CustBal != pp.Old.CustBal-p.Amount || pp.New.MerchBal != pp.Old.MerchBal+p.Amount {
		return nil, nil, errors.WithMessagef(chancrypto.ErrBalanceMismatch, "amount %d", p.Amount)
	}
	if pp.New.CustBal < 0 || pp.New.MerchBal < 0 {
		return nil, nil, chancrypto.ErrInsufficientFunds
	}

	newCom := pp.New.commit(id)
	ct, err := acc.SignData(tagged(tagClose, id, newCom))
	if err != nil {
		return nil, nil, err
	}
	m.Pending[old] = newCom
	blob, err := json.Marshal(m)
	return ct, blob, err
}

func (Library) Revoke(cs, pending chancrypto.CustomerSecret, tok channel.Token, ct channel.CloseToken) (channel.RevokeToken, chancrypto.CustomerSecret, error) {
	cur, err := decodeCustomer(cs)
	if err != nil {
		return nil, nil, err
	}
	next, err := decodeCustomer(pending)
	if err != nil {
		return nil, nil, err
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, nil, err
	}
	if !verify(tok.MerchantKey, tagged(tagClose, id, next.Wallet.commit(id)), ct) {
		return nil, nil, errors.WithMessage(chancrypto.ErrInvalidSignature, "close token")
	}

	wsk, err := wallet.AccountFromSeed(cur.Wallet.Seed)
	if err != nil {
		return nil, nil, err
	}
	sig, err := wsk.SignData(tagged(tagRevoke, id, cur.Wallet.WalletKey))
	if err != nil {
		return nil, nil, err
	}
	rt, err := json.Marshal(revokeToken{WalletKey: cur.Wallet.WalletKey, Sig: sig})
	if err != nil {
		return nil, nil, err
	}

	next.CloseToken = append([]byte(nil), ct...)
	next.PayToken = nil
	committed, err := json.Marshal(next)
	return rt, committed, err
}

func (Library) VerifyRevoke(ms chancrypto.MerchantSecret, tok channel.Token, rt channel.RevokeToken) (channel.PayToken, chancrypto.MerchantSecret, error) {
	m, acc, err := decodeMerchant(ms)
	if err != nil {
		return nil, nil, err
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, nil, err
	}
	var r revokeToken
	if err := json.Unmarshal(rt, &r); err != nil {
		return nil, nil, errors.WithMessage(chancrypto.ErrMalformed, err.Error())
	}
	key := r.WalletKey.String()
	newCom, ok := m.Pending[key]
	if !ok {
		return nil, nil, chancrypto.ErrUnknownWallet
	}
	if !verify(r.WalletKey, tagged(tagRevoke, id, r.WalletKey), r.Sig) {
		return nil, nil, errors.WithMessage(chancrypto.ErrInvalidSignature, "revoke token")
	}

	pt, err := acc.SignData(tagged(tagPay, id, newCom))
	if err != nil {
		return nil, nil, err
	}
	delete(m.Pending, key)
	m.Revoked[key] = true
	blob, err := json.Marshal(m)
	return pt, blob, err
}

func (Library) CustomerClose(cs chancrypto.CustomerSecret, tok channel.Token) (channel.CloseMessage, error) {
	s, err := decodeCustomer(cs)
	if err != nil {
		return nil, err
	}
	if len(s.CloseToken) == 0 {
		return nil, errors.WithMessage(chancrypto.ErrNoToken, "close token")
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, err
	}
	acc, err := wallet.AccountFromSeed(s.Key)
	if err != nil {
		return nil, err
	}
	com := s.Wallet.commit(id)
	msg := CloseMessage{
		ChannelID:  id[:],
		WalletKey:  s.Wallet.WalletKey,
		CustBal:    s.Wallet.CustBal,
		MerchBal:   s.Wallet.MerchBal,
		Commitment: com,
		CloseToken: s.CloseToken,
	}
	if msg.Sig, err = acc.SignData(tagged(tagClosing, id, com, s.CloseToken)); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (Library) Balances(cs chancrypto.CustomerSecret) (int64, int64, error) {
	s, err := decodeCustomer(cs)
	if err != nil {
		return 0, 0, err
	}
	return s.Wallet.CustBal, s.Wallet.MerchBal, nil
}

// VerifyCloseMessage checks a closing artifact against the channel token.
// It is what an escrow contract runs before releasing funds.
func VerifyCloseMessage(tok channel.Token, raw channel.CloseMessage) (*CloseMessage, error) {
	var msg CloseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.WithMessage(chancrypto.ErrMalformed, err.Error())
	}
	id, err := tok.ComputeID()
	if err != nil {
		return nil, err
	}
	if !equalBytes(msg.ChannelID, id[:]) {
		return nil, errors.WithMessage(chancrypto.ErrMalformed, "channel id")
	}
	if !verify(tok.MerchantKey, tagged(tagClose, id, msg.Commitment), msg.CloseToken) {
		return nil, errors.WithMessage(chancrypto.ErrInvalidSignature, "close token")
	}
	if !verify(tok.CustomerKey, tagged(tagClosing, id, msg.Commitment, msg.CloseToken), msg.Sig) {
		return nil, errors.WithMessage(chancrypto.ErrInvalidSignature, "customer signature")
	}
	return &msg, nil
}

func newWallet(rng io.Reader, custBal, merchBal int64) (walletSecret, error) {
	wsk, err := wallet.NewAccount(rng)
	if err != nil {
		return walletSecret{}, err
	}
	r := make([]byte, 32)
	if _, err := io.ReadFull(rng, r); err != nil {
		return walletSecret{}, errors.Wrap(err, "reading commitment randomness")
	}
	return walletSecret{
		Seed: wsk.Seed(),
		opening: opening{
			WalletKey: wsk.PublicKey(),
			CustBal:   custBal,
			MerchBal:  merchBal,
			Rand:      r,
		},
	}, nil
}

func (o opening) commit(id channel.ID) []byte {
	var bal [16]byte
	binary.BigEndian.PutUint64(bal[:8], uint64(o.CustBal))
	binary.BigEndian.PutUint64(bal[8:], uint64(o.MerchBal))
	h := blake2b.Sum256(tagged(tagCommit, id, o.WalletKey, bal[:], o.Rand))
	return h[:]
}

func tagged(tag string, id channel.ID, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(tag)+len(id)+64*len(parts))
	buf = append(buf, tag...)
	buf = append(buf, id[:]...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func decodeCustomer(cs chancrypto.CustomerSecret) (customerSecret, error) {
	var s customerSecret
	if err := json.Unmarshal(cs, &s); err != nil {
		return s, errors.WithMessage(chancrypto.ErrMalformed, "customer secret")
	}
	return s, nil
}

func decodeMerchant(ms chancrypto.MerchantSecret) (merchantSecret, wallet.Account, error) {
	var m merchantSecret
	if err := json.Unmarshal(ms, &m); err != nil {
		return m, nil, errors.WithMessage(chancrypto.ErrMalformed, "merchant secret")
	}
	if m.Pending == nil {
		m.Pending = make(map[string][]byte)
	}
	if m.Revoked == nil {
		m.Revoked = make(map[string]bool)
	}
	acc, err := wallet.AccountFromSeed(m.Key)
	return m, acc, err
}

func equalBytes(a, b []byte) bool {
	return string(a) == string(b)
}

// verify checks sig by key through the go-perun wallet backend.
func verify(key wallet.Address, msg, sig []byte) bool {
	ok, err := wallet.Backend{}.VerifySignature(msg, sig, &key)
	return err == nil && ok
}
