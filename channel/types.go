// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	pchannel "perun.network/go-perun/channel"

	"perun.network/perun-perp-backend/wallet"
)

// ID identifies a funding channel. It is derived from the channel token once
// both party keys are bound.
type ID = pchannel.ID

// IDLen is the length of an ID in byte.
const IDLen = len(ID{})

// ParseID decodes a hex encoded channel id.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != IDLen {
		return id, ErrInvalidID
	}
	copy(id[:], raw)
	return id, nil
}

// FormatID encodes id as hex.
func FormatID(id ID) string {
	return hex.EncodeToString(id[:])
}

type (
	// Token carries the public key material of both parties and the
	// channel-scoped public parameters. The maker creates it; the customer
	// key is bound exactly once.
	Token struct {
		MerchantKey wallet.Address `json:"merchant_key"`
		CustomerKey wallet.Address `json:"customer_key,omitempty"`
		Params      []byte         `json:"params"`
	}

	// State is the public protocol configuration both parties hold a copy
	// of. Only establishment and close change it.
	State struct {
		Name        string `json:"name"`
		Fee         int64  `json:"tx_fee"`
		PayInit     bool   `json:"pay_init"`
		Established bool   `json:"channel_established"`
		ThirdParty  bool   `json:"third_party"`
	}

	// Snapshot is one observation of the reference asset price in fixed
	// point (SettlementScale).
	Snapshot struct {
		Price int64     `json:"asset_price_usd"`
		Time  time.Time `json:"time"`
		// Seq numbers the snapshots an engine received, starting at 1.
		Seq uint64 `json:"seq"`
	}

	// MarketData keeps the two most recent snapshots. Settled is the Seq of
	// the latest snapshot a payment was agreed on.
	MarketData struct {
		Latest   *Snapshot `json:"latest,omitempty"`
		Previous *Snapshot `json:"previous,omitempty"`
		Settled  uint64    `json:"settled,omitempty"`
	}
)

// NewState returns a fresh, not yet established channel state.
func NewState(name string, thirdParty bool) State {
	return State{Name: name, ThirdParty: thirdParty}
}

// HasCustomer reports whether the customer key is bound.
func (t *Token) HasCustomer() bool {
	return len(t.CustomerKey) != 0
}

// BindCustomer binds the customer key. Binding the same key again is a no-op,
// binding a different one fails.
func (t *Token) BindCustomer(pk wallet.Address) error {
	if len(pk) == 0 {
		return ErrCustomerUnbound
	}
	if t.HasCustomer() {
		if bytes.Equal(t.CustomerKey, pk) {
			return nil
		}
		return ErrTokenFrozen
	}
	t.CustomerKey = append(wallet.Address(nil), pk...)
	return nil
}

// ComputeID derives the channel id from the bound token.
func (t *Token) ComputeID() (ID, error) {
	if !t.HasCustomer() {
		return ID{}, ErrCustomerUnbound
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return ID{}, err
	}
	h.Write(t.MerchantKey)
	h.Write(t.CustomerKey)
	h.Write(t.Params)

	var id ID
	copy(id[:], h.Sum(nil))
	return id, nil
}

// Clone returns a deep copy of t.
func (t Token) Clone() Token {
	return Token{
		MerchantKey: append(wallet.Address(nil), t.MerchantKey...),
		CustomerKey: append(wallet.Address(nil), t.CustomerKey...),
		Params:      append([]byte(nil), t.Params...),
	}
}

// Update shifts the latest snapshot to previous and installs s.
func (m *MarketData) Update(s Snapshot) {
	s.Seq = 1
	if m.Latest != nil {
		s.Seq = m.Latest.Seq + 1
	}
	m.Previous = m.Latest
	m.Latest = &s
}

// Period returns the Seq of the period that is due for settlement. A period
// is due once two snapshots are present and the latest was not settled.
func (m MarketData) Period() (uint64, error) {
	if m.Latest == nil || m.Previous == nil {
		return 0, Precondition(ErrMissingMarketData, "need two price snapshots")
	}
	if m.Latest.Seq <= m.Settled {
		return 0, Precondition(ErrPeriodSettled, fmt.Sprintf("period %d", m.Latest.Seq))
	}
	return m.Latest.Seq, nil
}

// Prices returns the latest and previous price. Both must be present.
func (m MarketData) Prices() (current, previous int64, err error) {
	if m.Latest == nil || m.Previous == nil {
		return 0, 0, Precondition(ErrMissingMarketData, "need two price snapshots")
	}
	return m.Latest.Price, m.Previous.Price, nil
}
