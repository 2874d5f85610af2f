// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"math/big"
)

// SettlementScale is the fixed point scale of prices and percent changes.
const SettlementScale = 100_000_000

var bigScale = big.NewInt(SettlementScale)

// ComputePayment returns the funding payment for one settlement period.
//
//	percent = (current - previous) * SettlementScale / previous
//	payment = size * percent / SettlementScale
//
// Both divisions truncate toward zero. A positive payment is owed by the
// taker to the maker.
func ComputePayment(current, previous, size int64) (int64, error) {
	if previous == 0 {
		return 0, Precondition(ErrInvalidMarketData, "previous price is zero")
	}

	percent := new(big.Int).Sub(big.NewInt(current), big.NewInt(previous))
	percent.Mul(percent, bigScale)
	percent.Quo(percent, big.NewInt(previous))

	payment := percent.Mul(percent, big.NewInt(size))
	payment.Quo(payment, bigScale)

	if !payment.IsInt64() {
		return 0, Precondition(ErrPaymentOverflow, payment.String())
	}
	return payment.Int64(), nil
}

// ComputePaymentFrom computes the payment from the two snapshots in m.
func ComputePaymentFrom(m MarketData, size int64) (int64, error) {
	cur, prev, err := m.Prices()
	if err != nil {
		return 0, err
	}
	return ComputePayment(cur, prev, size)
}
