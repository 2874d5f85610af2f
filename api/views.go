// SPDX-License-Identifier: Apache-2.0

package api

import (
	"perun.network/perun-perp-backend/maker"
	"perun.network/perun-perp-backend/taker"
)

type (
	// MakerView is the public part of a maker state.
	MakerView struct {
		PoolID          string      `json:"pool_id"`
		Chain           string      `json:"chain"`
		ChannelID       string      `json:"channel_id,omitempty"`
		Phase           maker.Phase `json:"phase"`
		InitialMargin   int64       `json:"initial_margin"`
		AvailableMargin int64       `json:"available_margin"`
		OrderSize       *int64      `json:"order_size,omitempty"`
	}

	// TakerView is the public part of a taker state.
	TakerView struct {
		PoolID          string      `json:"pool_id"`
		Chain           string      `json:"chain"`
		ChannelID       string      `json:"channel_id"`
		Phase           taker.Phase `json:"phase"`
		InitialMargin   int64       `json:"initial_margin"`
		AvailableMargin int64       `json:"available_margin"`
		OrderSize       int64       `json:"order_size"`
		LastError       string      `json:"last_error,omitempty"`
	}
)

func makerView(st maker.State) MakerView {
	return MakerView{
		PoolID:          st.Token.MerchantKey.String(),
		Chain:           st.Chain,
		ChannelID:       st.ChannelID,
		Phase:           st.Phase,
		InitialMargin:   st.InitialMargin,
		AvailableMargin: st.AvailableMargin,
		OrderSize:       st.OrderSize,
	}
}

func takerView(st taker.State) TakerView {
	return TakerView{
		PoolID:          st.PoolID,
		Chain:           st.Chain,
		ChannelID:       st.ChannelID,
		Phase:           st.Phase,
		InitialMargin:   st.InitialMargin,
		AvailableMargin: st.AvailableMargin,
		OrderSize:       st.OrderSize,
		LastError:       st.LastError,
	}
}
