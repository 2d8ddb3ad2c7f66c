package order

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput  = errors.New("invalid order input")
	ErrPriceRequired = errors.New("price required for non-market orders")
)

// PlaceRequest describes an order submission from the API layer.
type PlaceRequest struct {
	UserID          string
	AssetID         string
	Type            string // market | limit | stop_loss
	Side            string // buy | sell
	Quantity        decimal.Decimal
	Price           decimal.Decimal // required unless market
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
}

// Fill probabilities and slippage bound for the simulator.
type SimParams struct {
	MarketFillProbability float64
	LimitFillProbability  float64
	MaxSlippagePct        float64
}

// DefaultSimParams mirrors the production defaults: market orders nearly
// always fill, limit orders usually, and slippage stays within +-0.1%.
func DefaultSimParams() SimParams {
	return SimParams{
		MarketFillProbability: 0.95,
		LimitFillProbability:  0.75,
		MaxSlippagePct:        0.001,
	}
}
