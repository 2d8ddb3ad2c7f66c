// Package common defines the exchange adapter contract shared by all
// live-trading integrations.
package common

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderRequest is the exchange-neutral order submission.
type OrderRequest struct {
	InstID   string
	Side     string // buy | sell
	Type     string // market | limit
	Quantity decimal.Decimal
	Price    decimal.Decimal // ignored for market orders
	Leverage int             // 0 means spot / default
}

// OrderResult is the exchange's acknowledgement of a submitted order.
type OrderResult struct {
	ExchangeOrderID string
	FillPrice       decimal.Decimal
	Filled          bool
}

// PositionInfo mirrors an open position on the exchange.
type PositionInfo struct {
	InstID   string
	Side     string
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
	UnrealPL decimal.Decimal
	Leverage int
}

// Adapter is the minimal surface the trading core needs from a live
// exchange. Implementations wrap one venue's REST API.
type Adapter interface {
	// Name identifies the venue, e.g. "okx".
	Name() string

	// GetAccountBalance returns the available trading balance in USDT.
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)

	// PlaceOrder submits an order and reports the venue's response.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// GetPositions lists open positions, optionally filtered by instrument.
	GetPositions(ctx context.Context, instID string) ([]PositionInfo, error)

	// ClosePosition market-closes the position on instID.
	ClosePosition(ctx context.Context, instID string) error

	// SetLeverage configures isolated-margin leverage for an instrument.
	SetLeverage(ctx context.Context, instID string, leverage int) error
}

// AdapterError is a venue-reported failure, distinct from transport
// errors, so callers can mark orders failed rather than retrying.
type AdapterError struct {
	Venue   string
	Code    string
	Message string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: [%s] %s", e.Venue, e.Code, e.Message)
}
