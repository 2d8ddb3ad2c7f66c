// Package order validates, simulates and records order executions.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/internal/ledger"
	"papertrade-core/pkg/db"
	"papertrade-core/pkg/exchanges/common"
)

// Engine is the execution path for user orders. In paper mode it
// simulates fills against the stored asset price; in live mode it
// delegates to the exchange adapter.
type Engine struct {
	db      *db.Database
	ledger  *ledger.Ledger
	bus     *events.Bus
	adapter common.Adapter // nil disables live execution
	params  SimParams

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

func NewEngine(database *db.Database, led *ledger.Ledger, bus *events.Bus, adapter common.Adapter, params SimParams) *Engine {
	return &Engine{
		db:      database,
		ledger:  led,
		bus:     bus,
		adapter: adapter,
		params:  params,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// SetRandSource replaces the fill/slippage randomness. Tests use a
// fixed seed to make executions deterministic.
func (e *Engine) SetRandSource(src rand.Source) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng = rand.New(src)
}

// PlaceOrder validates and persists the order, then attempts execution.
// The returned order reflects the outcome: filled, failed, or still
// pending when the simulated fill did not trigger.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*db.Order, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	user, err := e.db.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	asset, err := e.db.GetAsset(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}

	// Reject what can never execute before persisting anything.
	if req.Side == db.SideBuy {
		cost := req.Quantity.Mul(e.referencePrice(req, asset))
		bal := user.ActiveBalance()
		if bal.LessThan(cost) {
			return nil, &ledger.InsufficientBalanceError{Required: cost, Available: bal}
		}
	} else {
		pos, err := e.db.GetPosition(ctx, req.UserID, req.AssetID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if pos == nil || pos.Quantity.LessThan(req.Quantity) {
			return nil, ledger.ErrOversell
		}
	}

	o := db.Order{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		AssetID:  req.AssetID,
		Type:     req.Type,
		Side:     req.Side,
		Quantity: req.Quantity,
		Status:   db.OrderPending,
	}
	if req.Type != db.OrderTypeMarket {
		o.Price = decimal.NewNullDecimal(req.Price)
	}
	if req.StopPrice.Sign() > 0 {
		o.StopPrice = decimal.NewNullDecimal(req.StopPrice)
	}
	if req.TakeProfitPrice.Sign() > 0 {
		o.TakeProfitPrice = decimal.NewNullDecimal(req.TakeProfitPrice)
	}
	if err := e.db.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}

	if user.IsLiveMode && e.adapter != nil {
		return e.executeLive(ctx, &o, req, asset)
	}
	return e.executeSimulated(ctx, &o, req, asset)
}

func (e *Engine) validate(req PlaceRequest) error {
	if req.UserID == "" || req.AssetID == "" {
		return ErrInvalidInput
	}
	if req.Quantity.Sign() <= 0 {
		return ErrInvalidInput
	}
	switch req.Side {
	case db.SideBuy, db.SideSell:
	default:
		return ErrInvalidInput
	}
	switch req.Type {
	case db.OrderTypeMarket:
	case db.OrderTypeLimit, db.OrderTypeStopLoss:
		if req.Price.Sign() <= 0 {
			return ErrPriceRequired
		}
	default:
		return ErrInvalidInput
	}
	return nil
}

// referencePrice is the price used for upfront affordability checks and
// as the slippage base: the limit price when given, else the last tick.
func (e *Engine) referencePrice(req PlaceRequest, asset *db.Asset) decimal.Decimal {
	if req.Type != db.OrderTypeMarket && req.Price.Sign() > 0 {
		return req.Price
	}
	return asset.CurrentPrice
}

// executeSimulated draws the fill. A failed draw leaves the order
// pending; there is no retry loop, pending orders simply rest.
func (e *Engine) executeSimulated(ctx context.Context, o *db.Order, req PlaceRequest, asset *db.Asset) (*db.Order, error) {
	prob := e.params.LimitFillProbability
	if o.Type == db.OrderTypeMarket {
		prob = e.params.MarketFillProbability
	}

	e.rngMu.Lock()
	draw := e.rng.Float64()
	slip := (e.rng.Float64()*2 - 1) * e.params.MaxSlippagePct
	e.rngMu.Unlock()

	if draw >= prob {
		log.Printf("order %s rests pending (draw %.3f >= %.2f)", o.ID, draw, prob)
		e.bus.Publish(events.EventOrderUpdate, *o)
		return o, nil
	}

	base := e.referencePrice(req, asset)
	execPrice := base.Mul(decimal.NewFromFloat(1 + slip)).Round(8)

	if err := e.settleFill(ctx, o, execPrice); err != nil {
		return nil, err
	}
	return o, nil
}

// settleFill moves money first, then updates the position, records the
// trade and resolves the order. A position failure undoes the money
// move; a money failure marks the order failed before the position is
// touched.
func (e *Engine) settleFill(ctx context.Context, o *db.Order, execPrice decimal.Decimal) error {
	total := o.Quantity.Mul(execPrice)

	if o.Side == db.SideBuy {
		if err := e.ledger.Debit(ctx, o.UserID, total); err != nil {
			// Balance moved since the upfront check: mark failed.
			return e.failOrder(ctx, o, err)
		}
	} else {
		if err := e.ledger.Credit(ctx, o.UserID, total); err != nil {
			return e.failOrder(ctx, o, err)
		}
	}
	if err := e.ledger.ApplyFill(ctx, o.UserID, o.AssetID, o.Side, o.Quantity, execPrice); err != nil {
		// Undo the money move so a position failure cannot leak funds.
		if o.Side == db.SideBuy {
			_ = e.ledger.Credit(ctx, o.UserID, total)
		} else {
			_ = e.ledger.Debit(ctx, o.UserID, total)
		}
		return e.failOrder(ctx, o, err)
	}

	now := e.now().UTC()
	trade := db.Trade{
		ID:       uuid.NewString(),
		OrderID:  o.ID,
		UserID:   o.UserID,
		AssetID:  o.AssetID,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    execPrice,
		Total:    total,
		PnL:      decimal.Zero, // spot pnl lives in position accounting
	}
	if err := e.db.CreateTrade(ctx, trade); err != nil {
		return fmt.Errorf("store trade: %w", err)
	}

	fill := decimal.NewNullDecimal(execPrice)
	if err := e.db.ResolveOrder(ctx, o.ID, db.OrderFilled, fill, &now); err != nil {
		return fmt.Errorf("resolve order: %w", err)
	}
	o.Status = db.OrderFilled
	o.Price = fill
	o.FilledAt = &now

	e.bus.Publish(events.EventOrderUpdate, *o)
	return nil
}

// failOrder records the terminal failed state and reports err.
func (e *Engine) failOrder(ctx context.Context, o *db.Order, err error) error {
	now := e.now().UTC()
	_ = e.db.ResolveOrder(ctx, o.ID, db.OrderFailed, decimal.NullDecimal{}, &now)
	o.Status = db.OrderFailed
	e.bus.Publish(events.EventOrderUpdate, *o)
	return err
}

// executeLive hands the order to the exchange adapter. Venue rejections
// mark the order failed; a venue fill settles like a simulated one.
func (e *Engine) executeLive(ctx context.Context, o *db.Order, req PlaceRequest, asset *db.Asset) (*db.Order, error) {
	res, err := e.adapter.PlaceOrder(ctx, common.OrderRequest{
		InstID:   o.AssetID,
		Side:     o.Side,
		Type:     o.Type,
		Quantity: o.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		var ae *common.AdapterError
		if errors.As(err, &ae) {
			log.Printf("live order %s rejected by %s: %v", o.ID, e.adapter.Name(), ae)
			return o, e.failOrder(ctx, o, ae)
		}
		return nil, fmt.Errorf("live order: %w", err)
	}
	if !res.Filled {
		e.bus.Publish(events.EventOrderUpdate, *o)
		return o, nil
	}
	// Market acknowledgements carry no fill price; settle at the last
	// known reference so the local books track the venue.
	fillPrice := res.FillPrice
	if fillPrice.Sign() <= 0 {
		fillPrice = e.referencePrice(req, asset)
	}
	if err := e.settleFill(ctx, o, fillPrice); err != nil {
		return nil, err
	}
	return o, nil
}

// Orders returns a user's recent orders.
func (e *Engine) Orders(ctx context.Context, userID string, limit int) ([]db.Order, error) {
	return e.db.GetOrdersByUser(ctx, userID, limit)
}

// Trades returns a user's recent executions.
func (e *Engine) Trades(ctx context.Context, userID string, limit int) ([]db.Trade, error) {
	return e.db.GetTradesByUser(ctx, userID, limit)
}
