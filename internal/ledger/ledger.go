// Package ledger owns balances and weighted-average-cost positions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/pkg/db"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrOversell      = errors.New("sell quantity exceeds position")
)

// InsufficientBalanceError reports a debit that the active balance
// cannot cover.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", e.Required, e.Available)
}

// BalanceUpdate is the payload published on every balance mutation.
type BalanceUpdate struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Live    bool            `json:"live"`
}

// Ledger mediates all balance and position mutations. Each user's
// check-and-apply runs under that user's lock, so concurrent debits
// can never overdraw.
type Ledger struct {
	db  *db.Database
	bus *events.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(database *db.Database, bus *events.Bus) *Ledger {
	return &Ledger{
		db:    database,
		bus:   bus,
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[userID] = lk
	}
	return lk
}

// ActiveBalance returns the balance selected by the user's current mode.
func (l *Ledger) ActiveBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, err := l.db.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.ActiveBalance(), nil
}

// Credit adds amount to the active balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	u, err := l.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	next := u.ActiveBalance().Add(amount)
	if err := l.db.SetBalance(ctx, userID, next, u.IsLiveMode); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	l.publishBalance(userID, next, u.IsLiveMode)
	return nil
}

// Debit removes amount from the active balance, failing atomically with
// InsufficientBalanceError when the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	u, err := l.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	bal := u.ActiveBalance()
	if bal.LessThan(amount) {
		return &InsufficientBalanceError{Required: amount, Available: bal}
	}
	next := bal.Sub(amount)
	if err := l.db.SetBalance(ctx, userID, next, u.IsLiveMode); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	l.publishBalance(userID, next, u.IsLiveMode)
	return nil
}

// ApplyFill folds an executed fill into the (user, asset) position.
//
// Buys recompute the weighted average: the new invested total is the old
// total plus qty*price, and average = invested/quantity. Sells reduce the
// invested total proportionally, so the average price never moves on a
// sell. A sell that empties the position deletes the row.
func (l *Ledger) ApplyFill(ctx context.Context, userID, assetID, side string, quantity, price decimal.Decimal) error {
	if quantity.Sign() <= 0 || price.Sign() <= 0 {
		return ErrInvalidAmount
	}
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	pos, err := l.db.GetPosition(ctx, userID, assetID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	switch side {
	case db.SideBuy:
		cost := quantity.Mul(price)
		if pos == nil {
			pos = &db.Position{
				UserID:        userID,
				AssetID:       assetID,
				Quantity:      quantity,
				AveragePrice:  price,
				TotalInvested: cost,
			}
		} else {
			pos.Quantity = pos.Quantity.Add(quantity)
			pos.TotalInvested = pos.TotalInvested.Add(cost)
			pos.AveragePrice = pos.TotalInvested.Div(pos.Quantity)
		}
		if err := l.db.UpsertPosition(ctx, *pos); err != nil {
			return fmt.Errorf("store position: %w", err)
		}

	case db.SideSell:
		if pos == nil || pos.Quantity.LessThan(quantity) {
			return ErrOversell
		}
		remaining := pos.Quantity.Sub(quantity)
		if remaining.Sign() <= 0 {
			if err := l.db.DeletePosition(ctx, userID, assetID); err != nil {
				return fmt.Errorf("close position: %w", err)
			}
		} else {
			// Proportional cost release keeps AveragePrice untouched.
			pos.TotalInvested = pos.AveragePrice.Mul(remaining)
			pos.Quantity = remaining
			if err := l.db.UpsertPosition(ctx, *pos); err != nil {
				return fmt.Errorf("store position: %w", err)
			}
		}

	default:
		return fmt.Errorf("unknown side %q", side)
	}

	l.bus.Publish(events.EventPositionChange, map[string]string{
		"user_id": userID, "asset_id": assetID, "side": side,
	})
	return nil
}

// Positions lists all holdings for a user.
func (l *Ledger) Positions(ctx context.Context, userID string) ([]db.Position, error) {
	return l.db.GetPositionsByUser(ctx, userID)
}

func (l *Ledger) publishBalance(userID string, balance decimal.Decimal, live bool) {
	l.bus.Publish(events.EventBalanceUpdate, BalanceUpdate{
		UserID:  userID,
		Balance: balance,
		Live:    live,
	})
}
