// Package risk stores per-user trading bounds.
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/pkg/db"
)

var ErrInvalidSettings = errors.New("risk settings out of range")

// Defaults applied to any user without stored settings.
var (
	DefaultMaxPositionSize = decimal.NewFromInt(15) // % of balance
	DefaultStopLossPct     = decimal.NewFromInt(5)
	DefaultTakeProfitPct   = decimal.NewFromInt(25)
	DefaultMaxDailyLoss    = decimal.NewFromInt(1000) // USDT
)

// Service reads and writes per-user risk bounds. The bounds are
// advisory: the strategy engine consults them, manual orders do not.
type Service struct {
	db  *db.Database
	bus *events.Bus
}

func NewService(database *db.Database, bus *events.Bus) *Service {
	return &Service{db: database, bus: bus}
}

// Get returns the user's settings, falling back to defaults when none
// are stored. The fallback is not persisted.
func (s *Service) Get(ctx context.Context, userID string) (*db.RiskSettings, error) {
	stored, err := s.db.GetRiskSettings(ctx, userID)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return &db.RiskSettings{
		UserID:          userID,
		MaxPositionSize: DefaultMaxPositionSize,
		StopLossPct:     DefaultStopLossPct,
		TakeProfitPct:   DefaultTakeProfitPct,
		MaxDailyLoss:    DefaultMaxDailyLoss,
	}, nil
}

// Update validates and persists new settings, replacing any stored row.
func (s *Service) Update(ctx context.Context, settings db.RiskSettings) error {
	if err := validate(settings); err != nil {
		return err
	}
	if err := s.db.UpsertRiskSettings(ctx, settings); err != nil {
		return fmt.Errorf("store risk settings: %w", err)
	}
	s.bus.Publish(events.EventSettingsUpdated, settings)
	return nil
}

func validate(s db.RiskSettings) error {
	hundred := decimal.NewFromInt(100)
	if s.MaxPositionSize.Sign() <= 0 || s.MaxPositionSize.GreaterThan(hundred) {
		return fmt.Errorf("%w: max position size %s%%", ErrInvalidSettings, s.MaxPositionSize)
	}
	if s.StopLossPct.Sign() <= 0 || s.StopLossPct.GreaterThan(hundred) {
		return fmt.Errorf("%w: stop loss %s%%", ErrInvalidSettings, s.StopLossPct)
	}
	if s.TakeProfitPct.Sign() <= 0 {
		return fmt.Errorf("%w: take profit %s%%", ErrInvalidSettings, s.TakeProfitPct)
	}
	if s.MaxDailyLoss.Sign() <= 0 {
		return fmt.Errorf("%w: max daily loss %s", ErrInvalidSettings, s.MaxDailyLoss)
	}
	return nil
}
