package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/pkg/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(d, events.NewBus())
}

func TestGetReturnsDefaultsWhenUnset(t *testing.T) {
	s := newTestService(t)

	got, err := s.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.MaxPositionSize.Equal(decimal.NewFromInt(15)) {
		t.Errorf("max position size = %s, want 15", got.MaxPositionSize)
	}
	if !got.StopLossPct.Equal(decimal.NewFromInt(5)) {
		t.Errorf("stop loss = %s, want 5", got.StopLossPct)
	}
	if !got.TakeProfitPct.Equal(decimal.NewFromInt(25)) {
		t.Errorf("take profit = %s, want 25", got.TakeProfitPct)
	}
	if !got.MaxDailyLoss.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("max daily loss = %s, want 1000", got.MaxDailyLoss)
	}
}

func TestUpdateThenGet(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	err := s.Update(ctx, db.RiskSettings{
		UserID:          "u1",
		MaxPositionSize: decimal.NewFromInt(10),
		StopLossPct:     decimal.NewFromFloat(2.5),
		TakeProfitPct:   decimal.NewFromInt(30),
		MaxDailyLoss:    decimal.NewFromInt(500),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.MaxPositionSize.Equal(decimal.NewFromInt(10)) || !got.StopLossPct.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("stored settings not returned: %+v", got)
	}

	// Another user still sees defaults.
	other, err := s.Get(ctx, "u2")
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if !other.MaxPositionSize.Equal(decimal.NewFromInt(15)) {
		t.Errorf("defaults leaked: %s", other.MaxPositionSize)
	}
}

func TestUpdateRejectsOutOfRange(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	base := db.RiskSettings{
		UserID:          "u1",
		MaxPositionSize: decimal.NewFromInt(15),
		StopLossPct:     decimal.NewFromInt(5),
		TakeProfitPct:   decimal.NewFromInt(25),
		MaxDailyLoss:    decimal.NewFromInt(1000),
	}

	cases := []struct {
		name   string
		mutate func(*db.RiskSettings)
	}{
		{"zero position size", func(r *db.RiskSettings) { r.MaxPositionSize = decimal.Zero }},
		{"position size over 100", func(r *db.RiskSettings) { r.MaxPositionSize = decimal.NewFromInt(150) }},
		{"negative stop loss", func(r *db.RiskSettings) { r.StopLossPct = decimal.NewFromInt(-1) }},
		{"zero take profit", func(r *db.RiskSettings) { r.TakeProfitPct = decimal.Zero }},
		{"zero daily loss", func(r *db.RiskSettings) { r.MaxDailyLoss = decimal.Zero }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s2 := base
			tc.mutate(&s2)
			if err := s.Update(ctx, s2); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("err = %v, want ErrInvalidSettings", err)
			}
		})
	}
}
