// Package market maintains simulated prices for all instruments.
package market

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/pkg/db"
)

// Tick is the payload published on every price update.
type Tick struct {
	AssetID string          `json:"asset_id"`
	Price   decimal.Decimal `json:"price"`
	Change  decimal.Decimal `json:"change_24h"`
	Volume  decimal.Decimal `json:"volume_24h"`
}

// Simulator drives a bounded random walk over every stored asset and
// keeps an in-memory price cache for fast reads by the strategy engine.
type Simulator struct {
	DB       *db.Database
	Bus      *events.Bus
	StepPct  float64 // max relative move per tick
	Interval time.Duration

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	opens  map[string]decimal.Decimal // price at simulator start, for change_24h
}

// Price returns the cached last price for an asset, if any tick has
// landed since start.
func (s *Simulator) Price(assetID string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[assetID]
	return p, ok
}

// Start launches the tick loop. It returns immediately; the loop stops
// when ctx is cancelled.
func (s *Simulator) Start(ctx context.Context) {
	if s.Bus == nil || s.DB == nil {
		log.Println("simulator: db or bus not set")
		return
	}
	if s.StepPct == 0 {
		s.StepPct = 0.002
	}
	if s.Interval == 0 {
		s.Interval = 3 * time.Second
	}
	s.prices = make(map[string]decimal.Decimal)
	s.opens = make(map[string]decimal.Decimal)

	assets, err := s.DB.ListAssets(ctx)
	if err != nil {
		log.Printf("simulator: list assets: %v", err)
		return
	}
	s.mu.Lock()
	for _, a := range assets {
		s.prices[a.ID] = a.CurrentPrice
		s.opens[a.ID] = a.CurrentPrice
	}
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(s.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Simulator) tick(ctx context.Context) {
	s.mu.Lock()
	updates := make([]Tick, 0, len(s.prices))
	for id, price := range s.prices {
		// random walk within +-StepPct per tick
		step := (rand.Float64()*2 - 1) * s.StepPct
		next := price.Mul(decimal.NewFromFloat(1 + step)).Round(8)
		if next.Sign() <= 0 {
			next = price
		}
		s.prices[id] = next

		change := decimal.Zero
		if open := s.opens[id]; open.Sign() > 0 {
			change = next.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Round(4)
		}
		volume := next.Mul(decimal.NewFromFloat(rand.Float64() * 1000)).Round(2)
		updates = append(updates, Tick{AssetID: id, Price: next, Change: change, Volume: volume})
	}
	s.mu.Unlock()

	for _, u := range updates {
		if err := s.DB.UpdateAssetPrice(ctx, u.AssetID, u.Price, u.Change, u.Volume); err != nil {
			log.Printf("simulator: persist %s: %v", u.AssetID, err)
			continue
		}
		s.Bus.Publish(events.EventPriceUpdate, u)
	}
}
