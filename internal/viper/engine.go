package viper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/internal/ledger"
	"papertrade-core/internal/monitor"
	"papertrade-core/pkg/db"
)

var (
	ErrEngineDisabled   = errors.New("viper engine disabled for user")
	ErrClusterProcessed = errors.New("cluster already processed")
	ErrNoMarketPrice    = errors.New("no market price for instrument")
	ErrPositionTooSmall = errors.New("sized position below minimum")
)

// ConcurrencyViolationError reports a strike blocked by the
// one-trade-per-instrument invariant or the concurrent-trade cap.
type ConcurrencyViolationError struct {
	InstID string
	Reason string
}

func (e *ConcurrencyViolationError) Error() string {
	return fmt.Sprintf("concurrency violation on %s: %s", e.InstID, e.Reason)
}

// PriceSource answers the latest price for an instrument. The market
// simulator satisfies it in paper mode.
type PriceSource interface {
	Price(assetID string) (decimal.Decimal, bool)
}

// minStrikeNotional filters out dust positions the sizing formula can
// produce on tiny balances.
var minStrikeNotional = decimal.NewFromInt(1)

// Engine opens and supervises autonomous leveraged trades. The active
// index is the per-instrument mutual exclusion: acquire is an atomic
// check-and-set under mu, release happens on trade close or user stop.
type Engine struct {
	db      *db.Database
	ledger  *ledger.Ledger
	bus     *events.Bus
	prices  PriceSource
	samples MarketSampleSource

	mu     sync.Mutex
	active map[string]string // userID+"/"+instID -> tradeID

	histMu  sync.Mutex
	history map[string][]float64 // price series per instrument, capped
}

const historyCap = 200

func NewEngine(database *db.Database, led *ledger.Ledger, bus *events.Bus, prices PriceSource, samples MarketSampleSource) *Engine {
	return &Engine{
		db:      database,
		ledger:  led,
		bus:     bus,
		prices:  prices,
		samples: samples,
		active:  make(map[string]string),
		history: make(map[string][]float64),
	}
}

// Settings returns the user's engine configuration with defaults
// resolved.
func (e *Engine) Settings(ctx context.Context, userID string) (db.ViperSettings, error) {
	stored, err := e.db.GetViperSettings(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ResolveDefaults(db.ViperSettings{UserID: userID, IsEnabled: true}), nil
		}
		return db.ViperSettings{}, err
	}
	return ResolveDefaults(*stored), nil
}

// UpdateSettings persists engine configuration after default resolution.
func (e *Engine) UpdateSettings(ctx context.Context, settings db.ViperSettings) (db.ViperSettings, error) {
	full := ResolveDefaults(settings)
	if err := e.db.UpsertViperSettings(ctx, full); err != nil {
		return db.ViperSettings{}, fmt.Errorf("store viper settings: %w", err)
	}
	e.bus.Publish(events.EventSettingsUpdated, full)
	return full, nil
}

// ScanOpportunities samples market activity for each instrument and
// persists qualifying liquidation clusters, returned best-first.
func (e *Engine) ScanOpportunities(ctx context.Context, userID string, instruments []string) ([]db.LiquidationCluster, error) {
	settings, err := e.Settings(ctx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := e.ledger.ActiveBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	var all []db.LiquidationCluster
	for _, inst := range instruments {
		price, ok := e.prices.Price(inst)
		if !ok || price.Sign() <= 0 {
			continue
		}
		e.recordPrice(inst, price)
		samples := e.samples.Samples(inst, price, 40)
		for _, c := range DetectClusters(inst, samples, balance, settings) {
			if err := e.db.CreateCluster(ctx, c); err != nil {
				return nil, fmt.Errorf("store cluster: %w", err)
			}
			all = append(all, c)
		}
	}

	// Merge across instruments best-first.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Volume.GreaterThan(all[j-1].Volume); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	return all, nil
}

// OptimizeProfitStrategy scores an instrument's accumulated price
// history. Pure given the recorded history.
func (e *Engine) OptimizeProfitStrategy(instID string) Analysis {
	e.histMu.Lock()
	series := make([]float64, len(e.history[instID]))
	copy(series, e.history[instID])
	e.histMu.Unlock()
	return Analyze(series)
}

func (e *Engine) recordPrice(instID string, price decimal.Decimal) {
	f, _ := price.Float64()
	e.histMu.Lock()
	h := append(e.history[instID], f)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	e.history[instID] = h
	e.histMu.Unlock()
}

// SizePosition converts a score and balance into a trade quantity. The
// committed fraction is balanceMultiplier * positionScaling, bounded by
// (1 - riskScore) * opportunityRating; the leveraged notional is capped
// at balance * balanceMultiplier * maxLeverage.
func SizePosition(analysis Analysis, balance, price decimal.Decimal, settings db.ViperSettings) decimal.Decimal {
	if price.Sign() <= 0 || balance.Sign() <= 0 {
		return decimal.Zero
	}
	bound := decimal.NewFromFloat((1 - analysis.RiskScore) * analysis.OpportunityRating)
	fraction := settings.BalanceMultiplier.Mul(settings.PositionScaling)
	if fraction.GreaterThan(bound) {
		fraction = bound
	}
	if fraction.Sign() <= 0 {
		return decimal.Zero
	}
	lev := decimal.NewFromInt(int64(settings.MaxLeverage))
	notional := balance.Mul(fraction).Mul(lev)
	maxNotional := balance.Mul(settings.BalanceMultiplier).Mul(lev)
	if notional.GreaterThan(maxNotional) {
		notional = maxNotional
	}
	return notional.Div(price).Round(8)
}

// ExecuteStrike opens a leveraged trade counter to the cluster's
// liquidated side. The sequence is: acquire the instrument lock, claim
// the cluster (processed flips exactly once), debit the isolated
// margin, then persist the trade. Any failure after the lock releases
// it.
func (e *Engine) ExecuteStrike(ctx context.Context, userID string, cluster db.LiquidationCluster) (*db.ViperTrade, error) {
	settings, err := e.Settings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !settings.IsEnabled {
		return nil, ErrEngineDisabled
	}

	price, ok := e.prices.Price(cluster.InstID)
	if !ok || price.Sign() <= 0 {
		return nil, ErrNoMarketPrice
	}

	if err := e.acquire(userID, cluster.InstID, settings.MaxConcurrentTrades); err != nil {
		return nil, err
	}
	release := func() { e.release(userID, cluster.InstID) }

	claimed, err := e.db.MarkClusterProcessed(ctx, cluster.ID)
	if err != nil {
		release()
		return nil, fmt.Errorf("claim cluster: %w", err)
	}
	if !claimed {
		release()
		return nil, ErrClusterProcessed
	}

	balance, err := e.ledger.ActiveBalance(ctx, userID)
	if err != nil {
		release()
		return nil, err
	}
	analysis := e.OptimizeProfitStrategy(cluster.InstID)
	quantity := SizePosition(analysis, balance, price, settings)
	if quantity.Mul(price).LessThan(minStrikeNotional) {
		release()
		return nil, ErrPositionTooSmall
	}

	// Trade against the direction of mass forced closure.
	side := db.SideSell
	if cluster.Side == db.ClusterShort {
		side = db.SideBuy
	}
	tp, sl := exitPrices(side, price, settings)

	trade := db.ViperTrade{
		ID:              uuid.NewString(),
		UserID:          userID,
		ClusterID:       cluster.ID,
		InstID:          cluster.InstID,
		Side:            side,
		EntryPrice:      price,
		Quantity:        quantity,
		Leverage:        settings.MaxLeverage,
		TakeProfitPrice: tp,
		StopLossPrice:   sl,
		Status:          db.ViperActive,
		PnL:             decimal.Zero,
		EntryTime:       time.Now().UTC(),
	}

	if err := e.ledger.Debit(ctx, userID, trade.Margin()); err != nil {
		release()
		return nil, err
	}
	if err := e.db.CreateViperTrade(ctx, trade); err != nil {
		// Margin back out: the trade never existed.
		_ = e.ledger.Credit(ctx, userID, trade.Margin())
		release()
		return nil, fmt.Errorf("store viper trade: %w", err)
	}
	e.setTradeID(userID, cluster.InstID, trade.ID)

	monitor.StrikesOpened.Inc()
	e.bus.Publish(events.EventViperTradeUpdate, trade)
	log.Printf("viper: strike %s %s %s @ %s x%d (tp %s, sl %s)",
		trade.ID, side, cluster.InstID, price, trade.Leverage, tp, sl)
	return &trade, nil
}

// exitPrices applies profitTarget/stopLoss percentages directionally
// from the entry price.
func exitPrices(side string, entry decimal.Decimal, settings db.ViperSettings) (tp, sl decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	profit := entry.Mul(settings.ProfitTarget).Div(hundred)
	loss := entry.Mul(settings.StopLoss).Div(hundred)
	if side == db.SideBuy {
		return entry.Add(profit).Round(8), entry.Sub(loss).Round(8)
	}
	return entry.Sub(profit).Round(8), entry.Add(loss).Round(8)
}

// MonitorActiveTrades recomputes running pnl for every open trade and
// closes those whose take-profit or stop-loss has triggered, crediting
// margin plus final pnl back to the ledger.
func (e *Engine) MonitorActiveTrades(ctx context.Context, userID string) error {
	trades, err := e.db.GetViperTradesByUser(ctx, userID, db.ViperActive, 1000)
	if err != nil {
		return err
	}
	for i := range trades {
		t := trades[i]
		price, ok := e.prices.Price(t.InstID)
		if !ok || price.Sign() <= 0 {
			continue
		}
		pnl := unrealizedPnL(&t, price)

		if !shouldExit(&t, price) {
			if err := e.db.UpdateViperTradePnL(ctx, t.ID, pnl); err != nil {
				return fmt.Errorf("update pnl: %w", err)
			}
			continue
		}
		if err := e.closeTrade(ctx, &t, price, pnl, db.ViperCompleted); err != nil {
			return err
		}
	}
	return nil
}

// unrealizedPnL is (current - entry) * quantity for buys, inverted for
// sells. Leverage amplifies exposure via quantity, not via this formula.
func unrealizedPnL(t *db.ViperTrade, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(t.EntryPrice)
	if t.Side == db.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(t.Quantity).Round(8)
}

func shouldExit(t *db.ViperTrade, price decimal.Decimal) bool {
	if t.Side == db.SideBuy {
		return price.GreaterThanOrEqual(t.TakeProfitPrice) || price.LessThanOrEqual(t.StopLossPrice)
	}
	return price.LessThanOrEqual(t.TakeProfitPrice) || price.GreaterThanOrEqual(t.StopLossPrice)
}

// closeTrade applies the terminal transition, releases the instrument
// lock and settles margin + pnl. The status guard in the store makes a
// double close a no-op.
func (e *Engine) closeTrade(ctx context.Context, t *db.ViperTrade, price, pnl decimal.Decimal, status string) error {
	closed, err := e.db.CloseViperTrade(ctx, t.ID, status, price, pnl, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("close viper trade: %w", err)
	}
	if !closed {
		return nil
	}
	e.release(t.UserID, t.InstID)

	settlement := t.Margin().Add(pnl)
	if settlement.Sign() > 0 {
		if err := e.ledger.Credit(ctx, t.UserID, settlement); err != nil {
			return fmt.Errorf("settle trade %s: %w", t.ID, err)
		}
	}

	monitor.TradesClosed.WithLabelValues(outcomeLabel(pnl)).Inc()
	t.Status = status
	t.PnL = pnl
	e.bus.Publish(events.EventViperTradeUpdate, *t)
	log.Printf("viper: closed %s %s @ %s pnl %s", t.ID, t.InstID, price, pnl)
	return nil
}

// StopAll force-closes every active trade for a user at the current
// price, marking them stopped. The controller invokes it when a
// running user's balance drops below the minimum.
func (e *Engine) StopAll(ctx context.Context, userID string) error {
	trades, err := e.db.GetViperTradesByUser(ctx, userID, db.ViperActive, 1000)
	if err != nil {
		return err
	}
	for i := range trades {
		t := trades[i]
		price, ok := e.prices.Price(t.InstID)
		if !ok || price.Sign() <= 0 {
			price = t.EntryPrice
		}
		if err := e.closeTrade(ctx, &t, price, unrealizedPnL(&t, price), db.ViperStopped); err != nil {
			return err
		}
	}
	e.releaseUser(userID)
	return nil
}

func outcomeLabel(pnl decimal.Decimal) string {
	if pnl.Sign() > 0 {
		return "win"
	}
	return "loss"
}

// ----------------------------------------
// Active-trade index
// ----------------------------------------

func activeKey(userID, instID string) string { return userID + "/" + instID }

// acquire is the atomic check-and-set guarding both the per-instrument
// invariant and the concurrent-trade cap.
func (e *Engine) acquire(userID, instID string, maxConcurrent int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := activeKey(userID, instID)
	if _, held := e.active[key]; held {
		return &ConcurrencyViolationError{InstID: instID, Reason: "instrument already has an open trade"}
	}
	open := 0
	prefix := userID + "/"
	for k := range e.active {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			open++
		}
	}
	if open >= maxConcurrent {
		return &ConcurrencyViolationError{InstID: instID, Reason: "max concurrent trades reached"}
	}
	e.active[key] = "" // reserved; trade id set after persist
	return nil
}

func (e *Engine) setTradeID(userID, instID, tradeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[activeKey(userID, instID)] = tradeID
}

func (e *Engine) release(userID, instID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, activeKey(userID, instID))
}

func (e *Engine) releaseUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := userID + "/"
	for k := range e.active {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(e.active, k)
		}
	}
}

// RestoreActiveIndex rebuilds the in-memory lock set from persisted
// active trades, so a restart cannot double-open instruments.
func (e *Engine) RestoreActiveIndex(ctx context.Context, userID string) error {
	trades, err := e.db.GetViperTradesByUser(ctx, userID, db.ViperActive, 1000)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range trades {
		e.active[activeKey(userID, t.InstID)] = t.ID
	}
	return nil
}
