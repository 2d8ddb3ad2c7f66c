package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// User holds the dual balance ledger. Exactly one balance is active at a
// time, selected by IsLiveMode; trading never mutates the inactive one.
type User struct {
	ID            string
	PaperBalance  decimal.Decimal
	LiveBalance   decimal.Decimal
	IsLiveMode    bool
	APIKey        string
	APISecret     string
	APIPassphrase string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActiveBalance returns the balance selected by IsLiveMode.
func (u *User) ActiveBalance() decimal.Decimal {
	if u.IsLiveMode {
		return u.LiveBalance
	}
	return u.PaperBalance
}

// Asset is a tradeable instrument with its latest simulated market state.
type Asset struct {
	ID           string
	Name         string
	CurrentPrice decimal.Decimal
	Change24h    decimal.Decimal
	Volume24h    decimal.Decimal
	UpdatedAt    time.Time
}

// Order statuses. Terminal states are final.
const (
	OrderPending   = "pending"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
	OrderFailed    = "failed"
)

// Order types and sides.
const (
	OrderTypeMarket   = "market"
	OrderTypeLimit    = "limit"
	OrderTypeStopLoss = "stop_loss"

	SideBuy  = "buy"
	SideSell = "sell"
)

// Order represents a submitted order. Price is null for market orders
// until resolved at fill time.
type Order struct {
	ID              string
	UserID          string
	AssetID         string
	Type            string
	Side            string
	Quantity        decimal.Decimal
	Price           decimal.NullDecimal
	StopPrice       decimal.NullDecimal
	TakeProfitPrice decimal.NullDecimal
	Status          string
	FilledAt        *time.Time
	CreatedAt       time.Time
}

// Trade is an immutable execution record, created exactly once per fill.
// Spot trades always carry pnl "0"; P&L is realized through position
// accounting, not per-trade.
type Trade struct {
	ID         string
	OrderID    string
	UserID     string
	AssetID    string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Total      decimal.Decimal
	PnL        decimal.Decimal
	ExecutedAt time.Time
}

// Position is a weighted-average-cost holding per (user, asset).
// Invariant: AveragePrice == TotalInvested / Quantity while Quantity > 0.
type Position struct {
	UserID        string
	AssetID       string
	Quantity      decimal.Decimal
	AveragePrice  decimal.Decimal
	TotalInvested decimal.Decimal
	UpdatedAt     time.Time
}

// RiskSettings are advisory per-user bounds read by the strategy engine.
type RiskSettings struct {
	UserID          string
	MaxPositionSize decimal.Decimal // percent of balance
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal
	MaxDailyLoss    decimal.Decimal
	UpdatedAt       time.Time
}

// ViperSettings is the per-user strategy engine configuration.
type ViperSettings struct {
	UserID              string
	MaxLeverage         int
	VolThreshold        decimal.Decimal
	StrikeWindow        decimal.Decimal
	ProfitTarget        decimal.Decimal // percent
	StopLoss            decimal.Decimal // percent
	ClusterThreshold    decimal.Decimal
	PositionScaling     decimal.Decimal
	MaxConcurrentTrades int
	BalanceMultiplier   decimal.Decimal
	IsEnabled           bool
	UpdatedAt           time.Time
}

// Cluster sides name the liquidated side, not the trade direction.
const (
	ClusterLong  = "long"
	ClusterShort = "short"
)

// LiquidationCluster is a detected opportunity. Processed transitions
// false -> true at most once.
type LiquidationCluster struct {
	ID         string
	InstID     string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Side       string
	Volume     decimal.Decimal
	Processed  bool
	DetectedAt time.Time
}

// ViperTrade statuses. active -> {completed, stopped}, terminal.
const (
	ViperActive    = "active"
	ViperCompleted = "completed"
	ViperStopped   = "stopped"
)

// ViperTrade is an autonomous leveraged position owned by the strategy
// engine. ExitTime is set exactly once, on leaving active.
type ViperTrade struct {
	ID              string
	UserID          string
	ClusterID       string
	InstID          string
	Side            string
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	Leverage        int
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	Status          string
	PnL             decimal.Decimal
	ExitPrice       decimal.NullDecimal
	EntryTime       time.Time
	ExitTime        *time.Time
}

// Margin returns the isolated margin backing the trade: notional/leverage.
func (t *ViperTrade) Margin() decimal.Decimal {
	if t.Leverage <= 0 {
		return decimal.Zero
	}
	return t.EntryPrice.Mul(t.Quantity).Div(decimal.NewFromInt(int64(t.Leverage)))
}
