package order

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/internal/ledger"
	"papertrade-core/pkg/db"
	"papertrade-core/pkg/exchanges/common"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// alwaysFill/neverFill remove randomness from the draw: a probability of
// 1 always fills, 0 always rests. Slippage is zeroed so execution price
// equals the reference price exactly.
func alwaysFill() SimParams {
	return SimParams{MarketFillProbability: 1, LimitFillProbability: 1, MaxSlippagePct: 0}
}

func neverFill() SimParams {
	return SimParams{MarketFillProbability: 0, LimitFillProbability: 0, MaxSlippagePct: 0}
}

func newTestEngine(t *testing.T, adapter common.Adapter, params SimParams) (*Engine, *db.Database) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	led := ledger.New(d, bus)
	return NewEngine(d, led, bus, adapter, params), d
}

func seed(t *testing.T, d *db.Database, balance string) {
	t.Helper()
	ctx := context.Background()
	if err := d.CreateUser(ctx, db.User{ID: "u1", PaperBalance: dec(balance)}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertAsset(ctx, db.Asset{ID: "BTC-USDT", Name: "Bitcoin"}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpdateAssetPrice(ctx, "BTC-USDT", dec("43250"), dec("0"), dec("0")); err != nil {
		t.Fatal(err)
	}
}

func TestMarketBuyFillsAndSettles(t *testing.T) {
	e, d := newTestEngine(t, nil, alwaysFill())
	seed(t, d, "1000")
	ctx := context.Background()

	o, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID:   "u1",
		AssetID:  "BTC-USDT",
		Type:     db.OrderTypeMarket,
		Side:     db.SideBuy,
		Quantity: dec("0.01"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != db.OrderFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}
	if !o.Price.Valid || !o.Price.Decimal.Equal(dec("43250")) {
		t.Errorf("fill price = %v, want 43250", o.Price)
	}

	u, _ := d.GetUser(ctx, "u1")
	if !u.PaperBalance.Equal(dec("567.50")) {
		t.Errorf("balance = %s, want 567.50", u.PaperBalance)
	}

	pos, err := d.GetPosition(ctx, "u1", "BTC-USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Quantity.Equal(dec("0.01")) || !pos.AveragePrice.Equal(dec("43250")) {
		t.Errorf("position = %s @ %s", pos.Quantity, pos.AveragePrice)
	}

	trades, err := e.Trades(ctx, "u1", 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades: %v (%d)", err, len(trades))
	}
	if !trades[0].PnL.IsZero() {
		t.Errorf("spot trade pnl = %s, want 0", trades[0].PnL)
	}
	if !trades[0].Total.Equal(dec("432.50")) {
		t.Errorf("trade total = %s, want 432.50", trades[0].Total)
	}
}

func TestSellCreditsProceeds(t *testing.T) {
	e, d := newTestEngine(t, nil, alwaysFill())
	seed(t, d, "1000")
	ctx := context.Background()

	if _, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("0.01"),
	}); err != nil {
		t.Fatal(err)
	}
	// Sell half at a limit of 44000.
	o, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeLimit, Side: db.SideSell,
		Quantity: dec("0.005"), Price: dec("44000"),
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if o.Status != db.OrderFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}

	u, _ := d.GetUser(ctx, "u1")
	// 567.50 + 0.005*44000 = 787.50
	if !u.PaperBalance.Equal(dec("787.50")) {
		t.Errorf("balance = %s, want 787.50", u.PaperBalance)
	}

	pos, _ := d.GetPosition(ctx, "u1", "BTC-USDT")
	if !pos.AveragePrice.Equal(dec("43250")) {
		t.Errorf("average moved on sell: %s", pos.AveragePrice)
	}
}

func TestFailedDrawRestsPending(t *testing.T) {
	e, d := newTestEngine(t, nil, neverFill())
	seed(t, d, "1000")
	ctx := context.Background()

	o, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("0.01"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != db.OrderPending {
		t.Errorf("status = %s, want pending", o.Status)
	}

	// No money moved, no trade recorded.
	u, _ := d.GetUser(ctx, "u1")
	if !u.PaperBalance.Equal(dec("1000")) {
		t.Errorf("balance = %s, want untouched 1000", u.PaperBalance)
	}
	trades, _ := e.Trades(ctx, "u1", 10)
	if len(trades) != 0 {
		t.Errorf("trades = %d, want 0", len(trades))
	}
}

func TestBuyRejectedWhenUnaffordable(t *testing.T) {
	e, d := newTestEngine(t, nil, alwaysFill())
	seed(t, d, "100")
	ctx := context.Background()

	_, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("0.01"),
	})
	var ib *ledger.InsufficientBalanceError
	if !errors.As(err, &ib) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}

	// Rejected before persisting: no order row exists.
	orders, _ := e.Orders(ctx, "u1", 10)
	if len(orders) != 0 {
		t.Errorf("orders = %d, want 0", len(orders))
	}
}

func TestSellRejectedWithoutPosition(t *testing.T) {
	e, d := newTestEngine(t, nil, alwaysFill())
	seed(t, d, "1000")

	_, err := e.PlaceOrder(context.Background(), PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideSell, Quantity: dec("0.01"),
	})
	if !errors.Is(err, ledger.ErrOversell) {
		t.Errorf("expected ErrOversell, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	e, d := newTestEngine(t, nil, alwaysFill())
	seed(t, d, "1000")
	ctx := context.Background()

	cases := []struct {
		name string
		req  PlaceRequest
		want error
	}{
		{"zero quantity", PlaceRequest{UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy}, ErrInvalidInput},
		{"negative quantity", PlaceRequest{UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("-1")}, ErrInvalidInput},
		{"bad side", PlaceRequest{UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: "hold", Quantity: dec("1")}, ErrInvalidInput},
		{"bad type", PlaceRequest{UserID: "u1", AssetID: "BTC-USDT", Type: "iceberg", Side: db.SideBuy, Quantity: dec("1")}, ErrInvalidInput},
		{"limit without price", PlaceRequest{UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeLimit, Side: db.SideBuy, Quantity: dec("1")}, ErrPriceRequired},
		{"missing user", PlaceRequest{AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("1")}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.PlaceOrder(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestUnknownUserAndAsset(t *testing.T) {
	e, d := newTestEngine(t, nil, alwaysFill())
	seed(t, d, "1000")
	ctx := context.Background()

	if _, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "ghost", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("1"),
	}); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("unknown user: %v", err)
	}
	if _, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "DOGE-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("1"),
	}); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("unknown asset: %v", err)
	}
}

// stubAdapter scripts live-mode behaviour for the engine tests.
type stubAdapter struct {
	result *common.OrderResult
	err    error
}

func (s *stubAdapter) Name() string { return "stub" }
func (s *stubAdapter) GetAccountBalance(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubAdapter) PlaceOrder(context.Context, common.OrderRequest) (*common.OrderResult, error) {
	return s.result, s.err
}
func (s *stubAdapter) GetPositions(context.Context, string) ([]common.PositionInfo, error) {
	return nil, nil
}
func (s *stubAdapter) ClosePosition(context.Context, string) error      { return nil }
func (s *stubAdapter) SetLeverage(context.Context, string, int) error   { return nil }

func TestLiveRejectionMarksOrderFailed(t *testing.T) {
	adapter := &stubAdapter{err: &common.AdapterError{Venue: "stub", Code: "51008", Message: "insufficient margin"}}
	e, d := newTestEngine(t, adapter, alwaysFill())
	seed(t, d, "1000")
	ctx := context.Background()
	if err := d.SetBalance(ctx, "u1", dec("1000"), true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLiveMode(ctx, "u1", true); err != nil {
		t.Fatal(err)
	}

	o, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("0.01"),
	})
	var ae *common.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if o.Status != db.OrderFailed {
		t.Errorf("status = %s, want failed", o.Status)
	}
}

func TestLiveMarketFillWithoutPriceSettlesAtReference(t *testing.T) {
	// Market acknowledgements carry no fill price (the venue echoes the
	// request, which has none). Settlement must fall back to the stored
	// asset price instead of a zero total.
	adapter := &stubAdapter{result: &common.OrderResult{ExchangeOrderID: "x2", Filled: true}}
	e, d := newTestEngine(t, adapter, alwaysFill())
	seed(t, d, "0")
	ctx := context.Background()
	if err := d.SetBalance(ctx, "u1", dec("1000"), true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLiveMode(ctx, "u1", true); err != nil {
		t.Fatal(err)
	}

	o, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("0.01"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != db.OrderFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}
	if !o.Price.Valid || !o.Price.Decimal.Equal(dec("43250")) {
		t.Errorf("fill price = %v, want reference 43250", o.Price)
	}

	u, _ := d.GetUser(ctx, "u1")
	// 1000 - 0.01*43250 = 567.50
	if !u.LiveBalance.Equal(dec("567.50")) {
		t.Errorf("live balance = %s, want 567.50", u.LiveBalance)
	}
	trades, _ := e.Trades(ctx, "u1", 10)
	if len(trades) != 1 || !trades[0].Total.Equal(dec("432.50")) {
		t.Errorf("trade not settled at reference: %+v", trades)
	}
}

func TestSellCreditFailureLeavesPositionIntact(t *testing.T) {
	e, d := newTestEngine(t, nil, alwaysFill())
	seed(t, d, "1000")
	ctx := context.Background()

	if _, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("0.01"),
	}); err != nil {
		t.Fatal(err)
	}
	o := db.Order{
		ID: "o-sell", UserID: "u1", AssetID: "BTC-USDT",
		Type: db.OrderTypeMarket, Side: db.SideSell,
		Quantity: dec("0.005"), Status: db.OrderPending,
	}
	if err := d.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	// Remove the account so the proceeds credit cannot land.
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM users WHERE id = 'u1'`); err != nil {
		t.Fatal(err)
	}

	if err := e.settleFill(ctx, &o, dec("44000")); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if o.Status != db.OrderFailed {
		t.Errorf("status = %s, want failed", o.Status)
	}

	// The position must not shrink when no proceeds were credited.
	pos, err := d.GetPosition(ctx, "u1", "BTC-USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Quantity.Equal(dec("0.01")) {
		t.Errorf("position = %s, want untouched 0.01", pos.Quantity)
	}
}

func TestLiveFillSettles(t *testing.T) {
	adapter := &stubAdapter{result: &common.OrderResult{ExchangeOrderID: "x1", FillPrice: dec("43300"), Filled: true}}
	e, d := newTestEngine(t, adapter, alwaysFill())
	seed(t, d, "0")
	ctx := context.Background()
	if err := d.SetBalance(ctx, "u1", dec("1000"), true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLiveMode(ctx, "u1", true); err != nil {
		t.Fatal(err)
	}

	o, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "u1", AssetID: "BTC-USDT", Type: db.OrderTypeMarket, Side: db.SideBuy, Quantity: dec("0.01"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != db.OrderFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}

	u, _ := d.GetUser(ctx, "u1")
	// 1000 - 0.01*43300 = 567
	if !u.LiveBalance.Equal(dec("567")) {
		t.Errorf("live balance = %s, want 567", u.LiveBalance)
	}
	if !u.PaperBalance.Equal(dec("0")) {
		t.Errorf("paper balance mutated in live mode: %s", u.PaperBalance)
	}
}
