package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/internal/ledger"
	"papertrade-core/internal/order"
	"papertrade-core/internal/risk"
	"papertrade-core/internal/viper"
	"papertrade-core/pkg/db"
	"papertrade-core/pkg/exchanges/common"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAdapter struct {
	balance decimal.Decimal
	err     error
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) GetAccountBalance(context.Context) (decimal.Decimal, error) {
	return f.balance, f.err
}
func (f *fakeAdapter) PlaceOrder(context.Context, common.OrderRequest) (*common.OrderResult, error) {
	return nil, f.err
}
func (f *fakeAdapter) GetPositions(context.Context, string) ([]common.PositionInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) ClosePosition(context.Context, string) error    { return nil }
func (f *fakeAdapter) SetLeverage(context.Context, string, int) error { return nil }

type noPrices struct{}

func (noPrices) Price(string) (decimal.Decimal, bool) { return decimal.Zero, false }

type noSamples struct{}

func (noSamples) Samples(string, decimal.Decimal, int) []viper.Sample { return nil }

func newTestServer(t *testing.T, adapter common.Adapter) (*Server, *db.Database) {
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
	orders := order.NewEngine(d, led, bus, adapter, order.SimParams{
		MarketFillProbability: 1, LimitFillProbability: 1, MaxSlippagePct: 0,
	})
	riskSvc := risk.NewService(d, bus)
	viperEng := viper.NewEngine(d, led, bus, noPrices{}, noSamples{})
	controller := viper.NewController(viperEng, led, d, bus, []string{"BTC-USDT"}, time.Hour, 1, 3)

	s := NewServer(bus, d, led, orders, riskSvc, viperEng, controller, adapter, "demo")

	ctx := context.Background()
	if err := d.CreateUser(ctx, db.User{ID: "demo", PaperBalance: decimal.NewFromInt(1000)}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertAsset(ctx, db.Asset{ID: "BTC-USDT", Name: "Bitcoin"}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpdateAssetPrice(ctx, "BTC-USDT", decimal.NewFromInt(43250), decimal.Zero, decimal.Zero); err != nil {
		t.Fatal(err)
	}
	return s, d
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestPlaceOrderEndpoint(t *testing.T) {
	s, d := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/api/orders",
		`{"asset_id":"BTC-USDT","order_type":"market","side":"buy","quantity":"0.01"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Executed bool `json:"executed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Executed {
		t.Errorf("order not executed: %s", w.Body.String())
	}

	u, _ := d.GetUser(context.Background(), "demo")
	if !u.PaperBalance.Equal(decimal.RequireFromString("567.50")) {
		t.Errorf("balance = %s, want 567.50", u.PaperBalance)
	}
}

func TestPlaceOrderInsufficientBalance(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/api/orders",
		`{"asset_id":"BTC-USDT","order_type":"market","side":"buy","quantity":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["required"] == nil || resp["available"] == nil {
		t.Errorf("missing structured shortfall: %s", w.Body.String())
	}
}

func TestPlaceOrderValidationError(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/api/orders",
		`{"asset_id":"BTC-USDT","order_type":"market","side":"buy","quantity":"0"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPortfolioEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/api/portfolio", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Balance    decimal.Decimal `json:"balance"`
		IsLiveMode bool            `json:"is_live_mode"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Balance.Equal(decimal.NewFromInt(1000)) || resp.IsLiveMode {
		t.Errorf("portfolio = %s live=%v", resp.Balance, resp.IsLiveMode)
	}
}

func TestRiskSettingsRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/api/risk", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get defaults: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "15") {
		t.Errorf("defaults missing: %s", w.Body.String())
	}

	w = doJSON(t, s, http.MethodPut, "/api/risk",
		`{"max_position_size":"10","stop_loss_pct":"3","take_profit_pct":"20","max_daily_loss":"500"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPut, "/api/risk",
		`{"max_position_size":"150","stop_loss_pct":"3","take_profit_pct":"20","max_daily_loss":"500"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range accepted: %d", w.Code)
	}
}

func TestControllerStartRejectedBelowMinimum(t *testing.T) {
	s, d := newTestServer(t, nil)
	if err := d.SetBalance(context.Background(), "demo", decimal.NewFromInt(1), false); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, s, http.MethodPost, "/api/viper/start", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "shortfall") {
		t.Errorf("missing shortfall detail: %s", w.Body.String())
	}
}

func TestControllerStartStopStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if w := doJSON(t, s, http.MethodPost, "/api/viper/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, s, http.MethodPost, "/api/viper/start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", w.Code)
	}

	w := doJSON(t, s, http.MethodGet, "/api/viper/status", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"is_running":true`) {
		t.Errorf("status: %d %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, s, http.MethodPost, "/api/viper/stop", ""); w.Code != http.StatusOK {
		t.Errorf("stop: %d", w.Code)
	}
	// Idempotent stop.
	if w := doJSON(t, s, http.MethodPost, "/api/viper/stop", ""); w.Code != http.StatusOK {
		t.Errorf("second stop: %d", w.Code)
	}
}

func TestModeToggleFailedProbeStaysPaper(t *testing.T) {
	adapter := &fakeAdapter{err: &common.AdapterError{Venue: "fake", Code: "auth", Message: "bad credentials"}}
	s, d := newTestServer(t, adapter)

	w := doJSON(t, s, http.MethodPost, "/api/mode", `{"live":true}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	u, _ := d.GetUser(context.Background(), "demo")
	if u.IsLiveMode {
		t.Errorf("mode flipped despite failed balance probe")
	}
}

func TestModeToggleSuccessSyncsLiveBalance(t *testing.T) {
	adapter := &fakeAdapter{balance: decimal.RequireFromString("250.5")}
	s, d := newTestServer(t, adapter)

	w := doJSON(t, s, http.MethodPost, "/api/mode", `{"live":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	u, _ := d.GetUser(context.Background(), "demo")
	if !u.IsLiveMode {
		t.Errorf("live mode not set")
	}
	if !u.LiveBalance.Equal(decimal.RequireFromString("250.5")) {
		t.Errorf("live balance = %s, want 250.5", u.LiveBalance)
	}

	// And back to paper.
	w = doJSON(t, s, http.MethodPost, "/api/mode", `{"live":false}`)
	if w.Code != http.StatusOK {
		t.Fatal(w.Code)
	}
	u, _ = d.GetUser(context.Background(), "demo")
	if u.IsLiveMode {
		t.Errorf("still live after toggle off")
	}
}

func TestSetCredentials(t *testing.T) {
	s, d := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/api/credentials",
		`{"api_key":"k","api_secret":"s","passphrase":"p"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	u, _ := d.GetUser(context.Background(), "demo")
	if u.APIKey != "k" || u.APISecret != "s" || u.APIPassphrase != "p" {
		t.Errorf("credentials not stored: %+v", u)
	}

	// Missing required fields rejected.
	if w := doJSON(t, s, http.MethodPost, "/api/credentials", `{"api_key":"k"}`); w.Code != http.StatusBadRequest {
		t.Errorf("incomplete credentials accepted: %d", w.Code)
	}
}

func TestHealthAndAssets(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if w := doJSON(t, s, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}
	w := doJSON(t, s, http.MethodGet, "/api/assets", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "BTC-USDT") {
		t.Errorf("assets: %d %s", w.Code, w.Body.String())
	}
}
