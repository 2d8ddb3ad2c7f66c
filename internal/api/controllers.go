package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"papertrade-core/internal/ledger"
	"papertrade-core/internal/monitor"
	"papertrade-core/internal/order"
	"papertrade-core/internal/risk"
	"papertrade-core/internal/viper"
	"papertrade-core/pkg/db"
	"papertrade-core/pkg/exchanges/common"
)

// fail maps core errors onto HTTP responses with structured details.
func fail(c *gin.Context, err error) {
	var (
		ib *ledger.InsufficientBalanceError
		sb *viper.StartBalanceError
		cv *viper.ConcurrencyViolationError
		ae *common.AdapterError
	)
	switch {
	case errors.As(err, &ib):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "insufficient balance",
			"required":  ib.Required,
			"available": ib.Available,
		})
	case errors.As(err, &sb):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "insufficient balance",
			"minimum":   sb.Minimum,
			"available": sb.Available,
			"shortfall": sb.Shortfall(),
		})
	case errors.As(err, &cv):
		c.JSON(http.StatusConflict, gin.H{"error": cv.Error()})
	case errors.As(err, &ae):
		c.JSON(http.StatusBadGateway, gin.H{"error": ae.Error()})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, viper.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, order.ErrInvalidInput),
		errors.Is(err, order.ErrPriceRequired),
		errors.Is(err, ledger.ErrOversell),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, risk.ErrInvalidSettings):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func limitParam(c *gin.Context) int {
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		return v
	}
	return 50
}

// ----------------------------------------
// Assets
// ----------------------------------------

func (s *Server) getAssets(c *gin.Context) {
	assets, err := s.DB.ListAssets(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// ----------------------------------------
// Orders and trades
// ----------------------------------------

type placeOrderRequest struct {
	AssetID         string          `json:"asset_id" binding:"required"`
	Type            string          `json:"order_type" binding:"required"`
	Side            string          `json:"side" binding:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := s.Orders.PlaceOrder(c.Request.Context(), order.PlaceRequest{
		UserID:          s.userID(c),
		AssetID:         req.AssetID,
		Type:            req.Type,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		TakeProfitPrice: req.TakeProfitPrice,
	})
	if err != nil {
		fail(c, err)
		return
	}
	monitor.OrdersPlaced.WithLabelValues(o.Status).Inc()
	c.JSON(http.StatusCreated, gin.H{
		"order":    o,
		"executed": o.Status == db.OrderFilled,
	})
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.Orders.Orders(c.Request.Context(), s.userID(c), limitParam(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.Orders.Trades(c.Request.Context(), s.userID(c), limitParam(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// ----------------------------------------
// Portfolio
// ----------------------------------------

func (s *Server) getPortfolio(c *gin.Context) {
	ctx := c.Request.Context()
	userID := s.userID(c)

	user, err := s.DB.GetUser(ctx, userID)
	if err != nil {
		fail(c, err)
		return
	}
	positions, err := s.Ledger.Positions(ctx, userID)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":       user.ActiveBalance(),
		"paper_balance": user.PaperBalance,
		"live_balance":  user.LiveBalance,
		"is_live_mode":  user.IsLiveMode,
		"positions":     positions,
	})
}

// ----------------------------------------
// Risk settings
// ----------------------------------------

func (s *Server) getRiskSettings(c *gin.Context) {
	settings, err := s.Risk.Get(c.Request.Context(), s.userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk_settings": settings})
}

type riskRequest struct {
	MaxPositionSize decimal.Decimal `json:"max_position_size"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct   decimal.Decimal `json:"take_profit_pct"`
	MaxDailyLoss    decimal.Decimal `json:"max_daily_loss"`
}

func (s *Server) putRiskSettings(c *gin.Context) {
	var req riskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings := db.RiskSettings{
		UserID:          s.userID(c),
		MaxPositionSize: req.MaxPositionSize,
		StopLossPct:     req.StopLossPct,
		TakeProfitPct:   req.TakeProfitPct,
		MaxDailyLoss:    req.MaxDailyLoss,
	}
	if err := s.Risk.Update(c.Request.Context(), settings); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk_settings": settings})
}

// ----------------------------------------
// Viper settings and trades
// ----------------------------------------

func (s *Server) getViperSettings(c *gin.Context) {
	settings, err := s.Viper.Settings(c.Request.Context(), s.userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viper_settings": settings})
}

type viperSettingsRequest struct {
	MaxLeverage         int             `json:"max_leverage"`
	VolThreshold        decimal.Decimal `json:"vol_threshold"`
	StrikeWindow        decimal.Decimal `json:"strike_window"`
	ProfitTarget        decimal.Decimal `json:"profit_target"`
	StopLoss            decimal.Decimal `json:"stop_loss"`
	ClusterThreshold    decimal.Decimal `json:"cluster_threshold"`
	PositionScaling     decimal.Decimal `json:"position_scaling"`
	MaxConcurrentTrades int             `json:"max_concurrent_trades"`
	BalanceMultiplier   decimal.Decimal `json:"balance_multiplier"`
	IsEnabled           *bool           `json:"is_enabled"`
}

func (s *Server) putViperSettings(c *gin.Context) {
	var req viperSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	full, err := s.Viper.UpdateSettings(c.Request.Context(), db.ViperSettings{
		UserID:              s.userID(c),
		MaxLeverage:         req.MaxLeverage,
		VolThreshold:        req.VolThreshold,
		StrikeWindow:        req.StrikeWindow,
		ProfitTarget:        req.ProfitTarget,
		StopLoss:            req.StopLoss,
		ClusterThreshold:    req.ClusterThreshold,
		PositionScaling:     req.PositionScaling,
		MaxConcurrentTrades: req.MaxConcurrentTrades,
		BalanceMultiplier:   req.BalanceMultiplier,
		IsEnabled:           enabled,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viper_settings": full})
}

func (s *Server) getViperTrades(c *gin.Context) {
	trades, err := s.DB.GetViperTradesByUser(c.Request.Context(), s.userID(c), c.Query("status"), limitParam(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viper_trades": trades})
}

// ----------------------------------------
// Autonomous controller
// ----------------------------------------

func (s *Server) startController(c *gin.Context) {
	if err := s.Controller.Start(c.Request.Context(), s.userID(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) stopController(c *gin.Context) {
	s.Controller.Stop(s.userID(c))
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) getControllerStatus(c *gin.Context) {
	status, err := s.Controller.GetStatus(c.Request.Context(), s.userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ----------------------------------------
// Mode toggle and credentials
// ----------------------------------------

type modeRequest struct {
	Live bool `json:"live"`
}

// setMode switches between paper and live trading. Going live probes
// the exchange for the real balance first; if the probe fails the user
// stays in paper mode and the adapter error is surfaced.
func (s *Server) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	userID := s.userID(c)

	if req.Live {
		if s.Adapter == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "live trading unavailable: no exchange adapter configured"})
			return
		}
		balance, err := s.Adapter.GetAccountBalance(ctx)
		if err != nil {
			fail(c, err)
			return
		}
		if err := s.DB.SetBalance(ctx, userID, balance, true); err != nil {
			fail(c, err)
			return
		}
	}
	if err := s.DB.SetLiveMode(ctx, userID, req.Live); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_live_mode": req.Live})
}

type credentialsRequest struct {
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret" binding:"required"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) setCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.DB.SetCredentials(c.Request.Context(), s.userID(c), req.APIKey, req.APISecret, req.Passphrase); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": true})
}
