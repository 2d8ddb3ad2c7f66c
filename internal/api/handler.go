// Package api exposes the trading core over HTTP and websocket.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"papertrade-core/internal/events"
	"papertrade-core/internal/ledger"
	"papertrade-core/internal/monitor"
	"papertrade-core/internal/order"
	"papertrade-core/internal/risk"
	"papertrade-core/internal/viper"
	"papertrade-core/pkg/db"
	"papertrade-core/pkg/exchanges/common"
)

// Server wires HTTP endpoints around the trading core components.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	Ledger      *ledger.Ledger
	Orders      *order.Engine
	Risk        *risk.Service
	Viper       *viper.Engine
	Controller  *viper.Controller
	Adapter     common.Adapter // nil when live mode is unavailable
	DefaultUser string
}

func NewServer(bus *events.Bus, database *db.Database, led *ledger.Ledger, orders *order.Engine, riskSvc *risk.Service, viperEng *viper.Engine, controller *viper.Controller, adapter common.Adapter, defaultUser string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         bus,
		DB:          database,
		Ledger:      led,
		Orders:      orders,
		Risk:        riskSvc,
		Viper:       viperEng,
		Controller:  controller,
		Adapter:     adapter,
		DefaultUser: defaultUser,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.GET("/metrics", gin.WrapH(monitor.Handler()))

	api := s.Router.Group("/api")
	{
		api.GET("/assets", s.getAssets)

		api.POST("/orders", s.placeOrder)
		api.GET("/orders", s.getOrders)
		api.GET("/trades", s.getTrades)
		api.GET("/portfolio", s.getPortfolio)

		api.GET("/risk", s.getRiskSettings)
		api.PUT("/risk", s.putRiskSettings)

		viperGroup := api.Group("/viper")
		{
			viperGroup.GET("/settings", s.getViperSettings)
			viperGroup.PUT("/settings", s.putViperSettings)
			viperGroup.GET("/trades", s.getViperTrades)
			viperGroup.POST("/start", s.startController)
			viperGroup.POST("/stop", s.stopController)
			viperGroup.GET("/status", s.getControllerStatus)
		}

		api.POST("/mode", s.setMode)
		api.POST("/credentials", s.setCredentials)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// userID resolves the acting user: explicit query param, else the
// seeded demo account.
func (s *Server) userID(c *gin.Context) string {
	if id := c.Query("user_id"); id != "" {
		return id
	}
	return s.DefaultUser
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
