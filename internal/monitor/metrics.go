// Package monitor exposes Prometheus instrumentation for the trading
// core.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts strategy cycles per outcome (ok|error).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viper_cycles_total",
		Help: "Strategy engine cycles executed, by outcome.",
	}, []string{"outcome"})

	// StrikesOpened counts autonomous trades opened.
	StrikesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viper_strikes_opened_total",
		Help: "Leveraged strikes opened by the strategy engine.",
	})

	// TradesClosed counts closed autonomous trades by outcome (win|loss).
	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viper_trades_closed_total",
		Help: "Autonomous trades closed, by outcome.",
	}, []string{"outcome"})

	// OrdersPlaced counts user orders by terminal status.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Orders placed through the execution engine, by status.",
	}, []string{"status"})

	// WSClients tracks connected market-data subscribers.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_clients_connected",
		Help: "Currently connected websocket clients.",
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
