package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-core/internal/api"
	"papertrade-core/internal/events"
	"papertrade-core/internal/ledger"
	"papertrade-core/internal/market"
	"papertrade-core/internal/order"
	"papertrade-core/internal/risk"
	"papertrade-core/internal/viper"
	"papertrade-core/pkg/config"
	"papertrade-core/pkg/db"
	exchange "papertrade-core/pkg/exchanges/common"
	"papertrade-core/pkg/exchanges/okx"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting paper trading core on :%s (db %s)", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	// Instrument universe from YAML; seeded prices survive restarts.
	instruments, err := market.LoadInstruments(cfg.InstrumentsPath)
	if err != nil {
		log.Fatalf("instruments load failed: %v", err)
	}
	if err := market.SyncInstrumentsToDB(ctx, database, instruments); err != nil {
		log.Fatalf("instruments sync failed: %v", err)
	}
	log.Printf("loaded %d instruments from %s", len(instruments), cfg.InstrumentsPath)

	// Demo account seeded once.
	if err := seedDemoUser(ctx, database, cfg.DemoUserID, cfg.PaperBalance); err != nil {
		log.Fatalf("demo user seed failed: %v", err)
	}

	// Exchange adapter for live mode; nil keeps the core paper-only.
	var adapter exchange.Adapter
	if cfg.OKXAPIKey != "" && cfg.OKXAPISecret != "" {
		adapter = okx.New(cfg.OKXAPIKey, cfg.OKXAPISecret, cfg.OKXPassphrase, cfg.OKXSimulated)
		log.Printf("okx adapter configured (simulated=%v)", cfg.OKXSimulated)
	} else {
		log.Println("no exchange credentials: live mode unavailable")
	}

	led := ledger.New(database, bus)

	// Price simulator doubles as the strategy engine's price source.
	simulator := &market.Simulator{
		DB:       database,
		Bus:      bus,
		StepPct:  cfg.PriceStepPct,
		Interval: time.Duration(cfg.PriceTickInterval) * time.Second,
	}
	simulator.Start(ctx)

	orders := order.NewEngine(database, led, bus, adapter, order.SimParams{
		MarketFillProbability: cfg.MarketFillProbability,
		LimitFillProbability:  cfg.LimitFillProbability,
		MaxSlippagePct:        cfg.MaxSlippagePct,
	})
	riskSvc := risk.NewService(database, bus)

	samples := &viper.SyntheticSampleSource{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	viperEng := viper.NewEngine(database, led, bus, simulator, samples)
	controller := viper.NewController(
		viperEng, led, database, bus,
		market.IDs(instruments),
		time.Duration(cfg.ViperCycleSeconds)*time.Second,
		cfg.ViperStreams,
		cfg.ViperTopN,
	)

	server := api.NewServer(bus, database, led, orders, riskSvc, viperEng, controller, adapter, cfg.DemoUserID)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	controller.Stop(cfg.DemoUserID)
}

// seedDemoUser creates the demo account with the configured paper
// balance. Existing users are left untouched.
func seedDemoUser(ctx context.Context, database *db.Database, userID string, balance float64) error {
	if _, err := database.GetUser(ctx, userID); err == nil {
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	log.Printf("seeding demo user %q with %.2f USDT paper balance", userID, balance)
	return database.CreateUser(ctx, db.User{
		ID:           userID,
		PaperBalance: decimal.NewFromFloat(balance),
		LiveBalance:  decimal.Zero,
	})
}
