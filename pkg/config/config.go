package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the paper trading core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Demo account seeded at boot
	DemoUserID      string
	PaperBalance    float64
	InstrumentsPath string

	// Price simulator
	PriceTickInterval int // seconds
	PriceStepPct      float64

	// Order simulation
	MarketFillProbability float64
	LimitFillProbability  float64
	MaxSlippagePct        float64

	// VIPER engine
	ViperCycleSeconds int
	ViperStreams      int
	ViperTopN         int

	// OKX adapter (live mode)
	OKXAPIKey     string
	OKXAPISecret  string
	OKXPassphrase string
	OKXSimulated  bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/papertrade.db"),
		DemoUserID:            getEnv("DEMO_USER_ID", "demo"),
		PaperBalance:          getEnvFloat("PAPER_BALANCE", 10000.0),
		InstrumentsPath:       getEnv("INSTRUMENTS_PATH", "./configs/instruments.yaml"),
		PriceTickInterval:     getEnvInt("PRICE_TICK_SECONDS", 3),
		PriceStepPct:          getEnvFloat("PRICE_STEP_PCT", 0.002),
		MarketFillProbability: getEnvFloat("MARKET_FILL_PROBABILITY", 0.95),
		LimitFillProbability:  getEnvFloat("LIMIT_FILL_PROBABILITY", 0.75),
		MaxSlippagePct:        getEnvFloat("MAX_SLIPPAGE_PCT", 0.001),
		ViperCycleSeconds:     getEnvInt("VIPER_CYCLE_SECONDS", 5),
		ViperStreams:          getEnvInt("VIPER_STREAMS", 1),
		ViperTopN:             getEnvInt("VIPER_TOP_N", 3),
		OKXAPIKey:             os.Getenv("OKX_API_KEY"),
		OKXAPISecret:          os.Getenv("OKX_API_SECRET"),
		OKXPassphrase:         os.Getenv("OKX_PASSPHRASE"),
		OKXSimulated:          getEnv("OKX_SIMULATED", "true") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
