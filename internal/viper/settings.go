// Package viper implements the autonomous liquidation-strike strategy
// engine: opportunity scanning, scoring, sizing, strike execution and
// trade monitoring.
package viper

import (
	"github.com/shopspring/decimal"

	"papertrade-core/pkg/db"
)

// Engine defaults. ProfitTarget/StopLoss are percentages applied
// directionally from the entry price.
var (
	defaultVolThreshold      = decimal.NewFromInt(20)
	defaultStrikeWindow      = decimal.NewFromInt(50)
	defaultProfitTarget      = decimal.NewFromInt(2)
	defaultStopLoss          = decimal.NewFromInt(1)
	defaultClusterThreshold  = decimal.NewFromFloat(0.0001)
	defaultPositionScaling   = decimal.NewFromFloat(0.5)
	defaultBalanceMultiplier = decimal.NewFromFloat(0.1)
)

const (
	defaultMaxLeverage         = 10
	defaultMaxConcurrentTrades = 3
)

// ResolveDefaults fills every zero-valued field of a partial settings
// row. It is a pure function: the input is not mutated.
func ResolveDefaults(partial db.ViperSettings) db.ViperSettings {
	s := partial
	if s.MaxLeverage <= 0 {
		s.MaxLeverage = defaultMaxLeverage
	}
	if s.VolThreshold.Sign() <= 0 {
		s.VolThreshold = defaultVolThreshold
	}
	if s.StrikeWindow.Sign() <= 0 {
		s.StrikeWindow = defaultStrikeWindow
	}
	if s.ProfitTarget.Sign() <= 0 {
		s.ProfitTarget = defaultProfitTarget
	}
	if s.StopLoss.Sign() <= 0 {
		s.StopLoss = defaultStopLoss
	}
	if s.ClusterThreshold.Sign() <= 0 {
		s.ClusterThreshold = defaultClusterThreshold
	}
	if s.PositionScaling.Sign() <= 0 {
		s.PositionScaling = defaultPositionScaling
	}
	if s.MaxConcurrentTrades <= 0 {
		s.MaxConcurrentTrades = defaultMaxConcurrentTrades
	}
	if s.BalanceMultiplier.Sign() <= 0 {
		s.BalanceMultiplier = defaultBalanceMultiplier
	}
	return s
}
