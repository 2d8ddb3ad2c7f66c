package viper

import (
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade-core/pkg/db"
)

// Sample is one unit of market activity: a (synthetic) forced closure
// at a price level.
type Sample struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  string // long | short: the liquidated side
}

// MarketSampleSource feeds the opportunity scan. The shipped source is
// synthetic; a real trade-tape ingester can replace it without touching
// the engine's control flow.
type MarketSampleSource interface {
	Samples(instID string, refPrice decimal.Decimal, n int) []Sample
}

// SyntheticSampleSource draws liquidation activity around the reference
// price: prices within +-spreadPct, exponential-ish sizes, random side.
type SyntheticSampleSource struct {
	SpreadPct float64 // default 0.01
	MaxSize   float64 // default 2.0
	Rand      *rand.Rand
}

func (s *SyntheticSampleSource) Samples(instID string, refPrice decimal.Decimal, n int) []Sample {
	rng := s.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	spread := s.SpreadPct
	if spread == 0 {
		spread = 0.01
	}
	maxSize := s.MaxSize
	if maxSize == 0 {
		maxSize = 2.0
	}

	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		offset := (rng.Float64()*2 - 1) * spread
		side := db.ClusterLong
		if rng.Float64() < 0.5 {
			side = db.ClusterShort
		}
		out = append(out, Sample{
			Price: refPrice.Mul(decimal.NewFromFloat(1 + offset)).Round(8),
			Size:  decimal.NewFromFloat(rng.Float64() * maxSize).Round(6),
			Side:  side,
		})
	}
	return out
}

// minClusterSamples is the floor of contributing samples for a price
// window to qualify as a cluster.
const minClusterSamples = 3

// DetectClusters groups samples into price windows of StrikeWindow
// width. A window qualifies when it holds at least minClusterSamples
// samples and its aggregate size, normalized by the account balance,
// reaches ClusterThreshold. The dominant liquidated side names the
// cluster; results are sorted by volume (size x price) descending.
func DetectClusters(instID string, samples []Sample, balance decimal.Decimal, settings db.ViperSettings) []db.LiquidationCluster {
	if balance.Sign() <= 0 || settings.StrikeWindow.Sign() <= 0 {
		return nil
	}

	type bucket struct {
		count     int
		longSize  decimal.Decimal
		shortSize decimal.Decimal
		sizeSum   decimal.Decimal
		priceSum  decimal.Decimal // size-weighted
	}
	buckets := make(map[int64]*bucket)
	for _, s := range samples {
		key := s.Price.Div(settings.StrikeWindow).Floor().IntPart()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		b.sizeSum = b.sizeSum.Add(s.Size)
		b.priceSum = b.priceSum.Add(s.Price.Mul(s.Size))
		if s.Side == db.ClusterLong {
			b.longSize = b.longSize.Add(s.Size)
		} else {
			b.shortSize = b.shortSize.Add(s.Size)
		}
	}

	var out []db.LiquidationCluster
	for _, b := range buckets {
		if b.count < minClusterSamples || b.sizeSum.Sign() <= 0 {
			continue
		}
		if b.sizeSum.Div(balance).LessThan(settings.ClusterThreshold) {
			continue
		}
		side := db.ClusterLong
		if b.shortSize.GreaterThan(b.longSize) {
			side = db.ClusterShort
		}
		price := b.priceSum.Div(b.sizeSum).Round(8)
		out = append(out, db.LiquidationCluster{
			ID:     uuid.NewString(),
			InstID: instID,
			Price:  price,
			Size:   b.sizeSum,
			Side:   side,
			Volume: b.sizeSum.Mul(price).Round(8),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Volume.GreaterThan(out[j].Volume)
	})
	return out
}
