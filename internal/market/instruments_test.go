package market

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"papertrade-core/pkg/db"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadInstruments(t *testing.T) {
	path := writeYAML(t, `
instruments:
  - id: BTC-USDT
    name: Bitcoin
    base_price: "43250"
  - id: ETH-USDT
    name: Ethereum
    base_price: "2280"
`)
	instruments, err := LoadInstruments(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("count = %d, want 2", len(instruments))
	}
	if instruments[0].ID != "BTC-USDT" || instruments[0].BasePrice != "43250" {
		t.Errorf("first = %+v", instruments[0])
	}
	if got := IDs(instruments); got[1] != "ETH-USDT" {
		t.Errorf("ids = %v", got)
	}
}

func TestLoadInstrumentsRejectsBadInput(t *testing.T) {
	if _, err := LoadInstruments(writeYAML(t, "instruments: []")); err == nil {
		t.Errorf("empty universe accepted")
	}
	if _, err := LoadInstruments(writeYAML(t, `
instruments:
  - id: BTC-USDT
    name: Bitcoin
    base_price: "not-a-number"
`)); err == nil {
		t.Errorf("bad base_price accepted")
	}
	if _, err := LoadInstruments(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestSyncInstrumentsPreservesTickedPrices(t *testing.T) {
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	instruments := []Instrument{{ID: "BTC-USDT", Name: "Bitcoin", BasePrice: "43250"}}
	if err := SyncInstrumentsToDB(ctx, d, instruments); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	a, err := d.GetAsset(ctx, "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if !a.CurrentPrice.Equal(decimal.RequireFromString("43250")) {
		t.Errorf("seeded price = %s", a.CurrentPrice)
	}

	// Simulate a tick, then re-sync: the ticked price must survive.
	if err := d.UpdateAssetPrice(ctx, "BTC-USDT", decimal.RequireFromString("44100"), decimal.Zero, decimal.Zero); err != nil {
		t.Fatal(err)
	}
	if err := SyncInstrumentsToDB(ctx, d, instruments); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	a, _ = d.GetAsset(ctx, "BTC-USDT")
	if !a.CurrentPrice.Equal(decimal.RequireFromString("44100")) {
		t.Errorf("re-sync reset price to %s", a.CurrentPrice)
	}
}
