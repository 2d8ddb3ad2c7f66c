package market

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"papertrade-core/pkg/db"
)

// Instrument is one tradeable entry in the YAML universe file.
// BasePrice stays a string until parsed, keeping decimals exact.
type Instrument struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	BasePrice string `yaml:"base_price"`
}

// instrumentFile is the top-level YAML structure.
type instrumentFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstruments reads the instrument universe from a YAML file.
func LoadInstruments(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file instrumentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, fmt.Errorf("no instruments defined in %s", path)
	}
	for _, inst := range file.Instruments {
		if _, err := decimal.NewFromString(inst.BasePrice); err != nil {
			return nil, fmt.Errorf("instrument %s: bad base_price %q: %w", inst.ID, inst.BasePrice, err)
		}
	}
	return file.Instruments, nil
}

// SyncInstrumentsToDB upserts the universe into the assets table. The
// base price only seeds assets that have never ticked.
func SyncInstrumentsToDB(ctx context.Context, d *db.Database, instruments []Instrument) error {
	for _, inst := range instruments {
		base, err := decimal.NewFromString(inst.BasePrice)
		if err != nil {
			return fmt.Errorf("instrument %s: %w", inst.ID, err)
		}
		if _, err := d.GetAsset(ctx, inst.ID); err == nil {
			// Existing asset keeps its simulated price.
			if err := d.UpsertAsset(ctx, db.Asset{ID: inst.ID, Name: inst.Name}); err != nil {
				return fmt.Errorf("refresh asset %s: %w", inst.ID, err)
			}
			continue
		}
		if err := d.UpsertAsset(ctx, db.Asset{ID: inst.ID, Name: inst.Name, CurrentPrice: base}); err != nil {
			return fmt.Errorf("seed asset %s: %w", inst.ID, err)
		}
		if err := d.UpdateAssetPrice(ctx, inst.ID, base, decimal.Zero, decimal.Zero); err != nil {
			return fmt.Errorf("seed price %s: %w", inst.ID, err)
		}
	}
	return nil
}

// IDs extracts the instrument identifiers, preserving file order.
func IDs(instruments []Instrument) []string {
	out := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		out = append(out, inst.ID)
	}
	return out
}
