// Package demo loads the fleet of recorded demo assets.
package demo

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saviobatista/asset-tracker/internal/trace"
	"github.com/saviobatista/asset-tracker/internal/types"
)

//go:embed fleet.yaml
var defaultFleet []byte

type fleetFile struct {
	Assets []assetEntry `yaml:"assets" validate:"required,min=1,dive"`
}

type assetEntry struct {
	ID            string       `yaml:"id" validate:"required"`
	Name          string       `yaml:"name" validate:"required"`
	Description   string       `yaml:"description"`
	TargetReached bool         `yaml:"targetReached"`
	Trace         []pointEntry `yaml:"trace" validate:"required,min=1,dive"`
}

type pointEntry struct {
	Lat       float64   `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng       float64   `yaml:"lng" validate:"gte=-180,lte=180"`
	Timestamp time.Time `yaml:"timestamp" validate:"required"`
}

// Load parses and validates a YAML fleet definition. Asset ids must be
// unique and every trace must be ordered by timestamp.
func Load(r io.Reader) ([]types.Asset, error) {
	var f fleetFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode fleet: %w", err)
	}

	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid fleet: %w", err)
	}

	seen := make(map[string]bool, len(f.Assets))
	assets := make([]types.Asset, 0, len(f.Assets))
	for _, e := range f.Assets {
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate asset id %q", e.ID)
		}
		seen[e.ID] = true

		tr := make(types.Trace, len(e.Trace))
		for i, p := range e.Trace {
			tr[i] = types.TracePoint{Lat: p.Lat, Lng: p.Lng, Timestamp: p.Timestamp.UTC()}
		}
		if err := trace.Validate(tr); err != nil {
			return nil, fmt.Errorf("asset %s: %w", e.ID, err)
		}

		assets = append(assets, types.Asset{
			ID:            e.ID,
			Name:          e.Name,
			Description:   e.Description,
			Trace:         tr,
			TargetReached: e.TargetReached,
		})
	}

	return assets, nil
}

// LoadFile loads a fleet from path.
func LoadFile(path string) ([]types.Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// Default returns the built-in Los Angeles demo fleet.
func Default() ([]types.Asset, error) {
	return Load(bytes.NewReader(defaultFleet))
}
