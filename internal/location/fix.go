// Package location acquires best-effort position fixes and keeps the last
// known fix in the durable store.
package location

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mmcloughlin/geohash"
)

type Provenance string

const (
	ProvenanceLive   Provenance = "live"
	ProvenanceCached Provenance = "cached"
	ProvenanceManual Provenance = "manual"
	// ProvenanceNone is only reported by Capture when no fix is available.
	ProvenanceNone Provenance = "none"
)

var ErrInvalidCoordinates = errors.New("invalid coordinates")

type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

type Fix struct {
	Latitude       float64    `json:"lat"`
	Longitude      float64    `json:"lng"`
	CapturedAtMs   int64      `json:"captured_at_ms"`
	AccuracyMeters *float64   `json:"accuracy_m,omitempty"`
	Provenance     Provenance `json:"provenance"`
}

func (f Fix) Coordinates() Coordinates {
	return Coordinates{Latitude: f.Latitude, Longitude: f.Longitude}
}

func (f Fix) CapturedAt() time.Time {
	return time.UnixMilli(f.CapturedAtMs)
}

// Cell is the geohash cell of the fix, used in logs instead of raw
// coordinates.
func (f Fix) Cell() string {
	return geohash.EncodeWithPrecision(f.Latitude, f.Longitude, 6)
}

func validateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return ErrInvalidCoordinates
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: lat=%g lng=%g", ErrInvalidCoordinates, lat, lng)
	}
	return nil
}

func float64Ptr(v float64) *float64 {
	return &v
}
