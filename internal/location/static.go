package location

import (
	"context"
	"time"
)

// StaticLocator answers with fixed coordinates, reported as a manual fix.
// It backs `location.source: static` for shore-side testing and manual
// position entry.
type StaticLocator struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters *float64
}

func (l StaticLocator) Locate(ctx context.Context, _ time.Duration) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	if err := validateCoordinates(l.Latitude, l.Longitude); err != nil {
		return Fix{}, err
	}
	return Fix{
		Latitude:       l.Latitude,
		Longitude:      l.Longitude,
		AccuracyMeters: l.AccuracyMeters,
		Provenance:     ProvenanceManual,
	}, nil
}
