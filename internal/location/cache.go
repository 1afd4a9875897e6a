package location

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/nuetzliches/tidelog/internal/kv"
)

// FixKey is compatible with the value written by earlier mobile builds.
const FixKey = "last_gps_fix_v1"

const defaultCacheOpTimeout = 2 * time.Second

// storedFix is the persisted shape: {"lat","lng","ts","accuracy"?,"source"?}.
type storedFix struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	TS       int64    `json:"ts"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// Cache holds the single last known fix. Save and Clear are best-effort:
// store failures are logged and never reach the caller.
type Cache struct {
	Store  kv.Store
	Key    string
	Logger *slog.Logger
}

func NewCache(store kv.Store, logger *slog.Logger) *Cache {
	return &Cache{Store: store, Key: FixKey, Logger: logger}
}

func (c *Cache) Save(ctx context.Context, fix Fix) {
	if c == nil {
		return
	}
	if err := c.write(ctx, fix); err != nil {
		c.logger().Warn("location_cache_save_failed", slog.Any("err", err))
	}
}

func (c *Cache) Read(ctx context.Context) *Fix {
	fix, err := c.read(ctx)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger().Debug("location_cache_read_failed", slog.Any("err", err))
		}
		return nil
	}
	return fix
}

func (c *Cache) Clear(ctx context.Context) {
	if c == nil || c.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheOpTimeout)
	defer cancel()
	if err := c.Store.Delete(ctx, c.key()); err != nil {
		c.logger().Warn("location_cache_clear_failed", slog.Any("err", err))
	}
}

func (c *Cache) write(ctx context.Context, fix Fix) error {
	if c == nil || c.Store == nil {
		return errors.New("location cache has no store")
	}
	if err := validateCoordinates(fix.Latitude, fix.Longitude); err != nil {
		return err
	}
	raw, err := json.Marshal(storedFix{
		Lat:      fix.Latitude,
		Lng:      fix.Longitude,
		TS:       fix.CapturedAtMs,
		Accuracy: fix.AccuracyMeters,
		Source:   sourceFromProvenance(fix.Provenance),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheOpTimeout)
	defer cancel()
	// Saves may land out of order; a newer stored fix is kept.
	return c.Store.Update(ctx, c.key(), func(current []byte, found bool) ([]byte, error) {
		if found {
			if prev, err := decodeStoredFix(current); err == nil && prev.CapturedAtMs > fix.CapturedAtMs {
				return nil, kv.ErrUnchanged
			}
		}
		return raw, nil
	})
}

func (c *Cache) read(ctx context.Context) (*Fix, error) {
	if c == nil || c.Store == nil {
		return nil, kv.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheOpTimeout)
	defer cancel()
	raw, err := c.Store.Get(ctx, c.key())
	if err != nil {
		return nil, err
	}
	return decodeStoredFix(raw)
}

var errMalformedFix = errors.New("malformed stored fix")

// decodeStoredFix accepts any JSON object with numeric lat and lng. Other
// fields are optional and ignored when they have the wrong type.
func decodeStoredFix(raw []byte) (*Fix, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errMalformedFix
	}
	lat, ok := finiteNumber(obj["lat"])
	if !ok {
		return nil, errMalformedFix
	}
	lng, ok := finiteNumber(obj["lng"])
	if !ok {
		return nil, errMalformedFix
	}
	if err := validateCoordinates(lat, lng); err != nil {
		return nil, errMalformedFix
	}

	fix := &Fix{Latitude: lat, Longitude: lng, Provenance: ProvenanceLive}
	if ts, ok := finiteNumber(obj["ts"]); ok {
		fix.CapturedAtMs = int64(ts)
	}
	if acc, ok := finiteNumber(obj["accuracy"]); ok {
		fix.AccuracyMeters = float64Ptr(acc)
	}
	if src, ok := obj["source"].(string); ok {
		fix.Provenance = provenanceFromSource(src)
	}
	return fix, nil
}

func finiteNumber(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func sourceFromProvenance(p Provenance) string {
	switch p {
	case ProvenanceCached:
		return "cache"
	case ProvenanceManual:
		return "manual"
	default:
		return "gps"
	}
}

func provenanceFromSource(s string) Provenance {
	switch s {
	case "cache":
		return ProvenanceCached
	case "manual":
		return ProvenanceManual
	default:
		return ProvenanceLive
	}
}

func (c *Cache) key() string {
	if c.Key == "" {
		return FixKey
	}
	return c.Key
}

func (c *Cache) logger() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
