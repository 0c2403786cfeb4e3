// Package geo provides GPS fixes used as localization hints and the gate that
// waits a bounded time for one before the first automatic attempt.
package geo

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/banshee-data/vpsclient/internal/monitoring"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

// Gate defaults: one poll per second, ten polls.
const (
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 10
)

var logger = monitoring.NewLogger("geo")

// Fix is a GPS position in WGS84 degrees and metres.
type Fix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy,omitempty"` // horizontal, metres
}

// Valid reports whether the fix holds usable coordinates. A fix at exactly
// 0,0 is what most location stacks report before they have a position.
func (f Fix) Valid() bool {
	for _, v := range []float64{f.Latitude, f.Longitude, f.Altitude} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180 {
		return false
	}
	return f.Latitude != 0 || f.Longitude != 0
}

// HintString formats the fix as the "lat,lon,alt" geo hint form field.
func (f Fix) HintString() string {
	return strconv.FormatFloat(f.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(f.Longitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(f.Altitude, 'f', -1, 64)
}

func (f Fix) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.1fm", f.Latitude, f.Longitude, f.Altitude)
}

// LocationProvider exposes the device's most recent GPS fix.
type LocationProvider interface {
	// LastFix returns the latest fix, or false if none is known yet.
	LastFix() (Fix, bool)
}

// Gate holds back an automatic localization until a valid GPS fix is
// available or the attempts run out.
type Gate struct {
	provider    LocationProvider
	clock       timeutil.Clock
	interval    time.Duration
	maxAttempts int
}

// NewGate creates a Gate with the default poll interval and attempt count.
func NewGate(provider LocationProvider, clock timeutil.Clock) *Gate {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Gate{
		provider:    provider,
		clock:       clock,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Current returns the provider's fix if it is valid, without waiting.
func (g *Gate) Current() (Fix, bool) {
	if g == nil || g.provider == nil {
		return Fix{}, false
	}
	fix, ok := g.provider.LastFix()
	if !ok || !fix.Valid() {
		return Fix{}, false
	}
	return fix, true
}

// Wait polls for a valid fix, once per interval, up to the attempt limit.
// It returns the fix and true as soon as one is valid, or false once the
// attempts are exhausted so the caller proceeds without a hint. The only
// error is the context's.
func (g *Gate) Wait(ctx context.Context) (Fix, bool, error) {
	if g == nil || g.provider == nil {
		return Fix{}, false, ctx.Err()
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Fix{}, false, err
		}
		if fix, ok := g.Current(); ok {
			logger.Printf("GPS fix %s after %d attempt(s)", fix, attempt)
			return fix, true, nil
		}
		if attempt >= g.maxAttempts {
			logger.Printf("no GPS fix after %d attempts, continuing without geo hint", attempt)
			return Fix{}, false, nil
		}
		if err := timeutil.Sleep(ctx, g.clock, g.interval); err != nil {
			return Fix{}, false, err
		}
	}
}
