// Package filter applies per-device quality rules to decoded position
// reports before they are handed to egress: it rejects out-of-order,
// impossible-jump, and duplicate/noise fixes while letting a device's
// first-ever fix and legitimate movement through.
package filter

import (
	"math"
	"sync"
	"time"

	"github.com/tqfleet/gateway/pkg/tq/codec"
)

// Reason names why a report was accepted or rejected, used as a metrics
// label and a log field. The exact strings are part of the filter's
// observable contract, not incidental.
type Reason string

const (
	ReasonAccepted    Reason = "accepted"
	ReasonGPSZero     Reason = "gps_zero"
	ReasonOutOfOrder  Reason = "out_of_order"
	ReasonDupeOrNoise Reason = "dupe_or_noise"
	ReasonJumpShortDT Reason = "jump_shortdt"
	ReasonJumpSpeed   Reason = "jump_speed"
)

// Config bounds what counts as an implausible jump or a duplicate fix. All
// four knobs are evaluated against GPS-time deltas when both reports carry
// a valid GPS timestamp, falling back to wall-clock receive time otherwise.
type Config struct {
	// MaxSpeedKmh is the fastest a vehicle can plausibly move; a fix that
	// implies a faster speed than this between two reports is rejected.
	MaxSpeedKmh float64
	// MaxDistStepM is the distance, in meters, beyond which a move within
	// ShortDTSeconds is treated as an impossible short-window jump rather
	// than a fast but plausible one.
	MaxDistStepM float64
	// ShortDTSeconds is the time window, in seconds, used by the
	// short-window jump rule.
	ShortDTSeconds float64
	// MinMoveToAcceptM is the distance, in meters, below which a fix is
	// treated as a duplicate or noise rather than real movement, however
	// much time has passed since the last-known point.
	MinMoveToAcceptM float64
}

func DefaultConfig() Config {
	return Config{
		MaxSpeedKmh:      200,
		MaxDistStepM:     500,
		ShortDTSeconds:   10,
		MinMoveToAcceptM: 5,
	}
}

type deviceState struct {
	mu       sync.Mutex
	lastSeen time.Time
	last     *codec.PositionReport
}

// Filter holds one deviceState per DeviceID ever seen, each independently
// locked so that one device's traffic never blocks another's.
type Filter struct {
	cfg     Config
	mu      sync.Mutex
	devices map[codec.DeviceID]*deviceState
}

func New(cfg Config) *Filter {
	return &Filter{cfg: cfg, devices: make(map[codec.DeviceID]*deviceState)}
}

func (f *Filter) stateFor(id codec.DeviceID) *deviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.devices[id]
	if !ok {
		st = &deviceState{}
		f.devices[id] = st
	}
	return st
}

// Evaluate decides whether r should be forwarded against the device's
// last-known accepted fix. now is the wall-clock receive time, used only as
// a fallback when GPS timestamps are missing from either report. newSegment
// reports whether a downstream track-drawing consumer should start a new
// line rather than connect r to the previous accepted point: true on a
// device's first fix and on any rejection that represents a discontinuity
// (clock regression, a jump) rather than plain noise.
func (f *Filter) Evaluate(r *codec.PositionReport, now time.Time) (accept bool, reason Reason, newSegment bool) {
	if math.Abs(r.Latitude) < 1e-6 && math.Abs(r.Longitude) < 1e-6 {
		return false, ReasonGPSZero, false
	}

	st := f.stateFor(r.DeviceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.last
	if prev == nil {
		st.last = r
		st.lastSeen = now
		return true, ReasonAccepted, true
	}

	dtSeconds, ok := gpsDeltaSeconds(prev, r)
	if !ok {
		dtSeconds = now.Sub(st.lastSeen).Seconds()
	}
	if dtSeconds < 0 {
		return false, ReasonOutOfOrder, true
	}

	distM := haversineMeters(prev.Latitude, prev.Longitude, r.Latitude, r.Longitude)

	// A stationary device resends the same fix indefinitely; unlike the
	// jump rules below this one is not bounded by ShortDTSeconds, since an
	// idle vehicle can sit still for much longer than a short window and
	// every resend is still the same non-event.
	if distM < f.cfg.MinMoveToAcceptM {
		return false, ReasonDupeOrNoise, false
	}

	if dtSeconds <= f.cfg.ShortDTSeconds && distM > f.cfg.MaxDistStepM {
		return false, ReasonJumpShortDT, true
	}

	if dtSeconds > 0 {
		impliedKmh := (distM / 1000.0) / (dtSeconds / 3600.0)
		if impliedKmh > f.cfg.MaxSpeedKmh {
			return false, ReasonJumpSpeed, true
		}
	}

	st.last = r
	st.lastSeen = now
	return true, ReasonAccepted, false
}

// gpsDeltaSeconds returns the elapsed time between prev's and r's GPS
// timestamps, and whether both carried a usable one. Century is fixed at
// 2000s, matching the wire format's two-digit year.
func gpsDeltaSeconds(prev, r *codec.PositionReport) (float64, bool) {
	prevT, ok := gpsTimestamp(prev.Date, prev.Time)
	if !ok {
		return 0, false
	}
	curT, ok := gpsTimestamp(r.Date, r.Time)
	if !ok {
		return 0, false
	}
	return curT.Sub(prevT).Seconds(), true
}

func gpsTimestamp(d codec.GPSDate, t codec.GPSTime) (time.Time, bool) {
	if !d.Valid || !t.Valid {
		return time.Time{}, false
	}
	return time.Date(2000+d.YearOfCentury, time.Month(d.Month), d.Day, t.Hour, t.Minute, t.Second, 0, time.UTC), true
}

// haversineMeters returns the great-circle distance between two lat/lon
// pairs in meters, using the 6,371,000 m Earth radius from the spec.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6_371_000.0
	rad := math.Pi / 180.0
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Forget drops state for a device, e.g. when its session disconnects and
// the gateway wants a later reconnect to be treated as a fresh device
// rather than compared against a now-stale last-known position.
func (f *Filter) Forget(id codec.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, id)
}
