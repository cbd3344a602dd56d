package filter

import (
	"testing"
	"time"

	"github.com/tqfleet/gateway/pkg/tq/codec"
)

var base = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

func reportAt(id string, lat, lon float64, t time.Time) *codec.PositionReport {
	return &codec.PositionReport{
		DeviceID:  codec.DeviceID(id),
		Latitude:  lat,
		Longitude: lon,
		Date:      codec.GPSDate{Day: t.Day(), Month: int(t.Month()), YearOfCentury: t.Year() - 2000, Valid: true},
		Time:      codec.GPSTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(), Valid: true},
	}
}

func TestFirstReportAlwaysAccepted(t *testing.T) {
	f := New(DefaultConfig())
	accept, reason, newSegment := f.Evaluate(reportAt("1", -34.6, -58.5, base), base)
	if !accept || reason != ReasonAccepted {
		t.Fatalf("Evaluate first report = %v, %v, want accept, accepted", accept, reason)
	}
	if !newSegment {
		t.Errorf("newSegment = false, want true for a device's first fix")
	}
}

func TestNoFixRejected(t *testing.T) {
	f := New(DefaultConfig())
	accept, reason, _ := f.Evaluate(reportAt("1", 0, 0, base), base)
	if accept || reason != ReasonGPSZero {
		t.Fatalf("Evaluate no-fix = %v, %v, want reject, gps_zero", accept, reason)
	}
}

func TestNoFixEpsilonRejected(t *testing.T) {
	f := New(DefaultConfig())
	accept, reason, _ := f.Evaluate(reportAt("1", 5e-7, -5e-7, base), base)
	if accept || reason != ReasonGPSZero {
		t.Fatalf("Evaluate near-zero fix = %v, %v, want reject, gps_zero", accept, reason)
	}
}

// TestS3FilterRejectsTeleport matches the spec's worked teleport scenario:
// ~1.4km in 5 GPS seconds is an impossible short-window jump.
func TestS3FilterRejectsTeleport(t *testing.T) {
	f := New(DefaultConfig())
	f.Evaluate(reportAt("1", -34.6000, -58.4000, base), base)

	accept, reason, newSegment := f.Evaluate(reportAt("1", -34.6100, -58.4100, base.Add(5*time.Second)), base.Add(5*time.Second))
	if accept || reason != ReasonJumpShortDT {
		t.Fatalf("Evaluate teleport = %v, %v, want reject, jump_shortdt", accept, reason)
	}
	if !newSegment {
		t.Errorf("newSegment = false, want true on a jump rejection")
	}
}

// TestS4FilterToleratesRealStop matches the spec's worked stationary
// scenario: two identical fixes 30 GPS seconds apart, the second rejected
// as noise despite the gap exceeding ShortDTSeconds.
func TestS4FilterToleratesRealStop(t *testing.T) {
	f := New(DefaultConfig())
	accept, reason, _ := f.Evaluate(reportAt("1", -34.6, -58.5, base), base)
	if !accept || reason != ReasonAccepted {
		t.Fatalf("Evaluate first stop report = %v, %v, want accept, accepted", accept, reason)
	}

	accept, reason, _ = f.Evaluate(reportAt("1", -34.6, -58.5, base.Add(30*time.Second)), base.Add(30*time.Second))
	if accept || reason != ReasonDupeOrNoise {
		t.Fatalf("Evaluate repeated stop report = %v, %v, want reject, dupe_or_noise", accept, reason)
	}
}

func TestImpliedSpeedJumpRejected(t *testing.T) {
	f := New(DefaultConfig())
	f.Evaluate(reportAt("1", -34.6, -58.5, base), base)
	// ~600km in 1 hour implies 600 km/h, far over the 200 km/h ceiling, and
	// the elapsed time is well past the short-window jump threshold.
	accept, reason, newSegment := f.Evaluate(reportAt("1", -29.2, -58.5, base.Add(time.Hour)), base.Add(time.Hour))
	if accept || reason != ReasonJumpSpeed {
		t.Fatalf("Evaluate implied-speed jump = %v, %v, want reject, jump_speed", accept, reason)
	}
	if !newSegment {
		t.Errorf("newSegment = false, want true on a jump rejection")
	}
}

func TestPlausibleMovementAccepted(t *testing.T) {
	f := New(DefaultConfig())
	f.Evaluate(reportAt("1", -34.6, -58.5, base), base)
	// ~1km over 2 minutes is a plausible urban driving speed.
	accept, reason, _ := f.Evaluate(reportAt("1", -34.609, -58.5, base.Add(2*time.Minute)), base.Add(2*time.Minute))
	if !accept || reason != ReasonAccepted {
		t.Fatalf("Evaluate plausible movement = %v, %v, want accept, accepted", accept, reason)
	}
}

func TestClockRegressionRejected(t *testing.T) {
	f := New(DefaultConfig())
	f.Evaluate(reportAt("1", -34.6, -58.5, base), base)
	accept, reason, newSegment := f.Evaluate(reportAt("1", -34.6, -58.5, base.Add(-time.Minute)), base.Add(-time.Minute))
	if accept || reason != ReasonOutOfOrder {
		t.Fatalf("Evaluate clock regression = %v, %v, want reject, out_of_order", accept, reason)
	}
	if !newSegment {
		t.Errorf("newSegment = false, want true so the next in-order point doesn't stitch across the gap")
	}
}

func TestDevicesAreIndependent(t *testing.T) {
	f := New(DefaultConfig())
	f.Evaluate(reportAt("1", -34.6, -58.5, base), base)
	accept, reason, _ := f.Evaluate(reportAt("2", -34.6, -58.5, base), base)
	if !accept || reason != ReasonAccepted {
		t.Fatalf("Evaluate other device's first report = %v, %v, want accept, accepted", accept, reason)
	}
}

func TestForgetResetsState(t *testing.T) {
	f := New(DefaultConfig())
	f.Evaluate(reportAt("1", -34.6, -58.5, base), base)
	f.Forget("1")
	accept, reason, _ := f.Evaluate(reportAt("1", 10, 10, base.Add(time.Second)), base.Add(time.Second))
	if !accept || reason != ReasonAccepted {
		t.Fatalf("Evaluate after Forget = %v, %v, want accept, accepted", accept, reason)
	}
}

func TestMissingGPSTimeFallsBackToReceivedAt(t *testing.T) {
	f := New(DefaultConfig())
	first := &codec.PositionReport{DeviceID: "1", Latitude: -34.6, Longitude: -58.5}
	f.Evaluate(first, base)
	second := &codec.PositionReport{DeviceID: "1", Latitude: -34.6, Longitude: -58.5}
	accept, reason, _ := f.Evaluate(second, base.Add(time.Second))
	if accept || reason != ReasonDupeOrNoise {
		t.Fatalf("Evaluate without GPS time = %v, %v, want reject, dupe_or_noise (ReceivedAt fallback)", accept, reason)
	}
}
