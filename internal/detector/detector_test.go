package detector

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"polyfade/internal/config"
	"polyfade/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.DetectorConfig {
	return config.DetectorConfig{
		SigmaThreshold:  2.0,
		MinAbsoluteMove: 0.03,
		RollingWindow:   60 * time.Second,
		Cooldown:        30 * time.Second,
		PriceBandLow:    0.07,
		PriceBandHigh:   0.91,
		WarmupSamples:   10,
	}
}

var t0 = time.Date(2026, 1, 15, 19, 0, 0, 0, time.UTC)

// feedFlatWindow observes n samples alternating ±jitter around base, spaced
// 5s apart starting at t0. Returns the timestamp after the last sample.
func feedFlatWindow(d *Detector, token string, base, jitter float64, n int) time.Time {
	at := t0
	for i := 0; i < n; i++ {
		mid := base + jitter
		if i%2 == 1 {
			mid = base - jitter
		}
		d.Observe(types.PriceUpdate{TokenID: token, Mid: mid, Bid: mid - 0.01, Ask: mid + 0.01, Timestamp: at}, "mkt")
		at = at.Add(5 * time.Second)
	}
	return at
}

func drainShock(t *testing.T, d *Detector) *types.Shock {
	t.Helper()
	select {
	case s := <-d.Shocks():
		return &s
	default:
		return nil
	}
}

func TestDetectorFiresOnShock(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	// 12 samples over 55s around 0.60 ± 0.005: warm window, std 0.005.
	at := feedFlatWindow(d, "tok1", 0.60, 0.005, 12)

	// 0.55 → delta ≈ -0.05: clears 0.03 floor and |z| = 10 clears 2.0.
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.55, Bid: 0.54, Ask: 0.56, Timestamp: at}, "mkt")

	shock := drainShock(t, d)
	if shock == nil {
		t.Fatal("expected a shock")
	}
	if shock.Direction != types.DirDown {
		t.Errorf("Direction = %s, want down", shock.Direction)
	}
	if shock.MarketSlug != "mkt" {
		t.Errorf("MarketSlug = %s, want mkt", shock.MarketSlug)
	}
	if math.Abs(shock.Magnitude-0.05) > 0.01 {
		t.Errorf("Magnitude = %v, want ~0.05", shock.Magnitude)
	}
	if shock.PostPrice != 0.55 {
		t.Errorf("PostPrice = %v, want 0.55", shock.PostPrice)
	}
	if shock.ID == "" {
		t.Error("shock ID empty")
	}
}

func TestDetectorFlatWindowStillFires(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	// Perfectly flat window: std is exactly zero. The sigma floor keeps the
	// z-score finite, so a real jump out of a dead-quiet book still fires.
	at := feedFlatWindow(d, "tok1", 0.50, 0, 12)
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.56, Timestamp: at}, "mkt")

	shock := drainShock(t, d)
	if shock == nil {
		t.Fatal("flat window suppressed a six-cent jump")
	}
	if shock.Direction != types.DirUp {
		t.Errorf("Direction = %s, want up", shock.Direction)
	}
	if math.Abs(shock.Magnitude-0.06) > 1e-9 {
		t.Errorf("Magnitude = %v, want 0.06", shock.Magnitude)
	}
	if want := 0.06 / sigmaFloor; math.Abs(shock.ZScore-want) > 1e-9 {
		t.Errorf("ZScore = %v, want %v", shock.ZScore, want)
	}
}

func TestDetectorAbsoluteFloorSuppressesQuietNoise(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	d := New(cfg, testLogger())

	// Nearly flat window: tiny std makes small moves huge in z terms.
	at := feedFlatWindow(d, "tok1", 0.60, 0.001, 12)

	// 0.62 → z far above threshold but |delta| = 0.02 < 0.03 floor.
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.62, Timestamp: at}, "mkt")

	if s := drainShock(t, d); s != nil {
		t.Fatalf("quiet-window noise fired shock %+v", s)
	}
}

func TestDetectorZThresholdSuppressesVolatileMove(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	// Volatile window around 0.50 ± 0.04 → std 0.04.
	at := feedFlatWindow(d, "tok1", 0.50, 0.04, 12)

	// 0.55 → delta 0.05 clears the floor, but |z| = 1.25 < 2.0.
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.55, Timestamp: at}, "mkt")

	if s := drainShock(t, d); s != nil {
		t.Fatalf("sub-threshold z fired shock %+v", s)
	}
}

func TestDetectorNotWarmNoFire(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	// Only 5 samples: below the 10-sample warm-up.
	at := feedFlatWindow(d, "tok1", 0.60, 0.005, 5)
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.50, Timestamp: at}, "mkt")

	if s := drainShock(t, d); s != nil {
		t.Fatalf("cold window fired shock %+v", s)
	}
}

func TestDetectorCooldown(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	at := feedFlatWindow(d, "tok1", 0.60, 0.005, 12)
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.50, Timestamp: at}, "mkt")
	if drainShock(t, d) == nil {
		t.Fatal("expected first shock")
	}

	// 10s later: another big move, still inside the 30s cooldown.
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.70, Timestamp: at.Add(10 * time.Second)}, "mkt")
	if s := drainShock(t, d); s != nil {
		t.Fatalf("shock during cooldown %+v", s)
	}
}

func TestDetectorPriceBand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     float64
		post     float64
		wantFire bool
	}{
		{"inside band fires", 0.60, 0.50, true},
		{"post above band suppressed", 0.88, 0.95, false},
		{"post below band suppressed", 0.11, 0.05, false},
		{"upper boundary inclusive", 0.85, 0.91, true},
		{"lower boundary inclusive", 0.13, 0.07, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(testConfig(), testLogger())

			at := feedFlatWindow(d, "tok1", tt.base, 0.005, 12)
			d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: tt.post, Timestamp: at}, "mkt")

			got := drainShock(t, d) != nil
			if got != tt.wantFire {
				t.Errorf("fired = %v, want %v", got, tt.wantFire)
			}
		})
	}
}

func TestDetectorResetGoesCold(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	at := feedFlatWindow(d, "tok1", 0.60, 0.005, 12)
	d.Reset()

	// Post-reconnect jump must not fire on a cold window.
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.50, Timestamp: at}, "mkt")
	if s := drainShock(t, d); s != nil {
		t.Fatalf("cold window after reset fired shock %+v", s)
	}
}

func TestDetectorRestoreCooldownsSurvivesRestart(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	at := feedFlatWindow(d, "tok1", 0.60, 0.005, 12)
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.50, Timestamp: at}, "mkt")
	if drainShock(t, d) == nil {
		t.Fatal("expected first shock")
	}

	saved := d.Cooldowns()
	if got := saved["tok1"]; !got.Equal(at) {
		t.Fatalf("Cooldowns()[tok1] = %v, want %v", got, at)
	}

	// Fresh detector, as after a restart: the restored cooldown blocks a
	// re-fire even once the window warms back up. 14 samples reach t0+65s,
	// so at t0+70s eleven of them survive eviction and the window is warm;
	// only the cooldown (10s since the saved shock) suppresses the move.
	d2 := New(testConfig(), testLogger())
	d2.RestoreCooldowns(saved)

	at2 := feedFlatWindow(d2, "tok1", 0.50, 0.005, 14)
	d2.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.60, Timestamp: at2}, "mkt")
	if s := drainShock(t, d2); s != nil {
		t.Fatalf("restored cooldown did not block shock %+v", s)
	}
}

func TestDetectorPerTokenIndependence(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), testLogger())

	at := feedFlatWindow(d, "tok1", 0.60, 0.005, 12)
	feedFlatWindow(d, "tok2", 0.40, 0.005, 12)

	// Shock on tok1 does not put tok2 in cooldown.
	d.Observe(types.PriceUpdate{TokenID: "tok1", Mid: 0.50, Timestamp: at}, "mkt")
	if drainShock(t, d) == nil {
		t.Fatal("expected tok1 shock")
	}
	d.Observe(types.PriceUpdate{TokenID: "tok2", Mid: 0.50, Timestamp: at.Add(time.Second)}, "mkt")
	s := drainShock(t, d)
	if s == nil {
		t.Fatal("expected tok2 shock despite tok1 cooldown")
	}
	if s.TokenID != "tok2" {
		t.Errorf("TokenID = %s, want tok2", s.TokenID)
	}
	if s.Direction != types.DirUp {
		t.Errorf("Direction = %s, want up", s.Direction)
	}
}
