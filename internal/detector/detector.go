// Package detector turns the top-of-book price stream into shock signals.
//
// Each token gets a rolling, time-bounded window of mid prices. A new mid is
// compared against the window's mean and standard deviation; a move fires a
// shock only when it clears BOTH the absolute floor and the z-score
// threshold, lands inside the tradeable price band, the window is warmed up,
// and the token is out of cooldown. Both thresholds together filter the two
// failure modes of each alone: a quiet window makes tiny moves look like
// huge z-scores, and a volatile window makes real moves look ordinary.
package detector

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"polyfade/internal/config"
	"polyfade/pkg/types"
)

const shockBuffer = 64

// sigmaFloor bounds the z-score denominator. A flat window has near-zero
// stddev, which would make the z-score undefined or astronomically large;
// flooring it lets a genuine jump out of a quiet book still register.
const sigmaFloor = 0.002

// sample is one observed mid price.
type sample struct {
	mid float64
	at  time.Time
}

// window is the rolling state for a single token.
type window struct {
	samples   []sample
	firstAt   time.Time // oldest sample currently in the window
	lastShock time.Time // zero until the first shock
}

// Detector consumes PriceUpdates and emits Shocks.
type Detector struct {
	mu      sync.Mutex
	cfg     config.DetectorConfig
	windows map[string]*window
	shocks  chan types.Shock
	logger  *slog.Logger
}

// New creates a detector with the given thresholds.
func New(cfg config.DetectorConfig, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		windows: make(map[string]*window),
		shocks:  make(chan types.Shock, shockBuffer),
		logger:  logger.With("component", "detector"),
	}
}

// Shocks returns the stream of detected shocks.
func (d *Detector) Shocks() <-chan types.Shock {
	return d.shocks
}

// SetConfig swaps the thresholds on hot reload. Windows keep their samples;
// only the firing criteria change.
func (d *Detector) SetConfig(cfg config.DetectorConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// Reset marks every window cold. Called after a market-feed reconnect: the
// first prices after a coverage gap can jump without any new information,
// and a cold window must re-earn warm-up before firing.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windows = make(map[string]*window)
	d.logger.Info("detector windows reset")
}

// Cooldowns returns each token's last shock time, for snapshot persistence.
func (d *Detector) Cooldowns() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Time)
	for tokenID, w := range d.windows {
		if !w.lastShock.IsZero() {
			out[tokenID] = w.lastShock
		}
	}
	return out
}

// RestoreCooldowns seeds last shock times from a snapshot so a restart does
// not re-fire on a shock the previous process already traded.
func (d *Detector) RestoreCooldowns(cooldowns map[string]time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tokenID, at := range cooldowns {
		w := d.windows[tokenID]
		if w == nil {
			w = &window{}
			d.windows[tokenID] = w
		}
		w.lastShock = at
	}
}

// Observe feeds one price update into the detector. marketSlug travels with
// any emitted shock so downstream consumers avoid a cache lookup.
func (d *Detector) Observe(update types.PriceUpdate, marketSlug string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.windows[update.TokenID]
	if w == nil {
		w = &window{}
		d.windows[update.TokenID] = w
	}

	now := update.Timestamp
	d.evict(w, now)

	mean, std, n := stats(w.samples)

	// The new sample joins the window regardless of whether it fires.
	w.samples = append(w.samples, sample{mid: update.Mid, at: now})
	if len(w.samples) == 1 {
		w.firstAt = now
	}

	if !d.warm(w, n, now) {
		return
	}
	if !w.lastShock.IsZero() && now.Sub(w.lastShock) < d.cfg.Cooldown {
		return
	}

	delta := update.Mid - mean
	if math.Abs(delta) < d.cfg.MinAbsoluteMove {
		return
	}
	if std < sigmaFloor {
		std = sigmaFloor
	}
	z := delta / std
	if math.Abs(z) < d.cfg.SigmaThreshold {
		return
	}
	if update.Mid < d.cfg.PriceBandLow || update.Mid > d.cfg.PriceBandHigh {
		d.logger.Debug("shock outside price band, suppressed",
			"token", update.TokenID, "mid", update.Mid)
		return
	}

	dir := types.DirUp
	if delta < 0 {
		dir = types.DirDown
	}

	shock := types.Shock{
		ID:         uuid.NewString(),
		TokenID:    update.TokenID,
		MarketSlug: marketSlug,
		Direction:  dir,
		Magnitude:  math.Abs(delta),
		ZScore:     z,
		PrePrice:   mean,
		PostPrice:  update.Mid,
		Timestamp:  now,
	}
	w.lastShock = now

	d.logger.Info("shock detected",
		"token", update.TokenID,
		"market", marketSlug,
		"direction", dir,
		"magnitude", shock.Magnitude,
		"z", z,
		"pre", mean,
		"post", update.Mid,
	)

	select {
	case d.shocks <- shock:
	default:
		d.logger.Warn("shock channel full, dropping shock", "token", update.TokenID)
	}
}

// warm reports whether the window has enough history to trust its stats:
// a minimum sample count and at least half the window span of coverage.
func (d *Detector) warm(w *window, samplesBefore int, now time.Time) bool {
	if samplesBefore < d.cfg.WarmupSamples {
		return false
	}
	return now.Sub(w.firstAt) >= d.cfg.RollingWindow/2
}

// evict drops samples older than the rolling window.
func (d *Detector) evict(w *window, now time.Time) {
	cutoff := now.Add(-d.cfg.RollingWindow)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
	if len(w.samples) > 0 {
		w.firstAt = w.samples[0].at
	}
}

// stats returns the mean and population standard deviation of the window.
func stats(samples []sample) (mean, std float64, n int) {
	n = len(samples)
	if n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.mid
	}
	mean = sum / float64(n)

	var sq float64
	for _, s := range samples {
		d := s.mid - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(n))
	return mean, std, n
}
