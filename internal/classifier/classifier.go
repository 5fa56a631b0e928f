// Package classifier resolves detected shocks into tradeable verdicts.
//
// Classification is two-phase. Phase one counts recent shocks on the market
// in a per-market deque. Phase two burst-polls the market's score feed for a
// bounded window looking for a scoring event recent enough to explain the
// move. A verdict that trades (or suppresses) always has feed backing:
//
//   - single_event: a fresh scoring event and few recent shocks — the fade case
//   - scoring_run:  a fresh scoring event amid repeated shocks — momentum, do not fade
//   - noise:        the window expired with feed coverage but no fresh event
//   - unclassified: the feed never answered inside the window
//
// Each verdict carries the shock→verdict latency for the dashboard.
package classifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polyfade/internal/config"
	"polyfade/internal/scores"
	"polyfade/pkg/types"
)

const resultBuffer = 64

// Classifier turns shocks into classifications.
type Classifier struct {
	mu      sync.Mutex
	cfg     config.ClassifierConfig
	feeds   *scores.Registry
	recent  map[string][]time.Time // market slug → recent shock times
	results chan types.Classification
	logger  *slog.Logger
}

// New creates a classifier backed by the given feed registry.
func New(cfg config.ClassifierConfig, feeds *scores.Registry, logger *slog.Logger) *Classifier {
	return &Classifier{
		cfg:     cfg,
		feeds:   feeds,
		recent:  make(map[string][]time.Time),
		results: make(chan types.Classification, resultBuffer),
		logger:  logger.With("component", "classifier"),
	}
}

// Results returns the stream of classifications.
func (c *Classifier) Results() <-chan types.Classification {
	return c.results
}

// SetConfig swaps tuning on hot reload. In-flight classifications finish
// with the values they started with.
func (c *Classifier) SetConfig(cfg config.ClassifierConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Classify records the shock and starts an asynchronous classification.
// The verdict arrives on Results().
func (c *Classifier) Classify(ctx context.Context, shock types.Shock, market types.Market) {
	c.mu.Lock()
	cfg := c.cfg
	recentShocks := c.recordShock(shock.MarketSlug, shock.Timestamp, cfg.RunWindow)
	c.mu.Unlock()

	go c.pollForVerdict(ctx, cfg, shock, market, recentShocks)
}

// recordShock appends a shock time to the market's deque, evicts entries
// outside the run window, and returns the deque size including this shock.
// Caller holds c.mu.
func (c *Classifier) recordShock(slug string, at time.Time, runWindow time.Duration) int {
	cutoff := at.Add(-runWindow)
	kept := c.recent[slug][:0]
	for _, t := range c.recent[slug] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	c.recent[slug] = kept
	return len(kept)
}

// pollForVerdict is phase two: burst-poll the score feed until a fresh
// scoring event shows up or the window closes. The shock deque alone never
// produces a run verdict; a run needs a confirming event too, otherwise the
// repeated shocks are just noise in a jumpy book.
func (c *Classifier) pollForVerdict(ctx context.Context, cfg config.ClassifierConfig, shock types.Shock, market types.Market, recentShocks int) {
	started := time.Now()
	deadline := started.Add(cfg.Window)

	feed, ok := c.feeds.For(market.Sport)
	if !ok {
		c.logger.Warn("no score feed for sport", "sport", market.Sport, "market", market.Slug)
		c.emit(types.Classification{Shock: shock, Label: types.ClassUnclassified, Latency: time.Since(started)})
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	anyAnswer := false
	for {
		events, err := feed.FetchEvents(ctx, market)
		if err != nil {
			c.logger.Debug("score feed poll failed", "market", market.Slug, "error", err)
		} else {
			anyAnswer = true
			if team, found := c.matchEvent(cfg, shock, events); found {
				label := types.ClassSingleEvent
				if recentShocks >= cfg.RunShockCount {
					label = types.ClassScoringRun
				}
				c.emit(types.Classification{
					Shock:     shock,
					Label:     label,
					ShockTeam: team,
					Latency:   time.Since(started),
				})
				return
			}
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			c.emit(types.Classification{Shock: shock, Label: types.ClassUnclassified, Latency: time.Since(started)})
			return
		case <-ticker.C:
		}
	}

	label := types.ClassNoise
	if !anyAnswer {
		label = types.ClassUnclassified
	}
	c.emit(types.Classification{Shock: shock, Label: label, Latency: time.Since(started)})
}

// matchEvent looks for a scoring event recent enough to explain the shock.
func (c *Classifier) matchEvent(cfg config.ClassifierConfig, shock types.Shock, events []types.ScoringEvent) (string, bool) {
	earliest := shock.Timestamp.Add(-cfg.MaxEventAge)
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Timestamp.Before(earliest) {
			continue
		}
		return e.Team, true
	}
	return "", false
}

func (c *Classifier) emit(result types.Classification) {
	c.logger.Info("shock classified",
		"shock", result.Shock.ID,
		"market", result.Shock.MarketSlug,
		"label", result.Label,
		"team", result.ShockTeam,
		"latency", result.Latency,
	)
	select {
	case c.results <- result:
	default:
		c.logger.Warn("classification channel full, dropping result", "shock", result.Shock.ID)
	}
}
