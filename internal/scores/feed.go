// Package scores adapts external league score feeds to one interface.
//
// The classifier burst-polls a Feed while a shock is pending; it never keeps
// a feed connection of its own. Each sport gets its own HTTP adapter because
// league APIs disagree on payload shape; the Registry picks the adapter for
// a market's sport.
package scores

import (
	"context"

	"polyfade/pkg/types"
)

// Feed fetches recent scoring events for one game.
type Feed interface {
	// FetchEvents returns scoring events for the game behind the market,
	// newest last. Implementations should keep this cheap: it is called
	// once per second while a shock awaits classification.
	FetchEvents(ctx context.Context, market types.Market) ([]types.ScoringEvent, error)
}

// Registry maps sports to their feeds.
type Registry struct {
	feeds map[types.Sport]Feed
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[types.Sport]Feed)}
}

// Register binds a feed to a sport, replacing any previous binding.
func (r *Registry) Register(sport types.Sport, feed Feed) {
	r.feeds[sport] = feed
}

// For returns the feed for a sport.
func (r *Registry) For(sport types.Sport) (Feed, bool) {
	f, ok := r.feeds[sport]
	return f, ok
}
