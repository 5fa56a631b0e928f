package scores

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"polyfade/pkg/types"
)

// wireEvent is the JSON shape the score services return. All supported
// leagues share this envelope; per-sport differences live in the path.
type wireEvent struct {
	Team        string `json:"team"`
	Period      int    `json:"period"`
	Clock       string `json:"clock"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"` // unix ms
}

type wireResponse struct {
	GameID string      `json:"game_id"`
	Events []wireEvent `json:"events"`
}

// HTTPFeed fetches scoring events from a REST score service.
type HTTPFeed struct {
	http   *resty.Client
	sport  types.Sport
	logger *slog.Logger
}

// NewHTTPFeed creates a feed for one sport's score service.
func NewHTTPFeed(sport types.Sport, baseURL string, logger *slog.Logger) *HTTPFeed {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(3 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &HTTPFeed{
		http:   httpClient,
		sport:  sport,
		logger: logger.With("component", "scores", "sport", string(sport)),
	}
}

// FetchEvents implements Feed. The market slug doubles as the game key on
// the score service.
func (f *HTTPFeed) FetchEvents(ctx context.Context, market types.Market) ([]types.ScoringEvent, error) {
	var result wireResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetPathParam("game", market.Slug).
		SetResult(&result).
		Get("/games/{game}/events")
	if err != nil {
		return nil, fmt.Errorf("fetch %s events: %w", f.sport, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil // game not started or unknown yet
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch %s events: status %d: %s", f.sport, resp.StatusCode(), resp.String())
	}

	events := make([]types.ScoringEvent, 0, len(result.Events))
	for _, e := range result.Events {
		events = append(events, types.ScoringEvent{
			Team:        e.Team,
			Period:      e.Period,
			Clock:       e.Clock,
			Description: e.Description,
			Timestamp:   time.UnixMilli(e.Timestamp).UTC(),
		})
	}
	return events, nil
}

// BuildRegistry wires one HTTPFeed per configured sport.
func BuildRegistry(sports map[string]string, logger *slog.Logger) *Registry {
	reg := NewRegistry()
	for sport, baseURL := range sports {
		reg.Register(types.Sport(sport), NewHTTPFeed(types.Sport(sport), baseURL, logger))
	}
	return reg
}
