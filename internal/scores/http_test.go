package scores

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"polyfade/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPFeedFetchEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/games/nba-lal-bos-2026-01-15/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"game_id": "nba-lal-bos-2026-01-15",
			"events": [
				{"team":"Lakers","period":3,"clock":"7:42","description":"James 3PT","timestamp":1768504920000},
				{"team":"Celtics","period":3,"clock":"7:15","description":"Tatum layup","timestamp":1768504947000}
			]
		}`))
	}))
	t.Cleanup(srv.Close)

	feed := NewHTTPFeed(types.SportNBA, srv.URL, testLogger())
	events, err := feed.FetchEvents(context.Background(), types.Market{Slug: "nba-lal-bos-2026-01-15"})
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Team != "Lakers" || events[0].Period != 3 {
		t.Errorf("events[0] = %+v", events[0])
	}
	want := time.UnixMilli(1768504920000).UTC()
	if !events[0].Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", events[0].Timestamp, want)
	}
}

func TestHTTPFeedGameNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	feed := NewHTTPFeed(types.SportNFL, srv.URL, testLogger())
	events, err := feed.FetchEvents(context.Background(), types.Market{Slug: "nfl-kc-buf"})
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if events != nil {
		t.Errorf("events = %v, want nil before game start", events)
	}
}

func TestHTTPFeedServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	feed := NewHTTPFeed(types.SportMLB, srv.URL, testLogger())
	if _, err := feed.FetchEvents(context.Background(), types.Market{Slug: "mlb-x"}); err == nil {
		t.Fatal("expected error on 5xx")
	}
}

func TestBuildRegistry(t *testing.T) {
	t.Parallel()

	reg := BuildRegistry(map[string]string{
		"nba": "http://localhost:1",
		"nhl": "http://localhost:2",
	}, testLogger())

	if _, ok := reg.For(types.SportNBA); !ok {
		t.Error("nba feed missing")
	}
	if _, ok := reg.For(types.SportNHL); !ok {
		t.Error("nhl feed missing")
	}
	if _, ok := reg.For(types.SportNFL); ok {
		t.Error("nfl feed should be absent")
	}
}
