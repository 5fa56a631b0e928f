package api

import (
	"time"

	"polyfade/internal/config"
	"polyfade/pkg/types"
)

// EngineProvider is the slice of the engine the dashboard needs. The engine
// implements it; keeping it as an interface here avoids an import cycle.
type EngineProvider interface {
	StateSnapshot() EngineState
	DashboardEvents() <-chan DashboardEvent
	ForceExit(cycleID string)
	ForceEntry(shock types.Shock)
	ClearHalt()
}

// BuildSnapshot pairs the engine state with the running configuration.
func BuildSnapshot(provider EngineProvider, cfg config.Config) DashboardSnapshot {
	return DashboardSnapshot{
		Timestamp: time.Now(),
		State:     provider.StateSnapshot(),
		Config:    NewConfigSummary(cfg),
	}
}
