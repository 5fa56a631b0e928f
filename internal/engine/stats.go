package engine

import (
	"math"
	"time"

	"polyfade/internal/store"
)

// sharpeWindow bounds the per-trade PnL history used for the rolling Sharpe.
const sharpeWindow = 50

// Stats accumulates session performance counters. Dispatcher-owned.
type Stats struct {
	s         store.SessionStats
	recentPnL []float64 // last sharpeWindow closed-trade PnLs
}

func NewStats() *Stats {
	return &Stats{}
}

// Restore seeds counters from a persisted snapshot.
func (st *Stats) Restore(s store.SessionStats) {
	st.s = s
}

// Persisted returns the counters for snapshotting.
func (st *Stats) Persisted() store.SessionStats {
	return st.s
}

func (st *Stats) ShockDetected()   { st.s.ShocksDetected++ }
func (st *Stats) ShockSuppressed() { st.s.ShocksSuppressed++ }
func (st *Stats) CycleStarted()    { st.s.CyclesStarted++ }
func (st *Stats) EntryFilled()     { st.s.ShocksFaded++ }

// PositionClosed books one closed trade.
func (st *Stats) PositionClosed(pnl float64, hold time.Duration, captureCents float64) {
	if pnl >= 0 {
		st.s.CyclesWon++
	} else {
		st.s.CyclesLost++
	}
	st.s.RealizedPnL += pnl
	st.s.TotalHoldSecs += hold.Seconds()
	st.s.FadeCaptureSum += captureCents

	st.recentPnL = append(st.recentPnL, pnl)
	if len(st.recentPnL) > sharpeWindow {
		st.recentPnL = st.recentPnL[len(st.recentPnL)-sharpeWindow:]
	}
}

// CycleRetired currently only exists so the retirement path has a single
// stats hook; terminal counts derive from position closes.
func (st *Stats) CycleRetired(tpStatus string) {}

// Summary is the dashboard view of session performance.
type Summary struct {
	ShocksDetected   int     `json:"shocks_detected"`
	ShocksSuppressed int     `json:"shocks_suppressed"`
	ShocksFaded      int     `json:"shocks_faded"`
	CyclesStarted    int     `json:"cycles_started"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"`
	RealizedPnL      float64 `json:"realized_pnl"`
	AvgHoldSecs      float64 `json:"avg_hold_secs"`
	AvgCaptureCents  float64 `json:"avg_capture_cents"`
	RollingSharpe    float64 `json:"rolling_sharpe"`
}

// Summarize computes derived metrics from the raw counters.
func (st *Stats) Summarize() Summary {
	closed := st.s.CyclesWon + st.s.CyclesLost
	sum := Summary{
		ShocksDetected:   st.s.ShocksDetected,
		ShocksSuppressed: st.s.ShocksSuppressed,
		ShocksFaded:      st.s.ShocksFaded,
		CyclesStarted:    st.s.CyclesStarted,
		Wins:             st.s.CyclesWon,
		Losses:           st.s.CyclesLost,
		RealizedPnL:      st.s.RealizedPnL,
	}
	if closed > 0 {
		sum.WinRate = float64(st.s.CyclesWon) / float64(closed)
		sum.AvgHoldSecs = st.s.TotalHoldSecs / float64(closed)
		sum.AvgCaptureCents = st.s.FadeCaptureSum / float64(closed)
	}
	sum.RollingSharpe = st.rollingSharpe()
	return sum
}

// rollingSharpe is mean/stddev of the recent per-trade PnL series. Zero when
// fewer than two trades or a degenerate stddev.
func (st *Stats) rollingSharpe() float64 {
	n := len(st.recentPnL)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, p := range st.recentPnL {
		mean += p
	}
	mean /= float64(n)

	variance := 0.0
	for _, p := range st.recentPnL {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(n)
	if variance < 1e-12 {
		return 0
	}
	return mean / math.Sqrt(variance)
}
