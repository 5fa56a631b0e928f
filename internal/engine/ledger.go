package engine

import (
	"fmt"
	"sort"
)

// slot tracks one token's share buckets. Shares are minted by on-chain
// splits, reserved while a SELL order rests, and parked inside a position
// for the held side of a fade.
type slot struct {
	held       float64 // total shares in the wallet
	committed  float64 // reserved by resting SELL orders
	inPosition float64 // held side of open fade positions
}

// Ledger is the process-wide inventory record. It is owned by the engine
// dispatcher; no internal locking.
//
// Invariant after every applied event:
//
//	held = free + committed + inPosition   (per token)
type Ledger struct {
	slots map[string]*slot
}

func NewLedger() *Ledger {
	return &Ledger{slots: make(map[string]*slot)}
}

func (l *Ledger) slotFor(tokenID string) *slot {
	s, ok := l.slots[tokenID]
	if !ok {
		s = &slot{}
		l.slots[tokenID] = s
	}
	return s
}

// Free returns shares available for new commitments.
func (l *Ledger) Free(tokenID string) float64 {
	s, ok := l.slots[tokenID]
	if !ok {
		return 0
	}
	return s.held - s.committed - s.inPosition
}

// Held returns total wallet shares for the token.
func (l *Ledger) Held(tokenID string) float64 {
	s, ok := l.slots[tokenID]
	if !ok {
		return 0
	}
	return s.held
}

// Credit adds minted or reconciled shares to the wallet.
func (l *Ledger) Credit(tokenID string, shares float64) {
	l.slotFor(tokenID).held += shares
}

// Commit reserves free shares for a resting SELL order.
func (l *Ledger) Commit(tokenID string, shares float64) error {
	if free := l.Free(tokenID); shares > free+1e-9 {
		return fmt.Errorf("commit %s: want %.2f, free %.2f", tokenID, shares, free)
	}
	l.slotFor(tokenID).committed += shares
	return nil
}

// Uncommit releases a reservation after a cancel, expiry, or rejection.
func (l *Ledger) Uncommit(tokenID string, shares float64) {
	s := l.slotFor(tokenID)
	s.committed -= shares
	if s.committed < 0 {
		s.committed = 0
	}
}

// DebitCommitted removes shares that left the wallet through a filled SELL.
func (l *Ledger) DebitCommitted(tokenID string, shares float64) {
	s := l.slotFor(tokenID)
	s.committed -= shares
	s.held -= shares
	if s.committed < 0 {
		s.committed = 0
	}
	if s.held < 0 {
		s.held = 0
	}
}

// EnterPosition parks free shares inside an open fade position.
func (l *Ledger) EnterPosition(tokenID string, shares float64) error {
	if free := l.Free(tokenID); shares > free+1e-9 {
		return fmt.Errorf("enter position %s: want %.2f, free %.2f", tokenID, shares, free)
	}
	l.slotFor(tokenID).inPosition += shares
	return nil
}

// ExitPosition releases position shares. sold=true means the shares left the
// wallet through an exit fill; sold=false returns them to free (settlement
// close or merge-back).
func (l *Ledger) ExitPosition(tokenID string, shares float64, sold bool) {
	s := l.slotFor(tokenID)
	s.inPosition -= shares
	if s.inPosition < 0 {
		s.inPosition = 0
	}
	if sold {
		s.held -= shares
		if s.held < 0 {
			s.held = 0
		}
	}
}

// Debit removes free shares from the wallet (burned by a merge).
func (l *Ledger) Debit(tokenID string, shares float64) error {
	if free := l.Free(tokenID); shares > free+1e-9 {
		return fmt.Errorf("debit %s: want %.2f, free %.2f", tokenID, shares, free)
	}
	l.slotFor(tokenID).held -= shares
	return nil
}

// CheckConservation verifies held = free + committed + inPosition with
// non-negative buckets for every token. Returns the first violation found.
func (l *Ledger) CheckConservation() error {
	tokens := make([]string, 0, len(l.slots))
	for id := range l.slots {
		tokens = append(tokens, id)
	}
	sort.Strings(tokens)

	for _, id := range tokens {
		s := l.slots[id]
		if s.held < -1e-9 || s.committed < -1e-9 || s.inPosition < -1e-9 {
			return fmt.Errorf("token %s: negative bucket (held %.4f committed %.4f inPosition %.4f)",
				id, s.held, s.committed, s.inPosition)
		}
		if s.committed+s.inPosition > s.held+1e-9 {
			return fmt.Errorf("token %s: committed %.4f + inPosition %.4f exceeds held %.4f",
				id, s.committed, s.inPosition, s.held)
		}
	}
	return nil
}

// InventorySlot is the per-token view exported to the dashboard.
type InventorySlot struct {
	TokenID    string  `json:"token_id"`
	Held       float64 `json:"held"`
	Committed  float64 `json:"committed"`
	InPosition float64 `json:"in_position"`
	Free       float64 `json:"free"`
}

// Snapshot returns every non-empty slot, sorted by token ID.
func (l *Ledger) Snapshot() []InventorySlot {
	out := make([]InventorySlot, 0, len(l.slots))
	for id, s := range l.slots {
		if s.held == 0 && s.committed == 0 && s.inPosition == 0 {
			continue
		}
		out = append(out, InventorySlot{
			TokenID:    id,
			Held:       s.held,
			Committed:  s.committed,
			InPosition: s.inPosition,
			Free:       s.held - s.committed - s.inPosition,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}
