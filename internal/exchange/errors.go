package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies venue failures so the engine can react per category:
// rejections fail the cycle, rate limits back off, outages pause entries.
type ErrorKind string

const (
	VenueRejected    ErrorKind = "VENUE_REJECTED"     // 4xx — order invalid, do not retry
	VenueRateLimited ErrorKind = "VENUE_RATE_LIMITED" // 429 — back off before the next attempt
	VenueUnavailable ErrorKind = "VENUE_UNAVAILABLE"  // 5xx / transport — venue down or flapping
)

// VenueError wraps a CLOB API failure with its classification.
type VenueError struct {
	Kind   ErrorKind
	Op     string // "place order", "cancel orders", ...
	Status int    // HTTP status, 0 for transport errors
	Msg    string
}

func (e *VenueError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: status %d: %s", e.Op, e.Kind, e.Status, e.Msg)
}

// KindOf extracts the error kind, defaulting to VenueUnavailable for
// transport-level failures that never produced a response.
func KindOf(err error) ErrorKind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return VenueUnavailable
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return VenueRateLimited
	case status >= 500:
		return VenueUnavailable
	default:
		return VenueRejected
	}
}

func venueErr(op string, status int, msg string) error {
	return &VenueError{Kind: classifyStatus(status), Op: op, Status: status, Msg: msg}
}
