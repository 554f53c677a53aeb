package gateway

import "strings"

// Status is the gateway's payment state normalized to a closed set.
type Status int

const (
	StatusUnrecognized Status = iota
	StatusSuccess
	StatusFailed
	StatusNotPaid
	StatusTimeout
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusNotPaid:
		return "not_paid"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unrecognized"
	}
}

// ParseStatus maps the gateway's raw vocabulary onto Status. Unknown values are never coerced
// into a terminal state.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return StatusSuccess
	case "failed", "fail":
		return StatusFailed
	case "not_paid":
		return StatusNotPaid
	case "not_paid_timeout", "timeout":
		return StatusTimeout
	case "cancel", "cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusUnrecognized
	}
}
