package model

import (
	"strings"
	"time"
)

// Urgency classifies how quickly a requester needs bids back.
type Urgency string

const (
	UrgencyEmergency Urgency = "emergency"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyStandard  Urgency = "standard"
	UrgencyGroup     Urgency = "group"
	UrgencyFlexible  Urgency = "flexible"
)

// Urgencies lists every recognised urgency class in severity order.
var Urgencies = []Urgency{
	UrgencyEmergency,
	UrgencyUrgent,
	UrgencyStandard,
	UrgencyGroup,
	UrgencyFlexible,
}

// ParseUrgency converts a user-supplied string into an Urgency.
func ParseUrgency(s string) (Urgency, bool) {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Urgencies {
		if u == known {
			return u, true
		}
	}
	return "", false
}

// BidRequest is a request for competitive bids. It is immutable once a
// Campaign has been created from it.
type BidRequest struct {
	BidsNeeded      int     `json:"bids_needed"`
	TimelineHours   float64 `json:"timeline_hours"`
	Urgency         Urgency `json:"urgency"`
	ProjectCategory string  `json:"project_category"`
	Title           string  `json:"title,omitempty"`
	Description     string  `json:"description,omitempty"`
	Location        string  `json:"location,omitempty"`
}

// Timeline returns the request deadline window as a duration.
func (r BidRequest) Timeline() time.Duration {
	return time.Duration(r.TimelineHours * float64(time.Hour))
}
