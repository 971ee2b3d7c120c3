// Package campaign runs outreach campaigns: creation and dispatch, scheduled
// check-ins, escalation and the terminal transitions.
package campaign

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/config"
)

var (
	// ErrTerminal rejects writes against a completed, expired or cancelled
	// campaign.
	ErrTerminal = eris.New("campaign: campaign is in a terminal state")
	// ErrCheckpointRecorded is returned when a check-in for the fraction (or
	// a later one) already exists.
	ErrCheckpointRecorded = eris.New("campaign: checkpoint already recorded")
	// ErrEscalationInFlight rejects check-in writes while an escalation wave
	// is still being dispatched.
	ErrEscalationInFlight = eris.New("campaign: escalation wave in flight")
	// ErrInvalidResponses rejects response totals the campaign cannot have.
	ErrInvalidResponses = eris.New("campaign: invalid response total")
	// ErrInvalidRequest rejects bid requests before planning.
	ErrInvalidRequest = eris.New("campaign: invalid bid request")
)

// Options tunes check-ins and escalation.
type Options struct {
	CheckpointFractions []float64
	EscalationThreshold float64
	MaxEscalations      int
	ConflictRetries     int
	EnqueueTimeout      time.Duration
}

// DefaultOptions returns the stock check-in settings.
func DefaultOptions() Options {
	return Options{
		CheckpointFractions: []float64{0.25, 0.5, 0.75},
		EscalationThreshold: 0.75,
		MaxEscalations:      3,
		ConflictRetries:     5,
		EnqueueTimeout:      time.Minute,
	}
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cc config.CampaignConfig, dc config.DispatchConfig) Options {
	o := DefaultOptions()
	if len(cc.CheckpointFractions) > 0 {
		o.CheckpointFractions = append([]float64(nil), cc.CheckpointFractions...)
	}
	if cc.EscalationThreshold > 0 {
		o.EscalationThreshold = cc.EscalationThreshold
	}
	o.MaxEscalations = cc.MaxEscalations
	if cc.ConflictRetries > 0 {
		o.ConflictRetries = cc.ConflictRetries
	}
	if dc.EnqueueTimeoutSecs > 0 {
		o.EnqueueTimeout = time.Duration(dc.EnqueueTimeoutSecs) * time.Second
	}
	return o
}
