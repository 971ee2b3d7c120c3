package model

import "time"

// Contractor is a candidate returned by the tier directory.
type Contractor struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Email    string `json:"email,omitempty" yaml:"email"`
	Phone    string `json:"phone,omitempty" yaml:"phone"`
	Website  string `json:"website,omitempty" yaml:"website"`
	Category string `json:"category,omitempty" yaml:"category"`
	Tier     int    `json:"tier" yaml:"tier"`
	Rank     int    `json:"rank,omitempty" yaml:"rank"`
}

// ContactStatus tracks a single outreach attempt.
type ContactStatus string

const (
	ContactPending    ContactStatus = "pending"
	ContactDispatched ContactStatus = "dispatched"
	ContactFailed     ContactStatus = "failed"
)

// Contact is one contractor reached (or attempted) by a campaign.
type Contact struct {
	ID           string        `json:"id"`
	CampaignID   string        `json:"campaign_id"`
	ContractorID string        `json:"contractor_id"`
	Tier         int           `json:"tier"`
	Wave         int           `json:"wave"`
	Backfill     bool          `json:"backfill,omitempty"`
	Status       ContactStatus `json:"status"`
	Attempts     int           `json:"attempts"`
	ReceiptID    string        `json:"receipt_id,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	Contractor Contractor `json:"-"`
}

// IdempotencyKey identifies this contact to the channel so repeated
// deliveries for the same campaign and contractor collapse.
func (c Contact) IdempotencyKey() string {
	return c.CampaignID + ":" + c.ContractorID
}

// DispatchReceipt confirms the channel accepted a contact for delivery.
type DispatchReceipt struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	AcceptedAt time.Time `json:"accepted_at"`
}
