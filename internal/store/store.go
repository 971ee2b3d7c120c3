package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

var (
	// ErrNotFound is returned when a campaign or contact does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrVersionConflict is returned when an update carries a stale version.
	ErrVersionConflict = eris.New("store: version conflict")
)

// CampaignFilter specifies criteria for listing campaigns.
type CampaignFilter struct {
	Status       model.CampaignStatus `json:"status,omitempty"`
	ActiveOnly   bool                 `json:"active_only,omitempty"`
	UpdatedAfter time.Time            `json:"updated_after,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	Offset       int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for campaigns and their contacts.
// Campaign writes are optimistic: UpdateCampaign succeeds only when the
// caller holds the current version and bumps it on success.
type Store interface {
	// Campaigns
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	UpdateCampaign(ctx context.Context, c *model.Campaign) error
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]model.Campaign, error)

	// Contacts
	SaveContacts(ctx context.Context, contacts []model.Contact) error
	UpdateContact(ctx context.Context, c *model.Contact) error
	ListContacts(ctx context.Context, campaignID string) ([]model.Contact, error)
	CountContacts(ctx context.Context, status model.ContactStatus, since time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

var terminalStatuses = []string{
	string(model.CampaignCompleted),
	string(model.CampaignExpired),
	string(model.CampaignCancelled),
}

// prepareCreate assigns identity and initial version before insert.
func prepareCreate(c *model.Campaign) {
	if c.ID == "" {
		c.ID = newID()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1
}

// nextVersion returns the copy to persist for an update of c.
func nextVersion(c *model.Campaign) model.Campaign {
	next := *c
	next.Version = c.Version + 1
	next.UpdatedAt = time.Now().UTC()
	return next
}
