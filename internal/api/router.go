// Package api exposes campaign operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Campaigns is the campaign surface the API serves.
type Campaigns interface {
	CreateCampaign(ctx context.Context, req model.BidRequest) (*model.Campaign, error)
	Status(ctx context.Context, id string) (model.CampaignView, error)
	CancelCampaign(ctx context.Context, id string) (*model.Campaign, error)
	RecordResponses(ctx context.Context, id string, total int) (*model.Campaign, error)
	List(ctx context.Context, filter store.CampaignFilter) ([]model.Campaign, error)
	PreviewPlan(ctx context.Context, req model.BidRequest) (model.ContactPlan, error)
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the campaign API.
type Handler struct {
	campaigns Campaigns
	store     Pinger
	circuits  func() map[string]string
}

// NewHandler creates a Handler. circuits may be nil.
func NewHandler(c Campaigns, st Pinger, circuits func() map[string]string) *Handler {
	return &Handler{campaigns: c, store: st, circuits: circuits}
}

// NewRouter mounts the API routes with CORS for allowedOrigins.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(2 * time.Minute))
		r.Post("/plans", h.previewPlan)
		r.Get("/campaigns", h.listCampaigns)
		r.Post("/campaigns", h.createCampaign)
		r.Get("/campaigns/{id}", h.getCampaign)
		r.Post("/campaigns/{id}/cancel", h.cancelCampaign)
		r.Post("/campaigns/{id}/responses", h.recordResponses)
	})
	return r
}
