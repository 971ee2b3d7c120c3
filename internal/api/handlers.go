package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

type createCampaignRequest struct {
	BidsNeeded      int     `json:"bids_needed"`
	TimelineHours   float64 `json:"timeline_hours"`
	Urgency         string  `json:"urgency"`
	ProjectCategory string  `json:"project_category"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Location        string  `json:"location"`
}

func (r createCampaignRequest) bidRequest() model.BidRequest {
	return model.BidRequest{
		BidsNeeded:      r.BidsNeeded,
		TimelineHours:   r.TimelineHours,
		Urgency:         model.Urgency(r.Urgency),
		ProjectCategory: r.ProjectCategory,
		Title:           r.Title,
		Description:     r.Description,
		Location:        r.Location,
	}
}

type createCampaignResponse struct {
	CampaignID string               `json:"campaign_id"`
	Status     model.CampaignStatus `json:"status"`
	AtRisk     bool                 `json:"at_risk"`
	Plan       model.ContactPlan    `json:"plan"`
}

type responsesRequest struct {
	ResponsesReceived *int `json:"responses_received"`
}

type campaignSummary struct {
	ID                string               `json:"campaign_id"`
	Status            model.CampaignStatus `json:"status"`
	AtRisk            bool                 `json:"at_risk"`
	ProjectCategory   string               `json:"project_category"`
	BidsNeeded        int                  `json:"bids_needed"`
	ResponsesReceived int                  `json:"responses_received"`
	ContactedTotal    int                  `json:"contacted_total"`
	DeadlineAt        time.Time            `json:"deadline_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if h.circuits != nil {
		body["circuits"] = h.circuits()
	}
	writeJSON(w, code, body)
}

func (h *Handler) previewPlan(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := h.campaigns.PreviewPlan(r.Context(), req.bidRequest())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.campaigns.CreateCampaign(r.Context(), req.bidRequest())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createCampaignResponse{
		CampaignID: c.ID,
		Status:     c.Status,
		AtRisk:     c.AtRisk,
		Plan:       c.Plan,
	})
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	view, err := h.campaigns.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CampaignFilter{
		Status:     model.CampaignStatus(q.Get("status")),
		ActiveOnly: q.Get("active") == "true",
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + key})
				return
			}
			*dst = n
		}
	}

	campaigns, err := h.campaigns.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]campaignSummary, 0, len(campaigns))
	for i := range campaigns {
		c := &campaigns[i]
		out = append(out, campaignSummary{
			ID:                c.ID,
			Status:            c.Status,
			AtRisk:            c.AtRisk,
			ProjectCategory:   c.Request.ProjectCategory,
			BidsNeeded:        c.Request.BidsNeeded,
			ResponsesReceived: c.ResponsesReceived,
			ContactedTotal:    c.ContactedTotal(),
			DeadlineAt:        c.DeadlineAt,
			UpdatedAt:         c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.CancelCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

func (h *Handler) recordResponses(w http.ResponseWriter, r *http.Request) {
	var req responsesRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ResponsesReceived == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "responses_received is required"})
		return
	}
	c, err := h.campaigns.RecordResponses(r.Context(), chi.URLParam(r, "id"), *req.ResponsesReceived)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
