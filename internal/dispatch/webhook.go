package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// WebhookDispatcher posts each contact to an HTTP channel endpoint. Calls
// are rate limited and pass through a per-host circuit breaker.
type WebhookDispatcher struct {
	url      string
	channel  string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
	breakers *resilience.ChannelBreakers
	now      func() time.Time
}

type webhookPayload struct {
	CampaignID string           `json:"campaign_id"`
	ContactID  string           `json:"contact_id"`
	Contractor model.Contractor `json:"contractor"`
	Request    model.BidRequest `json:"request"`
	Wave       int              `json:"wave"`
}

type webhookReceipt struct {
	ID string `json:"id"`
}

// NewWebhook creates a WebhookDispatcher from dispatch settings.
func NewWebhook(cfg config.DispatchConfig) (*WebhookDispatcher, error) {
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("dispatch: invalid webhook url %q", cfg.WebhookURL)
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	log := zap.L().With(zap.String("component", "dispatch.webhook"), zap.String("channel", u.Host))
	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		ResetTimeout:     time.Duration(cfg.CircuitResetSecs) * time.Second,
		ShouldTrip:       resilience.IsTransient,
		OnStateChange: func(from, to resilience.CircuitState) {
			log.Warn("dispatch: circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &WebhookDispatcher{
		url:      cfg.WebhookURL,
		channel:  u.Host,
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		breakers: resilience.NewChannelBreakers(breakerCfg),
		now:      time.Now,
	}, nil
}

// CircuitStates reports the breaker state per channel host.
func (d *WebhookDispatcher) CircuitStates() map[string]string {
	out := make(map[string]string)
	for name, st := range d.breakers.States() {
		out[name] = st.String()
	}
	return out
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, contact model.Contact, req model.BidRequest) (model.DispatchReceipt, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return model.DispatchReceipt{}, eris.Wrap(err, "dispatch: rate limit wait")
	}
	return resilience.ExecuteVal(ctx, d.breakers.Get(d.channel), func(ctx context.Context) (model.DispatchReceipt, error) {
		return d.post(ctx, contact, req)
	})
}

func (d *WebhookDispatcher) post(ctx context.Context, contact model.Contact, req model.BidRequest) (model.DispatchReceipt, error) {
	payload, err := json.Marshal(webhookPayload{
		CampaignID: contact.CampaignID,
		ContactID:  contact.ID,
		Contractor: contact.Contractor,
		Request:    req,
		Wave:       contact.Wave,
	})
	if err != nil {
		return model.DispatchReceipt{}, eris.Wrap(err, "dispatch: marshal payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return model.DispatchReceipt{}, eris.Wrap(err, "dispatch: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", contact.IdempotencyKey())
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return model.DispatchReceipt{}, eris.Wrap(err, "dispatch: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return model.DispatchReceipt{}, resilience.NewTransientError(
			eris.Errorf("dispatch: channel returned %d", resp.StatusCode), resp.StatusCode)
	default:
		return model.DispatchReceipt{}, eris.Wrapf(ErrPermanent, "channel returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	receipt := model.DispatchReceipt{
		ID:         contact.IdempotencyKey(),
		Channel:    d.channel,
		AcceptedAt: d.now().UTC(),
	}
	var wr webhookReceipt
	if len(body) > 0 && json.Unmarshal(body, &wr) == nil && wr.ID != "" {
		receipt.ID = wr.ID
	}
	return receipt, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
