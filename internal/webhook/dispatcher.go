// Package webhook matches risk decisions against registered webhooks and
// delivers them with HMAC-signed, retried HTTP POSTs (spec §4.8).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
)

// WebhookLister is the subset of WebhookRepository the dispatcher needs to
// find delivery targets.
type WebhookLister interface {
	ActiveForOrg(ctx context.Context, orgID string) ([]*models.Webhook, error)
	RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
}

// Dispatcher matches decisions to registered webhooks and delivers them.
type Dispatcher struct {
	repo   WebhookLister
	client *http.Client
	cfg    configs.WebhookConfig
}

// New creates a webhook dispatcher.
func New(repo WebhookLister, cfg configs.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		client: &http.Client{},
		cfg:    cfg,
	}
}

// payload is the canonical webhook body (spec §6).
type payload struct {
	EventID           string   `json:"event_id"`
	UserID            string   `json:"user_id"`
	RiskScore         float64  `json:"risk_score"`
	RiskLevel         string   `json:"risk_level"`
	TriggeredRules    []string `json:"triggered_rules"`
	RecommendedAction string   `json:"recommended_action"`
	Timestamp         string   `json:"timestamp"`
	WebhookAttempt    int      `json:"webhook_attempt"`
}

// Dispatch matches decision against every active webhook for its org and
// delivers to each asynchronously; it never blocks the decision path. Each
// webhook's delivery (including retries) runs in its own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, decision models.RiskDecision) {
	webhooks, err := d.repo.ActiveForOrg(ctx, decision.OrgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", decision.OrgID).Msg("failed to load webhooks for dispatch")
		return
	}

	for _, wh := range webhooks {
		if !matches(wh, decision) {
			continue
		}
		go d.deliverWithRetries(context.Background(), wh, decision)
	}
}

func matches(wh *models.Webhook, decision models.RiskDecision) bool {
	if len(wh.EventTypes) > 0 {
		found := false
		for _, et := range wh.EventTypes {
			if et == decision.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if wh.MinRiskLevel != "" && !models.RiskLevelAtLeast(decision.RiskLevel, wh.MinRiskLevel) {
		return false
	}
	return true
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// deliverWithRetries attempts delivery, then on failure sleeps through the
// configured backoff schedule up to max_retries, recording every attempt.
func (d *Dispatcher) deliverWithRetries(ctx context.Context, wh *models.Webhook, decision models.RiskDecision) {
	maxRetries := wh.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ok := d.deliverOnce(ctx, wh, decision, attempt, attempt >= maxRetries)
		if ok {
			return
		}
		if attempt >= maxRetries {
			return
		}
		backoff := d.cfg.DefaultTimeout
		if idx := attempt - 1; idx < len(d.cfg.BackoffSteps) {
			backoff = d.cfg.BackoffSteps[idx]
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) deliverOnce(ctx context.Context, wh *models.Webhook, decision models.RiskDecision, attempt int, isFinal bool) bool {
	body := payload{
		EventID:           decision.EventID,
		UserID:            decision.UserID,
		RiskScore:         decision.RiskScore,
		RiskLevel:         decision.RiskLevel,
		TriggeredRules:    decision.TriggeredRules,
		RecommendedAction: decision.Action,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		WebhookAttempt:    attempt,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal webhook payload")
		return false
	}

	timeout := time.Duration(wh.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(bodyJSON))
	if err != nil {
		log.Error().Err(err).Str("webhook_id", wh.ID.String()).Msg("failed to build webhook request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sign(bodyJSON, wh.Secret))
	req.Header.Set("X-Delivery-Id", fmt.Sprintf("%s:%s:%d", wh.ID, decision.EventID, attempt))
	req.Header.Set("X-Timestamp", body.Timestamp)

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsedMs := int(time.Since(start).Milliseconds())

	var statusCode int
	var responseBody string
	successful := false
	if err != nil {
		log.Warn().Err(err).Str("webhook_id", wh.ID.String()).Int("attempt", attempt).Msg("webhook delivery failed")
	} else {
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		successful = statusCode >= 200 && statusCode < 300
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		responseBody = string(raw)
	}

	reqBodyJSONB := models.JSONB{}
	_ = json.Unmarshal(bodyJSON, &reqBodyJSONB)

	delivery := &models.WebhookDelivery{
		WebhookID:      wh.ID,
		EventID:        decision.EventID,
		RiskLevel:      decision.RiskLevel,
		AttemptNumber:  attempt,
		StatusCode:     statusCode,
		RequestBody:    reqBodyJSONB,
		ResponseBody:   responseBody,
		ResponseTimeMs: elapsedMs,
		IsSuccessful:   successful,
		IsFinalAttempt: isFinal && !successful,
	}
	if recErr := d.repo.RecordDelivery(context.Background(), delivery); recErr != nil {
		log.Error().Err(recErr).Str("webhook_id", wh.ID.String()).Msg("failed to record webhook delivery")
	}

	return successful
}
