package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/internal/models"
)

// slackColors maps risk level to a Slack attachment color, grounded on the
// original alert integration's color_map.
var slackColors = map[string]string{
	models.RiskLevelLow:      "#36a64f",
	models.RiskLevelMedium:   "#ff9900",
	models.RiskLevelHigh:     "#ff6666",
	models.RiskLevelCritical: "#cc0000",
}

// pagerDutySeverity maps risk level to a PagerDuty severity string.
var pagerDutySeverity = map[string]string{
	models.RiskLevelLow:      "info",
	models.RiskLevelMedium:   "warning",
	models.RiskLevelHigh:     "error",
	models.RiskLevelCritical: "critical",
}

// SlackAlerter sends risk alerts to a Slack incoming webhook URL.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

// NewSlackAlerter creates a Slack alerter for the given incoming webhook URL.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, client: &http.Client{Timeout: 10 * time.Second}}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Fallback  string       `json:"fallback"`
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link"`
	Fields    []slackField `json:"fields"`
	Footer    string       `json:"footer"`
	Ts        int64        `json:"ts"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

// Send posts a color-coded attachment summarizing decision to Slack.
// Failures are logged but never returned as a blocking error to the caller.
func (a *SlackAlerter) Send(ctx context.Context, orgName string, decision models.RiskDecision, confidence float64) bool {
	color := slackColors[decision.RiskLevel]
	if color == "" {
		color = "#cccccc"
	}

	triggered := strings.Join(decision.TriggeredRules, ", ")
	if triggered == "" {
		triggered = "None"
	}

	msg := slackMessage{
		Attachments: []slackAttachment{{
			Fallback:  fmt.Sprintf("Risk Alert: %s risk detected", strings.ToUpper(decision.RiskLevel)),
			Color:     color,
			Title:     fmt.Sprintf("%s RISK ALERT", strings.ToUpper(decision.RiskLevel)),
			TitleLink: fmt.Sprintf("https://sentineliq.example.com/events/%s", decision.EventID),
			Fields: []slackField{
				{Title: "Organization", Value: orgName, Short: true},
				{Title: "Risk Score", Value: fmt.Sprintf("%.2f/1.0", decision.RiskScore), Short: true},
				{Title: "Risk Level", Value: strings.ToUpper(decision.RiskLevel), Short: true},
				{Title: "Confidence", Value: fmt.Sprintf("%.1f%%", confidence*100), Short: true},
				{Title: "Affected User", Value: decision.UserID, Short: true},
				{Title: "Recommended Action", Value: strings.ToUpper(decision.Action), Short: true},
				{Title: "Triggered Rules", Value: triggered, Short: false},
			},
			Footer: "Risk Engine",
			Ts:     time.Now().Unix(),
		}},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal slack alert")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("failed to build slack alert request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("event_id", decision.EventID).Msg("slack alert request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("event_id", decision.EventID).Msg("slack alert failed")
		return false
	}
	log.Info().Str("event_id", decision.EventID).Str("risk_level", decision.RiskLevel).Msg("slack alert sent")
	return true
}

// PagerDutyAlerter creates PagerDuty incidents for high/critical decisions.
type PagerDutyAlerter struct {
	apiKey    string
	serviceID string
	fromEmail string
	client    *http.Client
	baseURL   string
}

// NewPagerDutyAlerter creates a PagerDuty alerter.
func NewPagerDutyAlerter(apiKey, serviceID, fromEmail string) *PagerDutyAlerter {
	return &PagerDutyAlerter{
		apiKey: apiKey, serviceID: serviceID, fromEmail: fromEmail,
		client: &http.Client{Timeout: 10 * time.Second}, baseURL: "https://api.pagerduty.com",
	}
}

type pagerDutyIncidentBody struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}

type pagerDutyServiceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type pagerDutyIncident struct {
	Type    string                `json:"type"`
	Title   string                `json:"title"`
	Service pagerDutyServiceRef   `json:"service"`
	Urgency string                `json:"urgency"`
	Body    pagerDutyIncidentBody `json:"body"`
}

type pagerDutyPayload struct {
	Incident pagerDutyIncident `json:"incident"`
}

// Send creates a PagerDuty incident for decision, restricted to high and
// critical risk levels to avoid alert noise on lower-severity decisions.
func (a *PagerDutyAlerter) Send(ctx context.Context, decision models.RiskDecision, confidence float64) bool {
	if decision.RiskLevel != models.RiskLevelHigh && decision.RiskLevel != models.RiskLevelCritical {
		return false
	}

	details, err := json.Marshal(map[string]interface{}{
		"event_id":           decision.EventID,
		"user_id":            decision.UserID,
		"risk_score":         decision.RiskScore,
		"risk_level":         decision.RiskLevel,
		"confidence":         confidence,
		"recommended_action": decision.Action,
		"triggered_rules":    decision.TriggeredRules,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal pagerduty incident body")
		return false
	}

	urgency := "low"
	if decision.RiskLevel == models.RiskLevelCritical {
		urgency = "high"
	}

	payload := pagerDutyPayload{Incident: pagerDutyIncident{
		Type:    "incident",
		Title:   fmt.Sprintf("[%s] Risk Alert for user %s", strings.ToUpper(decision.RiskLevel), decision.UserID),
		Service: pagerDutyServiceRef{ID: a.serviceID, Type: "service_reference"},
		Urgency: urgency,
		Body:    pagerDutyIncidentBody{Type: "incident_body", Details: string(details)},
	}}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal pagerduty payload")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/incidents", bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("failed to build pagerduty request")
		return false
	}
	req.Header.Set("Authorization", "Token token="+a.apiKey)
	req.Header.Set("Accept", "application/vnd.pagerduty+json;version=2")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("From", a.fromEmail)

	resp, err := a.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("event_id", decision.EventID).Msg("pagerduty incident request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Error().Int("status", resp.StatusCode).Str("event_id", decision.EventID).Msg("pagerduty incident creation failed")
		return false
	}
	log.Info().Str("event_id", decision.EventID).Str("risk_level", decision.RiskLevel).Msg("pagerduty incident created")
	return true
}

// severityFor exposes the risk-level-to-PagerDuty-severity mapping for
// callers building their own incident payloads (e.g. reporting surfaces).
func severityFor(riskLevel string) string {
	sev, ok := pagerDutySeverity[riskLevel]
	if !ok {
		return "warning"
	}
	return sev
}
