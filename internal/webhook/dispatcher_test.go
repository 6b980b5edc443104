package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/webhook"
)

type fakeLister struct {
	mu         sync.Mutex
	webhooks   []*models.Webhook
	deliveries []*models.WebhookDelivery
}

func (f *fakeLister) ActiveForOrg(ctx context.Context, orgID string) ([]*models.Webhook, error) {
	return f.webhooks, nil
}

func (f *fakeLister) RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery)
	return nil
}

func (f *fakeLister) recorded() []*models.WebhookDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.WebhookDelivery, len(f.deliveries))
	copy(out, f.deliveries)
	return out
}

func waitForDeliveries(t *testing.T, f *fakeLister, n int) []*models.WebhookDelivery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.recorded(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", n, len(f.recorded()))
	return nil
}

func TestDispatchDeliversToMatchingWebhook(t *testing.T) {
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	lister := &fakeLister{webhooks: []*models.Webhook{{
		ID: uuid.New(), URL: server.URL, Secret: "shhh", MaxRetries: 3, TimeoutSeconds: 5,
		MinRiskLevel: models.RiskLevelMedium,
	}}}

	d := webhook.New(lister, configs.WebhookConfig{DefaultTimeout: 5 * time.Second, MaxRetries: 3})
	d.Dispatch(context.Background(), models.RiskDecision{
		EventID: "evt-1", OrgID: "org-1", RiskLevel: models.RiskLevelHigh, Action: models.ActionChallenge,
	})

	deliveries := waitForDeliveries(t, lister, 1)
	assert.True(t, deliveries[0].IsSuccessful)
	assert.Equal(t, 1, deliveries[0].AttemptNumber)
	assert.NotEmpty(t, gotSignature)
}

func TestDispatchSkipsWebhookBelowMinRiskLevel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("webhook should not have been called")
	}))
	defer server.Close()

	lister := &fakeLister{webhooks: []*models.Webhook{{
		ID: uuid.New(), URL: server.URL, Secret: "shhh", MaxRetries: 1, TimeoutSeconds: 5,
		MinRiskLevel: models.RiskLevelCritical,
	}}}

	d := webhook.New(lister, configs.WebhookConfig{DefaultTimeout: 5 * time.Second, MaxRetries: 1})
	d.Dispatch(context.Background(), models.RiskDecision{
		EventID: "evt-1", OrgID: "org-1", RiskLevel: models.RiskLevelMedium,
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, lister.recorded())
}

func TestDispatchSkipsWebhookWithNonMatchingEventType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("webhook should not have been called")
	}))
	defer server.Close()

	lister := &fakeLister{webhooks: []*models.Webhook{{
		ID: uuid.New(), URL: server.URL, Secret: "shhh", MaxRetries: 1, TimeoutSeconds: 5,
		EventTypes: []string{models.EventTypeLogin},
	}}}

	d := webhook.New(lister, configs.WebhookConfig{DefaultTimeout: 5 * time.Second, MaxRetries: 1})
	d.Dispatch(context.Background(), models.RiskDecision{
		EventID: "evt-1", OrgID: "org-1", EventType: models.EventTypeTransaction, RiskLevel: models.RiskLevelHigh,
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, lister.recorded())
}

func TestDispatchRetriesOnFailureThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	lister := &fakeLister{webhooks: []*models.Webhook{{
		ID: uuid.New(), URL: server.URL, Secret: "shhh", MaxRetries: 3, TimeoutSeconds: 5,
	}}}

	d := webhook.New(lister, configs.WebhookConfig{
		DefaultTimeout: 5 * time.Second, MaxRetries: 3,
		BackoffSteps: []time.Duration{10 * time.Millisecond, 10 * time.Millisecond},
	})
	d.Dispatch(context.Background(), models.RiskDecision{EventID: "evt-1", OrgID: "org-1", RiskLevel: models.RiskLevelHigh})

	deliveries := waitForDeliveries(t, lister, 3)
	assert.False(t, deliveries[0].IsSuccessful)
	assert.False(t, deliveries[1].IsSuccessful)
	assert.True(t, deliveries[2].IsSuccessful)
	// is_final_attempt marks a terminal failure, not a last successful try.
	assert.False(t, deliveries[2].IsFinalAttempt)
}

func TestDispatchExhaustsRetriesOnPermanentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	lister := &fakeLister{webhooks: []*models.Webhook{{
		ID: uuid.New(), URL: server.URL, Secret: "shhh", MaxRetries: 2, TimeoutSeconds: 5,
	}}}

	d := webhook.New(lister, configs.WebhookConfig{
		DefaultTimeout: 5 * time.Second, MaxRetries: 2,
		BackoffSteps: []time.Duration{5 * time.Millisecond},
	})
	d.Dispatch(context.Background(), models.RiskDecision{EventID: "evt-1", OrgID: "org-1", RiskLevel: models.RiskLevelHigh})

	deliveries := waitForDeliveries(t, lister, 2)
	require.Len(t, deliveries, 2)
	assert.False(t, deliveries[1].IsSuccessful)
	assert.True(t, deliveries[1].IsFinalAttempt)
}
