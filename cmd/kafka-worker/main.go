package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/audit"
	"github.com/sentineliq/risk-engine/internal/eventbus"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/queue"
	"github.com/sentineliq/risk-engine/internal/repositories"
	"github.com/sentineliq/risk-engine/internal/riskengine"
	"github.com/sentineliq/risk-engine/internal/rules"
	"github.com/sentineliq/risk-engine/internal/velocity"
	"github.com/sentineliq/risk-engine/internal/webhook"
)

// This process is the consumer half of the transactional outbox (spec
// §4.1, §4.2): it subscribes to every event-type topic the outbox poller
// publishes to, runs each event through the risk engine, persists the
// resulting decision, and dispatches any matching webhooks. It shares
// nothing with the api-server process beyond the database and rule source,
// so the engine's evaluation deadline never competes with request latency.
func main() {
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().Str("environment", cfg.Server.Environment).Msg("Starting risk evaluation worker")

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	ruleRegistry := rules.NewRegistry(cfg.RuleRegistry.SourcePath, cacheClient)
	if _, err := ruleRegistry.Reload(context.Background(), true); err != nil {
		log.Fatal().Err(err).Msg("Failed to load initial rule set")
	}
	if cfg.RuleRegistry.ReloadInterval > 0 {
		go periodicReload(context.Background(), ruleRegistry, cfg.RuleRegistry.ReloadInterval)
	}

	velocityStore := velocity.New(cacheClient)
	engine := riskengine.New(ruleRegistry, velocityStore, cfg.RiskEngine)

	decisionRepo := repositories.NewDecisionRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	auditService := audit.NewService(auditRepo)
	webhookRepo := repositories.NewWebhookRepository(db)
	dispatcher := webhook.New(webhookRepo, cfg.Webhook)
	connectionRepo := repositories.NewConnectionRepository(db)

	var slack *webhook.SlackAlerter
	if cfg.Alerts.SlackWebhookURL != "" {
		slack = webhook.NewSlackAlerter(cfg.Alerts.SlackWebhookURL)
		log.Info().Msg("Slack alerting enabled")
	}
	var pagerduty *webhook.PagerDutyAlerter
	if cfg.Alerts.PagerDutyAPIKey != "" {
		pagerduty = webhook.NewPagerDutyAlerter(cfg.Alerts.PagerDutyAPIKey, cfg.Alerts.PagerDutyServiceID, cfg.Alerts.PagerDutyFromEmail)
		log.Info().Msg("PagerDuty alerting enabled")
	}

	w := &evaluationWorker{
		engine:         engine,
		decisionRepo:   decisionRepo,
		auditService:   auditService,
		dispatcher:     dispatcher,
		slack:          slack,
		pagerduty:      pagerduty,
		connectionRepo: connectionRepo,
		cache:          cacheClient,
	}

	topics := make([]string, 0, len(models.AllEventTypes))
	for _, et := range models.AllEventTypes {
		topics = append(topics, eventbus.TopicFor(et))
	}

	consumer, err := eventbus.NewConsumer(cfg.Kafka, cfg.Kafka.ConsumerGroup, topics, w.handle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Event bus consumer error")
		}
	}

	log.Info().Msg("Risk evaluation worker shutdown complete")
}

// evaluationWorker bundles the dependencies the per-message handler needs.
type evaluationWorker struct {
	engine         *riskengine.Engine
	decisionRepo   *repositories.DecisionRepository
	auditService   *audit.Service
	dispatcher     *webhook.Dispatcher
	slack          *webhook.SlackAlerter
	pagerduty      *webhook.PagerDutyAlerter
	connectionRepo *repositories.ConnectionRepository
	cache          *queue.CacheClient
}

// handle evaluates one event, persists the decision, appends an audit
// entry, dispatches webhooks, and opportunistically records shared-device
// link-analysis edges. It returns an error only for failures that should
// block offset commit and trigger redelivery (decision persistence); a
// failure in anything downstream of that is logged, not retried, since the
// decision itself is already durable.
func (w *evaluationWorker) handle(ctx context.Context, _ string, value []byte) error {
	var event models.Event
	if err := json.Unmarshal(value, &event); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal event bus message")
		return nil
	}

	outcome, evalErr := w.engine.Evaluate(ctx, event)
	if evalErr != nil {
		log.Warn().Err(evalErr).Str("event_id", event.EventID).Msg("risk evaluation failed open")
	}

	evaluations := make([]*models.RuleEvaluation, len(outcome.Evaluations))
	for i := range outcome.Evaluations {
		evaluations[i] = &outcome.Evaluations[i]
	}

	if err := w.decisionRepo.Create(ctx, &outcome.Decision, evaluations); err != nil {
		log.Error().Err(err).Str("event_id", event.EventID).Msg("failed to persist risk decision")
		return err
	}

	if err := w.auditService.Append(ctx, &models.AuditEntry{
		OrgID:        event.OrgID,
		ActorID:      event.Actor.UserID,
		EventType:    "risk_decision",
		ResourceType: "risk_decision",
		ResourceID:   outcome.Decision.EventID,
		Payload: models.JSONB{
			"risk_score":      outcome.Decision.RiskScore,
			"risk_level":      outcome.Decision.RiskLevel,
			"action":          outcome.Decision.Action,
			"triggered_rules": outcome.Decision.TriggeredRules,
		},
	}); err != nil {
		log.Error().Err(err).Str("event_id", event.EventID).Msg("failed to append audit entry")
	}

	w.dispatcher.Dispatch(ctx, outcome.Decision)

	// Chat/paging alerts run on the decision path but never fail it: Send
	// logs its own failures and returns. Slack is synchronous and skipped
	// when nothing triggered; the PagerDuty alerter itself restricts
	// incidents to high/critical.
	if w.slack != nil && len(outcome.Decision.TriggeredRules) > 0 {
		w.slack.Send(ctx, event.OrgID, outcome.Decision, outcome.Decision.Confidence)
	}
	if w.pagerduty != nil {
		w.pagerduty.Send(ctx, outcome.Decision, outcome.Decision.Confidence)
	}

	w.recordSharedAttributes(ctx, event)

	return nil
}

// recordSharedAttributes maintains a rolling device-fingerprint/IP index in
// Redis and, whenever the current event's actor shares an attribute with a
// previously seen user, upserts an edge in the link-analysis graph (spec
// §4.6). This is the only place new graph edges get created; everything
// under internal/linkgraph is read-only traversal over what lands here.
func (w *evaluationWorker) recordSharedAttributes(ctx context.Context, event models.Event) {
	userID := event.Actor.UserID
	if userID == "" {
		return
	}

	if fp := event.Actor.DeviceFP; fp != "" {
		w.linkSharedAttribute(ctx, event.OrgID, userID, "device_fp", fp)
	}
	if ip := event.Actor.IP; ip != "" {
		w.linkSharedAttribute(ctx, event.OrgID, userID, "ip", ip)
	}
}

func (w *evaluationWorker) linkSharedAttribute(ctx context.Context, orgID, userID, attrType, value string) {
	key := "link:" + orgID + ":" + attrType + ":" + value

	members, err := w.cache.SMembers(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to read shared-attribute index")
		return
	}

	for _, other := range members {
		if other == userID {
			continue
		}
		if err := w.connectionRepo.Upsert(ctx, orgID, userID, other, attrType, value, 1.0); err != nil {
			log.Error().Err(err).Str("user_a", userID).Str("user_b", other).Msg("failed to upsert link-analysis edge")
		}
	}

	if _, err := w.cache.SAdd(ctx, key, userID); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to update shared-attribute index")
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// periodicReload re-reads the rule source on a fixed interval so workers
// pick up a changed source without a restart; unchanged content is a no-op.
func periodicReload(ctx context.Context, registry *rules.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.Reload(ctx, false); err != nil {
				log.Warn().Err(err).Msg("scheduled rule reload failed")
			}
		}
	}
}
