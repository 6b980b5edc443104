// Package outbox implements the CDC-style poller that drains pending
// OutboxEntry rows and publishes them to the event bus (spec §4.1). It is
// the bridge between the ingress gateway's transactional write and
// everything downstream that reacts to events.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/repositories"
)

// Publisher is the event bus dependency the poller publishes through.
type Publisher interface {
	Publish(ctx context.Context, eventType, orgID string, payload interface{}) error
}

// Poller periodically drains pending outbox entries.
type Poller struct {
	repo      *repositories.OutboxRepository
	publisher Publisher
	cfg       configs.OutboxConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a poller against repo, publishing through publisher.
func New(repo *repositories.OutboxRepository, publisher Publisher, cfg configs.OutboxConfig) *Poller {
	return &Poller{repo: repo, publisher: publisher, cfg: cfg, stopCh: make(chan struct{})}
}

// Start runs the poll loop and the retention-cleanup loop until ctx is
// cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.pollLoop(ctx)
	go p.retentionLoop(ctx)
}

// Stop signals both loops to exit and waits for them to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	entries, err := p.repo.ListPending(ctx, p.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("outbox poll failed")
		return
	}

	for _, entry := range entries {
		if err := p.publisher.Publish(ctx, entry.EventType, entry.OrgID, entry.Payload); err != nil {
			log.Warn().Err(err).Str("event_id", entry.EventID).Int("retry_count", entry.RetryCount).
				Msg("outbox publish failed")
			if rerr := p.repo.RecordFailure(ctx, entry.ID, err, p.cfg.MaxRetries, p.cfg.MaxBackoff); rerr != nil {
				log.Error().Err(rerr).Str("event_id", entry.EventID).Msg("failed to record outbox failure")
			}
			continue
		}

		if err := p.repo.MarkPublished(ctx, entry.ID); err != nil {
			log.Error().Err(err).Str("event_id", entry.EventID).Msg("failed to mark outbox entry published")
		}
	}
}

func (p *Poller) retentionLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays)
			n, err := p.repo.DeletePublishedBefore(ctx, cutoff)
			if err != nil {
				log.Error().Err(err).Msg("outbox retention cleanup failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("outbox retention cleanup")
			}
		}
	}
}
