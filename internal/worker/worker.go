package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/collectibles"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/metrics"
	"github.com/verified-polls/backend/pkg/queue"
)

// JobQueue is the part of queue.Queue the processor needs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Awarder stores a collectible for a wallet, reporting whether it was new.
type Awarder interface {
	Award(ctx context.Context, wallet string, c models.Collectible) (bool, error)
}

// AwardProcessor processes collectible award jobs emitted on accepted votes.
type AwardProcessor struct {
	store        Awarder
	queue        JobQueue
	metrics      *metrics.Metrics
	logger       *zap.Logger
	retryBackoff time.Duration
}

// NewAwardProcessor creates an award processor.
func NewAwardProcessor(store Awarder, q JobQueue, m *metrics.Metrics, logger *zap.Logger) *AwardProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AwardProcessor{store: store, queue: q, metrics: m, logger: logger, retryBackoff: queue.RetryBackoff}
}

// Process executes one award job. Reprocessing a job is harmless.
func (p *AwardProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAwardCollectible {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.AwardPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.WalletAddress == "" || payload.PollID == "" {
		return fmt.Errorf("award job %s: missing wallet or poll", job.ID)
	}

	c := collectibles.FromAward(payload)
	added, err := p.store.Award(ctx, payload.WalletAddress, c)
	if err != nil {
		return fmt.Errorf("award: %w", err)
	}
	if !added {
		p.logger.Info("collectible already awarded", zap.String("poll_id", payload.PollID), zap.String("wallet", payload.WalletAddress))
		return nil
	}
	p.logger.Info("collectible awarded",
		zap.String("poll_id", payload.PollID),
		zap.String("wallet", payload.WalletAddress),
		zap.Bool("golden", c.Golden),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AwardProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("award worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.metrics.IncAwardJob("failed")
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
			continue
		}
		p.metrics.IncAwardJob("processed")
	}
}

func (p *AwardProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.retryBackoff):
	}
}
