package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/middleware"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/repository"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/service"
)

// DefaultFailureBackoff is how long a producer rests after a failed run.
const DefaultFailureBackoff = 10 * time.Second

// Scheduler runs one tenant's producers. The per-producer storage lock
// guarantees two runs of the same producer never execute concurrently,
// even across processes.
type Scheduler struct {
	hostOrgURL     string
	storage        repository.Storage
	model          *service.OfferModel
	producers      []OfferProducer
	failureBackoff time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
}

// NewScheduler creates a scheduler for one tenant's producers.
func NewScheduler(hostOrgURL string, storage repository.Storage, model *service.OfferModel,
	producers []OfferProducer, failureBackoff time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if failureBackoff <= 0 {
		failureBackoff = DefaultFailureBackoff
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		hostOrgURL:     hostOrgURL,
		storage:        storage,
		model:          model,
		producers:      producers,
		failureBackoff: failureBackoff,
		clock:          clock,
		logger:         logger.With("host", hostOrgURL),
	}
}

// IngestAll runs every producer once, honoring locks and rate limits.
func (s *Scheduler) IngestAll(ctx context.Context) {
	for _, p := range s.producers {
		if ctx.Err() != nil {
			return
		}
		s.ingestOne(ctx, p)
	}
}

// Run ingests on a fixed cadence until the context is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	for {
		s.IngestAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
	}
}

func (s *Scheduler) ingestOne(ctx context.Context, p OfferProducer) {
	owner := uuid.NewString()
	meta, locked, err := s.storage.TryLockProducer(ctx, s.hostOrgURL, p.ID(), owner)
	if err != nil {
		s.logger.Error("failed to lock producer", "producer", p.ID(), "error", err)
		return
	}
	if !locked {
		s.logger.Debug("producer already running elsewhere", "producer", p.ID())
		return
	}

	now := s.clock.Now().UnixMilli()
	if meta == nil {
		meta = &models.ProducerMetadata{ProducerID: p.ID()}
	}
	if meta.NextRunTimestampUTC > now {
		s.unlock(ctx, p, owner, meta)
		return
	}

	newMeta, err := s.runProducer(ctx, p, meta, now)
	if err != nil {
		s.logger.Error("producer run failed", "producer", p.ID(), "error", err)
		middleware.RecordIngestRun("failure")
		// Back off but keep the last successful update time so the next
		// run re-requests the missed window.
		newMeta = &models.ProducerMetadata{
			ProducerID:          p.ID(),
			LastUpdateTimeUTC:   meta.LastUpdateTimeUTC,
			NextRunTimestampUTC: now + s.failureBackoff.Milliseconds(),
		}
	} else {
		middleware.RecordIngestRun("success")
	}
	s.unlock(ctx, p, owner, newMeta)
}

func (s *Scheduler) runProducer(ctx context.Context, p OfferProducer, meta *models.ProducerMetadata, now int64) (*models.ProducerMetadata, error) {
	update, err := p.ProduceOffers(ctx, ProduceRequest{
		RequestedResultFormat: models.FormatDiff,
		DiffStartTimestampUTC: meta.LastUpdateTimeUTC,
	})
	if err != nil {
		return nil, err
	}
	if err := s.model.ProcessUpdate(ctx, p.SourceOrgURL(), *update); err != nil {
		return nil, err
	}
	return &models.ProducerMetadata{
		ProducerID:          p.ID(),
		LastUpdateTimeUTC:   &now,
		NextRunTimestampUTC: update.EarliestNextRequestUTC,
	}, nil
}

func (s *Scheduler) unlock(ctx context.Context, p OfferProducer, owner string, meta *models.ProducerMetadata) {
	if err := s.storage.UnlockProducer(ctx, s.hostOrgURL, p.ID(), owner, meta); err != nil {
		s.logger.Error("failed to unlock producer", "producer", p.ID(), "error", err)
	}
}
