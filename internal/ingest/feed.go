package ingest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

// ProduceRequest asks a producer for an update.
type ProduceRequest struct {
	RequestedResultFormat string
	DiffStartTimestampUTC *int64
}

// OfferProducer is any source of offer updates for a tenant: a peer feed
// or a locally installed integration.
type OfferProducer interface {
	ID() string
	SourceOrgURL() string
	ProduceOffers(ctx context.Context, req ProduceRequest) (*models.OfferSetUpdate, error)
}

// FeedProducer ingests a peer org's offers through paged LIST RPCs. The
// streams it produces are lazy: pages are fetched as the consumer
// advances.
type FeedProducer struct {
	organizationURL string
	client          *Client
	pollInterval    time.Duration
	clock           clockwork.Clock
}

// NewFeedProducer creates a producer for one peer org.
func NewFeedProducer(organizationURL string, client *Client, pollInterval time.Duration, clock clockwork.Clock) *FeedProducer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FeedProducer{
		organizationURL: organizationURL,
		client:          client,
		pollInterval:    pollInterval,
		clock:           clock,
	}
}

// ID identifies the producer for lock and metadata rows.
func (p *FeedProducer) ID() string {
	return "feed:" + p.organizationURL
}

// SourceOrgURL returns the corpus the produced offers belong to.
func (p *FeedProducer) SourceOrgURL() string {
	return p.organizationURL
}

var errInconsistentPages = oprerrors.Internal("PRODUCER_ILLEGAL_RESPONSE_PAGES_INCONSISTENT",
	"peer switched result formats between pages")

// ProduceOffers fetches the first page eagerly to learn the response
// format, then streams the remaining pages lazily. Every page must use
// the first page's format.
func (p *FeedProducer) ProduceOffers(ctx context.Context, req ProduceRequest) (*models.OfferSetUpdate, error) {
	payload := models.ListOffersPayload{
		RequestedResultFormat: req.RequestedResultFormat,
		DiffStartTimestampUTC: req.DiffStartTimestampUTC,
	}
	// A diff request without a known start degrades to a snapshot.
	if payload.RequestedResultFormat == models.FormatDiff && payload.DiffStartTimestampUTC == nil {
		payload.RequestedResultFormat = models.FormatSnapshot
	}

	first, err := p.client.ListOffers(ctx, p.organizationURL, payload)
	if err != nil {
		return nil, err
	}

	update := &models.OfferSetUpdate{
		SourceOrgURL:                  p.organizationURL,
		UpdateCurrentAsOfTimestampUTC: first.ResultsTimestampUTC,
		EarliestNextRequestUTC:        p.clock.Now().Add(p.pollInterval).UnixMilli(),
	}
	switch first.ResponseFormat {
	case models.FormatDiff:
		update.Delta = p.streamDiff(ctx, first)
	default:
		update.Offers = p.streamOffers(ctx, first)
	}
	return update, nil
}

func (p *FeedProducer) streamOffers(ctx context.Context, first *models.ListOffersResponse) func(func(*models.Offer, error) bool) {
	return func(yield func(*models.Offer, error) bool) {
		page := first
		for {
			if page.ResponseFormat != models.FormatSnapshot {
				yield(nil, errInconsistentPages)
				return
			}
			for _, offer := range page.Offers {
				if !yield(offer, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			next, err := p.client.ListOffers(ctx, p.organizationURL,
				models.ListOffersPayload{PageToken: page.NextPageToken})
			if err != nil {
				yield(nil, err)
				return
			}
			page = next
		}
	}
}

func (p *FeedProducer) streamDiff(ctx context.Context, first *models.ListOffersResponse) func(func(models.OfferPatch, error) bool) {
	return func(yield func(models.OfferPatch, error) bool) {
		page := first
		for {
			if page.ResponseFormat != models.FormatDiff {
				yield(models.OfferPatch{}, errInconsistentPages)
				return
			}
			for _, patch := range page.Diff {
				if !yield(patch, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			next, err := p.client.ListOffers(ctx, p.organizationURL,
				models.ListOffersPayload{PageToken: page.NextPageToken})
			if err != nil {
				yield(models.OfferPatch{}, err)
				return
			}
			page = next
		}
	}
}
