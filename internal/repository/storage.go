// Package repository defines the transactional storage interface of the
// tenant core and its Postgres and in-memory implementations.
package repository

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// TransactionMode selects the isolation level: READONLY maps to read
// committed, READWRITE to serializable.
type TransactionMode string

const (
	ReadOnly  TransactionMode = "READONLY"
	ReadWrite TransactionMode = "READWRITE"
)

// UpsertResult reports what InsertOrUpdateOfferInCorpus did.
type UpsertResult string

const (
	UpsertAdd    UpsertResult = "ADD"
	UpsertUpdate UpsertResult = "UPDATE"
	UpsertNone   UpsertResult = "NONE"
)

// DeleteResult reports what DeleteOfferInCorpus did. DeleteDeleted is
// returned only when no other corpus retains the offer.
type DeleteResult string

const (
	DeleteDeleted DeleteResult = "DELETE"
	DeleteNone    DeleteResult = "NONE"
)

// Interval is a half-open [Start, End) time range in UTC millis.
type Interval struct {
	StartUTC int64
	EndUTC   int64
}

// ChangedOffer is one row of a changed-offers query: either side may be
// nil (insert or delete).
type ChangedOffer struct {
	OldOffer *models.Offer
	NewOffer *models.Offer
}

// KeyValue is one row of the tenant key-value side store.
type KeyValue struct {
	Key   string
	Value json.RawMessage
}

// Storage provides transactions plus the long-lived per-producer lock
// used by the ingestion scheduler. The lock intentionally lives outside
// transactions: it is held across network fetches.
type Storage interface {
	Transaction(ctx context.Context, mode TransactionMode) (Transaction, error)

	// TryLockProducer acquires the producer lock for ownerToken and
	// returns the current metadata. A false return means another run
	// holds the lock.
	TryLockProducer(ctx context.Context, hostOrgURL, producerID, ownerToken string) (*models.ProducerMetadata, bool, error)
	// UnlockProducer writes the new metadata and releases the lock held
	// by ownerToken.
	UnlockProducer(ctx context.Context, hostOrgURL, producerID, ownerToken string, metadata *models.ProducerMetadata) error
}

// Transaction is a scoped transaction. Exactly one of Commit or Fail
// must be reached on every exit path; RunTransaction guarantees that.
type Transaction interface {
	Commit(ctx context.Context) error
	Fail(ctx context.Context) error

	// Corpus offers and snapshots.
	InsertOrUpdateOfferInCorpus(ctx context.Context, hostOrgURL, corpusOrgURL string, offer *models.Offer) (UpsertResult, error)
	DeleteOfferInCorpus(ctx context.Context, hostOrgURL, corpusOrgURL, offerID, postingOrgURL string) (DeleteResult, error)
	GetOffer(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) (*models.Offer, error)
	GetOfferFromCorpus(ctx context.Context, hostOrgURL, corpusOrgURL, offerID, postingOrgURL string) (*models.Offer, error)
	GetOfferSources(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) ([]string, error)
	GetCorpusOffers(ctx context.Context, hostOrgURL, corpusOrgURL string) iter.Seq2[*models.CorpusOffer, error]

	// Timeline.
	GetTimelineForOffer(ctx context.Context, hostOrgURL, offerID, postingOrgURL string, interval *Interval, targetOrgURL string) ([]models.TimelineEntry, error)
	// AddTimelineEntries trusts callers to guarantee non-overlap.
	AddTimelineEntries(ctx context.Context, hostOrgURL string, entries []models.TimelineEntry) error
	TruncateFutureTimelineForOffer(ctx context.Context, hostOrgURL, offerID, postingOrgURL string, atTimeUTC int64) error

	// Viewer queries. Offers returned to a viewer carry that viewer's
	// timeline reshare chain.
	GetOffersAtTime(ctx context.Context, hostOrgURL, viewerOrgURL string, atTimeUTC int64, skip int) iter.Seq2[*models.Offer, error]
	GetOfferAtTime(ctx context.Context, hostOrgURL, viewerOrgURL, offerID, postingOrgURL string, atTimeUTC int64) (*models.Offer, error)
	GetChangedOffers(ctx context.Context, hostOrgURL, viewerOrgURL string, oldTimeUTC, newTimeUTC int64, skip int) iter.Seq2[ChangedOffer, error]

	// Acceptance, rejection, history.
	WriteAccept(ctx context.Context, hostOrgURL string, offer *models.Offer, acceptance *models.StoredAcceptance) error
	WriteReject(ctx context.Context, hostOrgURL string, rejection *models.StoredRejection) error
	GetAllRejections(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) ([]models.StoredRejection, error)
	GetHistory(ctx context.Context, hostOrgURL, viewerOrgURL string, sinceUTC *int64, skip int) iter.Seq2[models.OfferHistoryItem, error]

	// Stored reshare chains. The boolean reports whether a candidate is
	// recorded at all; a recorded nil chain is the implicit direct
	// accept.
	GetBestAcceptChain(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) (models.ReshareChain, bool, error)
	GetBestReshareChainRoot(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) (models.ReshareChain, bool, error)

	// Producer metadata reads (the lock itself is on Storage).
	GetOfferProducerMetadata(ctx context.Context, hostOrgURL, producerID string) (*models.ProducerMetadata, error)

	// Key-value side store for tenant integrations.
	StoreValue(ctx context.Context, hostOrgURL, key string, value json.RawMessage) error
	ClearAllValues(ctx context.Context, hostOrgURL, prefix string) error
	GetValues(ctx context.Context, hostOrgURL, prefix string) iter.Seq2[KeyValue, error]
}

// RunTransaction runs fn in a transaction, committing on success and
// failing the transaction on any error or panic.
func RunTransaction(ctx context.Context, s Storage, mode TransactionMode, fn func(tx Transaction) error) (err error) {
	tx, err := s.Transaction(ctx, mode)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			// Rollback errors are secondary to the original failure.
			_ = tx.Fail(ctx)
		}
		if r := recover(); r != nil {
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}
