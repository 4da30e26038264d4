// Package service implements the per-tenant offer model: the timeline
// engine behind every federated list, accept, reject, reserve, and
// history operation.
package service

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/diff"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/policy"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/repository"
)

// ChangeHandler receives offer change events. Handlers run concurrently
// and their errors are logged, never propagated.
type ChangeHandler func(ctx context.Context, change models.OfferChange) error

// OfferModel maintains one tenant's offer corpus and visibility
// timeline.
type OfferModel struct {
	hostOrgURL    string
	storage       repository.Storage
	listingPolicy policy.Policy
	signer        *chain.Signer
	clock         clockwork.Clock
	logger        *slog.Logger

	mu       sync.RWMutex
	handlers []ChangeHandler
}

// NewOfferModel creates the model for one tenant. The signer may be nil
// for tenants that never reshare; a nil clock means the real clock.
func NewOfferModel(hostOrgURL string, storage repository.Storage, listingPolicy policy.Policy,
	signer *chain.Signer, clock clockwork.Clock, logger *slog.Logger) *OfferModel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OfferModel{
		hostOrgURL:    hostOrgURL,
		storage:       storage,
		listingPolicy: listingPolicy,
		signer:        signer,
		clock:         clock,
		logger:        logger.With("host", hostOrgURL),
	}
}

// HostOrgURL returns the org URL this model serves.
func (m *OfferModel) HostOrgURL() string {
	return m.hostOrgURL
}

// RegisterChangeHandler adds a handler for offer change events.
func (m *OfferModel) RegisterChangeHandler(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// dispatchChanges delivers the events to every registered handler,
// concurrently, after the originating transaction has committed.
func (m *OfferModel) dispatchChanges(ctx context.Context, changes []models.OfferChange) {
	m.mu.RLock()
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()
	if len(handlers) == 0 || len(changes) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, change := range changes {
		for _, h := range handlers {
			wg.Add(1)
			go func(h ChangeHandler, change models.OfferChange) {
				defer wg.Done()
				if err := h(ctx, change); err != nil {
					m.logger.Error("change handler failed",
						"changeType", change.Type, "offerId", change.ID, "error", err)
				}
			}(h, change)
		}
	}
	wg.Wait()
}

func change(t models.OfferChangeType, timestampUTC int64, old, new *models.Offer) models.OfferChange {
	c := models.OfferChange{Type: t, TimestampUTC: timestampUTC, OldValue: old, NewValue: new}
	switch {
	case new != nil:
		c.ID = new.FullID()
	case old != nil:
		c.ID = old.FullID()
	}
	return c
}

// ProcessUpdate applies one producer update inside a single serializable
// transaction: every patch of a delta, or the full reconciliation of a
// snapshot. Change events fire only after the transaction commits.
func (m *OfferModel) ProcessUpdate(ctx context.Context, fromOrgURL string, update models.OfferSetUpdate) error {
	if update.Offers == nil && update.Delta == nil {
		return oprerrors.Internal("ERROR_BAD_UPDATE_NO_CHANGES",
			"update from %s carries neither offers nor a delta", fromOrgURL)
	}

	now := m.clock.Now().UnixMilli()
	var changes []models.OfferChange
	err := repository.RunTransaction(ctx, m.storage, repository.ReadWrite, func(tx repository.Transaction) error {
		var err error
		if update.Delta != nil {
			changes, err = m.applyDelta(ctx, tx, fromOrgURL, update.Delta, now)
		} else {
			changes, err = m.applySnapshot(ctx, tx, fromOrgURL, update.Offers, now)
		}
		return err
	})
	if err != nil {
		return err
	}
	m.dispatchChanges(ctx, changes)
	return nil
}

func (m *OfferModel) applyDelta(ctx context.Context, tx repository.Transaction,
	fromOrgURL string, delta iter.Seq2[models.OfferPatch, error], now int64) ([]models.OfferChange, error) {
	lookup := func(postingOrgURL, offerID string) (*models.Offer, error) {
		return tx.GetOfferFromCorpus(ctx, m.hostOrgURL, fromOrgURL, offerID, postingOrgURL)
	}

	var changes []models.OfferChange
	for p, err := range delta {
		if err != nil {
			return nil, err
		}
		result := diff.ApplyOfferPatch(lookup, p)
		switch result.Type {
		case diff.ResultClear:
			cleared, err := m.clearCorpus(ctx, tx, fromOrgURL, now)
			if err != nil {
				return nil, err
			}
			changes = append(changes, cleared...)
		case diff.ResultDelete:
			c, err := m.deleteInCorpus(ctx, tx, fromOrgURL, result.OldOffer, now)
			if err != nil {
				return nil, err
			}
			changes = append(changes, c...)
		case diff.ResultInsert, diff.ResultUpdate:
			c, err := m.upsertInCorpus(ctx, tx, fromOrgURL, result.OldOffer, result.NewOffer, now)
			if err != nil {
				return nil, err
			}
			changes = append(changes, c...)
		case diff.ResultNoop:
			// Nothing to do.
		case diff.ResultError:
			m.logger.Warn("skipping unapplicable offer patch",
				"source", fromOrgURL, "error", result.Err)
		}
	}
	return changes, nil
}

func (m *OfferModel) applySnapshot(ctx context.Context, tx repository.Transaction,
	fromOrgURL string, offers iter.Seq2[*models.Offer, error], now int64) ([]models.OfferChange, error) {
	var changes []models.OfferChange
	seen := map[string]bool{}
	for offer, err := range offers {
		if err != nil {
			return nil, err
		}
		seen[offer.FullID()] = true
		c, err := m.upsertInCorpus(ctx, tx, fromOrgURL, nil, offer, now)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c...)
	}

	existing, err := m.corpusOffers(ctx, tx, fromOrgURL)
	if err != nil {
		return nil, err
	}
	for _, row := range existing {
		if seen[row.Offer.FullID()] {
			continue
		}
		c, err := m.deleteInCorpus(ctx, tx, fromOrgURL, row.Offer, now)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c...)
	}
	return changes, nil
}

// corpusOffers materializes a corpus so it can be mutated while walking.
func (m *OfferModel) corpusOffers(ctx context.Context, tx repository.Transaction, corpusOrgURL string) ([]*models.CorpusOffer, error) {
	var rows []*models.CorpusOffer
	for row, err := range tx.GetCorpusOffers(ctx, m.hostOrgURL, corpusOrgURL) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *OfferModel) clearCorpus(ctx context.Context, tx repository.Transaction, corpusOrgURL string, now int64) ([]models.OfferChange, error) {
	rows, err := m.corpusOffers(ctx, tx, corpusOrgURL)
	if err != nil {
		return nil, err
	}
	var changes []models.OfferChange
	for _, row := range rows {
		c, err := m.deleteInCorpus(ctx, tx, corpusOrgURL, row.Offer, now)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c...)
	}
	return changes, nil
}

func (m *OfferModel) upsertInCorpus(ctx context.Context, tx repository.Transaction,
	corpusOrgURL string, old, offer *models.Offer, now int64) ([]models.OfferChange, error) {
	if old == nil {
		// A snapshot upsert has no patch-derived old value; read the
		// replaced version before overwriting it.
		var err error
		old, err = tx.GetOfferFromCorpus(ctx, m.hostOrgURL, corpusOrgURL, offer.ID, offer.OfferedBy)
		if err != nil {
			return nil, err
		}
	}
	result, err := tx.InsertOrUpdateOfferInCorpus(ctx, m.hostOrgURL, corpusOrgURL, offer)
	if err != nil {
		return nil, err
	}
	if result == repository.UpsertNone {
		return nil, nil
	}
	if err := m.updateListings(ctx, tx, offer, now); err != nil {
		return nil, err
	}
	if result == repository.UpsertAdd {
		return []models.OfferChange{change(models.ChangeAdd, now, nil, offer)}, nil
	}
	return []models.OfferChange{change(models.ChangeUpdate, now, old, offer)}, nil
}

func (m *OfferModel) deleteInCorpus(ctx context.Context, tx repository.Transaction,
	corpusOrgURL string, offer *models.Offer, now int64) ([]models.OfferChange, error) {
	result, err := tx.DeleteOfferInCorpus(ctx, m.hostOrgURL, corpusOrgURL, offer.ID, offer.OfferedBy)
	if err != nil {
		return nil, err
	}
	if result != repository.DeleteDeleted {
		return nil, nil
	}
	if err := tx.TruncateFutureTimelineForOffer(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy, now); err != nil {
		return nil, err
	}
	return []models.OfferChange{change(models.ChangeDelete, now, offer, nil)}, nil
}
