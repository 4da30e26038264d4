package service

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/repository"
)

// resolveVisible finds the offer a viewer can see right now. The posting
// org is optional; without it the first id match wins.
func (m *OfferModel) resolveVisible(ctx context.Context, tx repository.Transaction,
	viewerOrgURL, offerID, postingOrgURL string, now int64) (*models.Offer, error) {
	if postingOrgURL != "" {
		return tx.GetOfferAtTime(ctx, m.hostOrgURL, viewerOrgURL, offerID, postingOrgURL, now)
	}
	for offer, err := range tx.GetOffersAtTime(ctx, m.hostOrgURL, viewerOrgURL, now, 0) {
		if err != nil {
			return nil, err
		}
		if offer.ID == offerID {
			return offer, nil
		}
	}
	return nil, nil
}

// Accept records a final acceptance of an offer by orgURL and withdraws
// the offer from every other viewer.
func (m *OfferModel) Accept(ctx context.Context, orgURL, offerID string,
	ifNotNewerThanTimestampUTC *int64, decodedChain models.DecodedReshareChain) (*models.Offer, error) {
	now := m.clock.Now().UnixMilli()
	var accepted *models.Offer
	err := repository.RunTransaction(ctx, m.storage, repository.ReadWrite, func(tx repository.Transaction) error {
		offer, err := m.resolveVisible(ctx, tx, orgURL, offerID, "", now)
		if err != nil {
			return err
		}
		if offer == nil {
			return oprerrors.BadRequest("ACCEPT_ERROR_NO_AVAILABLE_OFFER",
				"no offer %s is available to %s", offerID, orgURL)
		}
		if ifNotNewerThanTimestampUTC != nil && offer.UpdateTimestamp() > *ifNotNewerThanTimestampUTC {
			return oprerrors.BadRequest("ACCEPT_ERROR_OFFER_HAS_CHANGED",
				"offer %s has changed since %d", offerID, *ifNotNewerThanTimestampUTC).
				WithExtra("currentOffer", offer)
		}

		viewers := map[string]bool{m.hostOrgURL: true, orgURL: true}
		for _, issuer := range decodedChain.Issuers() {
			viewers[issuer] = true
		}
		acceptance := &models.StoredAcceptance{
			AcceptanceID:        ulid.Make().String(),
			PostingOrgURL:       offer.OfferedBy,
			OfferID:             offer.ID,
			LastUpdateUTC:       offer.UpdateTimestamp(),
			AcceptedBy:          orgURL,
			AcceptedAtUTC:       now,
			DecodedReshareChain: decodedChain,
			Viewers:             keys(viewers),
		}
		if err := tx.WriteAccept(ctx, m.hostOrgURL, offer, acceptance); err != nil {
			return err
		}
		if err := tx.TruncateFutureTimelineForOffer(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy, now); err != nil {
			return err
		}
		accepted = offer
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.dispatchChanges(ctx, []models.OfferChange{change(models.ChangeRemoteAccept, now, accepted, nil)})
	return accepted, nil
}

// Reject hides an offer from the rejecting org and relists it for
// everyone else.
func (m *OfferModel) Reject(ctx context.Context, rejectingOrgURL, offerID, postingOrgURL string) (*models.Offer, error) {
	now := m.clock.Now().UnixMilli()
	var rejected *models.Offer
	err := repository.RunTransaction(ctx, m.storage, repository.ReadWrite, func(tx repository.Transaction) error {
		offer, err := m.resolveVisible(ctx, tx, rejectingOrgURL, offerID, postingOrgURL, now)
		if err != nil {
			return err
		}
		if offer == nil {
			return oprerrors.BadRequest("REJECT_ERROR_NO_AVAILABLE_OFFER",
				"no offer %s is available to %s", offerID, rejectingOrgURL)
		}
		rejection := &models.StoredRejection{
			RejectingOrgURL: rejectingOrgURL,
			PostingOrgURL:   offer.OfferedBy,
			OfferID:         offer.ID,
			RejectedAtUTC:   now,
		}
		if err := tx.WriteReject(ctx, m.hostOrgURL, rejection); err != nil {
			return err
		}
		if err := m.updateListings(ctx, tx, offer, now); err != nil {
			return err
		}
		rejected = offer
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.dispatchChanges(ctx, []models.OfferChange{change(models.ChangeRemoteReject, now, rejected, rejected)})
	return rejected, nil
}

// Reserve gives orgURL a temporary exclusive hold on an offer. The hold
// length is capped by the offer's maxReservationTimeSecs.
func (m *OfferModel) Reserve(ctx context.Context, orgURL, offerID string, requestedReservationSecs int64) (*models.Offer, int64, error) {
	now := m.clock.Now().UnixMilli()
	var reserved *models.Offer
	var reservationEnd int64
	err := repository.RunTransaction(ctx, m.storage, repository.ReadWrite, func(tx repository.Transaction) error {
		offer, err := m.resolveVisible(ctx, tx, orgURL, offerID, "", now)
		if err != nil {
			return err
		}
		if offer == nil {
			return oprerrors.BadRequest("RESERVE_ERROR_NO_AVAILABLE_OFFER",
				"no offer %s is available to %s", offerID, orgURL)
		}

		length := requestedReservationSecs * 1000
		if offer.MaxReservationTimeSecs != nil {
			if max := *offer.MaxReservationTimeSecs * 1000; length <= 0 || max < length {
				length = max
			}
		}
		if length <= 0 {
			return oprerrors.BadRequest("RESERVE_ERROR_NOT_RESERVABLE",
				"offer %s cannot be reserved", offerID)
		}
		end := now + length

		if err := tx.TruncateFutureTimelineForOffer(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy, now); err != nil {
			return err
		}
		entry := models.TimelineEntry{
			TargetOrganizationURL: orgURL,
			PostingOrgURL:         offer.OfferedBy,
			OfferID:               offer.ID,
			OfferUpdateUTC:        offer.UpdateTimestamp(),
			StartTimeUTC:          now,
			EndTimeUTC:            end,
			IsReservation:         true,
			ReshareChain:          offer.ReshareChain.Clone(),
		}
		if err := tx.AddTimelineEntries(ctx, m.hostOrgURL, []models.TimelineEntry{entry}); err != nil {
			return err
		}
		if err := m.updateListings(ctx, tx, offer, now); err != nil {
			return err
		}
		reserved, reservationEnd = offer, end
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	m.dispatchChanges(ctx, []models.OfferChange{change(models.ChangeRemoteReserve, now, reserved, reserved)})
	return reserved, reservationEnd, nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
