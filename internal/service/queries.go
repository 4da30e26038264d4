package service

import (
	"context"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/diff"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/repository"
)

// DefaultPageSize bounds list and history pages when the caller does not
// ask for a size.
const DefaultPageSize = 100

// List serves the list-products RPC for one viewer org. Later pages are
// pinned to the first page's request instant by the page token.
func (m *OfferModel) List(ctx context.Context, orgURL string, payload models.ListOffersPayload) (*models.ListOffersResponse, error) {
	var token *models.PageToken
	if payload.PageToken != "" {
		var err error
		token, err = models.DecodePageToken(payload.PageToken)
		if err != nil {
			return nil, oprerrors.BadRequest("INVALID_REQUEST", "malformed page token").WithCause(err)
		}
	} else {
		format := payload.RequestedResultFormat
		if format == "" {
			format = models.FormatSnapshot
		}
		token = &models.PageToken{
			MaxResultsPerPage:     payload.MaxResultsPerPage,
			RequestTimeUTC:        m.clock.Now().UnixMilli(),
			DiffStartTimestampUTC: payload.DiffStartTimestampUTC,
			ResultFormat:          format,
		}
	}
	pageSize := token.MaxResultsPerPage
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var resp *models.ListOffersResponse
	err := repository.RunTransaction(ctx, m.storage, repository.ReadOnly, func(tx repository.Transaction) error {
		var err error
		switch token.ResultFormat {
		case models.FormatDiff:
			resp, err = m.listDiffPage(ctx, tx, orgURL, token, pageSize)
		default:
			resp, err = m.listSnapshotPage(ctx, tx, orgURL, token, pageSize)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *OfferModel) listSnapshotPage(ctx context.Context, tx repository.Transaction,
	orgURL string, token *models.PageToken, pageSize int) (*models.ListOffersResponse, error) {
	offers := make([]*models.Offer, 0, pageSize)
	more := false
	for offer, err := range tx.GetOffersAtTime(ctx, m.hostOrgURL, orgURL, token.RequestTimeUTC, token.SkipCount) {
		if err != nil {
			return nil, err
		}
		if len(offers) == pageSize {
			more = true
			break
		}
		offers = append(offers, offer)
	}

	resp := &models.ListOffersResponse{
		ResponseFormat:      models.FormatSnapshot,
		ResultsTimestampUTC: token.RequestTimeUTC,
		Offers:              offers,
	}
	if more {
		next := *token
		next.SkipCount += len(offers)
		resp.NextPageToken = next.Encode()
	}
	return resp, nil
}

func (m *OfferModel) listDiffPage(ctx context.Context, tx repository.Transaction,
	orgURL string, token *models.PageToken, pageSize int) (*models.ListOffersResponse, error) {
	if token.DiffStartTimestampUTC == nil {
		return nil, oprerrors.BadRequest("INVALID_REQUEST",
			"DIFF format requires diffStartTimestampUTC")
	}
	diffStart := *token.DiffStartTimestampUTC

	patches := []models.OfferPatch{}
	if token.SkipCount == 0 {
		// A viewer with no offers at the diff start cannot trust its local
		// state; the diff opens by clearing it.
		hadAny := false
		for _, err := range tx.GetOffersAtTime(ctx, m.hostOrgURL, orgURL, diffStart, 0) {
			if err != nil {
				return nil, err
			}
			hadAny = true
			break
		}
		if !hadAny {
			patches = append(patches, models.OfferPatch{Clear: true})
		}
	}

	emitted := 0
	more := false
	for row, err := range tx.GetChangedOffers(ctx, m.hostOrgURL, orgURL, diffStart, token.RequestTimeUTC, token.SkipCount) {
		if err != nil {
			return nil, err
		}
		if emitted == pageSize {
			more = true
			break
		}
		patch, err := diff.MakeOfferPatch(row.OldOffer, row.NewOffer)
		if err != nil {
			return nil, err
		}
		patches = append(patches, patch)
		emitted++
	}

	resp := &models.ListOffersResponse{
		ResponseFormat:      models.FormatDiff,
		ResultsTimestampUTC: token.RequestTimeUTC,
		Diff:                patches,
	}
	if more {
		next := *token
		next.SkipCount += emitted
		resp.NextPageToken = next.Encode()
	}
	return resp, nil
}

// History serves the accept-history RPC for one viewer org.
func (m *OfferModel) History(ctx context.Context, orgURL string, payload models.HistoryPayload) (*models.HistoryResponse, error) {
	var token *models.PageToken
	if payload.PageToken != "" {
		var err error
		token, err = models.DecodePageToken(payload.PageToken)
		if err != nil {
			return nil, oprerrors.BadRequest("INVALID_REQUEST", "malformed page token").WithCause(err)
		}
	} else {
		token = &models.PageToken{
			MaxResultsPerPage: payload.MaxResultsPerPage,
			RequestTimeUTC:    m.clock.Now().UnixMilli(),
			HistorySinceUTC:   payload.HistorySinceUTC,
		}
	}
	pageSize := token.MaxResultsPerPage
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	items := make([]models.OfferHistoryItem, 0, pageSize)
	more := false
	err := repository.RunTransaction(ctx, m.storage, repository.ReadOnly, func(tx repository.Transaction) error {
		for item, err := range tx.GetHistory(ctx, m.hostOrgURL, orgURL, token.HistorySinceUTC, token.SkipCount) {
			if err != nil {
				return err
			}
			if len(items) == pageSize {
				more = true
				break
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &models.HistoryResponse{OfferHistories: items}
	if more {
		next := *token
		next.SkipCount += len(items)
		resp.NextPageToken = next.Encode()
	}
	return resp, nil
}
