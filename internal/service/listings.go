package service

import (
	"context"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/policy"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/repository"
)

// interval is a half-open [start, end) window in UTC millis.
type interval struct {
	start, end int64
}

func (iv interval) empty() bool {
	return iv.end <= iv.start
}

// subtract removes sub from iv, returning up to two residual windows.
func (iv interval) subtract(sub interval) []interval {
	if sub.empty() || sub.end <= iv.start || sub.start >= iv.end {
		return []interval{iv}
	}
	var out []interval
	if sub.start > iv.start {
		out = append(out, interval{iv.start, sub.start})
	}
	if sub.end < iv.end {
		out = append(out, interval{sub.end, iv.end})
	}
	return out
}

// updateListings rebuilds the future timeline of one offer from the
// listing policy, preserving a live reservation that remains backed by
// a continuous listing for the reserving org.
func (m *OfferModel) updateListings(ctx context.Context, tx repository.Transaction, offer *models.Offer, now int64) error {
	existing, err := tx.GetTimelineForOffer(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy, nil, "")
	if err != nil {
		return err
	}

	var reservation *models.TimelineEntry
	firstListingTime := now
	for i, e := range existing {
		if e.IsReservation && e.Contains(now) && reservation == nil {
			reservation = &existing[i]
		}
		if e.StartTimeUTC < firstListingTime {
			firstListingTime = e.StartTimeUTC
		}
	}

	if err := tx.TruncateFutureTimelineForOffer(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy, now); err != nil {
		return err
	}

	version := offer.UpdateTimestamp()
	var entries []models.TimelineEntry

	// The host's own window on offers it received from elsewhere.
	if offer.OfferedBy != m.hostOrgURL && offer.OfferExpirationUTC > now {
		acceptChain, _, err := tx.GetBestAcceptChain(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy)
		if err != nil {
			return err
		}
		entries = append(entries, models.TimelineEntry{
			TargetOrganizationURL: m.hostOrgURL,
			PostingOrgURL:         offer.OfferedBy,
			OfferID:               offer.ID,
			OfferUpdateUTC:        version,
			StartTimeUTC:          now,
			EndTimeUTC:            offer.OfferExpirationUTC,
			ReshareChain:          acceptChain,
		})
	}

	remote, err := m.remoteEntries(ctx, tx, offer, firstListingTime, now, reservation)
	if err != nil {
		return err
	}
	entries = append(entries, remote...)

	if len(entries) == 0 {
		return nil
	}
	return tx.AddTimelineEntries(ctx, m.hostOrgURL, entries)
}

func (m *OfferModel) remoteEntries(ctx context.Context, tx repository.Transaction, offer *models.Offer,
	firstListingTime, now int64, reservation *models.TimelineEntry) ([]models.TimelineEntry, error) {
	var chainRoot models.ReshareChain
	if offer.OfferedBy != m.hostOrgURL {
		root, ok, err := tx.GetBestReshareChainRoot(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy)
		if err != nil {
			return nil, err
		}
		if !ok {
			// No reshare rights means the offer must not be republished.
			return nil, nil
		}
		chainRoot = root
	}

	rejectionRows, err := tx.GetAllRejections(ctx, m.hostOrgURL, offer.ID, offer.OfferedBy)
	if err != nil {
		return nil, err
	}
	rejections := make(map[string]bool, len(rejectionRows))
	for _, r := range rejectionRows {
		rejections[r.RejectingOrgURL] = true
	}

	listings, err := m.listingPolicy.GetListings(ctx, offer, firstListingTime, now, rejections, map[string]bool{})
	if err != nil {
		return nil, err
	}

	version := offer.UpdateTimestamp()
	var entries []models.TimelineEntry
	var preserved *interval
	if reservation != nil {
		// A live reservation survives only when the reserving org keeps a
		// listing that covers it without interruption from now.
		for _, l := range listings {
			if l.OrgURL != reservation.TargetOrganizationURL {
				continue
			}
			window := clampListing(l, now)
			if window.empty() || window.start != now || !reservation.Contains(now) {
				continue
			}
			end := min(window.end, reservation.EndTimeUTC)
			if end <= now {
				continue
			}
			preserved = &interval{now, end}
			entries = append(entries, models.TimelineEntry{
				TargetOrganizationURL: reservation.TargetOrganizationURL,
				PostingOrgURL:         offer.OfferedBy,
				OfferID:               offer.ID,
				OfferUpdateUTC:        version,
				StartTimeUTC:          now,
				EndTimeUTC:            end,
				IsReservation:         true,
				ReshareChain:          reservation.ReshareChain.Clone(),
			})
			break
		}
	}

	for _, l := range listings {
		if rejections[l.OrgURL] {
			continue
		}
		window := clampListing(l, now)
		if window.empty() {
			continue
		}
		residuals := []interval{window}
		if preserved != nil {
			residuals = window.subtract(*preserved)
		}
		for _, iv := range residuals {
			entryChain, err := m.entryChain(ctx, chainRoot, offer, l)
			if err != nil {
				return nil, err
			}
			entries = append(entries, models.TimelineEntry{
				TargetOrganizationURL: l.OrgURL,
				PostingOrgURL:         offer.OfferedBy,
				OfferID:               offer.ID,
				OfferUpdateUTC:        version,
				StartTimeUTC:          iv.start,
				EndTimeUTC:            iv.end,
				ReshareChain:          entryChain,
			})
		}
	}
	return entries, nil
}

func clampListing(l policy.Listing, now int64) interval {
	start := l.StartTimeUTC
	if start < now {
		start = now
	}
	return interval{start, l.EndTimeUTC}
}

// entryChain signs one new delegation link for the listed org. Wildcard
// listings carry no chain: their viewers are anonymous until they act.
func (m *OfferModel) entryChain(ctx context.Context, chainRoot models.ReshareChain,
	offer *models.Offer, l policy.Listing) (models.ReshareChain, error) {
	if m.signer == nil || l.OrgURL == models.TargetWildcard {
		return nil, nil
	}
	scopes := l.Scopes
	if len(scopes) == 0 {
		scopes = []string{models.ScopeAccept}
	}
	return m.signer.SignChain(ctx, chainRoot, l.OrgURL, chain.SignChainOptions{
		InitialEntitlement: offer.ID,
		Scopes:             scopes,
	})
}
