// Package policy decides which peer org may see an offer and when.
package policy

import (
	"context"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// Listing is a per-viewer authorization window on an offer.
type Listing struct {
	OrgURL       string
	StartTimeUTC int64
	EndTimeUTC   int64
	Scopes       []string
}

// Policy computes the visibility windows for an offer. Implementations
// are pure: the same inputs always yield the same listings.
type Policy interface {
	GetListings(ctx context.Context, offer *models.Offer,
		firstListingTimeUTC, currentTimeUTC int64,
		rejections, sharedBy map[string]bool) ([]Listing, error)
}
