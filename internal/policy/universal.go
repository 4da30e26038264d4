package policy

import (
	"context"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// UniversalAccept lists every configured org for the offer's whole
// lifetime with the ACCEPT scope.
type UniversalAccept struct {
	OrgURLs []string
}

// NewUniversalAccept creates the policy for a fixed org collection.
func NewUniversalAccept(orgURLs []string) *UniversalAccept {
	return &UniversalAccept{OrgURLs: orgURLs}
}

// GetListings returns one [creation, expiration) ACCEPT listing per
// configured org not in rejections or sharedBy.
func (p *UniversalAccept) GetListings(_ context.Context, offer *models.Offer,
	_, _ int64, rejections, sharedBy map[string]bool) ([]Listing, error) {
	listings := make([]Listing, 0, len(p.OrgURLs))
	for _, org := range p.OrgURLs {
		if rejections[org] || sharedBy[org] {
			continue
		}
		listings = append(listings, Listing{
			OrgURL:       org,
			StartTimeUTC: offer.OfferCreationUTC,
			EndTimeUTC:   offer.OfferExpirationUTC,
			Scopes:       []string{models.ScopeAccept},
		})
	}
	return listings, nil
}
