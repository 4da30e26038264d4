package policy

import (
	"context"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// HierarchyNode is one node of a listing hierarchy. Orgs listed at a
// node see the offer for TotalTime starting at the node's base time;
// each following sibling's base, and the node's children's base, are
// advanced by ExclusiveTime.
type HierarchyNode struct {
	ExclusiveTimeMillis int64           `json:"exclusiveTime" mapstructure:"exclusiveTime"`
	TotalTimeMillis     int64           `json:"totalTime" mapstructure:"totalTime"`
	ListedOrgs          []string        `json:"listedOrgs" mapstructure:"listedOrgs"`
	ChildHierarchies    []HierarchyNode `json:"childHierarchies,omitempty" mapstructure:"childHierarchies"`
}

// Hierarchical staggers visibility across a forest of org tiers so
// earlier tiers get an exclusive window before later tiers see the
// offer.
type Hierarchical struct {
	Roots []HierarchyNode
}

// NewHierarchical creates the policy from its node forest.
func NewHierarchical(roots []HierarchyNode) *Hierarchical {
	return &Hierarchical{Roots: roots}
}

// GetListings walks the forest from firstListingTimeUTC, clamping every
// window to the offer's expiration.
func (p *Hierarchical) GetListings(_ context.Context, offer *models.Offer,
	firstListingTimeUTC, _ int64, rejections, sharedBy map[string]bool) ([]Listing, error) {
	var listings []Listing
	walk(p.Roots, firstListingTimeUTC, offer.OfferExpirationUTC, rejections, sharedBy, &listings)
	return listings, nil
}

func walk(nodes []HierarchyNode, base, expiration int64,
	rejections, sharedBy map[string]bool, out *[]Listing) {
	for _, node := range nodes {
		end := base + node.TotalTimeMillis
		if expiration > 0 && end > expiration {
			end = expiration
		}
		for _, org := range node.ListedOrgs {
			if rejections[org] || sharedBy[org] {
				continue
			}
			if end <= base {
				continue
			}
			*out = append(*out, Listing{
				OrgURL:       org,
				StartTimeUTC: base,
				EndTimeUTC:   end,
				Scopes:       []string{models.ScopeAccept, models.ScopeReshare},
			})
		}
		walk(node.ChildHierarchies, base+node.ExclusiveTimeMillis, expiration, rejections, sharedBy, out)
		base += node.ExclusiveTimeMillis
	}
}
