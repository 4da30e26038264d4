// Package diff canonicalizes offer collections and computes and applies
// the JSON Patches that move one collection to another.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// OfferSet is the canonical form of an offer collection: a map keyed by
// fullOfferId (offeredBy + "#" + id) holding deep clones.
type OfferSet map[string]*models.Offer

// ToOfferSet canonicalizes a collection of offers.
func ToOfferSet(offers []*models.Offer) OfferSet {
	set := make(OfferSet, len(offers))
	for _, o := range offers {
		set[o.FullID()] = o.Clone()
	}
	return set
}

// ToOfferList is the inverse of ToOfferSet up to iteration order. The
// result is sorted by key for determinism.
func ToOfferList(set OfferSet) []*models.Offer {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*models.Offer, 0, len(keys))
	for _, k := range keys {
		out = append(out, set[k].Clone())
	}
	return out
}

// Diff computes the RFC 6902 patch that transforms the canonical set
// form of from into the canonical set form of to.
func Diff(from, to []*models.Offer) (json.RawMessage, error) {
	fromJSON, err := json.Marshal(ToOfferSet(from))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source set: %w", err)
	}
	toJSON, err := json.Marshal(ToOfferSet(to))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target set: %w", err)
	}
	patch, err := jsondiff.CompareJSON(fromJSON, toJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to diff offer sets: %w", err)
	}
	if len(patch) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(patch)
}

// ApplySetPatch applies an RFC 6902 patch to the canonical set form.
func ApplySetPatch(set OfferSet, patch json.RawMessage) (OfferSet, error) {
	doc, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offer set: %w", err)
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("malformed patch: %w", err)
	}
	patched, err := decoded.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	var out OfferSet
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("patch result is not an offer set: %w", err)
	}
	return out, nil
}
