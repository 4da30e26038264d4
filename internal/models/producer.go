package models

import (
	"encoding/json"
	"fmt"
	"iter"
)

// OfferPatch is one operation of a delta update: either the literal
// string "clear" (drop every offer from the source), or a JSON Patch
// against a single referenced offer.
type OfferPatch struct {
	Clear  bool
	Target *PatchTarget
	Patch  json.RawMessage
}

// PatchTarget references the offer a patch applies to. The update
// timestamp is nil for unversioned references; a patch touching any
// path other than the root must be versioned.
type PatchTarget struct {
	PostingOrgURL     string
	ID                string
	LastUpdateTimeUTC *int64
}

// URL returns the URL-form serialization of the target.
func (t PatchTarget) URL() string {
	if t.LastUpdateTimeUTC != nil {
		return fmt.Sprintf("%s#%s&%d", t.PostingOrgURL, t.ID, *t.LastUpdateTimeUTC)
	}
	return t.PostingOrgURL + "#" + t.ID
}

// ParsePatchTarget parses a URL-form target.
func ParsePatchTarget(s string) (*PatchTarget, error) {
	orgURL, id, ts, err := URLToID(s)
	if err != nil {
		return nil, err
	}
	return &PatchTarget{PostingOrgURL: orgURL, ID: id, LastUpdateTimeUTC: ts}, nil
}

type offerPatchJSON struct {
	Target string          `json:"target"`
	Patch  json.RawMessage `json:"patch"`
}

// MarshalJSON writes the literal "clear" or the {target, patch} object.
func (p OfferPatch) MarshalJSON() ([]byte, error) {
	if p.Clear {
		return json.Marshal("clear")
	}
	if p.Target == nil {
		return nil, fmt.Errorf("offer patch has no target")
	}
	return json.Marshal(offerPatchJSON{Target: p.Target.URL(), Patch: p.Patch})
}

// UnmarshalJSON is the exact inverse of MarshalJSON.
func (p *OfferPatch) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "clear" {
			return fmt.Errorf("unknown offer patch literal %q", s)
		}
		*p = OfferPatch{Clear: true}
		return nil
	}
	var obj offerPatchJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("malformed offer patch: %w", err)
	}
	target, err := ParsePatchTarget(obj.Target)
	if err != nil {
		return err
	}
	*p = OfferPatch{Target: target, Patch: obj.Patch}
	return nil
}

// OfferSetUpdate is what a producer emits for one ingestion pass: a full
// snapshot stream, or a delta stream of patches. The streams are lazy
// and single-use; callers cancel by returning early from the range.
type OfferSetUpdate struct {
	SourceOrgURL                  string
	UpdateCurrentAsOfTimestampUTC int64
	EarliestNextRequestUTC        int64

	// Offers is the snapshot form. Nil when the update is a delta.
	Offers iter.Seq2[*Offer, error]
	// Delta is the delta form. Nil when the update is a snapshot.
	Delta iter.Seq2[OfferPatch, error]
}

// OffersFromSlice wraps a fixed slice as a snapshot stream.
func OffersFromSlice(offers []*Offer) iter.Seq2[*Offer, error] {
	return func(yield func(*Offer, error) bool) {
		for _, o := range offers {
			if !yield(o, nil) {
				return
			}
		}
	}
}

// PatchesFromSlice wraps a fixed slice as a delta stream.
func PatchesFromSlice(patches []OfferPatch) iter.Seq2[OfferPatch, error] {
	return func(yield func(OfferPatch, error) bool) {
		for _, p := range patches {
			if !yield(p, nil) {
				return
			}
		}
	}
}
