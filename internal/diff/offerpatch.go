package diff

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// ResultType classifies the outcome of applying a single offer patch.
type ResultType string

const (
	ResultClear  ResultType = "CLEAR"
	ResultInsert ResultType = "INSERT"
	ResultUpdate ResultType = "UPDATE"
	ResultDelete ResultType = "DELETE"
	ResultNoop   ResultType = "NOOP"
	ResultError  ResultType = "ERROR"
)

// Result is the classified outcome of ApplyOfferPatch.
type Result struct {
	Type     ResultType
	Target   *models.PatchTarget
	OldOffer *models.Offer
	NewOffer *models.Offer
	Err      error
}

// OfferLookup resolves a patch target to the currently known offer, or
// nil when absent.
type OfferLookup func(postingOrgURL, offerID string) (*models.Offer, error)

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  string          `json:"from,omitempty"`
}

// ApplyOfferPatch applies one delta operation against the lookup and
// classifies the outcome. A patch touching any path other than the root
// must reference a versioned target.
func ApplyOfferPatch(lookup OfferLookup, p models.OfferPatch) Result {
	if p.Clear {
		return Result{Type: ResultClear}
	}
	if p.Target == nil {
		return Result{Type: ResultError, Err: fmt.Errorf("offer patch has no target")}
	}

	var ops []patchOp
	if err := json.Unmarshal(p.Patch, &ops); err != nil {
		return Result{Type: ResultError, Target: p.Target, Err: fmt.Errorf("malformed patch: %w", err)}
	}

	if p.Target.LastUpdateTimeUTC == nil {
		for _, op := range ops {
			if op.Path != "" {
				return Result{Type: ResultError, Target: p.Target,
					Err: fmt.Errorf("non-root patch requires a versioned target")}
			}
		}
	}

	old, err := lookup(p.Target.PostingOrgURL, p.Target.ID)
	if err != nil {
		return Result{Type: ResultError, Target: p.Target, Err: err}
	}

	doc := json.RawMessage("null")
	if old != nil {
		doc, err = json.Marshal(old)
		if err != nil {
			return Result{Type: ResultError, Target: p.Target, Err: err}
		}
	}

	removed := old == nil
	for _, op := range ops {
		doc, removed, err = applyOp(doc, removed, op)
		if err != nil {
			return Result{Type: ResultError, Target: p.Target, OldOffer: old, Err: err}
		}
	}

	if removed {
		if old == nil {
			// Removing an offer that was never there is a no-op.
			return Result{Type: ResultNoop, Target: p.Target}
		}
		return Result{Type: ResultDelete, Target: p.Target, OldOffer: old}
	}

	var updated models.Offer
	if err := json.Unmarshal(doc, &updated); err != nil {
		return Result{Type: ResultError, Target: p.Target, OldOffer: old,
			Err: fmt.Errorf("patch result is not an offer: %w", err)}
	}

	if old == nil {
		return Result{Type: ResultInsert, Target: p.Target, NewOffer: &updated}
	}
	if old.Equal(&updated) {
		return Result{Type: ResultNoop, Target: p.Target, OldOffer: old, NewOffer: &updated}
	}
	return Result{Type: ResultUpdate, Target: p.Target, OldOffer: old, NewOffer: &updated}
}

// applyOp applies one RFC 6902 op. Root-path operations replace, remove,
// or test the whole document and are handled directly; everything else
// is delegated to the patch library.
func applyOp(doc json.RawMessage, removed bool, op patchOp) (json.RawMessage, bool, error) {
	if op.Path == "" {
		switch op.Op {
		case "add", "replace":
			if op.Value == nil {
				return nil, false, fmt.Errorf("root %s without a value", op.Op)
			}
			return op.Value, false, nil
		case "remove":
			return json.RawMessage("null"), true, nil
		case "test":
			if removed || !jsonEqual(doc, op.Value) {
				return nil, false, fmt.Errorf("root test failed")
			}
			return doc, removed, nil
		default:
			return nil, false, fmt.Errorf("unsupported root operation %q", op.Op)
		}
	}

	if removed {
		return nil, false, fmt.Errorf("cannot apply %s %s to an absent offer", op.Op, op.Path)
	}
	single, err := json.Marshal([]patchOp{op})
	if err != nil {
		return nil, false, err
	}
	decoded, err := jsonpatch.DecodePatch(single)
	if err != nil {
		return nil, false, fmt.Errorf("malformed patch op: %w", err)
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ac, err := json.Marshal(av)
	if err != nil {
		return false
	}
	bc, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ac, bc)
}

// MakeOfferPatch builds the wire patch describing the transition from
// old to new for one offer. Inserts and deletes are whole-root
// operations on unversioned targets; modifications are granular patches
// on the old version's id.
func MakeOfferPatch(old, new *models.Offer) (models.OfferPatch, error) {
	switch {
	case old == nil && new == nil:
		return models.OfferPatch{}, fmt.Errorf("both offer versions are nil")
	case old == nil:
		value, err := json.Marshal(new)
		if err != nil {
			return models.OfferPatch{}, err
		}
		patch, err := json.Marshal([]patchOp{{Op: "add", Path: "", Value: value}})
		if err != nil {
			return models.OfferPatch{}, err
		}
		return models.OfferPatch{
			Target: &models.PatchTarget{PostingOrgURL: new.OfferedBy, ID: new.ID},
			Patch:  patch,
		}, nil
	case new == nil:
		patch, err := json.Marshal([]patchOp{{Op: "remove", Path: ""}})
		if err != nil {
			return models.OfferPatch{}, err
		}
		return models.OfferPatch{
			Target: &models.PatchTarget{PostingOrgURL: old.OfferedBy, ID: old.ID},
			Patch:  patch,
		}, nil
	}

	oldJSON, err := json.Marshal(old)
	if err != nil {
		return models.OfferPatch{}, err
	}
	newJSON, err := json.Marshal(new)
	if err != nil {
		return models.OfferPatch{}, err
	}
	patch, err := jsondiff.CompareJSON(oldJSON, newJSON)
	if err != nil {
		return models.OfferPatch{}, err
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return models.OfferPatch{}, err
	}
	if len(patch) == 0 {
		raw = json.RawMessage("[]")
	}
	version := old.UpdateTimestamp()
	return models.OfferPatch{
		Target: &models.PatchTarget{
			PostingOrgURL:     old.OfferedBy,
			ID:                old.ID,
			LastUpdateTimeUTC: &version,
		},
		Patch: raw,
	}, nil
}
