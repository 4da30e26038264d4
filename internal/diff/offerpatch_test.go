package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

func parseOffer(t *testing.T, raw string) *models.Offer {
	t.Helper()
	o, err := models.ParseOffer([]byte(raw))
	require.NoError(t, err)
	return o
}

func lookupNone(_, _ string) (*models.Offer, error) { return nil, nil }

func lookupOffer(o *models.Offer) OfferLookup {
	return func(postingOrgURL, offerID string) (*models.Offer, error) {
		if o != nil && o.OfferedBy == postingOrgURL && o.ID == offerID {
			return o, nil
		}
		return nil, nil
	}
}

func TestMakeAndApplyInsert(t *testing.T) {
	offer := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000,
		"offerExpirationUTC": 100000,
		"description": "ten crates of apples"
	}`)

	patch, err := MakeOfferPatch(nil, offer)
	require.NoError(t, err)
	require.NotNil(t, patch.Target)
	assert.Nil(t, patch.Target.LastUpdateTimeUTC)

	result := ApplyOfferPatch(lookupNone, patch)
	require.Equal(t, ResultInsert, result.Type)
	require.NotNil(t, result.NewOffer)
	assert.True(t, offer.Equal(result.NewOffer))
}

func TestMakeAndApplyUpdate(t *testing.T) {
	old := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000,
		"offerExpirationUTC": 100000,
		"description": "ten crates of apples"
	}`)
	updated := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000,
		"offerUpdateUTC": 2000,
		"offerExpirationUTC": 100000,
		"description": "eight crates of apples"
	}`)

	patch, err := MakeOfferPatch(old, updated)
	require.NoError(t, err)
	require.NotNil(t, patch.Target)
	// Granular patches pin the version they were computed against.
	require.NotNil(t, patch.Target.LastUpdateTimeUTC)
	assert.Equal(t, int64(1000), *patch.Target.LastUpdateTimeUTC)

	result := ApplyOfferPatch(lookupOffer(old), patch)
	require.Equal(t, ResultUpdate, result.Type)
	assert.True(t, old.Equal(result.OldOffer))
	assert.True(t, updated.Equal(result.NewOffer))
}

func TestMakeAndApplyDelete(t *testing.T) {
	old := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000
	}`)

	patch, err := MakeOfferPatch(old, nil)
	require.NoError(t, err)

	result := ApplyOfferPatch(lookupOffer(old), patch)
	require.Equal(t, ResultDelete, result.Type)
	assert.True(t, old.Equal(result.OldOffer))
}

func TestApplyRemoveAbsentIsNoop(t *testing.T) {
	old := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000
	}`)
	patch, err := MakeOfferPatch(old, nil)
	require.NoError(t, err)

	result := ApplyOfferPatch(lookupNone, patch)
	assert.Equal(t, ResultNoop, result.Type)
}

func TestApplyIdenticalIsNoop(t *testing.T) {
	offer := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000
	}`)
	patch, err := MakeOfferPatch(nil, offer)
	require.NoError(t, err)

	result := ApplyOfferPatch(lookupOffer(offer), patch)
	assert.Equal(t, ResultNoop, result.Type)
}

func TestApplyClear(t *testing.T) {
	result := ApplyOfferPatch(lookupNone, models.OfferPatch{Clear: true})
	assert.Equal(t, ResultClear, result.Type)
}

func TestApplyNoTarget(t *testing.T) {
	result := ApplyOfferPatch(lookupNone, models.OfferPatch{Patch: json.RawMessage(`[]`)})
	assert.Equal(t, ResultError, result.Type)
}

func TestNonRootPatchRequiresVersionedTarget(t *testing.T) {
	old := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000,
		"description": "apples"
	}`)
	patch := models.OfferPatch{
		Target: &models.PatchTarget{PostingOrgURL: old.OfferedBy, ID: old.ID},
		Patch:  json.RawMessage(`[{"op":"replace","path":"/description","value":"pears"}]`),
	}

	result := ApplyOfferPatch(lookupOffer(old), patch)
	require.Equal(t, ResultError, result.Type)
	assert.Error(t, result.Err)
}

func TestApplyGranularOps(t *testing.T) {
	old := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000,
		"description": "apples"
	}`)
	version := old.UpdateTimestamp()
	patch := models.OfferPatch{
		Target: &models.PatchTarget{
			PostingOrgURL:     old.OfferedBy,
			ID:                old.ID,
			LastUpdateTimeUTC: &version,
		},
		Patch: json.RawMessage(`[
			{"op":"test","path":"/description","value":"apples"},
			{"op":"replace","path":"/description","value":"pears"},
			{"op":"add","path":"/notes","value":"deliver before noon"}
		]`),
	}

	result := ApplyOfferPatch(lookupOffer(old), patch)
	require.Equal(t, ResultUpdate, result.Type)

	raw, err := json.Marshal(result.NewOffer)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "pears", payload["description"])
	assert.Equal(t, "deliver before noon", payload["notes"])
}

func TestRootTestOp(t *testing.T) {
	old := parseOffer(t, `{
		"id": "offer1",
		"offeredBy": "https://a.example.org/org.json",
		"offerCreationUTC": 1000
	}`)
	oldJSON, err := json.Marshal(old)
	require.NoError(t, err)
	version := old.UpdateTimestamp()

	ok := models.OfferPatch{
		Target: &models.PatchTarget{PostingOrgURL: old.OfferedBy, ID: old.ID, LastUpdateTimeUTC: &version},
		Patch:  json.RawMessage(`[{"op":"test","path":"","value":` + string(oldJSON) + `}]`),
	}
	result := ApplyOfferPatch(lookupOffer(old), ok)
	assert.Equal(t, ResultNoop, result.Type)

	bad := models.OfferPatch{
		Target: &models.PatchTarget{PostingOrgURL: old.OfferedBy, ID: old.ID, LastUpdateTimeUTC: &version},
		Patch:  json.RawMessage(`[{"op":"test","path":"","value":{"id":"other"}}]`),
	}
	result = ApplyOfferPatch(lookupOffer(old), bad)
	assert.Equal(t, ResultError, result.Type)
}
