// Package models defines the data model for the Open Product Recovery
// tenant core: offers, structured ids, reshare chains, timeline entries,
// and the federated wire payloads.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Offer is a surplus-product offer. The payload is opaque JSON: the
// semantic attributes below are parsed out for the engine, every other
// field is preserved byte-for-byte and round-trips through marshalling.
type Offer struct {
	ID                     string
	OfferedBy              string
	OfferCreationUTC       int64
	OfferUpdateUTC         *int64
	OfferExpirationUTC     int64
	MaxReservationTimeSecs *int64
	ReshareChain           ReshareChain

	// extra holds the payload fields the engine does not interpret.
	extra map[string]json.RawMessage
}

// offerAttrs mirrors the semantic attributes for JSON decoding.
type offerAttrs struct {
	ID                     string       `json:"id"`
	OfferedBy              string       `json:"offeredBy"`
	OfferCreationUTC       int64        `json:"offerCreationUTC"`
	OfferUpdateUTC         *int64       `json:"offerUpdateUTC,omitempty"`
	OfferExpirationUTC     int64        `json:"offerExpirationUTC,omitempty"`
	MaxReservationTimeSecs *int64       `json:"maxReservationTimeSecs,omitempty"`
	ReshareChain           ReshareChain `json:"reshareChain,omitempty"`
}

var offerSemanticFields = map[string]bool{
	"id":                     true,
	"offeredBy":              true,
	"offerCreationUTC":       true,
	"offerUpdateUTC":         true,
	"offerExpirationUTC":     true,
	"maxReservationTimeSecs": true,
	"reshareChain":           true,
}

// UnmarshalJSON decodes the semantic attributes and stashes everything
// else untouched.
func (o *Offer) UnmarshalJSON(data []byte) error {
	var attrs offerAttrs
	if err := json.Unmarshal(data, &attrs); err != nil {
		return fmt.Errorf("failed to decode offer: %w", err)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("failed to decode offer fields: %w", err)
	}
	for k := range all {
		if offerSemanticFields[k] {
			delete(all, k)
		}
	}

	*o = Offer{
		ID:                     attrs.ID,
		OfferedBy:              attrs.OfferedBy,
		OfferCreationUTC:       attrs.OfferCreationUTC,
		OfferUpdateUTC:         attrs.OfferUpdateUTC,
		OfferExpirationUTC:     attrs.OfferExpirationUTC,
		MaxReservationTimeSecs: attrs.MaxReservationTimeSecs,
		ReshareChain:           attrs.ReshareChain,
		extra:                  all,
	}
	return nil
}

// MarshalJSON re-assembles the semantic attributes and the preserved
// opaque fields into one object.
func (o Offer) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(o.extra)+7)
	for k, v := range o.extra {
		out[k] = v
	}

	put := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}

	if err := put("id", o.ID); err != nil {
		return nil, err
	}
	if err := put("offeredBy", o.OfferedBy); err != nil {
		return nil, err
	}
	if err := put("offerCreationUTC", o.OfferCreationUTC); err != nil {
		return nil, err
	}
	if o.OfferUpdateUTC != nil {
		if err := put("offerUpdateUTC", *o.OfferUpdateUTC); err != nil {
			return nil, err
		}
	}
	if o.OfferExpirationUTC != 0 {
		if err := put("offerExpirationUTC", o.OfferExpirationUTC); err != nil {
			return nil, err
		}
	}
	if o.MaxReservationTimeSecs != nil {
		if err := put("maxReservationTimeSecs", *o.MaxReservationTimeSecs); err != nil {
			return nil, err
		}
	}
	if len(o.ReshareChain) > 0 {
		if err := put("reshareChain", o.ReshareChain); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// UpdateTimestamp returns offerUpdateUTC when present, else
// offerCreationUTC.
func (o *Offer) UpdateTimestamp() int64 {
	if o.OfferUpdateUTC != nil {
		return *o.OfferUpdateUTC
	}
	return o.OfferCreationUTC
}

// StructuredID returns the (postingOrgUrl, id) pair identifying the offer.
func (o *Offer) StructuredID() StructuredOfferID {
	return StructuredOfferID{PostingOrgURL: o.OfferedBy, ID: o.ID}
}

// VersionedID returns the structured id carrying the update timestamp.
func (o *Offer) VersionedID() VersionedStructuredOfferID {
	return VersionedStructuredOfferID{
		StructuredOfferID: o.StructuredID(),
		LastUpdateTimeUTC: o.UpdateTimestamp(),
	}
}

// FullID returns the canonical offer-set key, offeredBy + "#" + id.
func (o *Offer) FullID() string {
	return o.OfferedBy + "#" + o.ID
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		// Marshal of a decoded offer cannot fail; preserve the invariant
		// loudly if it ever does.
		panic(fmt.Sprintf("offer clone: %v", err))
	}
	var c Offer
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("offer clone: %v", err))
	}
	return &c
}

// WithReshareChain returns a copy of the offer carrying the given chain.
func (o *Offer) WithReshareChain(chain ReshareChain) *Offer {
	c := o.Clone()
	c.ReshareChain = chain
	return c
}

// Equal reports whether two offers have identical JSON payloads.
func (o *Offer) Equal(other *Offer) bool {
	if o == nil || other == nil {
		return o == other
	}
	a, err := json.Marshal(o)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ParseOffer decodes a single offer payload.
func ParseOffer(data []byte) (*Offer, error) {
	var o Offer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}
