package models

// TargetWildcard is the timeline target that matches every viewer org
// except the host itself.
const TargetWildcard = "*"

// TimelineEntry is a persisted visibility interval on a specific offer
// version for a specific viewer. For any (host, target, offer) and any
// instant t, at most one entry contains t.
type TimelineEntry struct {
	TargetOrganizationURL string       `json:"targetOrganizationUrl"`
	PostingOrgURL         string       `json:"postingOrgUrl"`
	OfferID               string       `json:"offerId"`
	OfferUpdateUTC        int64        `json:"offerUpdateUTC"`
	StartTimeUTC          int64        `json:"startTimeUTC"`
	EndTimeUTC            int64        `json:"endTimeUTC"`
	IsReservation         bool         `json:"isReservation"`
	ReshareChain          ReshareChain `json:"reshareChain,omitempty"`
}

// Contains reports whether the entry's [start, end) interval contains t.
func (e TimelineEntry) Contains(t int64) bool {
	return e.StartTimeUTC <= t && t < e.EndTimeUTC
}

// Matches reports whether the entry is visible to the given viewer on
// the given host. The wildcard target never matches the host.
func (e TimelineEntry) Matches(hostOrgURL, viewerOrgURL string) bool {
	if e.TargetOrganizationURL == TargetWildcard {
		return viewerOrgURL != hostOrgURL
	}
	return e.TargetOrganizationURL == viewerOrgURL
}

// CorpusOffer records that a corpus of a tenant currently publishes a
// specific version of an offer.
type CorpusOffer struct {
	CorpusOrgURL  string `json:"corpusOrgUrl"`
	PostingOrgURL string `json:"postingOrgUrl"`
	OfferID       string `json:"offerId"`
	LastUpdateUTC int64  `json:"lastUpdateUTC"`
	Offer         *Offer `json:"offer"`
}

// StoredAcceptance records an accepted offer version together with the
// orgs allowed to see it in history queries.
type StoredAcceptance struct {
	// AcceptanceID is a ULID, so record ids sort by acceptance time.
	AcceptanceID        string              `json:"acceptanceId"`
	PostingOrgURL       string              `json:"postingOrgUrl"`
	OfferID             string              `json:"offerId"`
	LastUpdateUTC       int64               `json:"lastUpdateUTC"`
	AcceptedBy          string              `json:"acceptedBy"`
	AcceptedAtUTC       int64               `json:"acceptedAtUTC"`
	DecodedReshareChain DecodedReshareChain `json:"decodedReshareChain,omitempty"`
	Viewers             []string            `json:"-"`
}

// StoredRejection records a viewer org rejecting an offer. Idempotent
// per (host, rejecting org, offer).
type StoredRejection struct {
	RejectingOrgURL string `json:"rejectingOrgUrl"`
	PostingOrgURL   string `json:"postingOrgUrl"`
	OfferID         string `json:"offerId"`
	RejectedAtUTC   int64  `json:"rejectedAtUTC"`
}

// OfferHistoryItem is one entry of an acceptance-history response.
type OfferHistoryItem struct {
	Offer                 *Offer              `json:"offer"`
	AcceptingOrganization string              `json:"acceptingOrganization,omitempty"`
	AcceptedAtUTC         int64               `json:"acceptedAtUTC,omitempty"`
	DecodedReshareChain   DecodedReshareChain `json:"decodedReshareChain,omitempty"`
}

// ProducerMetadata is the per-producer lock and backoff state used by
// the ingestion scheduler.
type ProducerMetadata struct {
	ProducerID          string `json:"producerId"`
	LastUpdateTimeUTC   *int64 `json:"lastUpdateTimeUTC,omitempty"`
	NextRunTimestampUTC int64  `json:"nextRunTimestampUTC"`
}

// ChainUse distinguishes which use a stored reshare chain was selected
// for.
type ChainUse string

const (
	ChainUseAccept  ChainUse = "ACCEPT"
	ChainUseReshare ChainUse = "RESHARE"
)
