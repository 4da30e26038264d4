package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Result formats for list responses.
const (
	FormatSnapshot = "SNAPSHOT"
	FormatDiff     = "DIFF"
)

// ListOffersPayload is the request body of the list-products endpoint.
type ListOffersPayload struct {
	RequestedResultFormat string `json:"requestedResultFormat,omitempty" validate:"omitempty,oneof=SNAPSHOT DIFF"`
	DiffStartTimestampUTC *int64 `json:"diffStartTimestampUTC,omitempty"`
	MaxResultsPerPage     int    `json:"maxResultsPerPage,omitempty" validate:"omitempty,min=1,max=1000"`
	PageToken             string `json:"pageToken,omitempty"`
}

// ListOffersResponse is the paged list-products response.
type ListOffersResponse struct {
	ResponseFormat      string       `json:"responseFormat" validate:"required,oneof=SNAPSHOT DIFF"`
	ResultsTimestampUTC int64        `json:"resultsTimestampUTC"`
	Offers              []*Offer     `json:"offers,omitempty"`
	Diff                []OfferPatch `json:"diff,omitempty"`
	NextPageToken       string       `json:"nextPageToken,omitempty"`
}

// AcceptOfferPayload is the request body of the accept-product endpoint.
type AcceptOfferPayload struct {
	OfferID                    string       `json:"offerId" validate:"required"`
	IfNotNewerThanTimestampUTC *int64       `json:"ifNotNewerThanTimestampUTC,omitempty"`
	ReshareChain               ReshareChain `json:"reshareChain,omitempty"`
}

// AcceptOfferResponse carries the accepted offer.
type AcceptOfferResponse struct {
	Offer *Offer `json:"offer" validate:"required"`
}

// RejectOfferPayload is the request body of the reject-product endpoint.
type RejectOfferPayload struct {
	OfferID      string `json:"offerId" validate:"required"`
	OfferedByURL string `json:"offeredByUrl,omitempty"`
}

// RejectOfferResponse carries the rejected offer.
type RejectOfferResponse struct {
	Offer *Offer `json:"offer" validate:"required"`
}

// ReserveOfferPayload is the request body of the reserve-product
// endpoint.
type ReserveOfferPayload struct {
	OfferID                  string       `json:"offerId" validate:"required"`
	RequestedReservationSecs int64        `json:"requestedReservationSecs,omitempty" validate:"omitempty,min=1"`
	ReshareChain             ReshareChain `json:"reshareChain,omitempty"`
}

// ReserveOfferResponse carries the reserved offer and the reservation
// deadline.
type ReserveOfferResponse struct {
	Offer                    *Offer `json:"offer" validate:"required"`
	ReservationExpirationUTC int64  `json:"reservationExpirationUTC" validate:"required"`
}

// HistoryPayload is the request body of the history endpoint.
type HistoryPayload struct {
	HistorySinceUTC   *int64 `json:"historySinceUTC,omitempty"`
	MaxResultsPerPage int    `json:"maxResultsPerPage,omitempty" validate:"omitempty,min=1,max=1000"`
	PageToken         string `json:"pageToken,omitempty"`
}

// HistoryResponse is the paged history response.
type HistoryResponse struct {
	OfferHistories []OfferHistoryItem `json:"offerHistories"`
	NextPageToken  string             `json:"nextPageToken,omitempty"`
}

// PageToken pins a paged query to its first-page instant so later pages
// stay consistent.
type PageToken struct {
	MaxResultsPerPage     int    `json:"maxResultsPerPage"`
	RequestTimeUTC        int64  `json:"requestTimeUTC,omitempty"`
	HistorySinceUTC       *int64 `json:"historySinceUTC,omitempty"`
	DiffStartTimestampUTC *int64 `json:"diffStartTimestampUTC,omitempty"`
	SkipCount             int    `json:"skipCount"`
	ResultFormat          string `json:"resultFormat,omitempty"`
}

// Encode serializes the token for the wire.
func (t PageToken) Encode() string {
	data, err := json.Marshal(t)
	if err != nil {
		// PageToken has no unmarshalable fields.
		panic(fmt.Sprintf("page token encode: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodePageToken parses a wire page token.
func DecodePageToken(s string) (*PageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed page token: %w", err)
	}
	var t PageToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("malformed page token: %w", err)
	}
	return &t, nil
}

// OrgConfig is the published org.json document of a federated
// organization.
type OrgConfig struct {
	Name                       string   `json:"name"`
	OrganizationURL            string   `json:"organizationURL"`
	EnrollmentURL              string   `json:"enrollmentURL,omitempty"`
	TermsURL                   string   `json:"termsURL,omitempty"`
	JWKSURL                    string   `json:"jwksURL,omitempty"`
	ListProductsEndpointURL    string   `json:"listProductsEndpointURL,omitempty"`
	AcceptProductsEndpointURL  string   `json:"acceptProductsEndpointURL,omitempty"`
	RejectProductsEndpointURL  string   `json:"rejectProductsEndpointURL,omitempty"`
	ReserveProductsEndpointURL string   `json:"reserveProductsEndpointURL,omitempty"`
	AcceptHistoryEndpointURL   string   `json:"acceptHistoryEndpointURL,omitempty"`
	ScopesSupported            []string `json:"scopesSupported,omitempty"`
}

// OfferChangeType classifies a change event.
type OfferChangeType string

const (
	ChangeAdd           OfferChangeType = "ADD"
	ChangeUpdate        OfferChangeType = "UPDATE"
	ChangeDelete        OfferChangeType = "DELETE"
	ChangeRemoteAccept  OfferChangeType = "REMOTE_ACCEPT"
	ChangeRemoteReject  OfferChangeType = "REMOTE_REJECT"
	ChangeRemoteReserve OfferChangeType = "REMOTE_RESERVE"
)

// OfferChange is delivered to registered change handlers whenever the
// model mutates an offer.
type OfferChange struct {
	ID           string          `json:"id"`
	Type         OfferChangeType `json:"type"`
	TimestampUTC int64           `json:"timestampUTC"`
	OldValue     *Offer          `json:"oldValue,omitempty"`
	NewValue     *Offer          `json:"newValue,omitempty"`
}
