// Package ingest pulls offers from peer organizations into the local
// corpus: an authenticated federation client, feed producers, and the
// scheduler that runs them under per-producer locks.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/orgconfig"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

// Client issues authenticated federation RPCs to peer orgs, resolving
// endpoints through the org-config resolver and signing a fresh access
// token per request.
type Client struct {
	httpClient *http.Client
	signer     *chain.Signer
	resolver   orgconfig.Resolver
	mapper     orgconfig.URLMapper
}

// NewClient creates a federation client. A nil httpClient gets a 30s
// timeout default; a nil mapper means identity.
func NewClient(signer *chain.Signer, resolver orgconfig.Resolver, httpClient *http.Client, mapper orgconfig.URLMapper) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if mapper == nil {
		mapper = orgconfig.IdentityMapper
	}
	return &Client{httpClient: httpClient, signer: signer, resolver: resolver, mapper: mapper}
}

// ListOffers calls the peer's list-products endpoint.
func (c *Client) ListOffers(ctx context.Context, targetOrgURL string, payload models.ListOffersPayload) (*models.ListOffersResponse, error) {
	cfg, err := c.resolver.Get(ctx, targetOrgURL)
	if err != nil {
		return nil, err
	}
	if cfg.ListProductsEndpointURL == "" {
		return nil, oprerrors.Internal("PRODUCER_NO_LIST_ENDPOINT",
			"org %s does not publish a list-products endpoint", targetOrgURL)
	}
	var resp models.ListOffersResponse
	if err := c.post(ctx, targetOrgURL, cfg.ListProductsEndpointURL,
		[]string{models.ScopeListProducts}, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcceptOffer calls the peer's accept-product endpoint.
func (c *Client) AcceptOffer(ctx context.Context, targetOrgURL string, payload models.AcceptOfferPayload) (*models.AcceptOfferResponse, error) {
	cfg, err := c.resolver.Get(ctx, targetOrgURL)
	if err != nil {
		return nil, err
	}
	if cfg.AcceptProductsEndpointURL == "" {
		return nil, oprerrors.Internal("PRODUCER_NO_ACCEPT_ENDPOINT",
			"org %s does not publish an accept-product endpoint", targetOrgURL)
	}
	var resp models.AcceptOfferResponse
	if err := c.post(ctx, targetOrgURL, cfg.AcceptProductsEndpointURL,
		[]string{models.ScopeAcceptProduct}, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, targetOrgURL, endpoint string, scopes []string, payload, out any) error {
	token, err := c.signer.IssueToken(ctx, targetOrgURL, chain.TokenOptions{Scopes: scopes})
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mapper(endpoint), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return oprerrors.Internal("PRODUCER_REQUEST_FAILED", "request to %s failed", targetOrgURL).WithCause(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return oprerrors.Internal("PRODUCER_REQUEST_FAILED", "reading response from %s failed", targetOrgURL).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return oprerrors.Internal("PRODUCER_REQUEST_FAILED",
			"org %s returned status %d: %s", targetOrgURL, resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return oprerrors.Internal("PRODUCER_ILLEGAL_RESPONSE",
			"org %s returned a malformed response", targetOrgURL).WithCause(err)
	}
	return nil
}
