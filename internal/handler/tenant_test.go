package handler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/policy"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/repository"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/service"
)

const (
	tenantOrg = "https://host.example.org/org.json"
	callerOrg = "https://caller.example.org/org.json"
)

func newSigningKey(t *testing.T, kid string) jwk.Key {
	t.Helper()
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.ES256))
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	return key
}

func publicSetOf(t *testing.T, key jwk.Key) jwk.Set {
	t.Helper()
	pub, err := key.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return set
}

type staticJWKS map[string]jwk.Set

func (s staticJWKS) GetJWKS(_ context.Context, orgURL string) (jwk.Set, error) {
	set, ok := s[orgURL]
	if !ok {
		return nil, fmt.Errorf("no key set for %s", orgURL)
	}
	return set, nil
}

type tenantFixture struct {
	tenant       *TenantNode
	model        *service.OfferModel
	tenantSigner *chain.Signer
	callerSigner *chain.Signer
	clock        *clockwork.FakeClock
}

func newTenantFixture(t *testing.T, acl []string) *tenantFixture {
	return newTenantFixtureWith(t, acl, nil)
}

func newTenantFixtureWith(t *testing.T, acl []string, adjust func(*TenantParams)) *tenantFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1700000000000))

	tenantKey := newSigningKey(t, "tenant-key")
	callerKey := newSigningKey(t, "caller-key")
	tenantSigner, err := chain.NewSigner(tenantOrg, tenantKey, clock)
	require.NoError(t, err)
	callerSigner, err := chain.NewSigner(callerOrg, callerKey, clock)
	require.NoError(t, err)

	verifier := chain.NewVerifier(staticJWKS{
		tenantOrg: publicSetOf(t, tenantKey),
		callerOrg: publicSetOf(t, callerKey),
	}, clock)

	storage := repository.NewMemoryStorage()
	model := service.NewOfferModel(tenantOrg, storage,
		policy.NewUniversalAccept([]string{callerOrg}), tenantSigner, clock, nil)

	params := TenantParams{
		HostID:            "host",
		OrgURL:            tenantOrg,
		Name:              "Test Host",
		Model:             model,
		Signer:            tenantSigner,
		Verifier:          verifier,
		AccessControlList: acl,
		PublicKeys:        publicSetOf(t, tenantKey),
	}
	if adjust != nil {
		adjust(&params)
	}
	tenant := NewTenantNode(params)
	return &tenantFixture{
		tenant:       tenant,
		model:        model,
		tenantSigner: tenantSigner,
		callerSigner: callerSigner,
		clock:        clock,
	}
}

func (f *tenantFixture) publishOffer(t *testing.T, id string) *models.Offer {
	t.Helper()
	now := f.clock.Now().UnixMilli()
	raw := fmt.Sprintf(`{"id":%q,"offeredBy":%q,"offerCreationUTC":%d,"offerExpirationUTC":%d}`,
		id, tenantOrg, now, now+3600000)
	offer, err := models.ParseOffer([]byte(raw))
	require.NoError(t, err)
	err = f.model.ProcessUpdate(context.Background(), tenantOrg, models.OfferSetUpdate{
		Offers: models.OffersFromSlice([]*models.Offer{offer}),
	})
	require.NoError(t, err)
	return offer
}

func (f *tenantFixture) callerToken(t *testing.T, aud string, scopes ...string) string {
	t.Helper()
	token, err := f.callerSigner.IssueToken(context.Background(), aud, chain.TokenOptions{Scopes: scopes})
	require.NoError(t, err)
	return token
}

func (f *tenantFixture) post(path, token string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.tenant.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	code, _ := body["code"].(string)
	return code
}

func TestOrgFileAndJWKS(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})

	rec := httptest.NewRecorder()
	f.tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, OrgFilePath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var org models.OrgConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &org))
	assert.Equal(t, tenantOrg, org.OrganizationURL)
	root := "https://host.example.org"
	assert.Equal(t, root+ListProductsPath, org.ListProductsEndpointURL)
	assert.Equal(t, root+AcceptProductPath, org.AcceptProductsEndpointURL)
	assert.Equal(t, root+JWKSPath, org.JWKSURL)

	rec = httptest.NewRecorder()
	f.tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, JWKSPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var set map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	assert.NotEmpty(t, set["keys"])
}

func TestJWKSWithoutKeySet(t *testing.T) {
	tenant := NewTenantNode(TenantParams{HostID: "bare", OrgURL: tenantOrg})

	rec := httptest.NewRecorder()
	tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, JWKSPath, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_KEYSET_SPECIFIED", errorCode(t, rec))

	rec = httptest.NewRecorder()
	tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, OrgFilePath, nil))
	var org models.OrgConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &org))
	assert.Empty(t, org.JWKSURL)
}

func TestAuthHeaderFailures(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "NO_AUTH_HEADER"},
		{"no space", "sometoken", "BAD_AUTH_HEADER"},
		{"wrong scheme", "Basic abc123", "AUTH_HEADER_NO_BEARER_PREFIX"},
		{"empty token", "Bearer ", "AUTH_HEADER_EMPTY_TOKEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, ListProductsPath, bytes.NewReader([]byte(`{}`)))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			f.tenant.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestAudienceMustMatchTenant(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})
	token := f.callerToken(t, "https://somewhere-else.example.org/org.json", models.ScopeListProducts)

	rec := f.post(ListProductsPath, token, models.ListOffersPayload{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTH_ERROR_AUD_INVALID", errorCode(t, rec))
}

func TestScopeEnforcement(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})
	token := f.callerToken(t, tenantOrg, models.ScopeListProducts)

	rec := f.post(AcceptProductPath, token, models.AcceptOfferPayload{OfferID: "offer1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "AUTH_ERROR_MISSING_SCOPE", errorCode(t, rec))
}

func TestACLRejectsUnlistedOrg(t *testing.T) {
	f := newTenantFixture(t, []string{"https://someone-else.example.org/org.json"})
	token := f.callerToken(t, tenantOrg, models.ScopeListProducts)

	rec := f.post(ListProductsPath, token, models.ListOffersPayload{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "AUTH_ERROR_ORG_NOT_AUTHORIZED", errorCode(t, rec))
}

func TestListAndAcceptRoundTrip(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})
	f.publishOffer(t, "offer1")

	listToken := f.callerToken(t, tenantOrg, models.ScopeListProducts)
	rec := f.post(ListProductsPath, listToken, models.ListOffersPayload{})
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp models.ListOffersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Offers, 1)
	assert.Equal(t, "offer1", listResp.Offers[0].ID)

	acceptToken := f.callerToken(t, tenantOrg, models.ScopeAcceptProduct)
	rec = f.post(AcceptProductPath, acceptToken, models.AcceptOfferPayload{OfferID: "offer1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var acceptResp models.AcceptOfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acceptResp))
	assert.Equal(t, "offer1", acceptResp.Offer.ID)

	// The accepted offer is gone from subsequent lists.
	rec = f.post(ListProductsPath, listToken, models.ListOffersPayload{})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Empty(t, listResp.Offers)
}

func TestAcceptWithChainBypassesACL(t *testing.T) {
	// An empty ACL means nobody passes without a chain.
	f := newTenantFixture(t, nil)
	f.publishOffer(t, "offer1")

	token := f.callerToken(t, tenantOrg, models.ScopeAcceptProduct)
	rec := f.post(AcceptProductPath, token, models.AcceptOfferPayload{OfferID: "offer1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	reshareChain, err := f.tenantSigner.SignChain(context.Background(), nil, callerOrg, chain.SignChainOptions{
		InitialEntitlement: "offer1",
		Scopes:             []string{models.ScopeAccept},
	})
	require.NoError(t, err)

	rec = f.post(AcceptProductPath, token, models.AcceptOfferPayload{
		OfferID:      "offer1",
		ReshareChain: reshareChain,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.AcceptOfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "offer1", resp.Offer.ID)
}

func TestChainForWrongOfferRejected(t *testing.T) {
	f := newTenantFixture(t, nil)
	f.publishOffer(t, "offer1")

	reshareChain, err := f.tenantSigner.SignChain(context.Background(), nil, callerOrg, chain.SignChainOptions{
		InitialEntitlement: "other-offer",
		Scopes:             []string{models.ScopeAccept},
	})
	require.NoError(t, err)

	token := f.callerToken(t, tenantOrg, models.ScopeAcceptProduct)
	rec := f.post(AcceptProductPath, token, models.AcceptOfferPayload{
		OfferID:      "offer1",
		ReshareChain: reshareChain,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CHAIN_TOKEN_BAD_INITIAL_ENTITLEMENTS", errorCode(t, rec))
}

func TestRejectAndReserveEndpoints(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})
	offer := f.publishOffer(t, "offer1")
	maxSecs := int64(60)
	offer.MaxReservationTimeSecs = &maxSecs
	err := f.model.ProcessUpdate(context.Background(), tenantOrg, models.OfferSetUpdate{
		Offers: models.OffersFromSlice([]*models.Offer{offer}),
	})
	require.NoError(t, err)

	token := f.callerToken(t, tenantOrg, models.ScopeAcceptProduct)

	rec := f.post(ReserveProductPath, token, models.ReserveOfferPayload{
		OfferID:                  "offer1",
		RequestedReservationSecs: 30,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var reserveResp models.ReserveOfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reserveResp))
	assert.Equal(t, f.clock.Now().UnixMilli()+30000, reserveResp.ReservationExpirationUTC)

	rec = f.post(RejectProductPath, token, models.RejectOfferPayload{OfferID: "offer1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var rejectResp models.RejectOfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejectResp))
	assert.Equal(t, "offer1", rejectResp.Offer.ID)
}

func TestHistoryEndpointSkipsACL(t *testing.T) {
	f := newTenantFixture(t, nil)
	f.publishOffer(t, "offer1")

	acceptToken := f.callerToken(t, tenantOrg, models.ScopeAcceptProduct)
	reshareChain, err := f.tenantSigner.SignChain(context.Background(), nil, callerOrg, chain.SignChainOptions{
		InitialEntitlement: "offer1",
		Scopes:             []string{models.ScopeAccept},
	})
	require.NoError(t, err)
	rec := f.post(AcceptProductPath, acceptToken, models.AcceptOfferPayload{
		OfferID:      "offer1",
		ReshareChain: reshareChain,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	historyToken := f.callerToken(t, tenantOrg, models.ScopeProductHistory)
	rec = f.post(HistoryPath, historyToken, models.HistoryPayload{})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.OfferHistories, 1)
	assert.Equal(t, callerOrg, resp.OfferHistories[0].AcceptingOrganization)
}

func TestMalformedBodyRejected(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})
	token := f.callerToken(t, tenantOrg, models.ScopeListProducts)

	req := httptest.NewRequest(http.MethodPost, ListProductsPath, bytes.NewReader([]byte(`not json`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.tenant.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestCustomEndpointPathsServedAndAdvertised(t *testing.T) {
	f := newTenantFixtureWith(t, []string{"*"}, func(p *TenantParams) {
		p.Paths = EndpointPaths{
			JWKS:         "/keys.json",
			ListProducts: "/federation/list",
		}
	})
	f.publishOffer(t, "offer1")

	// org.json advertises the overridden endpoints and keeps the
	// defaults for the rest.
	rec := httptest.NewRecorder()
	f.tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, OrgFilePath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var org models.OrgConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &org))
	root := "https://host.example.org"
	assert.Equal(t, root+"/federation/list", org.ListProductsEndpointURL)
	assert.Equal(t, root+"/keys.json", org.JWKSURL)
	assert.Equal(t, root+AcceptProductPath, org.AcceptProductsEndpointURL)

	rec = httptest.NewRecorder()
	f.tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keys.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	token := f.callerToken(t, tenantOrg, models.ScopeListProducts)
	rec = f.post("/federation/list", token, models.ListOffersPayload{})
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp models.ListOffersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Offers, 1)

	// The default mount point is gone once overridden.
	rec = f.post(ListProductsPath, token, models.ListOffersPayload{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCustomOrgFilePath(t *testing.T) {
	tenant := NewTenantNode(TenantParams{
		HostID: "host",
		OrgURL: "https://host.example.org/custom/org.json",
		Name:   "Custom Host",
		Paths:  EndpointPaths{OrgFile: "/custom/org.json"},
	})

	rec := httptest.NewRecorder()
	tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/custom/org.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var org models.OrgConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &org))
	assert.Equal(t, "https://host.example.org/custom/org.json", org.OrganizationURL)
	assert.Equal(t, "https://host.example.org"+ListProductsPath, org.ListProductsEndpointURL)
}

func TestOrgFileIncludesTermsURL(t *testing.T) {
	f := newTenantFixtureWith(t, []string{"*"}, func(p *TenantParams) {
		p.TermsURL = "https://host.example.org/terms.html"
	})

	rec := httptest.NewRecorder()
	f.tenant.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, OrgFilePath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var org models.OrgConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &org))
	assert.Equal(t, "https://host.example.org/terms.html", org.TermsURL)
}

func TestStrictCorrectnessValidatesResponses(t *testing.T) {
	f := newTenantFixtureWith(t, []string{"*"}, func(p *TenantParams) {
		p.StrictCorrectness = true
	})
	f.publishOffer(t, "offer1")

	// Well-formed responses pass through untouched.
	token := f.callerToken(t, tenantOrg, models.ScopeListProducts)
	rec := f.post(ListProductsPath, token, models.ListOffersPayload{})
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp models.ListOffersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, models.FormatSnapshot, listResp.ResponseFormat)

	// A response body missing required fields fails the request.
	rec = httptest.NewRecorder()
	f.tenant.writeResponse(rec, models.AcceptOfferResponse{})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR_MALFORMED_RESPONSE", errorCode(t, rec))
}

func TestMalformedResponsesPassWithoutStrictCorrectness(t *testing.T) {
	f := newTenantFixture(t, []string{"*"})

	rec := httptest.NewRecorder()
	f.tenant.writeResponse(rec, models.AcceptOfferResponse{})
	assert.Equal(t, http.StatusOK, rec.Code)
}
