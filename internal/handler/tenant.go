package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/middleware"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/response"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/service"
)

// Default endpoint paths under the tenant root.
const (
	OrgFilePath        = "/org.json"
	JWKSPath           = "/jwks.json"
	ListProductsPath   = "/api/list"
	AcceptProductPath  = "/api/accept"
	RejectProductPath  = "/api/reject"
	ReserveProductPath = "/api/reserve"
	HistoryPath        = "/api/history"
)

// EndpointPaths mounts the tenant's endpoints under the tenant root.
// Empty fields keep the defaults above. The org file path must match
// the tail of the tenant's org URL.
type EndpointPaths struct {
	OrgFile        string
	JWKS           string
	ListProducts   string
	AcceptProduct  string
	RejectProduct  string
	ReserveProduct string
	History        string
}

func (p EndpointPaths) withDefaults() EndpointPaths {
	def := func(path *string, fallback string) {
		if *path == "" {
			*path = fallback
		}
	}
	def(&p.OrgFile, OrgFilePath)
	def(&p.JWKS, JWKSPath)
	def(&p.ListProducts, ListProductsPath)
	def(&p.AcceptProduct, AcceptProductPath)
	def(&p.RejectProduct, RejectProductPath)
	def(&p.ReserveProduct, ReserveProductPath)
	def(&p.History, HistoryPath)
	return p
}

// TenantParams configures one tenant node.
type TenantParams struct {
	HostID        string
	OrgURL        string
	Name          string
	EnrollmentURL string
	TermsURL      string
	Model         *service.OfferModel
	Signer        *chain.Signer
	Verifier      *chain.Verifier
	// AccessControlList names the orgs allowed to call this tenant; "*"
	// admits every verified org.
	AccessControlList []string
	// PublicKeys is the key set published at jwks.json.
	PublicKeys jwk.Set
	// Paths overrides where endpoints are mounted under the tenant root.
	Paths EndpointPaths
	// ScopesDisabled skips scope enforcement (testing only).
	ScopesDisabled bool
	// StrictCorrectness also validates outgoing response bodies,
	// failing the request with a 500 rather than serving a malformed
	// payload.
	StrictCorrectness bool
	Logger            *slog.Logger
}

// TenantNode serves one hosted organization's federation API.
type TenantNode struct {
	hostID            string
	orgURL            string
	name              string
	enrollmentURL     string
	termsURL          string
	model             *service.OfferModel
	signer            *chain.Signer
	verifier          *chain.Verifier
	acl               map[string]bool
	publicKeys        jwk.Set
	paths             EndpointPaths
	scopesDisabled    bool
	strictCorrectness bool
	logger            *slog.Logger
	validate          *validator.Validate
	router            chi.Router

	mu       sync.Mutex
	cleanups []func()
}

// NewTenantNode builds the tenant and its route table.
func NewTenantNode(p TenantParams) *TenantNode {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	acl := make(map[string]bool, len(p.AccessControlList))
	for _, org := range p.AccessControlList {
		acl[org] = true
	}
	t := &TenantNode{
		hostID:            p.HostID,
		orgURL:            p.OrgURL,
		name:              p.Name,
		enrollmentURL:     p.EnrollmentURL,
		termsURL:          p.TermsURL,
		model:             p.Model,
		signer:            p.Signer,
		verifier:          p.Verifier,
		acl:               acl,
		publicKeys:        p.PublicKeys,
		paths:             p.Paths.withDefaults(),
		scopesDisabled:    p.ScopesDisabled,
		strictCorrectness: p.StrictCorrectness,
		logger:            p.Logger.With("tenant", p.HostID),
		validate:          validator.New(),
	}

	r := chi.NewRouter()
	r.Get(t.paths.OrgFile, t.handleOrgFile)
	r.Get(t.paths.JWKS, t.handleJWKS)
	r.Post(t.paths.ListProducts, t.handleList)
	r.Post(t.paths.AcceptProduct, t.handleAccept)
	r.Post(t.paths.RejectProduct, t.handleReject)
	r.Post(t.paths.ReserveProduct, t.handleReserve)
	r.Post(t.paths.History, t.handleHistory)
	t.router = r
	return t
}

// HostID returns the tenant's host id.
func (t *TenantNode) HostID() string { return t.hostID }

// OrgURL returns the tenant's canonical org URL.
func (t *TenantNode) OrgURL() string { return t.orgURL }

// Model returns the tenant's offer model.
func (t *TenantNode) Model() *service.OfferModel { return t.model }

// OnDestroy registers a cleanup hook run by Destroy.
func (t *TenantNode) OnDestroy(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanups = append(t.cleanups, fn)
}

// Destroy runs the registered cleanup hooks in reverse order.
func (t *TenantNode) Destroy() {
	t.mu.Lock()
	cleanups := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// ServeHTTP dispatches a request already stripped to the tenant root.
func (t *TenantNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.router.ServeHTTP(w, r)
}

// bearerToken extracts the bearer token with a distinct code per failure
// shape.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", oprerrors.Unauthorized("NO_AUTH_HEADER", "request has no Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found {
		return "", oprerrors.Unauthorized("BAD_AUTH_HEADER", "Authorization header is malformed")
	}
	if !strings.EqualFold(scheme, "Bearer") {
		return "", oprerrors.Unauthorized("AUTH_HEADER_NO_BEARER_PREFIX", "Authorization header is not a bearer token")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", oprerrors.Unauthorized("AUTH_HEADER_EMPTY_TOKEN", "bearer token is empty")
	}
	return token, nil
}

// authenticate runs the shared auth flow and returns the verified
// caller's org URL.
func (t *TenantNode) authenticate(r *http.Request, requiredScopes ...string) (string, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return "", err
	}
	tok, err := t.verifier.VerifyToken(r.Context(), raw)
	if err != nil {
		return "", err
	}

	aud := tok.Audience()
	if len(aud) == 0 {
		return "", oprerrors.Unauthorized("AUTH_ERROR_AUD_MISSING", "token has no audience")
	}
	audOK := false
	for _, a := range aud {
		if a == t.orgURL {
			audOK = true
			break
		}
	}
	if !audOK {
		return "", oprerrors.Unauthorized("AUTH_ERROR_AUD_INVALID", "token audience does not match this tenant")
	}

	if !t.scopesDisabled {
		scopes := tokenScopes(tok)
		for _, required := range requiredScopes {
			if !scopes[required] {
				return "", oprerrors.Forbidden("AUTH_ERROR_MISSING_SCOPE",
					"token does not grant scope %s", required)
			}
		}
	}
	return tok.Issuer(), nil
}

func tokenScopes(tok jwt.Token) map[string]bool {
	out := map[string]bool{}
	if raw, ok := tok.Get("scope"); ok {
		if s, ok := raw.(string); ok {
			for _, scope := range strings.Fields(s) {
				out[scope] = true
			}
		}
	}
	return out
}

// requireACL enforces the tenant's access-control list.
func (t *TenantNode) requireACL(issuer string) error {
	if t.acl["*"] || t.acl[issuer] {
		return nil
	}
	return oprerrors.Forbidden("AUTH_ERROR_ORG_NOT_AUTHORIZED",
		"org %s is not allowed to call this tenant", issuer)
}

// decodeBody parses and validates a JSON request body.
func decodeBody(t *TenantNode, r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return oprerrors.BadRequest("INVALID_REQUEST", "request body is not valid JSON").WithCause(err)
	}
	if err := t.validate.Struct(out); err != nil {
		return oprerrors.BadRequest("INVALID_REQUEST", "request body failed validation").WithCause(err)
	}
	return nil
}

// verifyRequestChain checks a request-supplied reshare chain: it must
// originate at this tenant, cover the requested offer, and terminate at
// the caller with acceptance rights.
func (t *TenantNode) verifyRequestChain(r *http.Request, reshareChain models.ReshareChain,
	issuer, offerID string) (models.DecodedReshareChain, error) {
	return t.verifier.VerifyChain(r.Context(), reshareChain, chain.VerifyChainOptions{
		InitialIssuer:       t.orgURL,
		InitialEntitlements: offerID,
		FinalSubject:        issuer,
		FinalScope:          models.ScopeAccept,
	})
}

// writeResponse writes a success payload. In strict-correctness mode
// the payload is validated first and a malformed body fails the request
// instead of going out on the wire.
func (t *TenantNode) writeResponse(w http.ResponseWriter, data any) {
	if t.strictCorrectness {
		if err := t.validate.Struct(data); err != nil {
			t.logger.Error("response body failed validation", slog.String("error", err.Error()))
			response.Error(w, oprerrors.Internal("INTERNAL_ERROR_MALFORMED_RESPONSE",
				"response body failed validation").WithCause(err))
			return
		}
	}
	response.OK(w, data)
}

func (t *TenantNode) handleOrgFile(w http.ResponseWriter, r *http.Request) {
	root := strings.TrimSuffix(t.orgURL, t.paths.OrgFile)
	cfg := models.OrgConfig{
		Name:                       t.name,
		OrganizationURL:            t.orgURL,
		EnrollmentURL:              t.enrollmentURL,
		TermsURL:                   t.termsURL,
		ListProductsEndpointURL:    root + t.paths.ListProducts,
		AcceptProductsEndpointURL:  root + t.paths.AcceptProduct,
		RejectProductsEndpointURL:  root + t.paths.RejectProduct,
		ReserveProductsEndpointURL: root + t.paths.ReserveProduct,
		AcceptHistoryEndpointURL:   root + t.paths.History,
		ScopesSupported: []string{
			models.ScopeListProducts, models.ScopeAcceptProduct, models.ScopeProductHistory,
		},
	}
	if t.publicKeys != nil {
		cfg.JWKSURL = root + t.paths.JWKS
	}
	response.OK(w, cfg)
}

func (t *TenantNode) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if t.publicKeys == nil {
		response.Error(w, oprerrors.NotFound("NO_KEYSET_SPECIFIED", "this tenant publishes no key set"))
		return
	}
	response.OK(w, t.publicKeys)
}

func (t *TenantNode) handleList(w http.ResponseWriter, r *http.Request) {
	issuer, err := t.authenticate(r, models.ScopeListProducts)
	if err != nil {
		response.Error(w, err)
		return
	}
	var payload models.ListOffersPayload
	if err := decodeBody(t, r, &payload); err != nil {
		response.Error(w, err)
		return
	}
	if err := t.requireACL(issuer); err != nil {
		response.Error(w, err)
		return
	}
	resp, err := t.model.List(r.Context(), issuer, payload)
	if err != nil {
		response.Error(w, err)
		return
	}
	t.writeResponse(w, resp)
}

func (t *TenantNode) handleAccept(w http.ResponseWriter, r *http.Request) {
	issuer, err := t.authenticate(r, models.ScopeAcceptProduct)
	if err != nil {
		response.Error(w, err)
		return
	}
	var payload models.AcceptOfferPayload
	if err := decodeBody(t, r, &payload); err != nil {
		response.Error(w, err)
		return
	}

	// A valid chain is itself the authorization; without one the caller
	// must pass the ACL.
	var decodedChain models.DecodedReshareChain
	if len(payload.ReshareChain) > 0 {
		decodedChain, err = t.verifyRequestChain(r, payload.ReshareChain, issuer, payload.OfferID)
		if err != nil {
			response.Error(w, err)
			return
		}
	} else if err := t.requireACL(issuer); err != nil {
		response.Error(w, err)
		return
	}

	offer, err := t.model.Accept(r.Context(), issuer, payload.OfferID, payload.IfNotNewerThanTimestampUTC, decodedChain)
	if err != nil {
		response.Error(w, err)
		return
	}
	middleware.IncrementOffersAccepted()
	t.writeResponse(w, models.AcceptOfferResponse{Offer: offer})
}

func (t *TenantNode) handleReject(w http.ResponseWriter, r *http.Request) {
	issuer, err := t.authenticate(r, models.ScopeAcceptProduct)
	if err != nil {
		response.Error(w, err)
		return
	}
	var payload models.RejectOfferPayload
	if err := decodeBody(t, r, &payload); err != nil {
		response.Error(w, err)
		return
	}
	if err := t.requireACL(issuer); err != nil {
		response.Error(w, err)
		return
	}
	offer, err := t.model.Reject(r.Context(), issuer, payload.OfferID, payload.OfferedByURL)
	if err != nil {
		response.Error(w, err)
		return
	}
	t.writeResponse(w, models.RejectOfferResponse{Offer: offer})
}

func (t *TenantNode) handleReserve(w http.ResponseWriter, r *http.Request) {
	issuer, err := t.authenticate(r, models.ScopeAcceptProduct)
	if err != nil {
		response.Error(w, err)
		return
	}
	var payload models.ReserveOfferPayload
	if err := decodeBody(t, r, &payload); err != nil {
		response.Error(w, err)
		return
	}

	if len(payload.ReshareChain) > 0 {
		if _, err := t.verifyRequestChain(r, payload.ReshareChain, issuer, payload.OfferID); err != nil {
			response.Error(w, err)
			return
		}
	} else if err := t.requireACL(issuer); err != nil {
		response.Error(w, err)
		return
	}

	offer, reservationEnd, err := t.model.Reserve(r.Context(), issuer, payload.OfferID, payload.RequestedReservationSecs)
	if err != nil {
		response.Error(w, err)
		return
	}
	t.writeResponse(w, models.ReserveOfferResponse{Offer: offer, ReservationExpirationUTC: reservationEnd})
}

func (t *TenantNode) handleHistory(w http.ResponseWriter, r *http.Request) {
	// History authorization comes entirely from the token: acceptance
	// visibility is filtered per viewer, so the ACL never applies.
	issuer, err := t.authenticate(r, models.ScopeProductHistory)
	if err != nil {
		response.Error(w, err)
		return
	}
	var payload models.HistoryPayload
	if err := decodeBody(t, r, &payload); err != nil {
		response.Error(w, err)
		return
	}
	resp, err := t.model.History(r.Context(), issuer, payload)
	if err != nil {
		response.Error(w, err)
		return
	}
	t.writeResponse(w, resp)
}
