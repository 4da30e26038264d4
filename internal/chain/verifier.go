package chain

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

// JWKSProvider resolves an org URL to its published key set.
// orgconfig.HTTPResolver is the production implementation.
type JWKSProvider interface {
	GetJWKS(ctx context.Context, orgURL string) (jwk.Set, error)
}

// Verifier verifies access tokens and reshare chains against the
// issuing orgs' published key sets.
type Verifier struct {
	jwks  JWKSProvider
	clock clockwork.Clock
}

// NewVerifier creates a verifier backed by the given JWKS provider.
func NewVerifier(jwks JWKSProvider, clock clockwork.Clock) *Verifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{jwks: jwks, clock: clock}
}

// VerifyToken verifies a compact JWT: the issuer claim is read without
// verification, the issuer's JWKS is fetched, and the signature and
// standard validity claims are checked against it.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (jwt.Token, error) {
	insecure, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, oprerrors.Unauthorized("AUTH_ERROR", "malformed token").WithCause(err)
	}
	iss := insecure.Issuer()
	if iss == "" {
		return nil, oprerrors.Unauthorized("AUTH_ERROR_MISSING_TOKEN_ISSUER", "token has no issuer")
	}

	set, err := v.jwks.GetJWKS(ctx, iss)
	if err != nil {
		return nil, oprerrors.Unauthorized("AUTH_ERROR", "could not resolve issuer key set").WithCause(err)
	}

	tok, err := jwt.Parse([]byte(token),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithValidate(true),
		jwt.WithClock(v.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, oprerrors.Unauthorized("AUTH_ERROR_TOKEN_EXPIRED", "token has expired").WithCause(err)
		}
		return nil, oprerrors.Unauthorized("AUTH_ERROR", "token verification failed").WithCause(err)
	}
	return tok, nil
}

// VerifyChainOptions pins the chain ends during verification.
type VerifyChainOptions struct {
	// InitialIssuer, when set, must match the first link's issuer.
	InitialIssuer string
	// InitialEntitlements, when set, must match the first link's
	// entitlements claim.
	InitialEntitlements string
	// FinalSubject, when set, must match the last link's subject.
	FinalSubject string
	// FinalScope, when set, must be present in the last link's scopes.
	FinalScope string
}

// VerifyChain verifies every link of a reshare chain and the claims that
// bind the links together, returning the decoded chain on success.
func (v *Verifier) VerifyChain(ctx context.Context, chain models.ReshareChain, opts VerifyChainOptions) (models.DecodedReshareChain, error) {
	if len(chain) == 0 {
		return nil, oprerrors.BadRequest("CHAIN_EMPTY", "reshare chain is empty")
	}

	for _, token := range chain {
		if _, err := v.VerifyToken(ctx, token); err != nil {
			return nil, err
		}
	}

	decoded, err := Decode(chain)
	if err != nil {
		return nil, err
	}

	if opts.InitialIssuer != "" && decoded[0].SharingOrgURL != opts.InitialIssuer {
		return nil, oprerrors.BadRequest("CHAIN_TOKEN_BAD_INITIAL_ISSUER",
			"chain was not initiated by %s", opts.InitialIssuer)
	}
	if opts.InitialEntitlements != "" && decoded[0].Entitlements != opts.InitialEntitlements {
		return nil, oprerrors.BadRequest("CHAIN_TOKEN_BAD_INITIAL_ENTITLEMENTS",
			"chain entitlements do not match the requested offer")
	}
	last := decoded[len(decoded)-1]
	if opts.FinalSubject != "" && last.RecipientOrgURL != opts.FinalSubject {
		return nil, oprerrors.BadRequest("CHAIN_TOKEN_BAD_FINAL_SUBJECT",
			"chain does not terminate at %s", opts.FinalSubject)
	}

	for i := 1; i < len(decoded); i++ {
		// Only the prior recipient could have signed the next link, and
		// the entitlements claim binds the link to its predecessor.
		if decoded[i].SharingOrgURL != decoded[i-1].RecipientOrgURL {
			return nil, oprerrors.BadRequest("CHAIN_TOKEN_BAD_ISSUER",
				"chain link %d was not issued by the prior recipient", i)
		}
		if decoded[i].Entitlements != decoded[i-1].Signature {
			return nil, oprerrors.BadRequest("CHAIN_TOKEN_BAD_ENTITLEMENTS",
				"chain link %d is not bound to its predecessor", i)
		}
	}

	for i := 0; i < len(decoded)-1; i++ {
		if !decoded[i].HasScope(models.ScopeReshare) {
			return nil, oprerrors.BadRequest("CHAIN_TOKEN_MISSING_RESHARE_SCOPE",
				"chain link %d reshared without the RESHARE scope", i)
		}
	}

	if opts.FinalScope != "" && !last.HasScope(opts.FinalScope) {
		return nil, oprerrors.BadRequest("CHAIN_TOKEN_BAD_FINAL_SCOPE",
			"final chain link does not grant scope %s", opts.FinalScope)
	}
	return decoded, nil
}
