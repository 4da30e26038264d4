// Package chain issues, decodes, and verifies the chained JWTs that
// delegate acceptance and resharing rights across federation hops.
package chain

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

// DefaultTokenMaxAge is the default lifetime of issued access tokens.
const DefaultTokenMaxAge = 10 * time.Minute

// Signer signs access tokens and reshare-chain links on behalf of one
// tenant org.
type Signer struct {
	orgURL string
	key    jwk.Key
	clock  clockwork.Clock
}

// NewSigner creates a signer for the given org URL and private JWK. The
// key must carry an "alg" field.
func NewSigner(orgURL string, key jwk.Key, clock clockwork.Clock) (*Signer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if _, err := signatureAlgorithm(key); err != nil {
		return nil, err
	}
	return &Signer{orgURL: orgURL, key: key, clock: clock}, nil
}

// OrgURL returns the signing org's URL.
func (s *Signer) OrgURL() string {
	return s.orgURL
}

func signatureAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	alg, ok := key.Algorithm().(jwa.SignatureAlgorithm)
	if !ok || alg.String() == "" {
		return "", oprerrors.Internal("JWK_NO_ALG", "signing JWK does not specify an algorithm")
	}
	return alg, nil
}

// TokenOptions configures IssueToken.
type TokenOptions struct {
	// Sub is the optional subject claim.
	Sub string
	// Scopes become the space-separated scope claim.
	Scopes []string
	// MaxAgeMillis bounds the token lifetime. Zero means the default.
	MaxAgeMillis int64
}

// IssueToken produces a signed access token for the given audience.
func (s *Signer) IssueToken(ctx context.Context, aud string, opts TokenOptions) (string, error) {
	alg, err := signatureAlgorithm(s.key)
	if err != nil {
		return "", err
	}

	maxAge := time.Duration(opts.MaxAgeMillis) * time.Millisecond
	if maxAge <= 0 {
		maxAge = DefaultTokenMaxAge
	}
	now := s.clock.Now()

	builder := jwt.NewBuilder().
		Issuer(s.orgURL).
		Audience([]string{aud}).
		IssuedAt(now).
		Expiration(now.Add(maxAge))
	if opts.Sub != "" {
		builder = builder.Subject(opts.Sub)
	}
	if len(opts.Scopes) > 0 {
		builder = builder.Claim("scope", strings.Join(opts.Scopes, " "))
	}

	tok, err := builder.Build()
	if err != nil {
		return "", oprerrors.Internal("TOKEN_BUILD_FAILED", "failed to build token").WithCause(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, s.key))
	if err != nil {
		return "", oprerrors.Internal("TOKEN_SIGN_FAILED", "failed to sign token").WithCause(err)
	}
	return string(signed), nil
}

// SignChainOptions configures SignChain.
type SignChainOptions struct {
	// InitialEntitlement seeds the entitlements claim when the chain is
	// empty. Required for empty chains.
	InitialEntitlement string
	// Scopes become the space-separated scope claim of the new link.
	Scopes []string
}

// SignChain extends the chain with one link delegating to sub. The new
// link's entitlements claim is the initial entitlement for an empty
// chain, else the raw signature segment of the last existing link.
func (s *Signer) SignChain(ctx context.Context, chain models.ReshareChain, sub string, opts SignChainOptions) (models.ReshareChain, error) {
	alg, err := signatureAlgorithm(s.key)
	if err != nil {
		return nil, err
	}

	var entitlement string
	if len(chain) == 0 {
		if opts.InitialEntitlement == "" {
			return nil, oprerrors.Internal("CHAIN_NO_ENTITLEMENT",
				"signing an empty chain requires an initial entitlement")
		}
		entitlement = opts.InitialEntitlement
	} else {
		entitlement, err = signatureSegment(chain[len(chain)-1])
		if err != nil {
			return nil, err
		}
	}

	builder := jwt.NewBuilder().
		Issuer(s.orgURL).
		Subject(sub).
		Claim("entitlements", entitlement)
	if len(opts.Scopes) > 0 {
		builder = builder.Claim("scope", strings.Join(opts.Scopes, " "))
	}

	tok, err := builder.Build()
	if err != nil {
		return nil, oprerrors.Internal("TOKEN_BUILD_FAILED", "failed to build chain link").WithCause(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, s.key))
	if err != nil {
		return nil, oprerrors.Internal("TOKEN_SIGN_FAILED", "failed to sign chain link").WithCause(err)
	}

	out := make(models.ReshareChain, 0, len(chain)+1)
	out = append(out, chain...)
	out = append(out, string(signed))
	return out, nil
}

// signatureSegment returns the raw base64url signature of a compact JWS.
func signatureSegment(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", oprerrors.BadRequest("CHAIN_TOKEN_MALFORMED", "chain link is not a compact JWS")
	}
	return parts[2], nil
}
