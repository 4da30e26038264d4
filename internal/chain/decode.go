package chain

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

type linkClaims struct {
	Iss          string `json:"iss"`
	Sub          string `json:"sub"`
	Entitlements string `json:"entitlements"`
	Scope        string `json:"scope"`
}

// Decode decodes every link of a chain without verifying signatures.
func Decode(chain models.ReshareChain) (models.DecodedReshareChain, error) {
	out := make(models.DecodedReshareChain, 0, len(chain))
	for _, token := range chain {
		link, err := decodeLink(token)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, nil
}

func decodeLink(token string) (models.DecodedReshareChainLink, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return models.DecodedReshareChainLink{},
			oprerrors.BadRequest("CHAIN_TOKEN_MALFORMED", "chain link is not a compact JWS")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return models.DecodedReshareChainLink{},
			oprerrors.BadRequest("CHAIN_TOKEN_MALFORMED", "chain link payload is not base64url").WithCause(err)
	}
	var claims linkClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return models.DecodedReshareChainLink{},
			oprerrors.BadRequest("CHAIN_TOKEN_MALFORMED", "chain link payload is not JSON").WithCause(err)
	}
	return models.DecodedReshareChainLink{
		SharingOrgURL:   claims.Iss,
		RecipientOrgURL: claims.Sub,
		Entitlements:    claims.Entitlements,
		Signature:       parts[2],
		Scopes:          strings.Fields(claims.Scope),
	}, nil
}
