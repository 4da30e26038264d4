package models

// Chain and token scopes used across the federation.
const (
	ScopeAccept  = "ACCEPT"
	ScopeReshare = "RESHARE"

	ScopeListProducts   = "LISTPRODUCTS"
	ScopeAcceptProduct  = "ACCEPTPRODUCT"
	ScopeProductHistory = "PRODUCTHISTORY"
)

// ReshareChain is an ordered sequence of compact JWS strings. Each link
// delegates acceptance or resharing rights one hop further.
type ReshareChain []string

// Clone returns a copy of the chain.
func (c ReshareChain) Clone() ReshareChain {
	if c == nil {
		return nil
	}
	out := make(ReshareChain, len(c))
	copy(out, c)
	return out
}

// DecodedReshareChainLink is one decoded link of a reshare chain.
type DecodedReshareChainLink struct {
	SharingOrgURL   string   `json:"sharingOrgUrl"`
	RecipientOrgURL string   `json:"recipientOrgUrl"`
	Entitlements    string   `json:"entitlements"`
	Signature       string   `json:"signature"`
	Scopes          []string `json:"scopes"`
}

// HasScope reports whether the link grants the given scope.
func (l DecodedReshareChainLink) HasScope(scope string) bool {
	for _, s := range l.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// DecodedReshareChain is the decoded form of a ReshareChain.
type DecodedReshareChain []DecodedReshareChainLink

// Issuers returns every sharing org in the chain.
func (c DecodedReshareChain) Issuers() []string {
	out := make([]string, 0, len(c))
	for _, link := range c {
		out = append(out, link.SharingOrgURL)
	}
	return out
}
