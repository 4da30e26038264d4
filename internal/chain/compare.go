package chain

import "github.com/CaravanStudios/open-product-recovery-sub000/internal/models"

// Candidate is a chain considered for storage as the best chain for a
// use. A nil Chain means "no chain", which for accepting means an
// implicit direct accept.
type Candidate struct {
	Chain models.ReshareChain
	// Present distinguishes an absent chain from a present zero-length
	// chain.
	Present bool
}

func acceptQualified(c Candidate) bool {
	if !c.Present || len(c.Chain) == 0 {
		return true
	}
	decoded, err := Decode(c.Chain)
	if err != nil {
		return false
	}
	return decoded[len(decoded)-1].HasScope(models.ScopeAccept)
}

func reshareQualified(c Candidate) bool {
	if !c.Present || len(c.Chain) == 0 {
		return false
	}
	decoded, err := Decode(c.Chain)
	if err != nil {
		return false
	}
	return decoded[len(decoded)-1].HasScope(models.ScopeReshare)
}

// effectiveLength orders absent chains before zero-length chains before
// longer chains.
func effectiveLength(c Candidate) int {
	if !c.Present {
		return -1
	}
	return len(c.Chain)
}

// compare orders two candidates under a qualification predicate:
// negative when a is strictly better, positive when b is, zero only
// when the two are fully equivalent.
func compare(a, b Candidate, qualified func(Candidate) bool) int {
	qa, qb := qualified(a), qualified(b)
	switch {
	case qa && !qb:
		return -1
	case !qa && qb:
		return 1
	case !qa && !qb:
		return 0
	}
	return effectiveLength(a) - effectiveLength(b)
}

// CompareChainsForAccept orders candidates for the ACCEPT use: absent
// chains are implicit direct accepts and rank best, then shorter
// qualified chains.
func CompareChainsForAccept(a, b Candidate) int {
	return compare(a, b, acceptQualified)
}

// CompareChainsForReshare orders candidates for the RESHARE use: only
// chains whose final link grants RESHARE qualify, shorter is better.
func CompareChainsForReshare(a, b Candidate) int {
	return compare(a, b, reshareQualified)
}
