package models

import (
	"fmt"
	"strconv"
	"strings"
)

// StructuredOfferID is the (postingOrgUrl, id) pair that identifies an
// offer. The id is unique within the posting org.
type StructuredOfferID struct {
	PostingOrgURL string `json:"postingOrgUrl"`
	ID            string `json:"id"`
}

// VersionedStructuredOfferID additionally pins a specific offer version
// by its update timestamp.
type VersionedStructuredOfferID struct {
	StructuredOfferID
	LastUpdateTimeUTC int64 `json:"lastUpdateTimeUTC"`
}

// URL returns the URL-form serialization, postingOrgUrl#id.
func (s StructuredOfferID) URL() string {
	return s.PostingOrgURL + "#" + s.ID
}

// URL returns the URL-form serialization,
// postingOrgUrl#id&updateTimestamp.
func (v VersionedStructuredOfferID) URL() string {
	return fmt.Sprintf("%s#%s&%d", v.PostingOrgURL, v.ID, v.LastUpdateTimeUTC)
}

// URLToID parses the URL form back into its parts. The update timestamp
// is nil for unversioned ids.
func URLToID(s string) (postingOrgURL, id string, lastUpdateTimeUTC *int64, err error) {
	orgURL, rest, found := strings.Cut(s, "#")
	if !found || orgURL == "" || rest == "" {
		return "", "", nil, fmt.Errorf("malformed offer id url %q", s)
	}
	fields := strings.Split(rest, "&")
	id = fields[0]
	if id == "" {
		return "", "", nil, fmt.Errorf("malformed offer id url %q", s)
	}
	if len(fields) > 1 {
		ts, parseErr := strconv.ParseInt(fields[1], 10, 64)
		if parseErr != nil {
			return "", "", nil, fmt.Errorf("malformed update timestamp in %q: %w", s, parseErr)
		}
		lastUpdateTimeUTC = &ts
	}
	return orgURL, id, lastUpdateTimeUTC, nil
}
