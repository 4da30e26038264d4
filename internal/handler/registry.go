// Package handler exposes tenant nodes over HTTP: multi-tenant routing,
// the authenticated federation endpoints, and the published org.json and
// jwks.json documents.
package handler

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/response"
)

// HostIDExtractor derives the tenant host id from a request using a URL
// template containing a single "$" placeholder. Two forms are
// supported: a subdomain placeholder ("https://$.example.org") and a
// path placeholder ("https://opr.example.org/hosts/$").
type HostIDExtractor struct {
	hostPrefix string
	hostSuffix string
	pathPrefix string
	scheme     string
	host       string
}

// NewHostIDExtractor parses the URL template.
func NewHostIDExtractor(template string) (*HostIDExtractor, error) {
	u, err := url.Parse(template)
	if err != nil {
		return nil, oprerrors.Internal("CONFIG_MISSING_FIELD", "invalid hosting URL template").WithCause(err)
	}
	e := &HostIDExtractor{scheme: u.Scheme, host: u.Host}
	switch {
	case strings.Contains(u.Host, "$"):
		prefix, suffix, _ := strings.Cut(u.Host, "$")
		e.hostPrefix, e.hostSuffix = prefix, suffix
	case strings.Contains(u.Path, "$"):
		prefix, _, _ := strings.Cut(u.Path, "$")
		e.pathPrefix = prefix
	default:
		return nil, oprerrors.Internal("CONFIG_MISSING_FIELD",
			"hosting URL template has no $ placeholder")
	}
	return e, nil
}

// Extract pulls the host id out of a request host and path. The second
// return is false when the request does not match the template.
func (e *HostIDExtractor) Extract(host, path string) (string, bool) {
	if e.pathPrefix != "" {
		if !strings.HasPrefix(path, e.pathPrefix) {
			return "", false
		}
		rest := strings.TrimPrefix(path, e.pathPrefix)
		id, _, _ := strings.Cut(rest, "/")
		if id == "" {
			return "", false
		}
		return id, true
	}
	if !strings.HasPrefix(host, e.hostPrefix) || !strings.HasSuffix(host, e.hostSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(host, e.hostPrefix), e.hostSuffix)
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// ExtractFromURL applies the template to a full URL string.
func (e *HostIDExtractor) ExtractFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	return e.Extract(u.Host, u.Path)
}

// URLRoot returns the tenant's canonical URL root for a host id: the
// template with "$" substituted.
func (e *HostIDExtractor) URLRoot(hostID string) string {
	if e.pathPrefix != "" {
		return e.scheme + "://" + e.host + e.pathPrefix + hostID
	}
	return e.scheme + "://" + e.hostPrefix + hostID + e.hostSuffix
}

// TenantPath returns the path under the tenant root for a request path,
// stripping the tenant prefix in the path-placeholder form.
func (e *HostIDExtractor) TenantPath(hostID, path string) string {
	if e.pathPrefix == "" {
		return path
	}
	rest := strings.TrimPrefix(path, e.pathPrefix+hostID)
	if rest == "" {
		return "/"
	}
	return rest
}

// Registry routes requests to tenant nodes by extracted host id.
type Registry struct {
	extractor *HostIDExtractor

	mu      sync.RWMutex
	tenants map[string]*TenantNode
}

// NewRegistry creates an empty registry for the given extractor.
func NewRegistry(extractor *HostIDExtractor) *Registry {
	return &Registry{extractor: extractor, tenants: map[string]*TenantNode{}}
}

// Install adds a tenant under its host id.
func (reg *Registry) Install(t *TenantNode) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.tenants[t.HostID()] = t
}

// Lookup returns the tenant for a host id.
func (reg *Registry) Lookup(hostID string) (*TenantNode, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	t, ok := reg.tenants[hostID]
	return t, ok
}

// Tenants returns every installed tenant.
func (reg *Registry) Tenants() []*TenantNode {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*TenantNode, 0, len(reg.tenants))
	for _, t := range reg.tenants {
		out = append(out, t)
	}
	return out
}

// ServeHTTP resolves the tenant from the request and dispatches to it.
func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostID, ok := reg.extractor.Extract(r.Host, r.URL.Path)
	if !ok {
		response.Error(w, oprerrors.NotFound("NO_SUCH_TENANT", "no tenant matches this request"))
		return
	}
	tenant, ok := reg.Lookup(hostID)
	if !ok {
		response.Error(w, oprerrors.NotFound("NO_SUCH_TENANT", "no tenant with host id %s", hostID))
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = reg.extractor.TenantPath(hostID, r.URL.Path)
	tenant.ServeHTTP(w, r2)
}

// Destroy tears down every tenant.
func (reg *Registry) Destroy() {
	for _, t := range reg.Tenants() {
		t.Destroy()
	}
}
