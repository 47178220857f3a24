package auth

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

type Info struct {
	Mode      Mode
	Role      Role
	Localhost bool
}

// CanWrite reports whether the caller may modify the document at path.
// Device keys are limited to documents in the devices collection.
func (i Info) CanWrite(path string) bool {
	if i.Mode == ModeLocalhost || i.Role == RoleProducer {
		return true
	}
	if i.Role != RoleDevice {
		return false
	}
	collection, _, err := storage.SplitDocumentPath(path)
	return err == nil && collection == core.CollectionDevices
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// WithInfo attaches info to ctx. Handlers mounted without the middleware
// treat a missing Info as localhost.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ring.AllowLocalhostWithoutAuth && isLocalRequest(r) {
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), Info{Mode: ModeLocalhost, Localhost: true})))
				return
			}
			role, ok := authorize(r, ring)
			if !ok {
				writeUnauthorized(w)
				return
			}
			info := Info{Mode: ModeAPIKey, Role: role, Localhost: false}
			next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), info)))
		})
	}
}

// authorize resolves a "Bearer <key>" header to the key's role.
func authorize(r *http.Request, ring *Keyring) (Role, bool) {
	scheme, key, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", false
	}
	return ring.RoleForKey(key)
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// isLocalRequest trusts the first X-Forwarded-For hop when present, so a
// reverse proxy on the same box does not make every caller local.
func isLocalRequest(r *http.Request) bool {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return isLoopback(strings.TrimSpace(first))
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return isLoopback(strings.TrimSpace(host))
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Unmap().IsLoopback()
}
