package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"atlasux/pkg/httpx"
)

const (
	ModeOff       = "off"
	ModeHS256     = "oidc_hs256"
	ModeRS256     = "oidc_rs256"
	anonymousUser = "anonymous"
	// DevSubjectHeader names the caller when auth is off. Development only.
	DevSubjectHeader = "X-Atlas-Subject"
)

// Principal is the authenticated caller. Tenant "*" may act on every tenant.
type Principal struct {
	Subject string
	Roles   []string
	Tenant  string
}

type contextKey string

const principalContextKey contextKey = "atlas.principal"

type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
	DevRoles []string
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.JWKSURL = strings.TrimSpace(url) }
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Timeout = timeout }
}

// WithDevRoles sets the roles granted to every caller when auth is off.
func WithDevRoles(roles ...string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.DevRoles = roles }
}

// Middleware authenticates bearer tokens and stores the Principal in the request context.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == ModeOff {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				subject := strings.TrimSpace(r.Header.Get(DevSubjectHeader))
				if subject == "" {
					subject = anonymousUser
				}
				roles := append([]string{anonymousUser}, cfg.DevRoles...)
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: subject, Roles: roles, Tenant: "*"})))
			})
		}
	}
	var keys *jwksCache
	if mode == ModeRS256 {
		keys = newJWKSCache(cfg.JWKSURL, cfg.Timeout)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[7:])
			now := time.Now().UTC()
			var (
				claims TokenClaims
				err    error
			)
			switch mode {
			case ModeHS256:
				claims, err = VerifyHS256Token(token, secret, now, cfg.Issuer, cfg.Audience)
			case ModeRS256:
				claims, err = VerifyRS256Token(r.Context(), token, now, keys, cfg.Issuer, cfg.Audience)
			default:
				err = errUnsupportedMode
			}
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Roles:   claims.Roles,
				Tenant:  claims.Tenant,
			})))
		})
	}
}

// RequireRole rejects callers holding none of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !HasAnyRole(p, roles...) {
				httpx.Error(w, http.StatusForbidden, "missing role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, have := range p.Roles {
		for _, want := range required {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

// TenantAllowed reports whether p may act on tenantID. A principal without a tenant claim
// is bound to nothing.
func TenantAllowed(p Principal, tenantID string) bool {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return false
	}
	return p.Tenant == "*" || p.Tenant == tenantID
}
