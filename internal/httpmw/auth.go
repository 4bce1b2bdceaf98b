package httpmw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/govexport/internal/log"
)

// Principal is the authenticated caller taken from a bearer token.
type Principal struct {
	ID    string
	Role  string
	Email string
	Name  string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims carried by access tokens. sub and role are required.
type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Auth failure reasons, used as a metric label.
const (
	AuthMissing   = "missing"
	AuthMalformed = "malformed"
	AuthExpired   = "expired"
	AuthInvalid   = "invalid"
	AuthClaims    = "claims"
)

type AuthOptions struct {
	// Secret is the HS256 key. An empty secret rejects every request.
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	// OnFailure is called with one of the Auth* reasons.
	OnFailure func(reason string)
	// Now overrides the validation clock in tests.
	Now func() time.Time
}

// Auth validates "Authorization: Bearer <jwt>" and stores the Principal in
// the request context. Failures get 401 UNAUTHENTICATED.
func Auth(opts AuthOptions) func(http.Handler) http.Handler {
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		popts = append(popts, jwt.WithAudience(opts.Audience))
	}
	if opts.Now != nil {
		popts = append(popts, jwt.WithTimeFunc(opts.Now))
	}
	parser := jwt.NewParser(popts...)
	keyFunc := func(*jwt.Token) (any, error) { return opts.Secret, nil }

	fail := func(w http.ResponseWriter, r *http.Request, reason, msg string) {
		if opts.OnFailure != nil {
			opts.OnFailure(reason)
		}
		log.FromContext(r.Context()).Debug(r.Context(), "bearer token rejected", "reason", reason)
		writeUnauthenticated(w, msg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" {
				fail(w, r, AuthMissing, "missing bearer token")
				return
			}
			scheme, tok, ok := strings.Cut(raw, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
				fail(w, r, AuthMalformed, "authorization header must be 'Bearer <token>'")
				return
			}
			if len(opts.Secret) == 0 {
				fail(w, r, AuthInvalid, "authentication not configured")
				return
			}

			var c Claims
			if _, err := parser.ParseWithClaims(strings.TrimSpace(tok), &c, keyFunc); err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					fail(w, r, AuthExpired, "token expired")
					return
				}
				fail(w, r, AuthInvalid, "invalid token")
				return
			}
			if c.Subject == "" || c.Role == "" {
				fail(w, r, AuthClaims, "token must carry sub and role")
				return
			}

			p := Principal{ID: c.Subject, Role: c.Role, Email: c.Email, Name: c.Name}
			ctx := WithPrincipal(r.Context(), p)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("enduser.id", p.ID, "enduser.role", p.Role))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("enduser.id", p.ID),
					attribute.String("enduser.role", p.Role),
				)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IssueToken signs an HS256 access token. Used by the ctl tool and tests.
func IssueToken(secret []byte, p Principal, issuer string, ttl time.Duration, now time.Time) (string, error) {
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  p.Role,
		Email: p.Email,
		Name:  p.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

func writeUnauthenticated(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="govexport"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "UNAUTHENTICATED", "message": msg},
	})
}
