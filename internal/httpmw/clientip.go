package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how far X-Forwarded-For is trusted.
type ClientIPOptions struct {
	// TrustedHops counts the reverse proxies in front of the server. 0 ignores
	// X-Forwarded-For, 1 takes the rightmost entry (single ALB), 2 the one
	// before it (CDN then ALB), and so on.
	TrustedHops int
}

// ClientIP records the peer address with no proxies trusted.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions records the client address in the context. The rate
// limiter keys on this value, so forwarded headers are only honoured from
// private peers.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientIP(r.Context(), clientAddr(r, opts.TrustedHops))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientAddr(r *http.Request, hops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "0.0.0.0"
	}
	if hops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		dropForwarded(r.Header)
		return host
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	hopsSeen := strings.Split(xff, ",")
	i := len(hopsSeen) - hops
	if i < 0 {
		// fewer entries than proxies: someone is short-circuiting the chain
		dropForwarded(r.Header)
		return host
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(hopsSeen[i])); err == nil {
		return a.String()
	}
	return host
}

func dropForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
