package auth

import (
	"context"
	"net"
	"net/http"
)

type peerAddrKey struct{}

// CapturePeerAddr stores the socket peer address in the request context.
// It must run before chi's RealIP, which rewrites RemoteAddr from
// client-supplied forwarding headers.
func CapturePeerAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerAddrKey{}, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PeerIP returns the captured peer host, falling back to RemoteAddr when
// CapturePeerAddr did not run. The port is stripped.
func PeerIP(r *http.Request) string {
	addr, ok := r.Context().Value(peerAddrKey{}).(string)
	if !ok {
		addr = r.RemoteAddr
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
