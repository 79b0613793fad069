package provider

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// LogRequestKey namespaces the context values this package injects for
// request-scoped logging, mirroring dexidp-dex's server.RequestKeyRequestID
// / server.RequestKeyRemoteIP (server/server.go). Exported so a slog.Handler
// installed by cmd/oauthd can pull them back out, the way dex's own
// requestContextHandler does in cmd/dex/logger.go.
type LogRequestKey string

const (
	RequestKeyRequestID LogRequestKey = "request_id"
	RequestKeyRemoteIP  LogRequestKey = "client_remote_addr"
)

func withRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, RequestKeyRequestID, uuid.NewString())
}

func withRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, RequestKeyRemoteIP, ip)
}

// withRequestContext tags every request with a fresh request id and its
// remote address before it reaches h, so the logger attached to the
// Provider's slog.Logger can attribute log lines back to a request.
func (p *Provider) withRequestContext(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := withRequestID(r.Context())
		ctx = withRemoteIP(ctx, r.RemoteAddr)
		h.ServeHTTP(w, r.WithContext(ctx))
	}
}
