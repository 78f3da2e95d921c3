package audit

import (
	"context"
	"strings"
)

// RequestInfo is the ambient request data the ledger stamps onto entries.
// Background jobs run without one.
type RequestInfo struct {
	IP        string
	UserAgent string
	RequestID string
}

type requestKey struct{}

// WithRequest attaches request details to ctx for audit logging.
func WithRequest(ctx context.Context, info RequestInfo) context.Context {
	info.IP = strings.TrimSpace(info.IP)
	info.UserAgent = strings.TrimSpace(info.UserAgent)
	info.RequestID = strings.TrimSpace(info.RequestID)
	if info == (RequestInfo{}) {
		return ctx
	}
	return context.WithValue(ctx, requestKey{}, info)
}

// RequestFromContext returns the request details attached by WithRequest.
func RequestFromContext(ctx context.Context) (RequestInfo, bool) {
	if ctx == nil {
		return RequestInfo{}, false
	}
	info, ok := ctx.Value(requestKey{}).(RequestInfo)
	return info, ok
}
