package audit

import (
	"context"
	"strings"
)

// ClientMeta is advisory information about the caller attached to events.
type ClientMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	URL       string `json:"url,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type metaKey struct{}

// WithClientMeta attaches caller metadata to the context.
func WithClientMeta(ctx context.Context, meta ClientMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// WithRequestID sets the request identifier on the context's client metadata.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	meta := ClientMetaFromContext(ctx)
	meta.RequestID = requestID
	return WithClientMeta(ctx, meta)
}

// ClientMetaFromContext returns the metadata stored in ctx, or the zero value.
func ClientMetaFromContext(ctx context.Context) ClientMeta {
	if ctx == nil {
		return ClientMeta{}
	}
	meta, _ := ctx.Value(metaKey{}).(ClientMeta)
	return meta
}
