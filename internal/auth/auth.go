package auth

import (
	"context"
	"net/http"
	"strings"
)

const DefaultHeader = "X-Project-ID"

type ctxKey int

const keyProject ctxKey = 0

// Identity reads the tenant a request belongs to from a single designated
// header. Validating the caller's token is done upstream; the header is
// trusted as-is.
type Identity struct {
	header string
}

// NewIdentity returns an Identity reading header, or DefaultHeader when
// header is empty.
func NewIdentity(header string) *Identity {
	h := strings.TrimSpace(header)
	if h == "" {
		h = DefaultHeader
	}
	return &Identity{header: h}
}

func (i *Identity) Header() string { return i.header }

// Project returns the project id carried by r. Blank values count as absent.
func (i *Identity) Project(r *http.Request) (string, bool) {
	p := strings.TrimSpace(r.Header.Get(i.header))
	if p == "" {
		return "", false
	}
	return p, true
}

// WithProject injects the project id into ctx.
func WithProject(ctx context.Context, project string) context.Context {
	return context.WithValue(ctx, keyProject, project)
}

// ProjectFrom extracts the project id from ctx (if present).
func ProjectFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyProject)
	if v == nil {
		return "", false
	}
	p, ok := v.(string)
	return p, ok
}
