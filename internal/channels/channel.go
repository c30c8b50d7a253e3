// Package channels delivers replies to users and accepts inbound messages
// from chat platforms.
package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/go-concierge/internal/event"
)

var ErrEmptyReply = errors.New("reply has neither text nor file")

// Channel is a long-running inbound integration.
type Channel interface {
	Name() string
	// Start blocks until ctx is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// File is an outbound attachment.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Reply is one outbound message. A file and a text in the same reply are
// sent file first.
type Reply struct {
	Identity string
	Text     string
	File     *File
}

func (r Reply) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && r.File == nil
}

// Deliverer sends replies to the user behind an identity.
type Deliverer interface {
	Deliver(ctx context.Context, r Reply) error
}

// Submitter accepts inbound events for an identity and reports queue depth.
type Submitter interface {
	Submit(ctx context.Context, identity string, ev event.Event) (int, error)
}

type route struct {
	prefix string
	to     Deliverer
}

// Router picks a Deliverer by identity prefix, falling back to a default.
type Router struct {
	routes   []route
	fallback Deliverer
}

func NewRouter(fallback Deliverer) *Router {
	return &Router{fallback: fallback}
}

// Handle routes identities starting with prefix to d. Longer prefixes win.
func (r *Router) Handle(prefix string, d Deliverer) {
	r.routes = append(r.routes, route{prefix: prefix, to: d})
	for i := len(r.routes) - 1; i > 0 && len(r.routes[i].prefix) > len(r.routes[i-1].prefix); i-- {
		r.routes[i], r.routes[i-1] = r.routes[i-1], r.routes[i]
	}
}

func (r *Router) Deliver(ctx context.Context, reply Reply) error {
	for _, rt := range r.routes {
		if strings.HasPrefix(reply.Identity, rt.prefix) {
			return rt.to.Deliver(ctx, reply)
		}
	}
	if r.fallback == nil {
		return errors.New("no deliverer for identity " + reply.Identity)
	}
	return r.fallback.Deliver(ctx, reply)
}
