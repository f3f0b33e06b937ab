package endpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/localrivet/wilduri"

	"github.com/localrivet/gocoap/message"
)

// Exchange is the per-request view a Handler receives: the request,
// its remote, and a response skeleton it must populate (spec §6
// "Resource handler contract"). It must not be retained past the
// handler call. Context carries values middleware installs ahead of the
// handler, such as the auth package's authenticated principal.
type Exchange struct {
	Request          *message.Message
	Remote           string
	TransportContext interface{}
	Response         *message.Message
	Context          context.Context
}

// Handler answers one decoded request by populating ex.Response, or by
// returning an error. A *CoapCodeError becomes its carried response
// code; any other error becomes 5.00 Internal Server Error (spec §6).
type Handler func(ex *Exchange) error

type route struct {
	pattern  string
	wildcard bool
	prefix   string // pattern with trailing "*" trimmed, only set when wildcard
	tmpl     *wilduri.Template
	handler  Handler
}

// Router maps a CoAP URI path to a registered Handler (spec §4.7 "URI
// matching"). Exact matches win; failing that, the first registered
// pattern ending in "*" whose prefix matches is used. Compiled wilduri
// templates are kept per route so the registration catches malformed
// patterns early even though dispatch itself uses the spec's simpler
// prefix rule.
type Router struct {
	mu     sync.RWMutex
	exact  map[string]*route
	wild   []*route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{exact: make(map[string]*route)}
}

// Handle registers handler for pattern. A pattern ending in "*" matches
// any path sharing its prefix; other patterns match only exactly.
func (r *Router) Handle(pattern string, handler Handler) error {
	tmpl, err := wilduri.New(pattern)
	if err != nil {
		return fmt.Errorf("coap: invalid route pattern %q: %w", pattern, err)
	}

	rt := &route{pattern: pattern, tmpl: tmpl, handler: handler}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.HasSuffix(pattern, "*") {
		rt.wildcard = true
		rt.prefix = strings.TrimSuffix(pattern, "*")
		r.wild = append(r.wild, rt)
		return nil
	}
	r.exact[pattern] = rt
	return nil
}

// Remove unregisters a previously-registered pattern.
func (r *Router) Remove(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.HasSuffix(pattern, "*") {
		for i, rt := range r.wild {
			if rt.pattern == pattern {
				r.wild = append(r.wild[:i], r.wild[i+1:]...)
				return
			}
		}
		return
	}
	delete(r.exact, pattern)
}

// Lookup finds the handler for path, normalizing an empty path to "/"
// (spec §4.7). Exact matches are tried first; otherwise the first
// wildcard route whose prefix matches path wins, in registration order.
func (r *Router) Lookup(path string) (Handler, bool) {
	if path == "" {
		path = "/"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.exact[path]; ok {
		return rt.handler, true
	}
	for _, rt := range r.wild {
		if strings.HasPrefix(path, rt.prefix) {
			return rt.handler, true
		}
	}
	return nil, false
}
