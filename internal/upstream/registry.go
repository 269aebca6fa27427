package upstream

import (
	"fmt"
	"sort"
)

// Registry manages the configured upstreams for lookup by name.
type Registry struct {
	upstreams map[string]*Upstream
}

// NewRegistry creates a registry holding ups.
func NewRegistry(ups ...*Upstream) *Registry {
	r := &Registry{upstreams: make(map[string]*Upstream, len(ups))}
	for _, u := range ups {
		r.Register(u)
	}
	return r
}

// Register adds or replaces an upstream.
func (r *Registry) Register(u *Upstream) {
	r.upstreams[u.Name] = u
}

// Get returns an upstream by name and whether it was found.
func (r *Registry) Get(name string) (*Upstream, bool) {
	u, ok := r.upstreams[name]
	return u, ok
}

// MustGet returns an upstream by name or panics if not found.
func (r *Registry) MustGet(name string) *Upstream {
	u, ok := r.upstreams[name]
	if !ok {
		panic(fmt.Sprintf("upstream not found: %s", name))
	}
	return u
}

// List returns the registered upstream names in sorted order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.upstreams))
	for name := range r.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
