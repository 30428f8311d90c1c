// Package metadata holds the catalog of objects served by the configured
// platforms.
package metadata

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/onelab/manifold/internal/gateway"
)

// ErrUnknownObject is returned when no platform announced an object.
var ErrUnknownObject = errors.New("no platform serves object")

// Route is one platform able to answer queries on an object.
type Route struct {
	Platform string
	Announce gateway.Announce
}

// Catalog maps object names to the routes serving them. It is filled once
// while the router is built and read concurrently afterwards.
type Catalog struct {
	mu     sync.RWMutex
	routes map[string][]Route
}

func NewCatalog() *Catalog {
	return &Catalog{routes: map[string][]Route{}}
}

// Register records the announces of one platform. A platform announcing an
// object twice replaces its previous announce.
func (c *Catalog) Register(platform string, announces ...gateway.Announce) error {
	if platform == "" {
		return errors.New("missing platform name")
	}
	for _, a := range announces {
		if a.Object == "" {
			return fmt.Errorf("platform %q announced an object without a name", platform)
		}
		if a.Key != "" && len(a.Fields) > 0 && !a.HasField(a.Key) {
			return fmt.Errorf("platform %q: key %q of object %q is not an announced field", platform, a.Key, a.Object)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range announces {
		routes := slices.DeleteFunc(c.routes[a.Object], func(r Route) bool {
			return r.Platform == platform
		})
		routes = append(routes, Route{Platform: platform, Announce: a})
		slices.SortFunc(routes, func(x, y Route) int {
			return cmp.Compare(x.Platform, y.Platform)
		})
		c.routes[a.Object] = routes
	}
	return nil
}

// RegisterGateway records every collection announced by gw.
func (c *Catalog) RegisterGateway(gw gateway.Gateway) error {
	return c.Register(gw.Name(), gw.Collections()...)
}

// Routes returns the routes for an object, sorted by platform name.
func (c *Catalog) Routes(object string) []Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.routes[object])
}

// Objects returns every announced object name.
func (c *Catalog) Objects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.routes))
}

// Plan splits the routes of an object into the platforms retrieving it and
// the platforms that can only be joined onto retrieved records. When no
// platform retrieves the object, the join-only platforms are used as
// retrievers.
func (c *Catalog) Plan(object string) (retrievers, joiners []Route, err error) {
	routes := c.Routes(object)
	if len(routes) == 0 {
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownObject, object)
	}

	for _, r := range routes {
		caps := r.Announce.Capabilities
		switch {
		case caps.Retrieve:
			retrievers = append(retrievers, r)
		case caps.Join:
			joiners = append(joiners, r)
		}
	}
	if len(retrievers) == 0 && len(joiners) == 0 {
		return nil, nil, fmt.Errorf("%w %q: no platform retrieves or joins it", ErrUnknownObject, object)
	}
	if len(retrievers) == 0 {
		return joiners, nil, nil
	}
	return retrievers, joiners, nil
}

// Key returns the key field of an object, as announced by its first
// platform declaring one.
func (c *Catalog) Key(object string) string {
	for _, r := range c.Routes(object) {
		if r.Announce.Key != "" {
			return r.Announce.Key
		}
	}
	return ""
}
