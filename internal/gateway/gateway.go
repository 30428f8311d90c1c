// Package gateway defines the contract between the router and the adapters
// exposing external platforms as record streams.
package gateway

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Capabilities declares what a platform supports for one object.
type Capabilities struct {
	Retrieve   bool `json:"retrieve" yaml:"retrieve"`
	Join       bool `json:"join" yaml:"join"`
	Selection  bool `json:"selection" yaml:"selection"`
	Projection bool `json:"projection" yaml:"projection"`
}

// Announce describes one object a platform serves.
type Announce struct {
	Object       string       `json:"object" yaml:"object"`
	Key          string       `json:"key" yaml:"key"`
	Fields       []string     `json:"fields" yaml:"fields"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`

	// Aliases maps platform field names to canonical field names.
	Aliases map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// HasField returns true if the announce lists the canonical field name.
func (a Announce) HasField(name string) bool {
	return slices.Contains(a.Fields, name)
}

// CanonicalAliases returns the platform -> canonical rename map.
func (a Announce) CanonicalAliases() map[string]string {
	return maps.Clone(a.Aliases)
}

// NativeAliases returns the canonical -> platform rename map.
func (a Announce) NativeAliases() map[string]string {
	out := make(map[string]string, len(a.Aliases))
	for native, canonical := range a.Aliases {
		out[canonical] = native
	}
	return out
}

// Gateway exposes one external platform. Every method must eventually close
// the packet exactly once, reporting failures in-band with Packet.Fail.
// Methods may return before the packet is closed.
type Gateway interface {
	// Name is the platform name.
	Name() string

	// Collections returns the objects served by the platform.
	Collections() []Announce

	Get(ctx context.Context, p *Packet)
	Create(ctx context.Context, p *Packet)
	Update(ctx context.Context, p *Packet)
	Delete(ctx context.Context, p *Packet)
	Execute(ctx context.Context, p *Packet)
}

// Interruptible is implemented by gateways that can abort in-flight work.
// Interrupt aborts only the work feeding p and is best effort: the packet
// may still be closed afterwards.
type Interruptible interface {
	Interrupt(p *Packet) error
}

// Factory builds a gateway instance from its platform name and raw
// configuration.
type Factory func(name string, config map[string]any, announces []Announce) (Gateway, error)

var (
	registryLock sync.RWMutex
	registry     = map[string]Factory{}
)

// Register makes a gateway type available to New. Registering a type twice
// replaces the previous factory.
func Register(gatewayType string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[gatewayType] = factory
}

// New builds a gateway of a registered type.
func New(gatewayType, name string, config map[string]any, announces []Announce) (Gateway, error) {
	registryLock.RLock()
	factory, ok := registry[gatewayType]
	registryLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown gateway type %q for platform %q (known: %v)", gatewayType, name, Types())
	}

	gw, err := factory(name, config, announces)
	if err != nil {
		return nil, fmt.Errorf("error creating %s gateway %q: %w", gatewayType, name, err)
	}
	return gw, nil
}

// Types returns the registered gateway types.
func Types() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// DecodeConfig decodes a raw configuration map into out and applies its
// `default` struct tags.
func DecodeConfig(config map[string]any, out any) error {
	if err := defaults.Set(out); err != nil {
		return fmt.Errorf("error applying config defaults: %w", err)
	}
	if len(config) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("error encoding gateway config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("error decoding gateway config: %w", err)
	}
	return nil
}
