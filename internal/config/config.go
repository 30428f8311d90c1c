// Package config loads the YAML description of the platforms, their
// announces and the policy rules, and builds a router from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/internal/policy"
	"github.com/onelab/manifold/internal/policy/cache"
	"github.com/onelab/manifold/internal/router"
	"github.com/onelab/manifold/pkg/closer"

	// Gateway types available to configuration files.
	_ "github.com/onelab/manifold/internal/gateway/memory"
	_ "github.com/onelab/manifold/internal/gateway/process"
	_ "github.com/onelab/manifold/internal/gateway/sqlgateway"
	_ "github.com/onelab/manifold/internal/gateway/web"
)

// Config is the content of a configuration file.
type Config struct {
	Cache        CacheConfig `yaml:"cache"`
	Singleflight bool        `yaml:"singleflight" default:"true"`

	Platforms []PlatformConfig `yaml:"platforms"`
	Rules     []policy.Rule    `yaml:"rules"`
}

// CacheConfig configures the CACHE target.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" default:"30m"`
}

// PlatformConfig declares one platform and the objects it serves.
type PlatformConfig struct {
	Name      string             `yaml:"name"`
	Type      string             `yaml:"type"`
	Config    map[string]any     `yaml:"config"`
	Announces []gateway.Announce `yaml:"announces"`
}

func (c *Config) MarshalZerologObject(e *zerolog.Event) {
	names := make([]string, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		names = append(names, p.Name+"("+p.Type+")")
	}
	e.Strs("platforms", names).
		Int("rules", len(c.Rules)).
		Dur("cacheTTL", c.Cache.TTL).
		Bool("singleflight", c.Singleflight)
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and applies its defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("error applying config defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the platforms and rules.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platform #%d has no name", i)
		}
		if p.Type == "" {
			return fmt.Errorf("platform %q has no type", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("platform %q is declared twice", p.Name)
		}
		seen[p.Name] = true
		if len(p.Announces) == 0 {
			return fmt.Errorf("platform %q announces no object", p.Name)
		}
	}

	var errs []error
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule #%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Build instantiates the gateways and the policy engine and returns the
// router serving them. Extra options are applied last.
func (c *Config) Build(opts ...router.Option) (*router.Router, error) {
	var built closer.Stack
	gws := make([]gateway.Gateway, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		gw, err := gateway.New(p.Type, p.Name, p.Config, p.Announces)
		if err != nil {
			return nil, errors.Join(err, built.CloseIfError(err))
		}
		built.AddIfCloser(gw)
		gws = append(gws, gw)
	}

	targets := policy.Builtins()
	targets[policy.TargetCache] = cache.New(cache.WithTTL(c.Cache.TTL))
	engine, err := policy.NewEngine(c.Rules, targets)
	if err != nil {
		return nil, errors.Join(err, built.CloseIfError(err))
	}

	r, err := router.New(append([]router.Option{
		router.WithGateway(gws...),
		router.WithPolicy(engine),
		router.WithSingleflight(c.Singleflight),
	}, opts...)...)
	if err != nil {
		return nil, errors.Join(err, built.CloseIfError(err))
	}

	logging.Info().Object("config", c).Msg("router built")
	return r, nil
}
