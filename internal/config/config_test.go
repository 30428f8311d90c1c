package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onelab/manifold/internal/policy"
	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/testutil"
)

const inventory = `
cache:
  ttl: 5m
platforms:
  - name: inventory
    type: memory
    config:
      records:
        resource:
          - {hrn: onelab.node1, host: node1.example.org}
          - {hrn: onelab.node2, host: node2.example.org}
        slice:
          - {hrn: onelab.slice1, password: hunter2}
    announces:
      - object: resource
        key: hrn
        fields: [hrn, hostname]
        capabilities: {retrieve: true, selection: true, projection: true}
        aliases: {host: hostname}
      - object: slice
        key: hrn
        fields: [hrn, password]
        capabilities: {retrieve: true, selection: true, projection: true}
rules:
  - {object: slice, fields: [password], access: W, target: DROP}
  - {object: resource, fields: ["*"], access: RW, target: CACHE}
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(inventory))
	require.NoError(t, err)

	require.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.True(t, cfg.Singleflight)
	require.Len(t, cfg.Platforms, 1)
	require.Equal(t, "memory", cfg.Platforms[0].Type)
	require.Equal(t, map[string]string{"host": "hostname"}, cfg.Platforms[0].Announces[0].Aliases)
	require.True(t, cfg.Platforms[0].Announces[0].Capabilities.Selection)
	require.Len(t, cfg.Rules, 2)
	require.Equal(t, policy.Write, cfg.Rules[0].Access)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`singleflight: false`))
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	require.False(t, cfg.Singleflight)
	require.Empty(t, cfg.Platforms)
}

func TestValidate(t *testing.T) {
	tcs := []struct {
		name string
		doc  string
	}{
		{"missing name", `platforms: [{type: memory, announces: [{object: a, key: id}]}]`},
		{"missing type", `platforms: [{name: a, announces: [{object: a, key: id}]}]`},
		{"no announce", `platforms: [{name: a, type: memory}]`},
		{"duplicate", `platforms: [{name: a, type: memory, announces: [{object: a, key: id}]}, {name: a, type: memory, announces: [{object: a, key: id}]}]`},
		{"bad access", `rules: [{object: a, fields: [x], access: X, target: DROP}]`},
		{"not yaml", `platforms: {`},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifold.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventory), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Platforms, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	cfg, err := Parse([]byte(inventory))
	require.NoError(t, err)

	r, err := cfg.Build()
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	require.Equal(t, []string{"inventory"}, r.Platforms())
	require.Equal(t, []string{"resource", "slice"}, r.Catalog().Objects())

	ctx := context.Background()
	result, err := r.Query(ctx, query.New(query.Get, "resource").
		Select("hostname").
		Where(predicate.MustNew("hrn", predicate.Eq, "onelab.node1")))
	require.NoError(t, err)
	testutil.RequireRecords(t, []map[string]any{{"hostname": "node1.example.org"}}, result.Records)

	_, err = r.Query(ctx, query.New(query.Update, "slice").Set("password", "x"))
	require.True(t, policy.IsDenied(err))
}

func TestBuildUnknownGatewayType(t *testing.T) {
	cfg, err := Parse([]byte(`platforms: [{name: a, type: carrier-pigeon, announces: [{object: a, key: id}]}]`))
	require.NoError(t, err)

	_, err = cfg.Build()
	require.ErrorContains(t, err, "unknown gateway type")
}

func TestBuildUnknownTarget(t *testing.T) {
	cfg, err := Parse([]byte(`rules: [{object: a, fields: [x], access: R, target: NOPE}]`))
	require.NoError(t, err)

	_, err = cfg.Build()
	require.ErrorContains(t, err, "unknown target")
}
