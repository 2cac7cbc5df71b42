package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchtable/switchcore/internal/checkpoint"
	"github.com/matchtable/switchcore/internal/config"
	"github.com/matchtable/switchcore/pkg/matchtable"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

func testTableConfigs() []config.TableConfig {
	return []config.TableConfig{
		{Name: "ipv4_lpm", TableType: "direct", MatchType: "lpm", Size: 64, MissNode: "drop", CountersOn: true},
		{Name: "nexthop", TableType: "indirect", MatchType: "exact", Size: 32},
		{Name: "wcmp", TableType: "indirect_ws", MatchType: "exact", Size: 32, AgeingMS: 1000},
	}
}

func TestBuildRegistry(t *testing.T) {
	catalog := pipeline.NewCatalog()
	registerDefaultNodes(catalog, testTableConfigs())

	registry, err := buildRegistry(testTableConfigs(), catalog)
	require.NoError(t, err)

	assert.Contains(t, registry.Direct, "ipv4_lpm")
	assert.Contains(t, registry.Indirect, "nexthop")
	assert.Contains(t, registry.IndirectWS, "wcmp")
	assert.Contains(t, registry.Profiles, "nexthop")
	assert.Contains(t, registry.Profiles, "wcmp")

	tables := registry.Tables()
	assert.Len(t, tables, 3)

	// The configured miss node resolved through the catalog.
	node, ok := catalog.ControlNode("drop")
	require.True(t, ok)
	assert.Equal(t, "drop", node.Name())
}

func TestBuildRegistryRejectsBadMatchType(t *testing.T) {
	catalog := pipeline.NewCatalog()
	_, err := buildRegistry([]config.TableConfig{
		{Name: "t", TableType: "direct", MatchType: "fuzzy", Size: 4},
	}, catalog)
	assert.Error(t, err)
}

func TestBuildRegistryRejectsBadTableType(t *testing.T) {
	catalog := pipeline.NewCatalog()
	_, err := buildRegistry([]config.TableConfig{
		{Name: "t", TableType: "hybrid", MatchType: "exact", Size: 4},
	}, catalog)
	assert.Error(t, err)
}

func TestFieldKindFromString(t *testing.T) {
	cases := map[string]matchtable.FieldKind{
		"exact":   matchtable.FieldExact,
		"lpm":     matchtable.FieldLPM,
		"ternary": matchtable.FieldTernary,
		"range":   matchtable.FieldRange,
	}
	for s, want := range cases {
		got, err := fieldKindFromString(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := fieldKindFromString("prefix")
	assert.Error(t, err)
}

func TestStaticEntriesReload(t *testing.T) {
	catalog := pipeline.NewCatalog()
	cfgs := []config.TableConfig{
		{Name: "acl", TableType: "direct", MatchType: "exact", Size: 16},
	}
	registry, err := buildRegistry(cfgs, catalog)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := &Runtime{log: logger, registry: registry}

	dir := t.TempDir()
	path := filepath.Join(dir, "entries.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entries:
  - table: acl
    action_name: drop
    params:
      - kind: exact
        value: "0a"
  - table: acl
    action_name: forward
    action_data: "0001"
    params:
      - kind: exact
        value: "0b"
`), 0o644))

	r.reloadStaticEntries(path)
	assert.Equal(t, 2, registry.Direct["acl"].NumEntries())

	// A rewritten file fully replaces the previous entry set.
	require.NoError(t, os.WriteFile(path, []byte(`
entries:
  - table: acl
    action_name: drop
    params:
      - kind: exact
        value: "0c"
`), 0o644))
	r.reloadStaticEntries(path)
	assert.Equal(t, 1, registry.Direct["acl"].NumEntries())
}

func TestRestoreCheckpointsOnStartup(t *testing.T) {
	dir := t.TempDir()
	cfgs := []config.TableConfig{
		{Name: "acl", TableType: "direct", MatchType: "exact", Size: 16},
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// First life: install an entry and snapshot it.
	catalog := pipeline.NewCatalog()
	registry, err := buildRegistry(cfgs, catalog)
	require.NoError(t, err)

	fn, ok := registry.Actions.ActionByName("drop")
	require.True(t, ok)
	key := matchtable.MatchKey{Params: []matchtable.MatchKeyParam{{Kind: matchtable.FieldExact, Value: []byte{0x0a}}}}
	_, ec := registry.Direct["acl"].AddEntry(key, matchtable.ActionEntry{ActionFn: fn}, 0)
	require.Equal(t, matchtable.Success, ec)

	m, err := checkpoint.NewManager(dir, time.Hour, registry, logger)
	require.NoError(t, err)
	require.NoError(t, m.WriteAll())

	// Second life: a fresh registry comes back with the snapshot's
	// entries after restore.
	catalog2 := pipeline.NewCatalog()
	registry2, err := buildRegistry(cfgs, catalog2)
	require.NoError(t, err)
	require.Equal(t, 0, registry2.Direct["acl"].NumEntries())

	r := &Runtime{
		cfg:      &config.Config{Checkpoint: config.CheckpointConfig{Enabled: true, Dir: dir}},
		log:      logger,
		registry: registry2,
	}
	r.restoreCheckpoints()
	assert.Equal(t, 1, registry2.Direct["acl"].NumEntries())

	// A table with no snapshot on disk is simply left empty.
	cfgs2 := append(cfgs, config.TableConfig{Name: "extra", TableType: "direct", MatchType: "exact", Size: 8})
	catalog3 := pipeline.NewCatalog()
	registry3, err := buildRegistry(cfgs2, catalog3)
	require.NoError(t, err)
	r.registry = registry3
	r.restoreCheckpoints()
	assert.Equal(t, 1, registry3.Direct["acl"].NumEntries())
	assert.Equal(t, 0, registry3.Direct["extra"].NumEntries())
}

func TestStaticEntriesUnknownTableIgnored(t *testing.T) {
	catalog := pipeline.NewCatalog()
	registry, err := buildRegistry(nil, catalog)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := &Runtime{log: logger, registry: registry}

	dir := t.TempDir()
	path := filepath.Join(dir, "entries.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entries:
  - table: ghost
    action_name: drop
    params:
      - kind: exact
        value: "0a"
`), 0o644))

	// Unknown tables are skipped, not fatal.
	r.reloadStaticEntries(path)
}
