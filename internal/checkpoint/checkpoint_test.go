package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/matchtable/switchcore/pkg/matchtable"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

type nopAction struct{}

func (nopAction) ID() int                                              { return 1 }
func (nopAction) Name() string                                         { return "nop" }
func (nopAction) Execute(pkt pipeline.Packet, data matchtable.ActionData) {}

type nopActions struct{}

func (nopActions) ActionByName(name string) (matchtable.ActionFn, bool) {
	if name == "nop" {
		return nopAction{}, true
	}
	return nil, false
}

type staticSource map[string]matchtable.Table

func (s staticSource) Tables() map[string]matchtable.Table { return s }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func buildTable(t *testing.T, catalog pipeline.Catalog, miss pipeline.ControlFlowNode) *matchtable.DirectMatchTable {
	t.Helper()
	table := matchtable.Create(matchtable.Spec{
		TableType: matchtable.TableDirect,
		FieldKind: matchtable.FieldExact,
		Name:      "fwd",
		Size:      8,
		Catalog:   catalog,
		MissNode:  miss,
	}).(*matchtable.DirectMatchTable)

	key := matchtable.MatchKey{Params: []matchtable.MatchKeyParam{{Kind: matchtable.FieldExact, Value: []byte{0x0a}}}}
	_, ec := table.AddEntry(key, matchtable.ActionEntry{ActionFn: nopAction{}}, 0)
	require.Equal(t, matchtable.Success, ec)
	return table
}

func TestWriteAllAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	catalog := pipeline.NewCatalog()
	miss := pipeline.Node("miss")
	catalog.Register(miss)
	table := buildTable(t, catalog, miss)

	m, err := NewManager(dir, time.Hour, staticSource{"fwd": table}, testLogger())
	require.NoError(t, err)

	require.NoError(t, m.WriteAll())

	// The snapshot landed under its final name, not the tmp name.
	_, err = os.Stat(filepath.Join(dir, "fwd.chk.zst"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "fwd.chk.zst.tmp"))
	assert.True(t, os.IsNotExist(err))

	raw, err := Read(dir, "fwd")
	require.NoError(t, err)

	restored, err := matchtable.DeserializeDirectTable(bytes.NewReader(raw), matchtable.FieldExact, 8, catalog, nopActions{})
	require.NoError(t, err)
	assert.Equal(t, 1, restored.NumEntries())
}

func TestWriteAllOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	catalog := pipeline.NewCatalog()
	miss := pipeline.Node("miss")
	catalog.Register(miss)
	table := buildTable(t, catalog, miss)

	m, err := NewManager(dir, time.Hour, staticSource{"fwd": table}, testLogger())
	require.NoError(t, err)
	require.NoError(t, m.WriteAll())

	key := matchtable.MatchKey{Params: []matchtable.MatchKeyParam{{Kind: matchtable.FieldExact, Value: []byte{0x0b}}}}
	_, ec := table.AddEntry(key, matchtable.ActionEntry{ActionFn: nopAction{}}, 0)
	require.Equal(t, matchtable.Success, ec)
	require.NoError(t, m.WriteAll())

	raw, err := Read(dir, "fwd")
	require.NoError(t, err)
	restored, err := matchtable.DeserializeDirectTable(bytes.NewReader(raw), matchtable.FieldExact, 8, catalog, nopActions{})
	require.NoError(t, err)
	assert.Equal(t, 2, restored.NumEntries())
}

func TestReadMissingCheckpoint(t *testing.T) {
	_, err := Read(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	catalog := pipeline.NewCatalog()
	miss := pipeline.Node("miss")
	catalog.Register(miss)
	table := buildTable(t, catalog, miss)

	m, err := NewManager(dir, 10*time.Millisecond, staticSource{"fwd": table}, testLogger())
	require.NoError(t, err)

	go m.Run()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	// At least one periodic snapshot happened before Stop.
	_, err = os.Stat(filepath.Join(dir, "fwd.chk.zst"))
	assert.NoError(t, err)
}
