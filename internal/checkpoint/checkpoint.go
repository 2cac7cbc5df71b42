// Package checkpoint periodically snapshots every installed table to
// disk as a zstd-compressed file, so the runtime can restore its full
// entry set across a restart without replaying the control plane's
// history from scratch.
package checkpoint

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/matchtable/switchcore/internal/apperr"
	"github.com/matchtable/switchcore/internal/metrics"
	"github.com/matchtable/switchcore/pkg/matchtable"
)

// serializable is implemented by every concrete table variant
// (DirectMatchTable, IndirectMatchTable, IndirectWSMatchTable all define
// Serialize with this signature); it lets WriteAll treat them uniformly
// without a type switch.
type serializable interface {
	Serialize(w io.Writer) error
}

// Source is implemented by whatever owns the live set of tables (the
// runtime's switch object), giving checkpoint package access without an
// import cycle back into it.
type Source interface {
	// Tables returns every installed table's name paired with the
	// table itself. Indirect and indirect-WS tables are included;
	// their member/group pool lives in the ActionProfile they point
	// into, which may be shared across several tables, and is not part
	// of any checkpoint: only the tables' own entries are written.
	Tables() map[string]matchtable.Table
}

// Manager periodically writes checkpoints and can restore the most
// recent one.
type Manager struct {
	dir      string
	interval time.Duration
	source   Source
	logger   *logrus.Logger
	encoder  *zstd.Encoder

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a checkpoint manager writing into dir every
// interval.
func NewManager(dir string, interval time.Duration, source Source, logger *logrus.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.NewCritical(apperr.CodeCheckpointFailed, "checkpoint", "new_manager", "creating "+dir).Wrap(err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, apperr.NewCritical(apperr.CodeCheckpointFailed, "checkpoint", "new_manager", "creating zstd encoder").Wrap(err)
	}
	return &Manager{
		dir:      dir,
		interval: interval,
		source:   source,
		logger:   logger,
		encoder:  enc,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run periodically writes checkpoints until Stop is called.
func (m *Manager) Run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.WriteAll(); err != nil {
				m.logger.WithError(err).Error("checkpoint: write failed")
			}
		case <-m.stop:
			return
		}
	}
}

// Stop halts the periodic loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// WriteAll snapshots every table to dir/<name>.chk.zst. A table that
// doesn't implement Serialize (none currently, but Table doesn't
// guarantee it) is skipped with a logged warning rather than failing the
// whole run.
func (m *Manager) WriteAll() error {
	start := time.Now()
	defer func() {
		metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	}()

	for name, table := range m.source.Tables() {
		s, ok := table.(serializable)
		if !ok {
			m.logger.WithField("table", name).Warn("checkpoint: table does not support serialization, skipping")
			continue
		}
		if err := m.writeOne(name, s); err != nil {
			return apperr.New(apperr.CodeCheckpointFailed, "checkpoint", "write_all", "snapshotting table").
				WithMetadata("table", name).Wrap(err)
		}
	}
	return nil
}

func (m *Manager) writeOne(name string, table serializable) error {
	path := filepath.Join(m.dir, name+".chk.zst")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	zw := m.encoder
	zw.Reset(f)
	if err := table.Serialize(zw); err != nil {
		zw.Close()
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Read decompresses and returns the raw serialized contents of a single
// table's checkpoint file, for DeserializeDirectTable to parse.
func Read(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name+".chk.zst")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, apperr.New(apperr.CodeCheckpointFailed, "checkpoint", "read", "creating zstd reader").
			WithMetadata("table", name).Wrap(err)
	}
	defer dec.Close()

	return io.ReadAll(dec)
}
