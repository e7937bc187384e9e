package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/logger"
	"github.com/ayende-gavran/gavran-go/internal/metrics"
	"github.com/ayende-gavran/gavran-go/internal/platform"
)

// WriteCallback is invoked synchronously after a transaction record has
// been fsynced to the active WAL file, receiving the raw bytes written —
// the log-shipping hook of spec §4.15.
type WriteCallback func(txID uint64, recordBytes []byte) error

// logFile tracks one of the two rotating WAL files.
type logFile struct {
	path      string
	file      *platform.File
	writePos  int64
	lastTxID  uint64
}

// WAL manages the two fixed-size rotating log files described in spec
// §4.13. Grounded in pkg/wal/wal.go's mutex-guarded rotation state,
// restructured from N-file keep-last-N rotation to a fixed two-file
// alternation.
type WAL struct {
	mu          sync.Mutex
	dir         string
	files       [2]*logFile
	active      int // index into files of the currently-appended-to file
	nominalSize int64
	encrypted   bool
	callback    WriteCallback
	log         *logger.Logger
	metrics     *metrics.Metrics
}

// Open opens (creating if absent) the two WAL files "<basePath>-a" and
// "<basePath>-b", sized to at least nominalSize.
func Open(basePath string, nominalSize int64, encrypted bool, cb WriteCallback, lg *logger.Logger, m *metrics.Metrics) (*WAL, error) {
	if nominalSize < layout.MinimumWALSize {
		nominalSize = layout.MinimumWALSize
	}
	w := &WAL{
		dir:         basePath,
		nominalSize: nominalSize,
		encrypted:   encrypted,
		callback:    cb,
		log:         lg,
		metrics:     m,
	}
	paths := [2]string{basePath + "-a", basePath + "-b"}
	for i, p := range paths {
		f, err := platform.CreateOrOpen(p)
		if err != nil {
			return nil, fmt.Errorf("wal: open %s: %w", p, err)
		}
		size, err := f.Size()
		if err != nil {
			return nil, err
		}
		if size < nominalSize {
			if err := f.Truncate(nominalSize); err != nil {
				return nil, fmt.Errorf("wal: size %s: %w", p, err)
			}
		}
		w.files[i] = &logFile{path: p, file: f}
	}
	return w, nil
}

// Active returns the currently active log file's path, for diagnostics.
func (w *WAL) Active() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[w.active].path
}

// Append serializes pages as one transaction record, writes it to the
// active log file (growing it if the record doesn't fit), fsyncs, and
// invokes the write callback, per spec §4.12.3.
func (w *WAL) Append(txID uint64, totalPages uint64, pages []PageInput) error {
	buf, err := Encode(txID, totalPages, pages, EncodeOptions{Encrypted: w.encrypted})
	if err != nil {
		return fmt.Errorf("wal append: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	lf := w.files[w.active]
	size, err := lf.file.Size()
	if err != nil {
		return err
	}
	if lf.writePos+int64(len(buf)) > size {
		newSize := lf.writePos + int64(len(buf))
		if newSize < size*2 {
			newSize = size * 2
		}
		if err := lf.file.Truncate(newSize); err != nil {
			return fmt.Errorf("wal append: grow %s: %w", lf.path, err)
		}
	}
	if err := lf.file.Pwrite(lf.writePos, buf); err != nil {
		return fmt.Errorf("wal append: write %s: %w", lf.path, err)
	}
	if err := lf.file.Fsync(); err != nil {
		return fmt.Errorf("wal append: fsync %s: %w", lf.path, err)
	}
	lf.writePos += int64(len(buf))
	lf.lastTxID = txID

	if w.metrics != nil {
		w.metrics.WALAppends.Inc()
		w.metrics.WALBytesWritten.Add(float64(len(buf)))
	}
	if w.log != nil {
		w.log.Debug("wal append").Str("file", lf.path).Uint64("tx_id", txID).Int("bytes", len(buf)).Send()
	}
	if w.callback != nil {
		if err := w.callback(txID, buf); err != nil {
			if w.log != nil {
				w.log.Warn("wal write callback failed").Uint64("tx_id", txID).Err(err).Send()
			}
		}
	}
	return nil
}

// ShouldRotate reports whether a checkpoint is legal right now, per spec
// §4.13: the active file must be more than half full, and txID (the last
// transaction folded into the data file by GC) must be newer than
// everything already durable in the *other* file — otherwise resetting
// that file would discard transactions a crash could still need replayed.
func (w *WAL) ShouldRotate(txID uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	active := w.files[w.active]
	other := w.files[1-w.active]
	return active.writePos >= w.nominalSize/2 && txID > other.lastTxID
}

// Checkpoint implements spec §4.13's reset/switch policy. The other file is
// always reset, since GC has already folded everything in it into the data
// file. If checkpointedThroughTxID also covers everything durable in the
// currently active file, that file is reset too and stays active;
// otherwise the active index switches to the freshly reset other file,
// leaving the current active file's still-unrecovered tail in place for a
// later checkpoint to clear.
func (w *WAL) Checkpoint(checkpointedThroughTxID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	other := 1 - w.active
	if err := w.resetFile(w.files[other]); err != nil {
		return err
	}

	active := w.files[w.active]
	if checkpointedThroughTxID >= active.lastTxID {
		if err := w.resetFile(active); err != nil {
			return err
		}
	} else {
		w.active = other
	}

	if w.metrics != nil {
		w.metrics.WALCheckpoints.Inc()
	}
	if w.log != nil {
		w.log.LogCheckpoint(w.files[w.active].path, checkpointedThroughTxID)
	}
	return nil
}

// resetFile truncates lf back to the WAL's nominal size (it may have grown
// past it to fit an oversized record) and clears its write position and
// last tx_id, so it can be reused from offset 0.
func (w *WAL) resetFile(lf *logFile) error {
	size, err := lf.file.Size()
	if err != nil {
		return err
	}
	if size > w.nominalSize {
		if err := lf.file.Truncate(w.nominalSize); err != nil {
			return fmt.Errorf("wal checkpoint: reset %s: %w", lf.path, err)
		}
	}
	lf.writePos = 0
	lf.lastTxID = 0
	return nil
}

// Close closes both log files; it does not sync them (Append already
// fsynced every record).
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, lf := range w.files {
		if lf == nil || lf.file == nil {
			continue
		}
		if err := lf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecoverAgainst replays both of this WAL's files against a data file,
// wrapping Recover with this WAL's own file handles and paths. Must be
// called before any Append, as part of Database.Open's startup sequence
// (spec §4.14).
func (w *WAL) RecoverAgainst(dataFile *platform.File, read PageReader, apply PageApplier, grow PageGrower, lastCommittedTx uint64, lg *logger.Logger) (uint64, []TouchedPage, error) {
	w.mu.Lock()
	files := [2]*platform.File{w.files[0].file, w.files[1].file}
	paths := [2]string{w.files[0].path, w.files[1].path}
	w.mu.Unlock()

	highest, touched, err := Recover(dataFile, files, paths, lastCommittedTx, read, apply, grow, lg)
	if err != nil {
		return highest, touched, err
	}
	if w.metrics != nil && highest > lastCommittedTx {
		w.metrics.WALRecoveredTxs.Add(float64(highest - lastCommittedTx))
	}
	return highest, touched, nil
}

// Remove deletes both WAL files; used only by tests and by a fresh
// destructive re-init, never by normal operation.
func (w *WAL) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, lf := range w.files {
		if lf == nil {
			continue
		}
		_ = lf.file.Close()
		if err := os.Remove(lf.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
