// Package database wires together internal/platform, internal/wal, and
// internal/txn into the top-level embedded engine handle described in spec
// §4.10/§4.11/§4.14: Open, Close, initial-header formatting, and crash
// recovery on startup (growing the file when a recovered record needs more
// pages). Growth during allocation is done by internal/txn's allocator, not
// here. Grounded in pkg/storage/kv.go's
// Open/Close (createFileSync, loadMeta-or-init, extendMmap) generalized
// from a single meta-page design to the spec's file-header-plus-bitmap
// layout and two-file WAL.
package database

import (
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/bitmap"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/logger"
	"github.com/ayende-gavran/gavran-go/internal/meta"
	"github.com/ayende-gavran/gavran-go/internal/metrics"
	"github.com/ayende-gavran/gavran-go/internal/platform"
	"github.com/ayende-gavran/gavran-go/internal/txn"
	"github.com/ayende-gavran/gavran-go/internal/wal"
)

// ValidationMode controls how much per-page integrity checking Open and
// subsequent reads perform, per spec §4.9/§6.1.
type ValidationMode int

const (
	ValidationNone ValidationMode = iota
	ValidationOnce
	ValidationAlways
)

// Options configures an Open call.
type Options struct {
	MinimumSize    int64
	MaximumSize    int64
	WalSize        int64
	EncryptionKey  []byte // nil disables page encryption (integrity-hash mode only)
	AvoidMmapIO    bool
	Validation     ValidationMode
	LogShipTarget  string // stored but not read by Open; appended WAL records are forwarded only through WalWriteCallback
	WalWriteCallback wal.WriteCallback
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
}

// Database is an open embedded storage engine instance.
type Database struct {
	path    string
	opts    Options
	file    *platform.File
	wal     *wal.WAL
	engine  *txn.Engine
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// Open opens (or creates) the database at path, recovering from the WAL if
// the file was not cleanly closed, per spec §4.10/§4.14.
func Open(path string, opts Options) (*Database, error) {
	if opts.MinimumSize < layout.MinimumFileSize {
		opts.MinimumSize = layout.MinimumFileSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Component("database")
	}

	f, err := platform.CreateOrOpen(path)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	fresh := size == 0
	if fresh {
		if err := f.Truncate(opts.MinimumSize); err != nil {
			return nil, fmt.Errorf("database open: initial truncate: %w", err)
		}
		size = opts.MinimumSize
	}
	if err := f.MmapReadOnly(int(size)); err != nil {
		return nil, fmt.Errorf("database open: mmap: %w", err)
	}

	header, err := readOrInitHeader(f, fresh, size)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}

	walBase := path + ".wal"
	w, err := wal.Open(walBase, opts.WalSize, len(opts.EncryptionKey) > 0, opts.WalWriteCallback, opts.Logger.Component("wal"), opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}

	recoveredTo, touched, err := recoverIfNeeded(f, w, header, opts)
	if err != nil {
		return nil, fmt.Errorf("database open: recovery: %w", err)
	}
	if recoveredTo > header.LastCommittedTx {
		header.LastCommittedTx = recoveredTo
		if err := writeHeader(f, header); err != nil {
			return nil, fmt.Errorf("database open: persist recovered header: %w", err)
		}
	}

	eng := txn.NewEngine(f, w, header, f.MappedSize(), opts.Logger.Component("txn"), opts.Metrics)
	eng.MasterKey = opts.EncryptionKey
	eng.Validation = txn.ValidationMode(opts.Validation)

	if len(touched) > 0 {
		if err := revalidateRecoveredPages(eng, touched); err != nil {
			return nil, fmt.Errorf("database open: revalidate recovered pages: %w", err)
		}
	}

	db := &Database{
		path:    path,
		opts:    opts,
		file:    f,
		wal:     w,
		engine:  eng,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if opts.Metrics != nil {
		opts.Metrics.UpdateStorageStats(size, int64(f.MappedSize()), header.TotalPages)
	}
	return db, nil
}

// revalidateRecoveredPages runs every page recovery wrote back through the
// engine's normal validating read path (spec §4.14 step 5), catching a WAL
// record whose payload was itself corrupt in a way its own hash happened
// to survive transcription but the reconstructed page's hash does not.
func revalidateRecoveredPages(eng *txn.Engine, touched []wal.TouchedPage) error {
	t, err := txn.Create(eng, txn.FlagRead)
	if err != nil {
		return err
	}
	defer t.Close()

	for _, p := range touched {
		if _, err := t.GetPage(p.PageNum, p.NumberOfPages); err != nil {
			return fmt.Errorf("page %d: %w", p.PageNum, err)
		}
	}
	return nil
}

// readOrInitHeader reads the file header from page 0 slot 0, or formats a
// fresh one (plus an initial free-space bitmap page) for a newly created
// file, per spec §4.3/§4.11.
func readOrInitHeader(f *platform.File, fresh bool, size int64) (meta.FileHeader, error) {
	totalPages := uint64(size / layout.PageSize)

	page0, err := f.ReadAt(0, layout.PageSize)
	if err != nil {
		return meta.FileHeader{}, err
	}
	g := meta.GroupPage(page0)
	slot0 := g.Record(0)

	if !fresh && !slot0.IsZero() {
		return meta.DecodeFileHeader(slot0)
	}

	bitmapStart := uint64(1)
	bitmapBytes := (totalPages + 7) / 8
	bitmapPages := uint64(layout.PagesForBytes(int(bitmapBytes)))
	if bitmapPages < 1 {
		bitmapPages = 1
	}

	header := meta.FileHeader{
		Version:         layout.Version,
		PageSizeLog2:    layout.PageSizeLog2,
		TotalPages:      totalPages,
		LastCommittedTx: 0,
		FreeBitmapStart: bitmapStart,
	}
	if err := writeHeader(f, header); err != nil {
		return header, err
	}

	bm := make(bitmap.Bitmap, int(bitmapPages)*layout.PageSize)
	bm.SetRange(0, bitmapStart+bitmapPages, true) // header page + bitmap pages themselves
	if err := f.Pwrite(layout.PageOffset(layout.PageNum(bitmapStart)), bm); err != nil {
		return header, err
	}

	return header, nil
}

func writeHeader(f *platform.File, header meta.FileHeader) error {
	var rec meta.Record
	meta.EncodeFileHeader(&rec, header)
	return f.Pwrite(0, rec[:])
}

func recoverIfNeeded(f *platform.File, w *wal.WAL, header meta.FileHeader, opts Options) (uint64, []wal.TouchedPage, error) {
	read := func(pageNum uint64, numberOfPages uint32) ([]byte, error) {
		n := int(numberOfPages) * layout.PageSize
		return f.Pread(layout.PageOffset(layout.PageNum(pageNum)), n)
	}
	apply := func(pageNum uint64, data []byte) error {
		return f.Pwrite(layout.PageOffset(layout.PageNum(pageNum)), data)
	}
	grow := func(totalPages uint64) error {
		want := layout.PageOffset(layout.PageNum(totalPages))
		size, err := f.Size()
		if err != nil {
			return err
		}
		if want <= size {
			return nil
		}
		return f.Truncate(want)
	}
	// wal.Recover needs the two underlying *platform.File handles, which
	// are private to *wal.WAL; RecoverAgainst runs it over the WAL's own
	// already-open handles.
	return w.RecoverAgainst(f, read, apply, grow, header.LastCommittedTx, opts.Logger)
}

// Close closes the database's WAL and data file handles; neither is
// synced here.
func (db *Database) Close() error {
	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.file != nil {
		if err := db.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Engine exposes the underlying transaction engine for pkg/btree,
// pkg/container, pkg/hashindex, and pkg/table to build on.
func (db *Database) Engine() *txn.Engine { return db.engine }

// BeginRead starts a read-only transaction.
func (db *Database) BeginRead() (*txn.Transaction, error) {
	return txn.Create(db.engine, txn.FlagRead)
}

// BeginWrite starts the single read/write transaction, failing if one is
// already open.
func (db *Database) BeginWrite() (*txn.Transaction, error) {
	return txn.Create(db.engine, txn.FlagWrite)
}

// Path returns the on-disk path the database was opened from.
func (db *Database) Path() string { return db.path }
