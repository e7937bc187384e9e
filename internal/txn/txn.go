// Package txn implements the single-writer/multi-reader MVCC transaction
// chain described in spec §4.4–§4.8: transaction creation, page
// read/modify/allocate/free, commit, rollback, and chain garbage
// collection. Grounded in pkg/storage/transaction.go's KVTX (Begin/Commit/
// Abort holding a private meta snapshot) and pkg/storage/kv.go's
// updateOrRevert two-phase commit, generalized from "one root pointer
// swap" to a linked chain of committed transactions that readers attach to.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayende-gavran/gavran-go/internal/errs"
	"github.com/ayende-gavran/gavran-go/internal/logger"
	"github.com/ayende-gavran/gavran-go/internal/meta"
	"github.com/ayende-gavran/gavran-go/internal/metrics"
	"github.com/ayende-gavran/gavran-go/internal/pagemap"
	"github.com/ayende-gavran/gavran-go/internal/platform"
	"github.com/ayende-gavran/gavran-go/internal/wal"
)

// Flags describe how a transaction was created.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagApplyLog // recovery/log-shipping replay: bypasses the single-writer guard
)

// GlobalState is the snapshot of file-level state a transaction observes at
// creation (spec §4.4): the committed file header plus the mapped size at
// that moment.
type GlobalState struct {
	Header     meta.FileHeader
	MappedSize int
}

// ValidationMode controls how much per-page hash checking GetPage performs
// when loading a page from outside the current transaction's own modified
// set (spec §4.10). Mirrored by database.ValidationMode; the two are kept
// as distinct types since internal/database imports internal/txn and not
// the reverse.
type ValidationMode int

const (
	ValidationNone ValidationMode = iota
	ValidationOnce
	ValidationAlways
)

// PageBuffer is one page (or multi-page run)'s buffered image inside a
// transaction's working set.
type PageBuffer struct {
	PageNum       uint64
	NumberOfPages uint32
	Data          []byte
	Previous      []byte // image as of transaction creation, for WAL diffing; nil if freshly allocated
	IsMetadata    bool
}

// Engine is the shared runtime state backing every transaction: the data
// file, the WAL, the MVCC chain, and the validation state. One Engine
// backs one open database (internal/database.Database embeds one).
type Engine struct {
	mu sync.Mutex

	File *platform.File
	WAL  *wal.WAL

	Logger  *logger.Logger
	Metrics *metrics.Metrics

	MasterKey  []byte // nil unless page encryption is enabled
	Validation ValidationMode

	lastTxID      uint64 // atomic
	activeWriteTx uint64 // atomic; 0 means no write txn open

	defaultReadTx *Transaction // sentinel: "read straight from the data file"
	headWriteTx   *Transaction // newest committed write tx, or nil

	oldestActiveTx uint64

	pending []*Transaction // committed+closed write txns awaiting GC

	// validatedOnce tracks which pages have already been integrity-checked
	// once, for ValidationOnce mode.
	validatedOnce map[uint64]bool
}

// NewEngine wires an Engine around an already-opened file/WAL pair and the
// file header as of the last successful commit (or a freshly initialized
// header for a new database).
func NewEngine(f *platform.File, w *wal.WAL, header meta.FileHeader, mappedSize int, lg *logger.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		File:          f,
		WAL:           w,
		Logger:        lg,
		Metrics:       m,
		oldestActiveTx: header.LastCommittedTx + 1,
		validatedOnce: make(map[uint64]bool),
	}
	atomic.StoreUint64(&e.lastTxID, header.LastCommittedTx)
	e.defaultReadTx = &Transaction{
		engine:   e,
		id:       header.LastCommittedTx,
		readOnly: true,
		global:   GlobalState{Header: header, MappedSize: mappedSize},
		usages:   1,
	}
	return e
}

// Transaction is one MVCC transaction, read-only or read/write.
type Transaction struct {
	engine *Engine

	id       uint64
	flags    Flags
	readOnly bool

	global GlobalState

	modified   *pagemap.Map // pageNum -> *PageBuffer, write txns only
	workingSet *pagemap.Map // pageNum -> *PageBuffer, decrypted read-staging

	attached *Transaction // for read txns: the write-chain node referenced

	prev, next *Transaction // chain links, committed write txns only
	usages     int
	canFreeAfterTxID uint64

	onForget   []func()
	onRollback []func()
	tempArena  [][]byte

	committed bool
	closed    bool
	startedAt time.Time
}

// ID returns the transaction's id: for a write txn, its own newly assigned
// id; for a read txn, the id of the write transaction it observes.
func (t *Transaction) ID() uint64 { return t.id }

// Create begins a new transaction per spec §4.4.
func Create(e *Engine, flags Flags) (*Transaction, error) {
	now := time.Now()
	if flags&FlagWrite != 0 && flags&FlagApplyLog == 0 {
		if !atomic.CompareAndSwapUint64(&e.activeWriteTx, 0, 1) {
			return nil, fmt.Errorf("%w: a write transaction is already open", errs.InvalidArgument)
		}
	}

	e.mu.Lock()
	head := e.headWriteTx
	if head == nil {
		head = e.defaultReadTx
	}
	var global GlobalState
	if head != nil {
		global = head.global
	}
	e.mu.Unlock()

	t := &Transaction{
		engine:    e,
		readOnly:  flags&FlagWrite == 0,
		flags:     flags,
		global:    global,
		startedAt: now,
	}

	if t.readOnly {
		e.mu.Lock()
		head.usages++
		e.mu.Unlock()
		t.attached = head
		t.id = head.id
		t.workingSet = pagemap.New()
		if e.Metrics != nil {
			e.Metrics.TxnActiveReaders.Inc()
		}
		return t, nil
	}

	newID := atomic.AddUint64(&e.lastTxID, 1)
	t.id = newID
	t.modified = pagemap.New()
	t.workingSet = pagemap.New()
	t.canFreeAfterTxID = newID
	return t, nil
}

// Engine returns the transaction's owning engine.
func (t *Transaction) Engine() *Engine { return t.engine }

// AllocTemp returns a zeroed scratch buffer owned by the transaction, freed
// automatically at Close.
func (t *Transaction) AllocTemp(size int) []byte {
	b := make([]byte, size)
	t.tempArena = append(t.tempArena, b)
	return b
}

// RegisterOnForget queues fn to run once this transaction is fully
// collected by GC (its pages merged/freed and it is detached from the
// chain).
func (t *Transaction) RegisterOnForget(fn func()) { t.onForget = append(t.onForget, fn) }

// RegisterOnRollback queues fn to run if this transaction is rolled back
// instead of committed.
func (t *Transaction) RegisterOnRollback(fn func()) { t.onRollback = append(t.onRollback, fn) }
