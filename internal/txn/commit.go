package txn

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ayende-gavran/gavran-go/internal/cryptoenv"
	"github.com/ayende-gavran/gavran-go/internal/errs"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/meta"
	"github.com/ayende-gavran/gavran-go/internal/wal"
)

// Commit durably persists this transaction per spec §4.7/§4.8: finalize
// every modified page (hash or encrypt it), serialize the result to the
// WAL, fsync, link it onto the write chain, and free the single-writer
// slot. After Commit returns, Close still must be called to release the
// writer's own reference on the chain.
func (t *Transaction) Commit() error {
	if t.readOnly {
		return fmt.Errorf("%w: commit on read-only transaction", errs.InvalidArgument)
	}
	if t.committed {
		return fmt.Errorf("%w: transaction already committed", errs.InvalidArgument)
	}

	if t.flags&FlagApplyLog == 0 && t.modified.Len() > 0 {
		if err := t.finalizeModifiedPages(); err != nil {
			return fmt.Errorf("commit tx %d: %w", t.id, err)
		}
	}

	pages := make([]wal.PageInput, 0, t.modified.Len())
	t.modified.Each(func(pageNum uint64, v any) {
		pb := v.(*PageBuffer)
		pages = append(pages, wal.PageInput{
			PageNum:       pb.PageNum,
			NumberOfPages: pb.NumberOfPages,
			Data:          pb.Data,
			Previous:      pb.Previous,
		})
	})

	if t.engine.WAL != nil && len(pages) > 0 {
		if err := t.engine.WAL.Append(t.id, t.global.Header.TotalPages, pages); err != nil {
			return fmt.Errorf("commit tx %d: %w", t.id, err)
		}
	}

	t.global.Header.LastCommittedTx = t.id

	t.engine.mu.Lock()
	t.prev = t.engine.headWriteTx
	if t.prev != nil {
		t.prev.next = t
	}
	t.engine.headWriteTx = t
	t.engine.mu.Unlock()

	t.usages = 1
	t.committed = true

	if t.flags&FlagWrite != 0 && t.flags&FlagApplyLog == 0 {
		atomic.StoreUint64(&t.engine.activeWriteTx, 0)
	}
	if t.engine.Metrics != nil {
		t.engine.Metrics.RecordCommit(time.Since(t.startedAt))
	}
	if t.engine.Logger != nil {
		t.engine.Logger.LogTxnCommit(t.id, t.modified.Len(), time.Since(t.startedAt))
	}
	return nil
}

// finalizeModifiedPages runs page finalization (§4.9) in the two passes the
// spec requires: every non-metadata page first (since hashing/encrypting it
// writes into its metadata record, which may itself need to be
// copy-on-written for the first time), then every metadata page, whose own
// envelope lives inside itself and must reflect the final state of every
// record the first pass just touched.
func (t *Transaction) finalizeModifiedPages() error {
	type entry struct {
		pageNum uint64
		pb      *PageBuffer
	}

	var nonMeta []entry
	t.modified.Each(func(pageNum uint64, v any) {
		if pb := v.(*PageBuffer); !pb.IsMetadata {
			nonMeta = append(nonMeta, entry{pageNum, pb})
		}
	})
	for _, e := range nonMeta {
		if err := t.finalizePage(e.pb); err != nil {
			return err
		}
	}

	var metaPages []entry
	t.modified.Each(func(pageNum uint64, v any) {
		if pb := v.(*PageBuffer); pb.IsMetadata {
			metaPages = append(metaPages, entry{pageNum, pb})
		}
	})
	for _, e := range metaPages {
		if err := t.finalizePage(e.pb); err != nil {
			return err
		}
	}
	return nil
}

// finalizePage computes and stores the integrity hash or AEAD encryption
// for one modified page. A metadata page's envelope is the first 32 bytes
// of itself; any other page's envelope lives in the record describing it
// inside its group's metadata page.
func (t *Transaction) finalizePage(pb *PageBuffer) error {
	if pb.IsMetadata {
		rec := (*meta.Record)(pb.Data[0:layout.MetadataRecordSize])
		return t.finalizeEnvelope(rec, pb.PageNum, pb.Data[layout.EnvelopeSize:])
	}
	rec, err := t.ModifyMetadata(pb.PageNum)
	if err != nil {
		return fmt.Errorf("finalize page %d: %w", pb.PageNum, err)
	}
	if rec.IsZero() && isZero(pb.Data) {
		// A freed page: its record stays zero, which reads accept for an
		// all-zero page.
		return nil
	}
	return t.finalizeEnvelope(rec, pb.PageNum, pb.Data)
}

// finalizeEnvelope hashes or encrypts body in place, per the engine's
// configured mode, and stores the result into dst's crypto envelope.
func (t *Transaction) finalizeEnvelope(dst *meta.Record, pageNum uint64, body []byte) error {
	if len(t.engine.MasterKey) == 0 {
		dst.SetHash(cryptoenv.HashPage(body))
		return nil
	}

	subkey, err := cryptoenv.DeriveSubkey(t.engine.MasterKey, pageNum)
	if err != nil {
		return fmt.Errorf("finalize page %d: %w", pageNum, err)
	}
	defer cryptoenv.ZeroKey(subkey[:])

	prevNonce, prevMAC := dst.NonceAndMAC()
	isFirst := isZero(prevNonce[:]) && isZero(prevMAC[:])
	nonce, err := cryptoenv.NextNonce(prevNonce, isFirst)
	if err != nil {
		return fmt.Errorf("finalize page %d: %w", pageNum, err)
	}
	mac, err := cryptoenv.EncryptPage(subkey, nonce, body)
	if err != nil {
		return fmt.Errorf("finalize page %d: %w", pageNum, err)
	}
	dst.SetNonceAndMAC(nonce, mac)
	return nil
}

// Rollback discards a write transaction's buffered changes without linking
// it onto the chain, running any registered on-rollback callbacks and
// releasing the single-writer slot, per spec §4.7.
func (t *Transaction) Rollback() error {
	if t.readOnly {
		return nil
	}
	if t.committed {
		return fmt.Errorf("%w: rollback on committed transaction", errs.InvalidArgument)
	}
	for i := len(t.onRollback) - 1; i >= 0; i-- {
		t.onRollback[i]()
	}
	if t.flags&FlagWrite != 0 && t.flags&FlagApplyLog == 0 {
		atomic.StoreUint64(&t.engine.activeWriteTx, 0)
	}
	if t.engine.Metrics != nil {
		t.engine.Metrics.RecordRollback()
	}
	if t.engine.Logger != nil {
		t.engine.Logger.LogTxnRollback(t.id, nil)
	}
	t.closed = true
	return nil
}

// Close releases the transaction's hold on the MVCC chain. For a read
// transaction, this decrements the usage count of the write-chain node it
// attached to. For a committed write transaction, this drops its own
// baseline reference (set to 1 at Commit). Either case may trigger GC.
func (t *Transaction) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	if t.readOnly {
		if t.engine.Metrics != nil {
			t.engine.Metrics.TxnActiveReaders.Dec()
		}
		return t.release(t.attached)
	}
	if !t.committed {
		return t.Rollback()
	}

	t.engine.mu.Lock()
	t.engine.pending = append(t.engine.pending, t)
	t.engine.mu.Unlock()

	return t.release(t)
}

func (t *Transaction) release(node *Transaction) error {
	if node == nil {
		return nil
	}
	t.engine.mu.Lock()
	node.usages--
	trigger := node.usages == 0
	t.engine.mu.Unlock()
	if trigger {
		return t.engine.gc()
	}
	return nil
}

// gc walks the write chain from its oldest committed transaction forward,
// merging and flushing every consecutive transaction with zero readers,
// per spec §4.8.
func (e *Engine) gc() error {
	e.mu.Lock()
	if e.defaultReadTx.next == nil {
		e.mu.Unlock()
		return nil
	}

	var latestUnused *Transaction
	node := e.defaultReadTx.next
	for node != nil && node.usages == 0 {
		latestUnused = node
		node = node.next
	}
	if latestUnused == nil {
		e.mu.Unlock()
		return nil
	}
	segmentStart := e.defaultReadTx.next
	e.mu.Unlock()

	// Merge older transactions' modified pages forward into latestUnused,
	// skipping page numbers it already owns the newest version of.
	for cur := segmentStart; cur != latestUnused; cur = cur.next {
		cur.modified.Each(func(pageNum uint64, v any) {
			if v == nil {
				return
			}
			if _, exists := latestUnused.modified.Get(pageNum); !exists {
				latestUnused.modified.Put(pageNum, v)
			}
			cur.modified.Clear(pageNum)
		})
	}

	written := 0
	var writeErr error
	latestUnused.modified.Each(func(pageNum uint64, v any) {
		if writeErr != nil || v == nil {
			return
		}
		pb := v.(*PageBuffer)
		offset := layout.PageOffset(layout.PageNum(pb.PageNum))
		if err := e.File.Pwrite(offset, pb.Data); err != nil {
			writeErr = fmt.Errorf("gc: write page %d: %w", pb.PageNum, err)
			return
		}
		written++
	})
	if writeErr != nil {
		return writeErr
	}
	if err := e.File.Fsync(); err != nil {
		return fmt.Errorf("gc: fsync: %w", err)
	}

	e.mu.Lock()
	e.oldestActiveTx = latestUnused.id + 1
	e.defaultReadTx.global = latestUnused.global
	e.defaultReadTx.id = latestUnused.id
	e.defaultReadTx.next = latestUnused.next
	if latestUnused.next != nil {
		latestUnused.next.prev = e.defaultReadTx
	} else {
		e.headWriteTx = e.defaultReadTx
	}

	var freed []*Transaction
	remaining := e.pending[:0]
	for _, p := range e.pending {
		if p.id <= e.oldestActiveTx-1 || p.canFreeAfterTxID <= e.oldestActiveTx {
			freed = append(freed, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	e.pending = remaining
	e.mu.Unlock()

	if e.WAL != nil && e.WAL.ShouldRotate(latestUnused.id) {
		_ = e.WAL.Checkpoint(latestUnused.id)
	}
	if e.Metrics != nil {
		e.Metrics.GCMergesTotal.Inc()
		e.Metrics.GCPagesFreedTotal.Add(float64(written))
		e.Metrics.OldestActiveTxID.Set(float64(e.oldestActiveTx))
	}
	if e.Logger != nil {
		e.Logger.LogGC(latestUnused.id, written, e.WAL != nil)
	}

	for _, p := range freed {
		for i := len(p.onForget) - 1; i >= 0; i-- {
			p.onForget[i]()
		}
	}
	return nil
}
