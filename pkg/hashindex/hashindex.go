// ABOUTME: extendible hash index with directory-page and bucket-page
// ABOUTME: chaining; local/global depth split and directory doubling

// Package hashindex implements the spec's extendible hash index module:
// FNV-1a hashing, a directory page of bucket pointers sized to
// 2^globalDepth, and bucket pages that split (doubling the directory when
// a bucket's local depth catches up to the global depth) instead of
// chaining indefinitely. Grounded in pkg/storage/freelist.go's
// unrolled-linked-list page-chaining idiom (LNode) for bucket overflow
// chains, and pkg/btree/node.go's slotted-array accessor style for bucket
// layout.
package hashindex

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/ayende-gavran/gavran-go/internal/errs"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/meta"
	"github.com/ayende-gavran/gavran-go/internal/txn"
)

// hashKey computes the FNV-1a 64-bit hash of a key.
func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return h.Sum64()
}

const (
	dirHeaderSize    = 8 // globalDepth(1) + reserved(7)
	dirEntrySize     = 8 // bucket page number, one per directory slot
	bucketHeaderSize = 24 // localDepth(1) + reserved(7) + slotCount(2) + freeEnd(2) + nextOverflow(8) + reserved(4)
	bucketSlotSize   = 4  // offset(2) + length(2)
	tombstoneLen     = 0xFFFF
)

// Index is a handle bound to a transaction for an extendible hash index.
type Index struct {
	tx        *txn.Transaction
	directory uint64
}

// dirPage is a byte-slice-as-struct view of the directory page.
type dirPage []byte

func (d dirPage) globalDepth() uint8     { return d[0] }
func (d dirPage) setGlobalDepth(v uint8) { d[0] = v }
func (d dirPage) bucketAt(i uint64) uint64 {
	off := dirHeaderSize + int(i)*dirEntrySize
	return binary.LittleEndian.Uint64(d[off : off+8])
}
func (d dirPage) setBucketAt(i uint64, pn uint64) {
	off := dirHeaderSize + int(i)*dirEntrySize
	binary.LittleEndian.PutUint64(d[off:off+8], pn)
}

func maxDirSlots() uint64 {
	return uint64((layout.PageSize - dirHeaderSize) / dirEntrySize)
}

// bucketPage is a byte-slice-as-struct view of one bucket page.
type bucketPage []byte

func (b bucketPage) localDepth() uint8     { return b[0] }
func (b bucketPage) setLocalDepth(v uint8) { b[0] = v }
func (b bucketPage) slotCount() uint16     { return binary.LittleEndian.Uint16(b[8:10]) }
func (b bucketPage) setSlotCount(v uint16) { binary.LittleEndian.PutUint16(b[8:10], v) }
func (b bucketPage) freeEnd() uint16       { return binary.LittleEndian.Uint16(b[10:12]) }
func (b bucketPage) setFreeEnd(v uint16)   { binary.LittleEndian.PutUint16(b[10:12], v) }
func (b bucketPage) nextOverflow() uint64  { return binary.LittleEndian.Uint64(b[12:20]) }
func (b bucketPage) setNextOverflow(v uint64) { binary.LittleEndian.PutUint64(b[12:20], v) }

func (b bucketPage) slotOffset(i uint16) int { return bucketHeaderSize + int(i)*bucketSlotSize }
func (b bucketPage) slot(i uint16) (offset, length uint16) {
	so := b.slotOffset(i)
	return binary.LittleEndian.Uint16(b[so : so+2]), binary.LittleEndian.Uint16(b[so+2 : so+4])
}
func (b bucketPage) setSlot(i uint16, offset, length uint16) {
	so := b.slotOffset(i)
	binary.LittleEndian.PutUint16(b[so:so+2], offset)
	binary.LittleEndian.PutUint16(b[so+2:so+4], length)
}

func initBucket(b bucketPage, localDepth uint8) {
	b.setLocalDepth(localDepth)
	b.setSlotCount(0)
	b.setFreeEnd(uint16(len(b)))
	b.setNextOverflow(0)
}

func (b bucketPage) freeBytes(slotTableEnd int) int { return int(b.freeEnd()) - slotTableEnd }

// entry layout within a bucket's record bytes: keyLen(2) valLen(2) key val
func encodeEntry(key, val []byte) []byte {
	buf := make([]byte, 4+len(key)+len(val))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(val)))
	copy(buf[4:], key)
	copy(buf[4+len(key):], val)
	return buf
}

func decodeEntry(e []byte) (key, val []byte) {
	kl := binary.LittleEndian.Uint16(e[0:2])
	vl := binary.LittleEndian.Uint16(e[2:4])
	return e[4 : 4+kl], e[4+kl : 4+kl+vl]
}

// Create initializes a brand-new index: a directory page with global depth
// 0 and a single bucket at local depth 0.
func Create(tx *txn.Transaction) (*Index, error) {
	dirPN, dirBuf, err := tx.AllocatePage(1, 0)
	if err != nil {
		return nil, fmt.Errorf("hashindex: allocate directory: %w", err)
	}
	d := dirPage(dirBuf)
	d.setGlobalDepth(0)

	bucketPN, bucketBuf, err := tx.AllocatePage(1, dirPN)
	if err != nil {
		return nil, fmt.Errorf("hashindex: allocate bucket: %w", err)
	}
	initBucket(bucketPage(bucketBuf), 0)
	d.setBucketAt(0, bucketPN)

	if rec, err := tx.ModifyMetadata(dirPN); err == nil {
		rec.SetFlags(meta.FlagHash)
	}
	if rec, err := tx.ModifyMetadata(bucketPN); err == nil {
		rec.SetFlags(meta.FlagHash)
	}
	return &Index{tx: tx, directory: dirPN}, nil
}

// Open binds an Index handle to an existing directory page.
func Open(tx *txn.Transaction, directoryPage uint64) *Index {
	return &Index{tx: tx, directory: directoryPage}
}

// DirectoryPage returns the index's directory page number.
func (ix *Index) DirectoryPage() uint64 { return ix.directory }

func (ix *Index) bucketFor(h uint64) (uint64, dirPage, error) {
	buf, err := ix.tx.GetPage(ix.directory, 1)
	if err != nil {
		return 0, nil, err
	}
	d := dirPage(buf)
	depth := d.globalDepth()
	slot := h & ((1 << depth) - 1)
	if depth == 0 {
		slot = 0
	}
	return d.bucketAt(slot), d, nil
}

// Get looks up key, returning its value and ok=true if present.
func (ix *Index) Get(key []byte) ([]byte, bool, error) {
	h := hashKey(key)
	pn, _, err := ix.bucketFor(h)
	if err != nil {
		return nil, false, err
	}
	for pn != 0 {
		buf, err := ix.tx.GetPage(pn, 1)
		if err != nil {
			return nil, false, err
		}
		b := bucketPage(buf)
		n := b.slotCount()
		for i := uint16(0); i < n; i++ {
			offset, length := b.slot(i)
			if length == tombstoneLen {
				continue
			}
			k, v := decodeEntry(b[offset : offset+length])
			if string(k) == string(key) {
				return v, true, nil
			}
		}
		pn = b.nextOverflow()
	}
	return nil, false, nil
}

// Put inserts or updates key/val, splitting the owning bucket (and
// doubling the directory if necessary) when it runs out of room.
func (ix *Index) Put(key, val []byte) error {
	entry := encodeEntry(key, val)
	if len(entry) > layout.PageSize-bucketHeaderSize-bucketSlotSize {
		return fmt.Errorf("%w: entry of %d bytes exceeds bucket page capacity", errs.InvalidArgument, len(entry))
	}
	h := hashKey(key)

	// Remove any existing entry for this key first (simplifies split logic:
	// bucket occupancy used for the split decision always reflects a clean
	// insert, matching pkg/storage/freelist.go's PushTail/PopHead symmetry).
	if err := ix.delete(key, h); err != nil {
		return err
	}

	pn, _, err := ix.bucketFor(h)
	if err != nil {
		return err
	}
	buf, err := ix.tx.ModifyPage(pn, 1)
	if err != nil {
		return err
	}
	b := bucketPage(buf)
	slotTableEnd := bucketHeaderSize + int(b.slotCount())*bucketSlotSize
	if b.freeBytes(slotTableEnd+bucketSlotSize) >= len(entry) {
		ix.appendToBucket(b, entry)
		return nil
	}

	return ix.split(pn, h, entry)
}

func (ix *Index) appendToBucket(b bucketPage, entry []byte) {
	slot := b.slotCount()
	newFreeEnd := b.freeEnd() - uint16(len(entry))
	copy(b[newFreeEnd:], entry)
	b.setSlot(slot, newFreeEnd, uint16(len(entry)))
	b.setSlotCount(slot + 1)
	b.setFreeEnd(newFreeEnd)
}

// split divides a full bucket's entries between it and a freshly allocated
// sibling, incrementing local depth; if local depth would exceed the
// directory's global depth, the directory is doubled first.
func (ix *Index) split(pn uint64, h uint64, pendingEntry []byte) error {
	dirBuf, err := ix.tx.ModifyPage(ix.directory, 1)
	if err != nil {
		return err
	}
	d := dirPage(dirBuf)

	oldBuf, err := ix.tx.ModifyPage(pn, 1)
	if err != nil {
		return err
	}
	old := bucketPage(oldBuf)
	localDepth := old.localDepth()

	if uint64(localDepth)+1 > uint64(d.globalDepth()) {
		if err := ix.doubleDirectory(d); err != nil {
			return err
		}
		dirBuf, err = ix.tx.GetPage(ix.directory, 1)
		if err != nil {
			return err
		}
		d = dirPage(dirBuf)
	}

	siblingPN, siblingBuf, err := ix.tx.AllocatePage(1, pn)
	if err != nil {
		return fmt.Errorf("hashindex: allocate sibling: %w", err)
	}
	newLocalDepth := localDepth + 1
	initBucket(bucketPage(siblingBuf), newLocalDepth)
	if rec, err := ix.tx.ModifyMetadata(siblingPN); err == nil {
		rec.SetFlags(meta.FlagHash)
	}

	// Re-fetch old (ModifyPage on the directory may have invalidated the
	// slice header, though not its backing array; re-reading is cheap and
	// keeps this function robust to future buffer-management changes).
	oldBuf, err = ix.tx.ModifyPage(pn, 1)
	if err != nil {
		return err
	}
	old = bucketPage(oldBuf)

	entries := collectEntries(old)
	entries = append(entries, splitEntry{encoded: pendingEntry})

	initBucket(old, newLocalDepth)
	newSibling := bucketPage(siblingBuf)

	highBit := uint64(1) << localDepth
	for _, e := range entries {
		k, _ := decodeEntry(e.encoded)
		eh := hashKey(k)
		if eh&highBit != 0 {
			ix.appendToBucket(newSibling, e.encoded)
		} else {
			ix.appendToBucket(old, e.encoded)
		}
	}

	mask := uint64(1)<<d.globalDepth() - 1
	for slot := uint64(0); slot <= mask; slot++ {
		if d.bucketAt(slot) == pn && slot&highBit != 0 {
			d.setBucketAt(slot, siblingPN)
		}
	}
	return nil
}

type splitEntry struct{ encoded []byte }

func collectEntries(b bucketPage) []splitEntry {
	n := b.slotCount()
	out := make([]splitEntry, 0, n)
	for i := uint16(0); i < n; i++ {
		offset, length := b.slot(i)
		if length == tombstoneLen {
			continue
		}
		cp := make([]byte, length)
		copy(cp, b[offset:offset+length])
		out = append(out, splitEntry{encoded: cp})
	}
	return out
}

// doubleDirectory grows the directory's addressable range by one bit,
// duplicating every existing bucket pointer into the new upper half.
func (ix *Index) doubleDirectory(d dirPage) error {
	depth := d.globalDepth()
	if uint64(1)<<(depth+1) > maxDirSlots() {
		return fmt.Errorf("%w: hash index directory at maximum capacity", errs.OutOfSpace)
	}
	oldCount := uint64(1) << depth
	for slot := uint64(0); slot < oldCount; slot++ {
		d.setBucketAt(slot+oldCount, d.bucketAt(slot))
	}
	d.setGlobalDepth(depth + 1)
	return nil
}

func (ix *Index) delete(key []byte, h uint64) error {
	pn, _, err := ix.bucketFor(h)
	if err != nil {
		return err
	}
	for pn != 0 {
		buf, err := ix.tx.ModifyPage(pn, 1)
		if err != nil {
			return err
		}
		b := bucketPage(buf)
		n := b.slotCount()
		for i := uint16(0); i < n; i++ {
			offset, length := b.slot(i)
			if length == tombstoneLen {
				continue
			}
			k, _ := decodeEntry(b[offset : offset+length])
			if string(k) == string(key) {
				b.setSlot(i, offset, tombstoneLen)
				return nil
			}
		}
		pn = b.nextOverflow()
	}
	return nil
}

// Delete removes key if present; it is not an error if key is absent.
func (ix *Index) Delete(key []byte) error {
	return ix.delete(key, hashKey(key))
}

// Scan walks every live entry across every bucket in directory order,
// calling fn(key, val) for each until fn returns false. Buckets shared by
// multiple directory slots (local depth < global depth) are visited once.
func (ix *Index) Scan(fn func(key, val []byte) bool) error {
	dirBuf, err := ix.tx.GetPage(ix.directory, 1)
	if err != nil {
		return err
	}
	d := dirPage(dirBuf)
	depth := d.globalDepth()
	count := uint64(1) << depth

	seen := make(map[uint64]bool)
	for slot := uint64(0); slot < count; slot++ {
		pn := d.bucketAt(slot)
		if seen[pn] {
			continue
		}
		seen[pn] = true
		for pn != 0 {
			buf, err := ix.tx.GetPage(pn, 1)
			if err != nil {
				return err
			}
			b := bucketPage(buf)
			n := b.slotCount()
			for i := uint16(0); i < n; i++ {
				offset, length := b.slot(i)
				if length == tombstoneLen {
					continue
				}
				k, v := decodeEntry(b[offset : offset+length])
				if !fn(k, v) {
					return nil
				}
			}
			pn = b.nextOverflow()
		}
	}
	return nil
}
