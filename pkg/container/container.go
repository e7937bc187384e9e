// ABOUTME: slotted variable-length record pages (the container primitive)
// ABOUTME: RecordID = page_num<<16|slot; supports add/get/update/delete/scan

// Package container implements spec's container module: one or more
// slotted pages holding variable-length records, addressed by a stable
// RecordID across in-page compaction. Grounded in
// pkg/storage/freelist.go's LNode unrolled-linked-list chaining idiom
// (page-to-page next-pointer) and pkg/btree/node.go's slotted-array
// accessor style, generalized from fixed key/value slots to tombstoned
// variable-length records with in-page compaction and page-to-page
// overflow chaining.
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/errs"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/meta"
	"github.com/ayende-gavran/gavran-go/internal/txn"
)

// RecordID identifies one record: the page it lives on, shifted left 16
// bits, or'd with its slot index within that page.
type RecordID uint64

// NewRecordID packs a page number and slot into a RecordID.
func NewRecordID(pageNum uint64, slot uint16) RecordID {
	return RecordID(pageNum<<16 | uint64(slot))
}

// PageNum extracts the page number from a RecordID.
func (r RecordID) PageNum() uint64 { return uint64(r) >> 16 }

// Slot extracts the slot index from a RecordID.
func (r RecordID) Slot() uint16 { return uint16(r) }

const (
	pageHeaderSize = 16 // magic-free header: slotCount(2) + freeStart(2) + freeEnd(2) + nextOverflow(8) + reserved(2)
	slotEntrySize  = 4  // offset(2) + length(2); length 0xFFFF marks a tombstone
	tombstoneLen   = 0xFFFF
)

// page is a byte-slice-as-struct view over one container page:
//
//	[0:2]   slot count
//	[2:4]   free-space start offset (grows upward as slots are appended)
//	[4:6]   free-space end offset (grows downward as record bytes are appended)
//	[6:14]  next overflow page number (0 = none)
//	[14:16] reserved
//	[16:16+4*n] slot table: (offset uint16, length uint16) per slot
//	rest: record bytes, appended from the end of the page backward
type page []byte

func (p page) slotCount() uint16    { return binary.LittleEndian.Uint16(p[0:2]) }
func (p page) setSlotCount(n uint16) { binary.LittleEndian.PutUint16(p[0:2], n) }
func (p page) freeStart() uint16    { return binary.LittleEndian.Uint16(p[2:4]) }
func (p page) setFreeStart(v uint16) { binary.LittleEndian.PutUint16(p[2:4], v) }
func (p page) freeEnd() uint16      { return binary.LittleEndian.Uint16(p[4:6]) }
func (p page) setFreeEnd(v uint16)  { binary.LittleEndian.PutUint16(p[4:6], v) }
func (p page) nextOverflow() uint64 { return binary.LittleEndian.Uint64(p[6:14]) }
func (p page) setNextOverflow(v uint64) { binary.LittleEndian.PutUint64(p[6:14], v) }

func (p page) slotOffset(i uint16) int { return pageHeaderSize + int(i)*slotEntrySize }

func (p page) slot(i uint16) (offset, length uint16) {
	so := p.slotOffset(i)
	return binary.LittleEndian.Uint16(p[so : so+2]), binary.LittleEndian.Uint16(p[so+2 : so+4])
}

func (p page) setSlot(i uint16, offset, length uint16) {
	so := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p[so:so+2], offset)
	binary.LittleEndian.PutUint16(p[so+2:so+4], length)
}

func initPage(p page) {
	p.setSlotCount(0)
	p.setFreeStart(pageHeaderSize)
	p.setFreeEnd(uint16(len(p)))
	p.setNextOverflow(0)
}

// freeBytes returns how much contiguous space remains between the slot
// table and the record-bytes region.
func (p page) freeBytes() int { return int(p.freeEnd()) - int(p.freeStart()) }

// Container is a handle bound to a transaction for storing variable-length
// records across a chain of pages.
type Container struct {
	tx       *txn.Transaction
	headPage uint64
}

// Open binds a Container to an existing head page (0 to lazily create one
// on first Add).
func Open(tx *txn.Transaction, headPage uint64) *Container {
	return &Container{tx: tx, headPage: headPage}
}

// HeadPage returns the container's first page number, allocating it if
// this is a brand-new container.
func (c *Container) HeadPage() (uint64, error) {
	if c.headPage != 0 {
		return c.headPage, nil
	}
	pn, buf, err := c.tx.AllocatePage(1, 0)
	if err != nil {
		return 0, fmt.Errorf("container: allocate head page: %w", err)
	}
	initPage(page(buf))
	rec, err := c.tx.ModifyMetadata(pn)
	if err != nil {
		return 0, err
	}
	rec.SetFlags(meta.FlagContainer)
	c.headPage = pn
	return pn, nil
}

// Add appends a new record, spilling to a fresh overflow page if the
// current tail page has no room, and returns its RecordID.
func (c *Container) Add(data []byte) (RecordID, error) {
	if len(data) > layout.PageSize-pageHeaderSize-slotEntrySize {
		return 0, fmt.Errorf("%w: record of %d bytes exceeds container page capacity", errs.InvalidArgument, len(data))
	}
	head, err := c.HeadPage()
	if err != nil {
		return 0, err
	}
	pn := head
	for {
		buf, err := c.tx.ModifyPage(pn, 1)
		if err != nil {
			return 0, err
		}
		p := page(buf)
		if p.freeBytes() >= len(data)+slotEntrySize {
			return c.addToPage(p, pn, data)
		}
		next := p.nextOverflow()
		if next == 0 {
			break
		}
		pn = next
	}

	newPN, newBuf, err := c.tx.AllocatePage(1, pn)
	if err != nil {
		return 0, fmt.Errorf("container: spill: %w", err)
	}
	initPage(page(newBuf))
	rec, err := c.tx.ModifyMetadata(newPN)
	if err != nil {
		return 0, err
	}
	rec.SetFlags(meta.FlagContainer)

	tailBuf, err := c.tx.ModifyPage(pn, 1)
	if err != nil {
		return 0, err
	}
	page(tailBuf).setNextOverflow(newPN)

	return c.addToPage(page(newBuf), newPN, data)
}

func (c *Container) addToPage(p page, pn uint64, data []byte) (RecordID, error) {
	slot := p.slotCount()
	newFreeEnd := p.freeEnd() - uint16(len(data))
	copy(p[newFreeEnd:], data)
	p.setSlot(slot, newFreeEnd, uint16(len(data)))
	p.setSlotCount(slot + 1)
	p.setFreeStart(p.freeStart() + slotEntrySize)
	p.setFreeEnd(newFreeEnd)
	return NewRecordID(pn, slot), nil
}

// Get returns a record's bytes, or ok=false if it was deleted or never
// existed at that slot.
func (c *Container) Get(id RecordID) ([]byte, bool, error) {
	buf, err := c.tx.GetPage(id.PageNum(), 1)
	if err != nil {
		return nil, false, err
	}
	p := page(buf)
	if id.Slot() >= p.slotCount() {
		return nil, false, nil
	}
	offset, length := p.slot(id.Slot())
	if length == tombstoneLen {
		return nil, false, nil
	}
	return p[offset : offset+length], true, nil
}

// Delete tombstones a record in place; its bytes remain until the next
// Compact of that page.
func (c *Container) Delete(id RecordID) error {
	buf, err := c.tx.ModifyPage(id.PageNum(), 1)
	if err != nil {
		return err
	}
	p := page(buf)
	if id.Slot() >= p.slotCount() {
		return fmt.Errorf("%w: no such record %d", errs.InvalidArgument, id)
	}
	offset, _ := p.slot(id.Slot())
	p.setSlot(id.Slot(), offset, tombstoneLen)
	return nil
}

// Update replaces a record's bytes in place if the new data is no longer
// than the current record; otherwise it deletes the old slot and re-adds the record
// (changing its RecordID — callers that need a stable id should store a
// level of indirection, as pkg/table does via its primary index).
func (c *Container) Update(id RecordID, data []byte) (RecordID, error) {
	buf, err := c.tx.ModifyPage(id.PageNum(), 1)
	if err != nil {
		return 0, err
	}
	p := page(buf)
	if id.Slot() >= p.slotCount() {
		return 0, fmt.Errorf("%w: no such record %d", errs.InvalidArgument, id)
	}
	_, oldLen := p.slot(id.Slot())
	if uint16(len(data)) <= oldLen {
		offset, _ := p.slot(id.Slot())
		copy(p[offset:offset+uint16(len(data))], data)
		p.setSlot(id.Slot(), offset, uint16(len(data)))
		return id, nil
	}
	if err := c.Delete(id); err != nil {
		return 0, err
	}
	return c.Add(data)
}

// Compact reclaims tombstoned and shrunk-record space on one page by
// rewriting its slot table and record bytes densely. RecordIDs on that
// page remain valid (slots keep their index; only offsets move).
func (c *Container) Compact(pageNum uint64) error {
	buf, err := c.tx.ModifyPage(pageNum, 1)
	if err != nil {
		return err
	}
	p := page(buf)
	n := p.slotCount()

	type live struct {
		slot uint16
		data []byte
	}
	entries := make([]live, 0, n)
	for i := uint16(0); i < n; i++ {
		offset, length := p.slot(i)
		if length == tombstoneLen {
			continue
		}
		cp := make([]byte, length)
		copy(cp, p[offset:offset+length])
		entries = append(entries, live{slot: i, data: cp})
	}

	freeEnd := uint16(len(p))
	for _, e := range entries {
		freeEnd -= uint16(len(e.data))
		copy(p[freeEnd:], e.data)
		p.setSlot(e.slot, freeEnd, uint16(len(e.data)))
	}
	p.setFreeEnd(freeEnd)
	return nil
}

// Scan walks every live record across the container's page chain, calling
// fn(id, data) for each until fn returns false.
func (c *Container) Scan(fn func(RecordID, []byte) bool) error {
	if c.headPage == 0 {
		return nil
	}
	pn := c.headPage
	for pn != 0 {
		buf, err := c.tx.GetPage(pn, 1)
		if err != nil {
			return err
		}
		p := page(buf)
		n := p.slotCount()
		for i := uint16(0); i < n; i++ {
			offset, length := p.slot(i)
			if length == tombstoneLen {
				continue
			}
			if !fn(NewRecordID(pn, i), p[offset:offset+length]) {
				return nil
			}
		}
		pn = p.nextOverflow()
	}
	return nil
}
