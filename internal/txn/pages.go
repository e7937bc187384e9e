package txn

import (
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/bitmap"
	"github.com/ayende-gavran/gavran-go/internal/cryptoenv"
	"github.com/ayende-gavran/gavran-go/internal/errs"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/meta"
)

// GetPage returns a read-only view of a page (or run of numberOfPages
// pages) as of this transaction's snapshot: its own modified set first,
// then walking Prev links of the write chain it is attached to, finally
// falling back to the mmap'd data file, per spec §4.5.
//
// A page found in the transaction's own (uncommitted) modified set is
// returned as-is: it is a private COW buffer this transaction is free to
// mutate further and has not gone through finalization yet. Anything else
// — a page inherited from a committed predecessor on the chain, or read
// fresh from the file — was finalized at some earlier commit (§4.9) and is
// decrypted or hash-validated here before being handed back, then cached in
// working_set so repeated reads don't redo that work.
func (t *Transaction) GetPage(pageNum uint64, numberOfPages uint32) ([]byte, error) {
	if numberOfPages == 0 {
		numberOfPages = 1
	}
	if t.modified != nil {
		if v, ok := t.modified.Get(pageNum); ok && v != nil {
			return v.(*PageBuffer).Data, nil
		}
	}
	if t.workingSet != nil {
		if v, ok := t.workingSet.Get(pageNum); ok && v != nil {
			return v.([]byte), nil
		}
	}

	raw, err := t.loadFinalized(pageNum, numberOfPages)
	if err != nil {
		return nil, err
	}

	if t.flags&FlagApplyLog != 0 {
		// Already validated/decrypted on the source side (§4.15 step 5).
		return raw, nil
	}

	owned := make([]byte, len(raw))
	copy(owned, raw)
	if err := t.decryptOrValidate(pageNum, owned); err != nil {
		return nil, err
	}
	if t.workingSet != nil {
		t.workingSet.Put(pageNum, owned)
	}
	return owned, nil
}

// loadFinalized returns the raw, still-encrypted-or-hashed bytes for
// pageNum: a committed predecessor's buffer if one is reachable on the
// chain, otherwise the file's own image.
func (t *Transaction) loadFinalized(pageNum uint64, numberOfPages uint32) ([]byte, error) {
	node := t.attached
	if node == nil && !t.readOnly {
		node = t.prev
	}
	for node != nil {
		if node.modified != nil {
			if v, ok := node.modified.Get(pageNum); ok && v != nil {
				return v.(*PageBuffer).Data, nil
			}
		}
		node = node.prev
	}
	return t.readFromFile(pageNum, numberOfPages)
}

// decryptOrValidate applies §4.9/§4.10 to a freshly loaded page image in
// place: decrypt it if the database is encrypted, otherwise check its
// BLAKE2b hash against the configured validation policy. A page at the
// start of its own 128-page group carries its envelope inside itself (the
// first 32 bytes); any other page's envelope lives in its group's metadata
// record, fetched via GetMetadata (itself subject to the same treatment,
// recursively, for that different page).
func (t *Transaction) decryptOrValidate(pageNum uint64, buf []byte) error {
	isMetaPage := pageNum%layout.PagesPerGroup == 0
	if len(t.engine.MasterKey) > 0 {
		return t.decryptPage(pageNum, buf, isMetaPage)
	}
	return t.validatePage(pageNum, buf, isMetaPage)
}

func (t *Transaction) decryptPage(pageNum uint64, buf []byte, isMetaPage bool) error {
	var nonce [12]byte
	var mac [16]byte
	body := buf
	if isMetaPage {
		rec := (*meta.Record)(buf[0:layout.MetadataRecordSize])
		nonce, mac = rec.NonceAndMAC()
		body = buf[layout.EnvelopeSize:]
	} else {
		rec, err := t.GetMetadata(pageNum)
		if err != nil {
			return err
		}
		nonce, mac = rec.NonceAndMAC()
	}

	subkey, err := cryptoenv.DeriveSubkey(t.engine.MasterKey, pageNum)
	if err != nil {
		return fmt.Errorf("decrypt page %d: %w", pageNum, err)
	}
	defer cryptoenv.ZeroKey(subkey[:])

	if err := cryptoenv.DecryptPage(subkey, nonce, mac, body); err != nil {
		return fmt.Errorf("%w: page %d: %v", errs.CorruptedPage, pageNum, err)
	}
	return nil
}

func (t *Transaction) validatePage(pageNum uint64, buf []byte, isMetaPage bool) error {
	switch t.engine.Validation {
	case ValidationNone:
		return nil
	case ValidationOnce:
		t.engine.mu.Lock()
		already := t.engine.validatedOnce[pageNum]
		if !already {
			t.engine.validatedOnce[pageNum] = true
		}
		t.engine.mu.Unlock()
		if already {
			return nil
		}
	}

	var expected [32]byte
	body := buf
	if isMetaPage {
		rec := (*meta.Record)(buf[0:layout.MetadataRecordSize])
		expected = rec.Hash()
		body = buf[layout.EnvelopeSize:]
	} else {
		rec, err := t.GetMetadata(pageNum)
		if err != nil {
			return err
		}
		expected = rec.Hash()
	}

	if isZero(expected[:]) && isZero(body) {
		return nil // freshly allocated, never committed yet
	}
	if got := cryptoenv.HashPage(body); got != expected {
		return fmt.Errorf("%w: page %d: hash mismatch", errs.CorruptedPage, pageNum)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (t *Transaction) readFromFile(pageNum uint64, numberOfPages uint32) ([]byte, error) {
	n := int(numberOfPages) * layout.PageSize
	offset := layout.PageOffset(layout.PageNum(pageNum))
	if err := t.engine.File.MmapReadOnly(int(offset) + n); err != nil {
		return nil, fmt.Errorf("get page %d: %w", pageNum, err)
	}
	data, err := t.engine.File.ReadAt(offset, n)
	if err != nil {
		return nil, fmt.Errorf("get page %d: %w", pageNum, err)
	}
	return data, nil
}

// ModifyPage returns a private, copy-on-write buffer for pageNum that the
// caller may mutate; the buffer is recorded in the transaction's modified
// set and will be durable at Commit (spec §4.7). Calling ModifyPage twice
// for the same page within one transaction returns the same buffer.
func (t *Transaction) ModifyPage(pageNum uint64, numberOfPages uint32) ([]byte, error) {
	if t.readOnly {
		return nil, fmt.Errorf("%w: modify page on read-only transaction", errs.InvalidArgument)
	}
	if numberOfPages == 0 {
		numberOfPages = 1
	}
	if v, ok := t.modified.Get(pageNum); ok && v != nil {
		return v.(*PageBuffer).Data, nil
	}

	current, err := t.GetPage(pageNum, numberOfPages)
	if err != nil {
		return nil, err
	}
	prevCopy := make([]byte, len(current))
	copy(prevCopy, current)

	buf := make([]byte, len(current))
	copy(buf, current)

	pb := &PageBuffer{PageNum: pageNum, NumberOfPages: numberOfPages, Data: buf, Previous: prevCopy}
	t.modified.Put(pageNum, pb)
	return buf, nil
}

// GetMetadata returns the metadata record for pageNum's owning group,
// reading it through GetPage, per spec §4.3.
func (t *Transaction) GetMetadata(pageNum uint64) (*meta.Record, error) {
	groupStart := uint64(layout.GroupStart(layout.PageNum(pageNum)))
	page, err := t.GetPage(groupStart, 1)
	if err != nil {
		return nil, err
	}
	slot := layout.SlotIndex(layout.PageNum(pageNum))
	g := meta.GroupPage(page)
	if err := meta.ValidateGroupHeader(g, groupStart == 0); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.CorruptedPage, err)
	}
	return g.Record(slot), nil
}

// ModifyMetadata returns a writable metadata record for pageNum's owning
// group, copy-on-writing the whole metadata page through ModifyPage.
func (t *Transaction) ModifyMetadata(pageNum uint64) (*meta.Record, error) {
	groupStart := uint64(layout.GroupStart(layout.PageNum(pageNum)))
	page, err := t.ModifyPage(groupStart, 1)
	if err != nil {
		return nil, err
	}
	if v, ok := t.modified.Get(groupStart); ok && v != nil {
		v.(*PageBuffer).IsMetadata = true
	}
	slot := layout.SlotIndex(layout.PageNum(pageNum))
	return meta.GroupPage(page).Record(slot), nil
}

// AllocatePage finds free_pages, marks them busy in the bitmap, stages a
// zeroed buffer for them in the modified set, and writes their metadata
// record, per spec §4.2/§4.7. nearbyHint biases the search near an
// existing related page (0 means "search from the start").
func (t *Transaction) AllocatePage(numberOfPages uint32, nearbyHint uint64) (uint64, []byte, error) {
	if t.readOnly {
		return 0, nil, fmt.Errorf("%w: allocate on read-only transaction", errs.InvalidArgument)
	}
	if t.engine.Metrics != nil {
		t.engine.Metrics.AllocatorCallsTotal.Inc()
	}

	bitmapPageNum := t.global.Header.FreeBitmapStart
	total := t.global.Header.TotalPages

	bm, err := t.ModifyPage(bitmapPageNum, bitmapPagesFor(total))
	if err != nil {
		return 0, nil, fmt.Errorf("allocate: load bitmap: %w", err)
	}

	res, ok := bitmap.Search(bitmap.Bitmap(bm), uint64(numberOfPages), nearbyHint, total)
	if !ok {
		grown, growErr := t.growAndRetry(numberOfPages, nearbyHint)
		if growErr != nil {
			return 0, nil, fmt.Errorf("%w: no space for %d pages: %v", errs.OutOfSpace, numberOfPages, growErr)
		}
		return grown.pageNum, grown.data, nil
	}

	bitmap.Bitmap(bm).SetRange(res.Position, uint64(numberOfPages), true)

	data := make([]byte, int(numberOfPages)*layout.PageSize)
	pb := &PageBuffer{PageNum: res.Position, NumberOfPages: numberOfPages, Data: data}
	t.modified.PutNew(res.Position, pb)

	rec, err := t.ModifyMetadata(res.Position)
	if err != nil {
		return 0, nil, fmt.Errorf("allocate: metadata: %w", err)
	}
	rec.SetFlags(meta.FlagData)
	rec.SetNumberOfPages(numberOfPages)

	return res.Position, data, nil
}

type grownAlloc struct {
	pageNum uint64
	data    []byte
}

// growAndRetry extends the database's total page count so a failed search
// has room, mirroring spec §4.11's geometric growth, then retries the
// search once against the extended range.
func (t *Transaction) growAndRetry(numberOfPages uint32, nearbyHint uint64) (*grownAlloc, error) {
	old := t.global.Header.TotalPages
	grow := old / 4
	if grow < uint64(numberOfPages)*2 {
		grow = uint64(numberOfPages) * 8
	}
	newTotal := old + grow

	bitmapPageNum := t.global.Header.FreeBitmapStart
	bm, err := t.ModifyPage(bitmapPageNum, bitmapPagesFor(newTotal))
	if err != nil {
		return nil, err
	}
	res, ok := bitmap.Search(bitmap.Bitmap(bm), uint64(numberOfPages), old, newTotal)
	if !ok {
		return nil, fmt.Errorf("still no space after growing to %d pages", newTotal)
	}
	bitmap.Bitmap(bm).SetRange(res.Position, uint64(numberOfPages), true)
	t.global.Header.TotalPages = newTotal

	data := make([]byte, int(numberOfPages)*layout.PageSize)
	pb := &PageBuffer{PageNum: res.Position, NumberOfPages: numberOfPages, Data: data}
	t.modified.PutNew(res.Position, pb)

	rec, err := t.ModifyMetadata(res.Position)
	if err != nil {
		return nil, err
	}
	rec.SetFlags(meta.FlagData)
	rec.SetNumberOfPages(numberOfPages)

	return &grownAlloc{pageNum: res.Position, data: data}, nil
}

// FreePage marks a previously allocated page run free per spec §4.7: zero
// the page body, clear its bitmap bits, zero its metadata record, and, if
// that leaves its containing 128-page group with nothing busy but the
// metadata page itself, recursively free the metadata page too. The page's
// buffer, if any, remains reachable to older readers via the MVCC chain
// until GC.
func (t *Transaction) FreePage(pageNum uint64, numberOfPages uint32) error {
	if t.readOnly {
		return fmt.Errorf("%w: free page on read-only transaction", errs.InvalidArgument)
	}
	if t.engine.Metrics != nil {
		t.engine.Metrics.AllocatorFreesTotal.Inc()
	}

	body, err := t.ModifyPage(pageNum, numberOfPages)
	if err != nil {
		return fmt.Errorf("free page %d: %w", pageNum, err)
	}
	for i := range body {
		body[i] = 0
	}

	bitmapPageNum := t.global.Header.FreeBitmapStart
	bm, err := t.ModifyPage(bitmapPageNum, bitmapPagesFor(t.global.Header.TotalPages))
	if err != nil {
		return fmt.Errorf("free page %d: %w", pageNum, err)
	}
	bitmap.Bitmap(bm).SetRange(pageNum, uint64(numberOfPages), false)

	rec, err := t.ModifyMetadata(pageNum)
	if err != nil {
		return fmt.Errorf("free page %d: %w", pageNum, err)
	}
	*rec = meta.Record{}

	return t.freeMetadataGroupIfEmpty(pageNum, bitmap.Bitmap(bm))
}

// freeMetadataGroupIfEmpty implements spec §4.7 step 4: a group's metadata
// page can itself be freed once nothing else in the group is busy. bm is
// the bitmap buffer FreePage already copy-on-wrote, reused here to avoid a
// redundant ModifyPage. Group 0 is never freed; it owns the file header.
func (t *Transaction) freeMetadataGroupIfEmpty(pageNum uint64, bm bitmap.Bitmap) error {
	groupStart := uint64(layout.GroupStart(layout.PageNum(pageNum)))
	if groupStart == 0 {
		return nil
	}
	if !bm.Get(groupStart) {
		return nil // metadata page itself already free; nothing to do
	}
	for p := groupStart + 1; p < groupStart+layout.PagesPerGroup; p++ {
		if bm.Get(p) {
			return nil // group still has a live data page
		}
	}
	return t.FreePage(groupStart, 1)
}

func bitmapPagesFor(totalPages uint64) uint32 {
	bytesNeeded := (totalPages + 7) / 8
	return uint32(layout.PagesForBytes(int(bytesNeeded)))
}
