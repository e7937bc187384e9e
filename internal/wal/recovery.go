package wal

import (
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/errs"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/logger"
	"github.com/ayende-gavran/gavran-go/internal/platform"
)

// PageReader reads the current on-disk image of a page range from the data
// file, used to reconstruct pages stored as diffs during recovery.
type PageReader func(pageNum uint64, numberOfPages uint32) ([]byte, error)

// PageApplier writes a reconstructed page image directly to the data file
// at its page offset, bypassing the transaction machinery (recovery runs
// before any transaction exists).
type PageApplier func(pageNum uint64, data []byte) error

// PageGrower extends the data file to hold at least totalPages pages. A
// recovered record's TotalPagesInDB can exceed the data file's current
// size when the crash landed between a transaction growing the database
// and that growth being reflected on disk; recovery must grow the file
// before applying such a record, or the apply/read callbacks would fail.
type PageGrower func(totalPages uint64) error

// TouchedPage identifies one page range recovery wrote to the data file,
// so the caller can run every touched page back through the normal
// validating read path once recovery finishes (spec §4.14 step 5).
type TouchedPage struct {
	PageNum       uint64
	NumberOfPages uint32
}

// Recover replays both WAL files against the data file, per spec §4.14:
// scan both files' records in tx_id order across the pair, validate each
// record's hash, stop at the first invalid or truncated record in each
// file, and apply every valid record whose tx_id is greater than the
// on-disk header's last_committed_tx. Growing the data file mid-replay, if
// a record reports more total pages than currently exist, is driven by
// grow.
//
// Returns the highest tx_id actually recovered (lastCommittedTx itself if
// neither file had anything newer) and the set of pages recovery
// wrote, for the caller's final revalidation pass.
func Recover(dataFile *platform.File, files [2]*platform.File, paths [2]string, lastCommittedTx uint64, read PageReader, apply PageApplier, grow PageGrower, lg *logger.Logger) (uint64, []TouchedPage, error) {
	var allRecords []*Record

	for i, f := range files {
		size, err := f.Size()
		if err != nil {
			return 0, nil, fmt.Errorf("recover: stat %s: %w", paths[i], err)
		}
		recs, err := scanFile(f, size, lastCommittedTx)
		if err != nil {
			return 0, nil, fmt.Errorf("recover: scan %s: %w", paths[i], err)
		}
		allRecords = append(allRecords, recs...)
	}

	if len(allRecords) == 0 {
		return lastCommittedTx, nil, nil
	}

	sortRecordsByTxID(allRecords)

	highest := lastCommittedTx
	var touched []TouchedPage
	for _, rec := range allRecords {
		if rec.TxID <= highest && highest != lastCommittedTx {
			continue // duplicate seen in the other file, already applied
		}
		if grow != nil && rec.TotalPagesInDB > 0 {
			if err := grow(rec.TotalPagesInDB); err != nil {
				return highest, touched, fmt.Errorf("recover: grow for tx %d: %w", rec.TxID, err)
			}
		}
		recTouched, err := applyRecord(rec, read, apply)
		if err != nil {
			return highest, touched, fmt.Errorf("recover: apply tx %d: %w", rec.TxID, err)
		}
		touched = append(touched, recTouched...)
		if lg != nil {
			lg.LogRecovery("", rec.TxID, nil)
		}
		if rec.TxID > highest {
			highest = rec.TxID
		}
	}
	return highest, touched, nil
}

// scanFile walks a single WAL file's records from offset 0 in order,
// stopping at the first record that fails to decode/validate or whose
// tx_id is out of order (a torn write from a crash mid-append), and
// returns every valid record with tx_id > lastCommittedTx. It then checks
// the remainder of the file for evidence of genuine corruption.
func scanFile(f *platform.File, size int64, lastCommittedTx uint64) ([]*Record, error) {
	var out []*Record
	var pos int64
	lastSeen := uint64(0)
	for pos+RecordHeaderSize <= size {
		rec, recSize, err := tryDecodeRecordAt(f, pos, size)
		if err != nil {
			break
		}
		if rec.TxID <= lastSeen {
			break // out-of-order tx_id: torn/stale tail, stop scanning this file
		}
		lastSeen = rec.TxID
		pos += recSize
		if rec.TxID > lastCommittedTx {
			out = append(out, rec)
		}
	}

	if err := checkTailForCorruption(f, pos, size, lastSeen); err != nil {
		return nil, err
	}
	return out, nil
}

// tryDecodeRecordAt reads and validates one record at pos, returning its
// page-aligned on-disk size alongside it.
func tryDecodeRecordAt(f *platform.File, pos, size int64) (*Record, int64, error) {
	head, err := f.Pread(pos, RecordHeaderSize)
	if err != nil {
		return nil, 0, err
	}
	pageAligned := leUint64(head[40:48])
	if pageAligned == 0 || pageAligned%layout.PageSize != 0 || pos+int64(pageAligned) > size {
		return nil, 0, fmt.Errorf("bad record size at offset %d", pos)
	}
	buf, err := f.Pread(pos, int(pageAligned))
	if err != nil {
		return nil, 0, err
	}
	rec, err := Validate(buf, 0)
	if err != nil {
		return nil, 0, err
	}
	return rec, int64(pageAligned), nil
}

// checkTailForCorruption scans the remainder of a WAL file past the point
// the normal in-order scan stopped at, looking for a later record that
// still validates but carries a tx_id newer than everything already
// accepted. Per spec §4.14, that pattern means a later write landed out of
// order on disk — genuine corruption — as opposed to the benign leftover
// tail of a file that was checkpoint-reset and is being refilled, whose
// surviving garbage, if it decodes at all, only ever predates what scanFile
// already accepted.
func checkTailForCorruption(f *platform.File, from, size int64, lastSeen uint64) error {
	for pos := from; pos+RecordHeaderSize <= size; pos += layout.PageSize {
		rec, _, err := tryDecodeRecordAt(f, pos, size)
		if err != nil {
			continue
		}
		if rec.TxID > lastSeen {
			return fmt.Errorf("%w: valid record for tx %d found past scan boundary at tx %d", errs.CorruptedLog, rec.TxID, lastSeen)
		}
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func sortRecordsByTxID(recs []*Record) {
	for i := 1; i < len(recs); i++ {
		j := i
		for j > 0 && recs[j-1].TxID > recs[j].TxID {
			recs[j-1], recs[j] = recs[j], recs[j-1]
			j--
		}
	}
}

// applyRecord reconstructs and writes every page descriptor in rec to the
// data file, returning the pages it touched.
func applyRecord(rec *Record, read PageReader, apply PageApplier) ([]TouchedPage, error) {
	descTableSize := uint64(len(rec.Pages)) * PageDescriptorSize
	payloadStart := uint64(RecordHeaderSize) + descTableSize

	var touched []TouchedPage
	for i, d := range rec.Pages {
		relStart := d.Offset - payloadStart
		relEnd := uint64(len(rec.Payload))
		if i+1 < len(rec.Pages) {
			relEnd = rec.Pages[i+1].Offset - payloadStart
		}
		if relStart > uint64(len(rec.Payload)) || relEnd > uint64(len(rec.Payload)) || relStart > relEnd {
			return touched, fmt.Errorf("page %d: bad descriptor bounds", d.PageNum)
		}
		blob := rec.Payload[relStart:relEnd]

		var current []byte
		if d.PageFlags != pageFlagNone {
			cur, err := read(d.PageNum, d.NumberOfPages)
			if err != nil {
				return touched, fmt.Errorf("page %d: read current image: %w", d.PageNum, err)
			}
			current = cur
		}
		img, err := ReconstructPage(d, blob, current)
		if err != nil {
			return touched, fmt.Errorf("page %d: reconstruct: %w", d.PageNum, err)
		}
		if err := apply(d.PageNum, img); err != nil {
			return touched, fmt.Errorf("page %d: apply: %w", d.PageNum, err)
		}
		touched = append(touched, TouchedPage{PageNum: d.PageNum, NumberOfPages: d.NumberOfPages})
	}
	return touched, nil
}
