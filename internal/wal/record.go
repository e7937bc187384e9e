// Package wal implements the two-file write-ahead log described in spec
// §4.12–§4.15: transaction serialization, page diffing, ZSTD compression,
// BLAKE2b hashing, two-file rotation, checkpointing, and crash recovery.
//
// Grounded in pkg/wal/wal.go's file-rotation/mutex/atomic-LSN idiom,
// restructured from an per-entry LSN log (rotating N files) into the
// spec's fixed two-file ("-a"/"-b") transaction-record design; the
// CRC-guarded entry encode/decode in pkg/wal/entry.go is generalized here
// from CRC32 to the BLAKE2b hash spec §4.12 requires.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/cryptoenv"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/klauspost/compress/zstd"
)

const (
	// RecordHeaderSize is the fixed 64-byte transaction record header.
	RecordHeaderSize = 64

	// PageDescriptorSize is the size of one page descriptor.
	PageDescriptorSize = 24

	flagCompressed uint32 = 1

	pageFlagNone uint32 = 0
	pageFlagDiff uint32 = 1
)

// PageDescriptor describes one modified page within a transaction record.
type PageDescriptor struct {
	PageNum       uint64
	Offset        uint64 // bytes from start of record
	NumberOfPages uint32
	PageFlags     uint32 // pageFlagNone | pageFlagDiff
}

// PageInput is one page to serialize into a transaction record.
type PageInput struct {
	PageNum       uint64
	NumberOfPages uint32
	Data          []byte // current image, length NumberOfPages*PageSize
	Previous      []byte // previous image, or nil if none known
}

// Record is a decoded transaction record.
type Record struct {
	Hash                [32]byte
	TxID                uint64
	PageAlignedTxSize   uint64
	TxSize              uint64
	NumberOfModifiedPgs uint64
	TotalPagesInDB      uint64
	Flags               uint32
	Pages               []PageDescriptor
	Payload             []byte // raw payload region, decompressed, diff-encoded per page
}

// EncodeOptions controls how a transaction is serialized.
type EncodeOptions struct {
	Encrypted bool // when true, always emit full page images (no diffing)
}

// Encode serializes pages into an aligned, hashed, optionally compressed
// and diffed transaction record, per spec §4.12.
func Encode(txID uint64, totalPages uint64, pages []PageInput, opts EncodeOptions) ([]byte, error) {
	descriptors := make([]PageDescriptor, len(pages))
	blobs := make([][]byte, len(pages))

	offset := uint64(RecordHeaderSize) + uint64(len(pages))*PageDescriptorSize
	for i, p := range pages {
		full := p.Data
		blob := full
		flag := pageFlagNone
		if !opts.Encrypted && p.Previous != nil && len(p.Previous) == len(p.Data) {
			if d, ok := encodeDiff(p.Previous, p.Data); ok && len(d) < len(full) {
				blob = d
				flag = pageFlagDiff
			}
		}
		descriptors[i] = PageDescriptor{
			PageNum:       p.PageNum,
			Offset:        offset,
			NumberOfPages: p.NumberOfPages,
			PageFlags:     flag,
		}
		blobs[i] = blob
		offset += uint64(len(blob))
	}

	payload := make([]byte, 0, offset-uint64(RecordHeaderSize)-uint64(len(pages))*PageDescriptorSize)
	descBytes := make([]byte, len(pages)*PageDescriptorSize)
	for i, d := range descriptors {
		b := descBytes[i*PageDescriptorSize : (i+1)*PageDescriptorSize]
		binary.LittleEndian.PutUint64(b[0:8], d.PageNum)
		binary.LittleEndian.PutUint64(b[8:16], d.Offset)
		binary.LittleEndian.PutUint32(b[16:20], d.NumberOfPages)
		binary.LittleEndian.PutUint32(b[20:24], d.PageFlags)
	}
	for _, b := range blobs {
		payload = append(payload, b...)
	}

	// Compression: compress [end_of_header, end_of_payload) as one region.
	region := append(append([]byte{}, descBytes...), payload...)
	flags := uint32(0)
	if compressed, ok := tryCompress(region); ok {
		region = compressed
		flags = flagCompressed
	}

	txSizeAfterCompression := uint64(RecordHeaderSize) + uint64(len(region))
	pageAligned := alignUp(txSizeAfterCompression, layout.PageSize)

	return encodeHeaderAndBody(txID, pageAligned, txSizeAfterCompression, uint64(len(pages)), totalPages, flags, region)
}

// encodeHeaderAndBody lays out the real 64-byte header (hash + six fixed
// fields) followed by the (possibly compressed) descriptor+payload region,
// zero-padded to pageAligned, then hashes bytes [32:pageAligned).
func encodeHeaderAndBody(txID, pageAligned, txSize, numPages, totalPages uint64, flags uint32, region []byte) ([]byte, error) {
	buf := make([]byte, pageAligned)
	binary.LittleEndian.PutUint64(buf[32:40], txID)
	binary.LittleEndian.PutUint64(buf[40:48], pageAligned)
	binary.LittleEndian.PutUint64(buf[48:56], txSize)
	binary.LittleEndian.PutUint64(buf[56:64], numPages)
	if int(RecordHeaderSize)+len(region) > len(buf) {
		return nil, fmt.Errorf("wal encode: region overflow: %d > %d", RecordHeaderSize+len(region), len(buf))
	}
	copy(buf[RecordHeaderSize:], region)

	// Squeeze totalPages into the tail of the fixed header fields: the
	// spec's 64-byte header has room for hash(32)+6 u64/u32 fields; we
	// reuse the same 64-byte budget by packing total-pages and flags into
	// the last 8 bytes (u32 total-pages-hi unused in practice, u32 flags).
	binary.LittleEndian.PutUint32(buf[24:28], uint32(totalPages))
	binary.LittleEndian.PutUint32(buf[28:32], flags)

	h := cryptoenv.HashPage(buf[32:pageAligned])
	copy(buf[0:32], h[:])
	return buf, nil
}

func alignUp(n, align uint64) uint64 {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func tryCompress(data []byte) ([]byte, bool) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, false
	}
	defer enc.Close()
	out := enc.EncodeAll(data, nil)
	if len(out) < len(data) {
		return out, true
	}
	return nil, false
}

func tryDecompress(data []byte, hint int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, make([]byte, 0, hint))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Decode parses a serialized transaction record, decompressing and
// splitting page descriptors from payload, but does not validate the hash
// (callers that care about tamper-detection call Validate first).
func Decode(buf []byte) (*Record, error) {
	if len(buf) < RecordHeaderSize {
		return nil, fmt.Errorf("wal record: truncated header")
	}
	var rec Record
	copy(rec.Hash[:], buf[0:32])
	rec.TxID = binary.LittleEndian.Uint64(buf[32:40])
	rec.PageAlignedTxSize = binary.LittleEndian.Uint64(buf[40:48])
	rec.TxSize = binary.LittleEndian.Uint64(buf[48:56])
	rec.NumberOfModifiedPgs = binary.LittleEndian.Uint64(buf[56:64])
	rec.TotalPagesInDB = uint64(binary.LittleEndian.Uint32(buf[24:28]))
	rec.Flags = binary.LittleEndian.Uint32(buf[28:32])

	if rec.PageAlignedTxSize == 0 || uint64(len(buf)) < rec.PageAlignedTxSize {
		return nil, fmt.Errorf("wal record: size mismatch")
	}
	if rec.TxSize > rec.PageAlignedTxSize {
		return nil, fmt.Errorf("wal record: tx_size > page_aligned_tx_size")
	}

	region := buf[RecordHeaderSize:rec.TxSize]
	if rec.Flags&flagCompressed != 0 {
		decoded, err := tryDecompress(region, len(region)*4)
		if err != nil {
			return nil, fmt.Errorf("wal record: %w", err)
		}
		region = decoded
	}

	numPages := int(rec.NumberOfModifiedPgs)
	need := numPages * PageDescriptorSize
	if len(region) < need {
		return nil, fmt.Errorf("wal record: truncated descriptors")
	}
	rec.Pages = make([]PageDescriptor, numPages)
	for i := 0; i < numPages; i++ {
		b := region[i*PageDescriptorSize : (i+1)*PageDescriptorSize]
		rec.Pages[i] = PageDescriptor{
			PageNum:       binary.LittleEndian.Uint64(b[0:8]),
			Offset:        binary.LittleEndian.Uint64(b[8:16]),
			NumberOfPages: binary.LittleEndian.Uint32(b[16:20]),
			PageFlags:     binary.LittleEndian.Uint32(b[20:24]),
		}
	}
	rec.Payload = region[need:]
	return &rec, nil
}

// Validate checks the record's hash and internal size invariants, per
// spec §4.14 step 2.
func Validate(buf []byte, lastRecoveredTxID uint64) (*Record, error) {
	rec, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	got := cryptoenv.HashPage(buf[32:rec.PageAlignedTxSize])
	if got != rec.Hash {
		return nil, fmt.Errorf("wal record %d: hash mismatch", rec.TxID)
	}
	if rec.TxID <= lastRecoveredTxID && lastRecoveredTxID != 0 {
		return nil, fmt.Errorf("wal record: tx_id %d not greater than last recovered %d", rec.TxID, lastRecoveredTxID)
	}
	return rec, nil
}

// PageBlob returns the raw (post-decompression) bytes for descriptor d
// within a decoded record's payload, computed relative to the payload's
// own start (Offset is relative to the record start, including header and
// descriptor table; PageBlob subtracts both to find the payload start).
func (r *Record) PageBlob(d PageDescriptor) ([]byte, error) {
	descTableSize := uint64(len(r.Pages)) * PageDescriptorSize
	payloadStart := uint64(RecordHeaderSize) + descTableSize
	if d.Offset < payloadStart {
		return nil, fmt.Errorf("wal record: bad descriptor offset %d", d.Offset)
	}
	rel := d.Offset - payloadStart
	if rel > uint64(len(r.Payload)) {
		return nil, fmt.Errorf("wal record: descriptor offset past payload")
	}
	// The blob's length is implicit: for a full image it's
	// NumberOfPages*PageSize; for a diff stream it runs to the next
	// descriptor's offset (or end of payload for the last one).
	return r.Payload[rel:], nil
}

// ReconstructPage applies a page blob onto current (the page's live content
// before this record, e.g. read from the data file), returning the new
// page image. If PageFlags is pageFlagNone, blob already contains exactly
// the full image of length n*PageSize and current is ignored.
func ReconstructPage(d PageDescriptor, blob []byte, current []byte) ([]byte, error) {
	n := int(d.NumberOfPages) * layout.PageSize
	if d.PageFlags == pageFlagNone {
		if len(blob) < n {
			return nil, fmt.Errorf("wal record: full image shorter than expected")
		}
		out := make([]byte, n)
		copy(out, blob[:n])
		return out, nil
	}
	out := make([]byte, n)
	copy(out, current)
	if err := applyDiff(blob, out); err != nil {
		return nil, err
	}
	return out, nil
}
