// Package meta implements the 64-byte page-metadata record and the file
// header that lives in page 0's slot 0 (spec §3, §4.3). Grounded in
// pkg/storage/kv.go's saveMeta/loadMeta/readMeta (a fixed byte-offset
// header with a signature), generalized from one 80-byte meta page to the
// spec's per-page 64-byte record / 128-page group model.
package meta

import (
	"encoding/binary"
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/cryptoenv"
	"github.com/ayende-gavran/gavran-go/internal/layout"
)

// PageFlag identifies what kind of page a metadata record describes.
type PageFlag byte

const (
	FlagUnused PageFlag = iota
	FlagFileHeader
	FlagMetadataPage
	FlagData
	FlagFreeSpaceBitmap
	FlagOverflow
	FlagBTree
	FlagHash
	FlagContainer
)

// Record is one 64-byte page-metadata record, split into a 32-byte crypto
// envelope and a 32-byte type-specific body.
type Record [layout.MetadataRecordSize]byte

func (r *Record) envelope() []byte { return r[:layout.EnvelopeSize] }
func (r *Record) body() []byte     { return r[layout.EnvelopeSize:] }

// Flags returns the page-flags byte (first byte of the body).
func (r *Record) Flags() PageFlag { return PageFlag(r.body()[0]) }

// SetFlags sets the page-flags byte.
func (r *Record) SetFlags(f PageFlag) { r.body()[0] = byte(f) }

// NumberOfPages returns the multi-page allocation size recorded for a
// data/btree/hash/container page (bytes 1..5 of the body).
func (r *Record) NumberOfPages() uint32 {
	return binary.LittleEndian.Uint32(r.body()[1:5])
}

// SetNumberOfPages stores the multi-page allocation size.
func (r *Record) SetNumberOfPages(n uint32) {
	binary.LittleEndian.PutUint32(r.body()[1:5], n)
}

// Hash returns the stored BLAKE2b hash (integrity mode).
func (r *Record) Hash() [32]byte { return cryptoenv.DecodeHash(cryptoenv.Envelope(*r.envelopeArr())) }

// SetHash stores a BLAKE2b hash into the envelope.
func (r *Record) SetHash(h [32]byte) {
	e := cryptoenv.EncodeHash(h)
	copy(r.envelope(), e[:])
}

// NonceAndMAC returns the stored AEAD nonce and MAC (encrypted mode).
func (r *Record) NonceAndMAC() (nonce [12]byte, mac [16]byte) {
	return cryptoenv.DecodeNonceMAC(cryptoenv.Envelope(*r.envelopeArr()))
}

// SetNonceAndMAC stores an AEAD nonce and MAC into the envelope.
func (r *Record) SetNonceAndMAC(nonce [12]byte, mac [16]byte) {
	e := cryptoenv.EncodeAEAD(nonce, mac)
	copy(r.envelope(), e[:])
}

func (r *Record) envelopeArr() *[32]byte {
	var e [32]byte
	copy(e[:], r.envelope())
	return &e
}

// IsZero reports whether the record has never been written (all zero
// bytes), meaning "no live owner" for its page.
func (r *Record) IsZero() bool {
	for _, b := range r {
		if b != 0 {
			return false
		}
	}
	return true
}

// FileHeader is the payload stored in page 0's slot-0 record body when that
// record's flag is FlagFileHeader.
type FileHeader struct {
	MagicOK          bool
	Version          uint8
	PageSizeLog2     uint8
	TotalPages       uint64
	LastCommittedTx  uint64
	FreeBitmapStart  uint64
}

// EncodeFileHeader writes h into the file-header area available inside a
// metadata record's body (after the 1-byte flags field): magic is
// represented implicitly by this record's Flags()==FlagFileHeader, so the
// body layout here is version(1) + pageSizeLog2(1) + reserved(2) +
// totalPages(8) + lastTxID(8) + freeBitmapStart(8) = 28 bytes, fitting in
// the 31 bytes available after the flags byte.
func EncodeFileHeader(r *Record, h FileHeader) {
	r.SetFlags(FlagFileHeader)
	b := r.body()
	b[1] = h.Version
	b[2] = h.PageSizeLog2
	// b[3:5] reserved
	binary.LittleEndian.PutUint64(b[5:13], h.TotalPages)
	binary.LittleEndian.PutUint64(b[13:21], h.LastCommittedTx)
	binary.LittleEndian.PutUint64(b[21:29], h.FreeBitmapStart)
}

// DecodeFileHeader reads a FileHeader out of r, validating the flag marker.
func DecodeFileHeader(r *Record) (FileHeader, error) {
	if r.Flags() != FlagFileHeader {
		return FileHeader{}, fmt.Errorf("page 0 slot 0: expected file-header flag, got %d", r.Flags())
	}
	b := r.body()
	return FileHeader{
		MagicOK:         true,
		Version:         b[1],
		PageSizeLog2:    b[2],
		TotalPages:      binary.LittleEndian.Uint64(b[5:13]),
		LastCommittedTx: binary.LittleEndian.Uint64(b[13:21]),
		FreeBitmapStart: binary.LittleEndian.Uint64(b[21:29]),
	}, nil
}

// GroupPage is one metadata page: 128 consecutive Records, one per page in
// its group (including itself at slot 0).
type GroupPage []byte

// Record returns a view of the metadata record at the given slot.
func (g GroupPage) Record(slot int) *Record {
	off := slot * layout.MetadataRecordSize
	return (*Record)(g[off : off+layout.MetadataRecordSize])
}

// ValidateGroupHeader checks that slot 0 of a metadata page is flagged as
// either a metadata page or (for group 0) a file header, per spec §4.3.
func ValidateGroupHeader(g GroupPage, isGroupZero bool) error {
	slot0 := g.Record(0)
	if slot0.IsZero() {
		return nil // freshly allocated, not yet initialized
	}
	switch slot0.Flags() {
	case FlagMetadataPage:
		return nil
	case FlagFileHeader:
		if isGroupZero {
			return nil
		}
		return fmt.Errorf("group: slot 0 flagged file-header outside group 0")
	default:
		return fmt.Errorf("group: slot 0 has unexpected flag %d", slot0.Flags())
	}
}
