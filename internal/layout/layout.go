// Package layout defines the on-disk constants shared by every layer of the
// engine: page size, metadata group geometry, and record sizes. These are
// build-time constants, not runtime-negotiable (spec Design Note: "File
// layout constants").
package layout

const (
	// PageSize is the fixed size of a page, in bytes.
	PageSize = 8192

	// PageSizeLog2 is log2(PageSize), stored in the file header.
	PageSizeLog2 = 13

	// PagesPerGroup is the number of pages described by one metadata page,
	// including the metadata page itself at slot 0.
	PagesPerGroup = 128

	// MetadataRecordSize is the fixed size of one page-metadata record.
	MetadataRecordSize = 64

	// EnvelopeSize is the crypto-envelope portion of a metadata record.
	EnvelopeSize = 32

	// BodySize is the type-specific portion of a metadata record.
	BodySize = MetadataRecordSize - EnvelopeSize

	// Magic identifies a Gavran data file.
	Magic = "GVRN!"

	// Version is the on-disk format version this engine writes.
	Version = 1

	// MinimumFileSize is the smallest legal file size (128 KiB).
	MinimumFileSize = 128 * 1024

	// MinimumWALSize is the smallest legal WAL file size (128 KiB).
	MinimumWALSize = 128 * 1024
)

// PageNum identifies a page by its zero-based offset into the data file.
type PageNum uint64

// GroupStart returns the page number of the metadata page that describes
// the group containing pn (the group boundary is pn & ^(PagesPerGroup-1)).
func GroupStart(pn PageNum) PageNum {
	return pn &^ (PagesPerGroup - 1)
}

// SlotIndex returns the slot within its metadata group that describes pn.
func SlotIndex(pn PageNum) int {
	return int(pn & (PagesPerGroup - 1))
}

// MetaPageOffset returns the byte offset of pn's metadata record within its
// metadata page.
func MetaPageOffset(pn PageNum) int64 {
	return int64(SlotIndex(pn)) * MetadataRecordSize
}

// PageOffset returns the byte offset of page pn within the data file.
func PageOffset(pn PageNum) int64 {
	return int64(pn) * PageSize
}

// PagesForBytes returns how many whole pages are needed to hold n bytes.
func PagesForBytes(n int) int {
	return (n + PageSize - 1) / PageSize
}
