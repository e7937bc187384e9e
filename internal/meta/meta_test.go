package meta

import (
	"testing"

	"github.com/ayende-gavran/gavran-go/internal/layout"
)

func TestRecordFlagsRoundTrip(t *testing.T) {
	var r Record
	r.SetFlags(FlagBTree)
	if got := r.Flags(); got != FlagBTree {
		t.Errorf("expected FlagBTree, got %v", got)
	}
}

func TestRecordNumberOfPagesRoundTrip(t *testing.T) {
	var r Record
	r.SetNumberOfPages(42)
	if got := r.NumberOfPages(); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestRecordHashRoundTrip(t *testing.T) {
	var r Record
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}
	r.SetHash(h)
	if got := r.Hash(); got != h {
		t.Errorf("hash round-trip mismatch: got %x, want %x", got, h)
	}
}

func TestRecordNonceAndMACRoundTrip(t *testing.T) {
	var r Record
	var nonce [12]byte
	var mac [16]byte
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}
	for i := range mac {
		mac[i] = byte(i + 100)
	}
	r.SetNonceAndMAC(nonce, mac)
	gotNonce, gotMAC := r.NonceAndMAC()
	if gotNonce != nonce {
		t.Errorf("nonce round-trip mismatch: got %x, want %x", gotNonce, nonce)
	}
	if gotMAC != mac {
		t.Errorf("mac round-trip mismatch: got %x, want %x", gotMAC, mac)
	}
}

func TestRecordIsZero(t *testing.T) {
	var r Record
	if !r.IsZero() {
		t.Error("expected a freshly zeroed record to report IsZero")
	}
	r.SetFlags(FlagData)
	if r.IsZero() {
		t.Error("expected a record with a flag set to no longer report IsZero")
	}
}

func TestFileHeaderEncodeDecodeRoundTrip(t *testing.T) {
	var r Record
	want := FileHeader{
		Version:         3,
		PageSizeLog2:    13,
		TotalPages:      1024,
		LastCommittedTx: 77,
		FreeBitmapStart: 1,
	}
	EncodeFileHeader(&r, want)

	got, err := DecodeFileHeader(&r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != want.Version || got.PageSizeLog2 != want.PageSizeLog2 ||
		got.TotalPages != want.TotalPages || got.LastCommittedTx != want.LastCommittedTx ||
		got.FreeBitmapStart != want.FreeBitmapStart {
		t.Errorf("decoded header %+v does not match encoded %+v", got, want)
	}
}

func TestDecodeFileHeaderRejectsWrongFlag(t *testing.T) {
	var r Record
	r.SetFlags(FlagData)
	if _, err := DecodeFileHeader(&r); err == nil {
		t.Error("expected decoding a non-file-header record to fail")
	}
}

func TestGroupPageRecordIsAliasedView(t *testing.T) {
	g := make(GroupPage, 128*layout.MetadataRecordSize)
	g.Record(5).SetFlags(FlagData)

	if got := g.Record(5).Flags(); got != FlagData {
		t.Errorf("expected slot 5's flag to stick, got %v", got)
	}
	if got := g.Record(4).Flags(); got != FlagUnused {
		t.Errorf("expected slot 4 to remain untouched, got %v", got)
	}
}

func TestValidateGroupHeader(t *testing.T) {
	g := make(GroupPage, 128*layout.MetadataRecordSize)

	if err := ValidateGroupHeader(g, false); err != nil {
		t.Errorf("expected a freshly zeroed group to validate, got %v", err)
	}

	g.Record(0).SetFlags(FlagMetadataPage)
	if err := ValidateGroupHeader(g, false); err != nil {
		t.Errorf("expected FlagMetadataPage to validate, got %v", err)
	}

	g.Record(0).SetFlags(FlagFileHeader)
	if err := ValidateGroupHeader(g, false); err == nil {
		t.Error("expected FlagFileHeader outside group 0 to fail validation")
	}
	if err := ValidateGroupHeader(g, true); err != nil {
		t.Errorf("expected FlagFileHeader inside group 0 to validate, got %v", err)
	}

	g.Record(0).SetFlags(FlagData)
	if err := ValidateGroupHeader(g, false); err == nil {
		t.Error("expected an unexpected slot-0 flag to fail validation")
	}
}
