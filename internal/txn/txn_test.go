package txn

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ayende-gavran/gavran-go/internal/bitmap"
	"github.com/ayende-gavran/gavran-go/internal/layout"
	"github.com/ayende-gavran/gavran-go/internal/meta"
	"github.com/ayende-gavran/gavran-go/internal/platform"
)

// newTestEngine formats a fresh minimal data file (file header + free-space
// bitmap, no WAL) the same way internal/database.Open's readOrInitHeader
// does, so txn-level tests can exercise Engine/Transaction without pulling
// in the database package.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	f, err := platform.CreateOrOpen(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	size := int64(layout.MinimumFileSize)
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := f.MmapReadOnly(int(size)); err != nil {
		t.Fatalf("mmap: %v", err)
	}

	totalPages := uint64(size) / layout.PageSize
	bitmapStart := uint64(1)
	bitmapBytes := (totalPages + 7) / 8
	bitmapPages := uint64(layout.PagesForBytes(int(bitmapBytes)))
	if bitmapPages < 1 {
		bitmapPages = 1
	}

	header := meta.FileHeader{
		Version:         layout.Version,
		PageSizeLog2:    layout.PageSizeLog2,
		TotalPages:      totalPages,
		FreeBitmapStart: bitmapStart,
	}
	var rec meta.Record
	meta.EncodeFileHeader(&rec, header)
	if err := f.Pwrite(0, rec[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}

	bm := make(bitmap.Bitmap, int(bitmapPages)*layout.PageSize)
	bm.SetRange(0, bitmapStart+bitmapPages, true)
	if err := f.Pwrite(layout.PageOffset(layout.PageNum(bitmapStart)), bm); err != nil {
		t.Fatalf("write bitmap: %v", err)
	}

	return NewEngine(f, nil, header, f.MappedSize(), nil, nil)
}

func TestAllocateModifyCommitReadBack(t *testing.T) {
	e := newTestEngine(t)

	wtx, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pageNum, buf, err := wtx.AllocatePage(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(buf, bytes.Repeat([]byte{0x7E}, len(buf)))
	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := wtx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rtx, err := Create(e, FlagRead)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx.Close()

	got, err := rtx.GetPage(pageNum, 1)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x7E}, layout.PageSize)) {
		t.Error("expected committed page contents to read back unchanged")
	}
}

func TestHashFinalizationDetectsCorruption(t *testing.T) {
	e := newTestEngine(t)

	wtx, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pageNum, buf, err := wtx.AllocatePage(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(buf, bytes.Repeat([]byte{0xAA}, len(buf)))
	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wtx.Close()

	e.Validation = ValidationAlways

	rtx, err := Create(e, FlagRead)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	if _, err := rtx.GetPage(pageNum, 1); err != nil {
		t.Fatalf("expected an untouched page to validate cleanly, got %v", err)
	}
	rtx.Close()

	// Corrupt the page directly on disk, bypassing the transaction layer.
	offset := layout.PageOffset(layout.PageNum(pageNum))
	corrupt := bytes.Repeat([]byte{0xFF}, layout.PageSize)
	if err := e.File.Pwrite(offset, corrupt); err != nil {
		t.Fatalf("corrupt page: %v", err)
	}

	rtx2, err := Create(e, FlagRead)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx2.Close()
	if _, err := rtx2.GetPage(pageNum, 1); err == nil {
		t.Error("expected a bit-flipped page to fail hash validation")
	}
}

func TestEncryptedRoundTripDoesNotLeakPlaintext(t *testing.T) {
	e := newTestEngine(t)
	e.MasterKey = bytes.Repeat([]byte{0x5C}, 32)

	wtx, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pageNum, buf, err := wtx.AllocatePage(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	plaintext := bytes.Repeat([]byte{0x42}, len(buf))
	copy(buf, plaintext)
	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wtx.Close()

	onDisk, err := e.File.Pread(layout.PageOffset(layout.PageNum(pageNum)), layout.PageSize)
	if err != nil {
		t.Fatalf("read raw page: %v", err)
	}
	if bytes.Equal(onDisk, plaintext) {
		t.Error("expected the on-disk page to differ from plaintext once encryption is enabled")
	}

	rtx, err := Create(e, FlagRead)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx.Close()
	got, err := rtx.GetPage(pageNum, 1)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("expected decrypted read to recover the original plaintext")
	}
}

func TestFreePageZeroesBodyAndClearsBitmap(t *testing.T) {
	e := newTestEngine(t)

	wtx, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pageNum, buf, err := wtx.AllocatePage(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(buf, bytes.Repeat([]byte{0x11}, len(buf)))
	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wtx.Close()

	wtx2, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := wtx2.FreePage(pageNum, 1); err != nil {
		t.Fatalf("free page: %v", err)
	}
	if err := wtx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wtx2.Close()

	rtx, err := Create(e, FlagRead)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx.Close()

	bm, err := rtx.GetPage(e.defaultReadTx.global.Header.FreeBitmapStart, 1)
	if err != nil {
		t.Fatalf("get bitmap: %v", err)
	}
	if bitmap.Bitmap(bm).Get(pageNum) {
		t.Error("expected the freed page's bitmap bit to be cleared")
	}

	rec, err := rtx.GetMetadata(pageNum)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if !rec.IsZero() {
		t.Error("expected the freed page's metadata record to be zeroed")
	}
}

func TestAllocatorIdempotentAcrossRepeatedFreeAndAlloc(t *testing.T) {
	e := newTestEngine(t)

	for round := 0; round < 3; round++ {
		wtx, err := Create(e, FlagWrite)
		if err != nil {
			t.Fatalf("round %d: begin write: %v", round, err)
		}
		pageNum, _, err := wtx.AllocatePage(1, 0)
		if err != nil {
			t.Fatalf("round %d: allocate: %v", round, err)
		}
		if err := wtx.Commit(); err != nil {
			t.Fatalf("round %d: commit: %v", round, err)
		}
		wtx.Close()

		wtx2, err := Create(e, FlagWrite)
		if err != nil {
			t.Fatalf("round %d: begin write: %v", round, err)
		}
		if err := wtx2.FreePage(pageNum, 1); err != nil {
			t.Fatalf("round %d: free: %v", round, err)
		}
		if err := wtx2.Commit(); err != nil {
			t.Fatalf("round %d: commit: %v", round, err)
		}
		wtx2.Close()
	}
}

func TestSingleWriterGuardRejectsConcurrentWriter(t *testing.T) {
	e := newTestEngine(t)

	first, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := Create(e, FlagWrite); err == nil {
		t.Error("expected a second concurrent writer to be rejected")
	}
	if err := first.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestReaderSeesSnapshotAsOfAttach(t *testing.T) {
	e := newTestEngine(t)

	seed, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pageNum, buf, err := seed.AllocatePage(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(buf, bytes.Repeat([]byte{0x01}, len(buf)))
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	seed.Close()

	reader, err := Create(e, FlagRead)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer reader.Close()

	writer, err := Create(e, FlagWrite)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	wbuf, err := writer.ModifyPage(pageNum, 1)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	copy(wbuf, bytes.Repeat([]byte{0x02}, len(wbuf)))
	if err := writer.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	writer.Close()

	got, err := reader.GetPage(pageNum, 1)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x01}, layout.PageSize)) {
		t.Error("expected the reader to keep seeing its original snapshot after a later commit")
	}
}
