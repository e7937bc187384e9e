package bitmap

import (
	"testing"

	"github.com/ayende-gavran/gavran-go/internal/layout"
)

func TestGetSetRoundTrip(t *testing.T) {
	b := make(Bitmap, 16)

	if b.Get(5) {
		t.Fatal("expected bit 5 to start free")
	}
	b.Set(5, true)
	if !b.Get(5) {
		t.Error("expected bit 5 to be busy after Set(true)")
	}
	b.Set(5, false)
	if b.Get(5) {
		t.Error("expected bit 5 to be free after Set(false)")
	}
}

func TestGetPastMappedRangeIsBusy(t *testing.T) {
	b := make(Bitmap, 1) // 8 bits
	if !b.Get(100) {
		t.Error("expected a bit past the mapped range to read as busy")
	}
}

func TestSetRangeMarksContiguousSpan(t *testing.T) {
	b := make(Bitmap, 16)
	b.SetRange(3, 5, true) // bits 3..7

	for i := uint64(0); i < 16*8; i++ {
		want := i >= 3 && i < 8
		if b.Get(i) != want {
			t.Errorf("bit %d: got %v, want %v", i, b.Get(i), want)
		}
	}
}

func TestSearchFindsFirstFreeRun(t *testing.T) {
	total := uint64(layout.PagesPerGroup * 2)
	b := make(Bitmap, int(total/8))
	b.Set(0, true) // group 0's own metadata page

	res, ok := Search(b, 3, 0, total)
	if !ok {
		t.Fatal("expected a free run to be found in an empty bitmap")
	}
	if res.Position != 1 {
		t.Errorf("expected allocation to land right after the metadata page at 1, got %d", res.Position)
	}
}

func TestSearchSkipsMetadataSlotWhenPlacingSmallRun(t *testing.T) {
	total := uint64(layout.PagesPerGroup * 2)
	b := make(Bitmap, int(total/8))
	// Mark every page busy except exactly the metadata page boundary at the
	// start of group 1, so a naive search would try to start an allocation
	// there.
	b.SetRange(0, total, true)
	b.Set(layout.PagesPerGroup, false)
	b.Set(layout.PagesPerGroup+1, false)

	res, ok := Search(b, 1, 0, total)
	if !ok {
		t.Fatal("expected a free page to be found")
	}
	if res.Position == layout.PagesPerGroup {
		t.Errorf("expected search to skip the metadata slot at %d, got placement there", layout.PagesPerGroup)
	}
}

func TestSearchReturnsFalseWhenFull(t *testing.T) {
	total := uint64(64)
	b := make(Bitmap, int(total/8))
	b.SetRange(0, total, true)

	if _, ok := Search(b, 1, 0, total); ok {
		t.Error("expected Search to fail when the whole bitmap is busy")
	}
}

func TestSearchHonorsNearHintThenFallsBack(t *testing.T) {
	total := uint64(256)
	b := make(Bitmap, int(total/8))
	b.SetRange(0, total, true)
	b.Set(10, false) // only free bit is behind the near hint

	res, ok := Search(b, 1, 200, total)
	if !ok {
		t.Fatal("expected Search to fall back to a scan from the start")
	}
	if res.Position != 10 {
		t.Errorf("expected fallback scan to find bit 10, got %d", res.Position)
	}
}
