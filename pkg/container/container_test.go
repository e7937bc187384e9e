package container

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ayende-gavran/gavran-go/internal/database"
)

func openTestDB(t *testing.T) *database.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container.db")
	db, err := database.Open(path, database.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddGetDelete(t *testing.T) {
	db := openTestDB(t)

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	c := Open(wtx, 0)

	id, err := c.Add([]byte("hello world"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	data, ok, err := c.Get(id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, []byte("hello world")) {
		t.Errorf("expected %q, got %q", "hello world", data)
	}

	if err := c.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := c.Get(id); err != nil || ok {
		t.Fatalf("expected tombstoned record to be absent, ok=%v err=%v", ok, err)
	}

	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestUpdateInPlaceKeepsRecordID(t *testing.T) {
	db := openTestDB(t)

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	c := Open(wtx, 0)

	id, err := c.Add([]byte("short"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Shrinking update stays in place, keeping the same RecordID.
	same, err := c.Update(id, []byte("abc"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if same != id {
		t.Errorf("expected in-place update to keep RecordID %d, got %d", id, same)
	}

	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestOverflowChainAndScan(t *testing.T) {
	db := openTestDB(t)

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	c := Open(wtx, 0)

	const n = 2000
	ids := make([]RecordID, n)
	payload := bytes.Repeat([]byte("x"), 64)
	for i := 0; i < n; i++ {
		id, err := c.Add(append(payload, []byte(fmt.Sprintf("-%d", i))...))
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		ids[i] = id
	}

	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtx, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx.Close()

	c2 := Open(rtx, c.headPage)
	seen := 0
	if err := c2.Scan(func(RecordID, []byte) bool { seen++; return true }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if seen != n {
		t.Errorf("expected to scan %d records across the overflow chain, saw %d", n, seen)
	}

	// A few of the original RecordIDs should resolve to overflow pages,
	// i.e. not all on the head page.
	sawOverflow := false
	for _, id := range ids {
		if id.PageNum() != c.headPage {
			sawOverflow = true
			break
		}
	}
	if !sawOverflow {
		t.Error("expected at least one record to have spilled to an overflow page")
	}
}

func TestCompactReclaimsSpace(t *testing.T) {
	db := openTestDB(t)

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	c := Open(wtx, 0)

	var ids []RecordID
	for i := 0; i < 20; i++ {
		id, err := c.Add([]byte(fmt.Sprintf("record-%02d", i)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, id)
	}
	for i := 0; i < 20; i += 2 {
		if err := c.Delete(ids[i]); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}

	if err := c.Compact(c.headPage); err != nil {
		t.Fatalf("compact: %v", err)
	}

	for i := 1; i < 20; i += 2 {
		data, ok, err := c.Get(ids[i])
		if err != nil || !ok {
			t.Fatalf("expected surviving record %d present after compact, ok=%v err=%v", i, ok, err)
		}
		if !bytes.Equal(data, []byte(fmt.Sprintf("record-%02d", i))) {
			t.Errorf("record %d corrupted by compact: %q", i, data)
		}
	}

	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
