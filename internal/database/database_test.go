package database

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ayende-gavran/gavran-go/pkg/btree"
)

func TestOpenCreatesFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	rtx, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx.Close()

	// A brand-new database has committed no transactions yet, so the
	// default read snapshot observes transaction id 0.
	if rtx.ID() != 0 {
		t.Errorf("expected fresh database's default read snapshot to have id 0, got %d", rtx.ID())
	}
}

func TestWriteCommitAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rw.db")

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tree := btree.Bind(wtx, 0)
	tree.Insert([]byte("hello"), []byte("world"))
	root := tree.GetRoot()
	if err := wtx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtx, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx.Close()

	readTree := btree.Bind(rtx, root)
	val, ok := readTree.Get([]byte("hello"))
	if !ok {
		t.Fatal("expected key to be present after commit")
	}
	if !bytes.Equal(val, []byte("world")) {
		t.Errorf("expected %q, got %q", "world", val)
	}
}

func TestRecoversAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	var root uint64
	{
		db, err := Open(path, Options{})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		wtx, err := db.BeginWrite()
		if err != nil {
			t.Fatalf("begin write: %v", err)
		}
		tree := btree.Bind(wtx, 0)
		for i := 0; i < 50; i++ {
			tree.Insert(btree.EncodeUint64Key(uint64(i)), []byte("v"))
		}
		root = tree.GetRoot()
		if err := wtx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	rtx, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rtx.Close()

	tree := btree.Bind(rtx, root)
	for i := 0; i < 50; i++ {
		if _, ok := tree.Get(btree.EncodeUint64Key(uint64(i))); !ok {
			t.Errorf("expected key %d to survive reopen", i)
		}
	}
}

func TestSnapshotIsolationAcrossConcurrentWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvcc.db")

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	key := btree.EncodeUint64Key(7)

	seed, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tree := btree.Bind(seed, 0)
	tree.Insert(key, []byte("v1"))
	root := tree.GetRoot()
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snapshot, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer snapshot.Close()

	writer, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	writeTree := btree.Bind(writer, root)
	writeTree.Insert(key, []byte("v2"))
	if err := writer.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snapshotTree := btree.Bind(snapshot, root)
	val, ok := snapshotTree.Get(key)
	if !ok || !bytes.Equal(val, []byte("v1")) {
		t.Errorf("expected snapshot reader to still see v1, got %q (ok=%v)", val, ok)
	}
}

func TestSingleWriterSerializesCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "single-writer.db")

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	first, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}

	if _, err := db.BeginWrite(); err == nil {
		t.Error("expected a second concurrent writer to be rejected")
	}

	if err := first.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	second, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("expected a new writer to be admitted once the first committed, got %v", err)
	}
	if err := second.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}
