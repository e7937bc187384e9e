// ABOUTME: row store binding one container to a primary B+Tree and N
// ABOUTME: secondary indexes (ordered B+Tree or equality hash), grounded
// ABOUTME: on pkg/storage/indexes.go's IndexManager/IndexedTx

package table

import (
	"encoding/binary"
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/txn"
	"github.com/ayende-gavran/gavran-go/pkg/btree"
	"github.com/ayende-gavran/gavran-go/pkg/container"
	"github.com/ayende-gavran/gavran-go/pkg/hashindex"
)

// IndexKind selects a secondary index's backing structure.
type IndexKind int

const (
	// IndexOrdered backs a secondary index with a B+Tree, supporting
	// range scans in index-column order.
	IndexOrdered IndexKind = iota
	// IndexHash backs a secondary index with an extendible hash index,
	// supporting equality lookups but no ordered scan. LookupIndex walks
	// every entry, since each key ends with the row's primary key.
	IndexHash
)

// IndexDef declares one secondary index over a subset of a row's columns.
type IndexDef struct {
	Name    string
	Columns []string
	Kind    IndexKind
}

// Row is a named set of column values.
type Row map[string]Value

// Root is the on-disk anchor for one table: the page numbers of its
// container, primary index, and every secondary index, persisted by the
// caller (typically in a directory table of tables, or a fixed well-known
// page). Open reconstructs a live Table from a previously-returned Root.
type Root struct {
	ContainerHead  uint64
	PrimaryRoot    uint64
	SecondaryRoots map[string]indexRoot
}

type indexRoot struct {
	Kind IndexKind
	Page uint64 // btree root, or hash directory page
	Def  IndexDef
}

// Table binds a container of row bytes to a primary B+Tree (primary key ->
// RecordID) and any number of secondary indexes (index key -> primary key
// bytes), all within one transaction.
type Table struct {
	tx        *txn.Transaction
	rows      *container.Container
	primary   *btree.BTree
	secondary map[string]*secondaryIndex
}

type secondaryIndex struct {
	def  IndexDef
	tree *btree.BTree     // when def.Kind == IndexOrdered
	hash *hashindex.Index // when def.Kind == IndexHash
}

// Create initializes a brand-new, empty table with the given secondary
// index definitions.
func Create(tx *txn.Transaction, defs []IndexDef) (*Table, error) {
	rows := container.Open(tx, 0)
	if _, err := rows.HeadPage(); err != nil {
		return nil, fmt.Errorf("table: create container: %w", err)
	}

	t := &Table{
		tx:        tx,
		rows:      rows,
		primary:   btree.Bind(tx, 0),
		secondary: make(map[string]*secondaryIndex),
	}
	for _, def := range defs {
		si := &secondaryIndex{def: def}
		switch def.Kind {
		case IndexHash:
			ix, err := hashindex.Create(tx)
			if err != nil {
				return nil, fmt.Errorf("table: create hash index %s: %w", def.Name, err)
			}
			si.hash = ix
		default:
			si.tree = btree.Bind(tx, 0)
		}
		t.secondary[def.Name] = si
	}
	return t, nil
}

// Open reconstructs a Table handle from a previously persisted Root.
func Open(tx *txn.Transaction, root Root) *Table {
	t := &Table{
		tx:        tx,
		rows:      container.Open(tx, root.ContainerHead),
		primary:   btree.Bind(tx, root.PrimaryRoot),
		secondary: make(map[string]*secondaryIndex),
	}
	for name, r := range root.SecondaryRoots {
		si := &secondaryIndex{def: r.Def}
		if r.Def.Kind == IndexHash {
			si.hash = hashindex.Open(tx, r.Page)
		} else {
			si.tree = btree.Bind(tx, r.Page)
		}
		t.secondary[name] = si
	}
	return t
}

// Root captures the table's current page anchors for persistence by the
// caller (e.g. into a well-known directory row).
func (t *Table) Root() Root {
	r := Root{
		ContainerHead:  t.containerHead(),
		PrimaryRoot:    t.primary.GetRoot(),
		SecondaryRoots: make(map[string]indexRoot, len(t.secondary)),
	}
	for name, si := range t.secondary {
		if si.def.Kind == IndexHash {
			r.SecondaryRoots[name] = indexRoot{Kind: IndexHash, Page: si.hash.DirectoryPage(), Def: si.def}
		} else {
			r.SecondaryRoots[name] = indexRoot{Kind: IndexOrdered, Page: si.tree.GetRoot(), Def: si.def}
		}
	}
	return r
}

func (t *Table) containerHead() uint64 {
	head, _ := t.rows.HeadPage()
	return head
}

func encodeRecordID(id container.RecordID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func decodeRecordID(b []byte) container.RecordID {
	return container.RecordID(binary.BigEndian.Uint64(b))
}

func encodeRow(row Row) []byte {
	out := make([]byte, 0, 128)
	out = append(out, byte(len(row)))
	for name, val := range row {
		out = append(out, byte(len(name)))
		out = append(out, name...)
		out = append(out, EncodeValues([]Value{val})...)
	}
	return out
}

func decodeRow(data []byte) (Row, error) {
	row := make(Row)
	if len(data) == 0 {
		return row, nil
	}
	pos := 0
	n := int(data[pos])
	pos++
	for i := 0; i < n; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("table: truncated row at field %d", i)
		}
		nameLen := int(data[pos])
		pos++
		if pos+nameLen > len(data) {
			return nil, fmt.Errorf("table: truncated field name at %d", pos)
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		// Decode only this field's value: the next field's name follows it.
		end := pos + 9
		if pos < len(data) && data[pos] == TypeBytes {
			end = pos + 1
			for end < len(data) && data[end] != 0 {
				end++
			}
			end++
		}
		if end > len(data) {
			end = len(data)
		}
		vals, err := DecodeValues(data[pos:end])
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, fmt.Errorf("table: no value decoded for field %s", name)
		}
		row[name] = vals[0]
		pos = end
	}
	return row, nil
}

func indexKeyFor(def IndexDef, row Row, primaryKey []byte) []byte {
	vals := make([]Value, 0, len(def.Columns)+1)
	for _, col := range def.Columns {
		if v, ok := row[col]; ok {
			vals = append(vals, v)
		}
	}
	key := EncodeValues(vals)
	return append(key, primaryKey...)
}

// Put inserts or updates a row, keyed by primaryKey, maintaining every
// secondary index.
func (t *Table) Put(primaryKey []byte, row Row) error {
	newBytes := encodeRow(row)

	var oldRow Row
	existed := false
	if idBytes, ok := t.primary.Get(primaryKey); ok {
		id := decodeRecordID(idBytes)
		if data, ok, err := t.rows.Get(id); err == nil && ok {
			if r, err := decodeRow(data); err == nil {
				oldRow = r
				existed = true
			}
		}
		newID, err := t.rows.Update(id, newBytes)
		if err != nil {
			return fmt.Errorf("table: update row: %w", err)
		}
		t.primary.Insert(primaryKey, encodeRecordID(newID))
	} else {
		id, err := t.rows.Add(newBytes)
		if err != nil {
			return fmt.Errorf("table: add row: %w", err)
		}
		t.primary.Insert(primaryKey, encodeRecordID(id))
	}

	for _, si := range t.secondary {
		if existed {
			oldKey := indexKeyFor(si.def, oldRow, primaryKey)
			if si.def.Kind == IndexHash {
				_ = si.hash.Delete(oldKey)
			} else {
				si.tree.Delete(oldKey)
			}
		}
		newKey := indexKeyFor(si.def, row, primaryKey)
		if si.def.Kind == IndexHash {
			if err := si.hash.Put(newKey, primaryKey); err != nil {
				return fmt.Errorf("table: hash index %s: %w", si.def.Name, err)
			}
		} else {
			si.tree.Insert(newKey, primaryKey)
		}
	}
	return nil
}

// Get retrieves a row by primary key.
func (t *Table) Get(primaryKey []byte) (Row, bool, error) {
	idBytes, ok := t.primary.Get(primaryKey)
	if !ok {
		return nil, false, nil
	}
	id := decodeRecordID(idBytes)
	data, ok, err := t.rows.Get(id)
	if err != nil || !ok {
		return nil, false, err
	}
	row, err := decodeRow(data)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// Delete removes a row and its secondary index entries.
func (t *Table) Delete(primaryKey []byte) (bool, error) {
	idBytes, ok := t.primary.Get(primaryKey)
	if !ok {
		return false, nil
	}
	id := decodeRecordID(idBytes)
	data, ok, err := t.rows.Get(id)
	if err != nil {
		return false, err
	}
	var row Row
	if ok {
		row, _ = decodeRow(data)
	}

	if err := t.rows.Delete(id); err != nil {
		return false, fmt.Errorf("table: delete row: %w", err)
	}
	t.primary.Delete(primaryKey)

	for _, si := range t.secondary {
		key := indexKeyFor(si.def, row, primaryKey)
		if si.def.Kind == IndexHash {
			_ = si.hash.Delete(key)
		} else {
			si.tree.Delete(key)
		}
	}
	return true, nil
}

// ScanPrimary walks rows in primary-key order starting at start, calling
// fn(primaryKey, row) until it returns false.
func (t *Table) ScanPrimary(start []byte, fn func(primaryKey []byte, row Row) bool) {
	t.primary.Scan(start, func(key, idBytes []byte) bool {
		if len(idBytes) == 0 {
			return true // the tree's empty sentinel entry
		}
		id := decodeRecordID(idBytes)
		data, ok, err := t.rows.Get(id)
		if err != nil || !ok {
			return true
		}
		row, err := decodeRow(data)
		if err != nil {
			return true
		}
		return fn(key, row)
	})
}

// ScanIndex walks a secondary index's entries starting at the encoded start
// values (only valid for IndexOrdered indexes), fetching the full row for
// each match.
func (t *Table) ScanIndex(name string, start []Value, fn func(primaryKey []byte, row Row) bool) error {
	si, ok := t.secondary[name]
	if !ok {
		return fmt.Errorf("table: no such index %q", name)
	}
	if si.def.Kind != IndexOrdered {
		return fmt.Errorf("table: index %q is a hash index, use LookupIndex", name)
	}
	startKey := EncodeValues(start)
	si.tree.Scan(startKey, func(_, primaryKey []byte) bool {
		if len(primaryKey) == 0 {
			return true // the tree's empty sentinel entry
		}
		row, ok, err := t.Get(primaryKey)
		if err != nil || !ok {
			return true
		}
		return fn(primaryKey, row)
	})
	return nil
}

// LookupIndex performs an equality lookup against a hash secondary index.
func (t *Table) LookupIndex(name string, cols []Value) ([]byte, bool, error) {
	si, ok := t.secondary[name]
	if !ok {
		return nil, false, fmt.Errorf("table: no such index %q", name)
	}
	if si.def.Kind != IndexHash {
		return nil, false, fmt.Errorf("table: index %q is ordered, use ScanIndex", name)
	}
	key := EncodeValues(cols)
	// A hash secondary index key is cols||primaryKey, so an exact-cols
	// lookup cannot hash to one bucket (the primary-key suffix is unknown);
	// it scans every entry and returns the first with the cols prefix.
	var found []byte
	_ = si.hash.Scan(func(k, v []byte) bool {
		if len(k) >= len(key) && string(k[:len(key)]) == string(key) {
			found = v
			return false
		}
		return true
	})
	return found, found != nil, nil
}
