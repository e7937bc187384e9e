package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/ayende-gavran/gavran-go/internal/meta"
	"github.com/ayende-gavran/gavran-go/internal/txn"
)

// Bind wires a BTree's get/new/del callbacks to a live transaction, so
// every node lives as an ordinary engine page (flagged FlagBTree in its
// metadata record) instead of a test's in-memory map. rootPageNum is 0 for
// a brand-new, empty tree.
func Bind(tx *txn.Transaction, rootPageNum uint64) *BTree {
	tree := &BTree{root: rootPageNum}
	tree.SetCallbacks(
		func(ptr uint64) []byte {
			data, err := tx.GetPage(ptr, 1)
			if err != nil {
				panic(fmt.Sprintf("btree: get page %d: %v", ptr, err))
			}
			return data
		},
		func(node []byte) uint64 {
			ptr, buf, err := tx.AllocatePage(1, rootPageNum)
			if err != nil {
				panic(fmt.Sprintf("btree: allocate page: %v", err))
			}
			copy(buf, node)
			rec, err := tx.ModifyMetadata(ptr)
			if err != nil {
				panic(fmt.Sprintf("btree: metadata for page %d: %v", ptr, err))
			}
			rec.SetFlags(meta.FlagBTree)
			return ptr
		},
		func(ptr uint64) {
			if err := tx.FreePage(ptr, 1); err != nil {
				panic(fmt.Sprintf("btree: free page %d: %v", ptr, err))
			}
		},
	)
	return tree
}

// EncodeUint64Key encodes a uint64 as a big-endian byte key, preserving
// numeric ordering under bytes.Compare — used by pkg/table and
// pkg/hashindex for ordinal keys (row ids, directory slots).
func EncodeUint64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// DecodeUint64Key is the inverse of EncodeUint64Key.
func DecodeUint64Key(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
