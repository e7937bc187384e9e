package wal

import "fmt"

// ApplyShippedRecord decodes and applies a transaction record received from
// a log-shipping source (spec §4.15), validating its hash and tx_id
// ordering against the replica's own last-applied tx_id before writing any
// pages. A replica never produces new records of its own; it only drives
// the same reconstruct-and-apply path recovery uses.
func ApplyShippedRecord(buf []byte, lastAppliedTxID uint64, read PageReader, apply PageApplier) (uint64, error) {
	rec, err := Validate(buf, lastAppliedTxID)
	if err != nil {
		return lastAppliedTxID, fmt.Errorf("apply shipped record: %w", err)
	}
	if _, err := applyRecord(rec, read, apply); err != nil {
		return lastAppliedTxID, fmt.Errorf("apply shipped record tx %d: %w", rec.TxID, err)
	}
	return rec.TxID, nil
}
