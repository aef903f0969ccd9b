package domain

// ReorgEvent describes a detected chain reorganization. Created once per
// detection by the reorg coordinator and broadcast to subscribers.
type ReorgEvent struct {
	RollbackToBlock   uint64   `json:"rollback_to_block"`
	RollbackToHash    string   `json:"rollback_to_hash"`
	NewCanonicalBlock uint64   `json:"new_canonical_block"`
	NewCanonicalHash  string   `json:"new_canonical_hash"`
	AffectedTxHashes  []string `json:"affected_tx_hashes"`
	Timestamp         uint64   `json:"timestamp"`
}

// Depth returns the number of blocks invalidated by the reorg.
func (e ReorgEvent) Depth() uint64 {
	if e.NewCanonicalBlock <= e.RollbackToBlock {
		return 0
	}
	return e.NewCanonicalBlock - e.RollbackToBlock
}
