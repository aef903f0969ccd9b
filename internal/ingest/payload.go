package ingest

import "encoding/json"

// Payload is the raw batch delivered by the chain-indexing relay. A payload
// carrying a RollbackTo reference distinct from its own block is a reorg
// signal and is routed to the reorg coordinator instead of the normalizer.
type Payload struct {
	BlockIdentifier *BlockIdentifier `json:"block_identifier"`
	RollbackTo      *RollbackTo      `json:"rollback_to,omitempty"`
	Reorg           bool             `json:"reorg,omitempty"`
	Transactions    []Transaction    `json:"transactions"`
}

// BlockIdentifier names a block by height and hash.
type BlockIdentifier struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

// RollbackTo marks the fork point of a reorg payload.
type RollbackTo struct {
	BlockIdentifier *BlockIdentifier `json:"block_identifier"`
}

// Transaction is one transaction in a relay batch.
type Transaction struct {
	TransactionHash string      `json:"transaction_hash"`
	Operations      []Operation `json:"operations"`
}

// Operation is either a contract call or a carrier of emitted contract
// events; anything else is dropped during normalization.
type Operation struct {
	ContractCall *ContractCall   `json:"contract_call,omitempty"`
	Events       []ContractEvent `json:"events,omitempty"`
}

// ContractCall describes a direct method invocation.
type ContractCall struct {
	Contract string `json:"contract"`
	Method   string `json:"method"`
}

// ContractEvent describes an event emitted by a contract.
type ContractEvent struct {
	Type            string `json:"type"`
	ContractAddress string `json:"contract_address"`
	Topic           string `json:"topic"`
}

// ParsePayload decodes a raw relay body. Callers treat a decode failure as a
// droppable payload, never as a fatal error.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// IsReorg reports whether the payload is a reorg signal: an explicit marker,
// or a rollback reference pointing below the payload's own block.
func (p *Payload) IsReorg() bool {
	if p.Reorg {
		return true
	}
	if p.RollbackTo == nil || p.RollbackTo.BlockIdentifier == nil {
		return false
	}
	if p.BlockIdentifier == nil {
		return true
	}
	return p.RollbackTo.BlockIdentifier.Index != p.BlockIdentifier.Index
}

// Valid reports whether the payload carries the minimum required shape.
func (p *Payload) Valid() bool {
	return p != nil && p.BlockIdentifier != nil && p.BlockIdentifier.Hash != ""
}
