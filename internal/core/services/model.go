package services

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// ModelResponse is the answer to a model sync request.
type ModelResponse struct {
	// Full signals the client must discard local model state and reload.
	Full bool `json:"full"`
	// Hash is the current head of the hash chain.
	Hash string `json:"hash"`
	// Transactions is the full model log or the suffix after the client's
	// known position.
	Transactions []*domain.Tx `json:"transactions"`
}

// ModelLedger maintains the ordered model transaction log and a running
// content-hash chain for incremental model sync:
//
//	hash[i] = SHA1(hash[i-1] || serialize(tx[i])), hash[-1] = ""
//
// Appending extends both by one element; the chain is never recomputed
// retroactively. Single writer per workspace process is assumed.
type ModelLedger struct {
	mu     sync.RWMutex
	txes   []*domain.Tx
	hashes []string
}

// NewModelLedger creates a ledger seeded with the bootstrap model log.
func NewModelLedger(bootstrap []*domain.Tx) *ModelLedger {
	l := &ModelLedger{}
	for _, tx := range bootstrap {
		l.Append(tx)
	}
	return l
}

// Append extends the log and the hash chain with one model transaction.
func (l *ModelLedger) Append(tx *domain.Tx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ""
	if len(l.hashes) > 0 {
		prev = l.hashes[len(l.hashes)-1]
	}
	data, _ := json.Marshal(tx)
	sum := sha1.Sum(append([]byte(prev), data...))
	l.txes = append(l.txes, tx)
	l.hashes = append(l.hashes, hex.EncodeToString(sum[:]))
}

// Head returns the chain's last element, or "" for an empty log.
func (l *ModelLedger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.hashes) == 0 {
		return ""
	}
	return l.hashes[len(l.hashes)-1]
}

// LoadModel answers a sync request. A known hash yields only the suffix
// after that position; an unknown hash (stale client or rebuilt chain)
// yields the entire log with Full set, telling the client to reload.
func (l *ModelLedger) LoadModel(lastKnownTs int64, hash string) *ModelResponse {
	l.mu.RLock()
	defer l.mu.RUnlock()

	head := ""
	if len(l.hashes) > 0 {
		head = l.hashes[len(l.hashes)-1]
	}

	if hash != "" {
		for i := len(l.hashes) - 1; i >= 0; i-- {
			if l.hashes[i] == hash {
				return &ModelResponse{
					Full:         false,
					Hash:         head,
					Transactions: append([]*domain.Tx(nil), l.txes[i+1:]...),
				}
			}
		}
		return &ModelResponse{
			Full:         true,
			Hash:         head,
			Transactions: append([]*domain.Tx(nil), l.txes...),
		}
	}

	// Legacy timestamp-only sync: unordered-duplicate-tolerant suffix by
	// modification time.
	var out []*domain.Tx
	for _, tx := range l.txes {
		if tx.ModifiedOn > lastKnownTs {
			out = append(out, tx)
		}
	}
	return &ModelResponse{Full: false, Hash: head, Transactions: out}
}

// Transactions returns a copy of the full model log.
func (l *ModelLedger) Transactions() []*domain.Tx {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*domain.Tx(nil), l.txes...)
}
