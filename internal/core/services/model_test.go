package services

import (
	"testing"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

func modelTx(id string, ts int64) *domain.Tx {
	return domain.NewCreateTx(domain.ID(id), domain.ClassClass, testSpace,
		map[string]any{"extends": string(domain.ClassDoc)}, "alice", ts)
}

func TestModelLedgerHashChain(t *testing.T) {
	l := NewModelLedger(nil)
	if l.Head() != "" {
		t.Fatalf("expected empty head on a fresh ledger, got %s", l.Head())
	}

	l.Append(modelTx("test:class:A", 1))
	first := l.Head()
	if first == "" {
		t.Fatal("expected head after first append")
	}

	l.Append(modelTx("test:class:B", 2))
	if l.Head() == first {
		t.Error("expected head to advance on append")
	}
	if len(l.Transactions()) != 2 {
		t.Errorf("expected 2 logged transactions, got %d", len(l.Transactions()))
	}
}

func TestModelLedgerIdenticalLogsConverge(t *testing.T) {
	a := NewModelLedger(nil)
	b := NewModelLedger(nil)
	txA := modelTx("test:class:A", 1)
	txB := modelTx("test:class:B", 2)
	a.Append(txA)
	a.Append(txB)
	b.Append(txA)
	b.Append(txB)
	if a.Head() != b.Head() {
		t.Error("expected identical logs to produce identical heads")
	}
}

func TestLoadModelKnownHashReturnsSuffix(t *testing.T) {
	l := NewModelLedger(nil)
	l.Append(modelTx("test:class:A", 1))
	mid := l.Head()
	l.Append(modelTx("test:class:B", 2))
	l.Append(modelTx("test:class:C", 3))

	resp := l.LoadModel(0, mid)
	if resp.Full {
		t.Error("expected incremental response for a known hash")
	}
	if resp.Hash != l.Head() {
		t.Error("expected response hash to be the current head")
	}
	if len(resp.Transactions) != 2 {
		t.Fatalf("expected suffix of 2, got %d", len(resp.Transactions))
	}
	if resp.Transactions[0].ObjectID != "test:class:B" {
		t.Errorf("expected suffix to start at B, got %s", resp.Transactions[0].ObjectID)
	}
}

func TestLoadModelCurrentHeadReturnsEmptySuffix(t *testing.T) {
	l := NewModelLedger(nil)
	l.Append(modelTx("test:class:A", 1))

	resp := l.LoadModel(0, l.Head())
	if resp.Full || len(resp.Transactions) != 0 {
		t.Errorf("expected empty suffix for a current client, got full=%t n=%d",
			resp.Full, len(resp.Transactions))
	}
}

func TestLoadModelUnknownHashForcesFullReload(t *testing.T) {
	l := NewModelLedger(nil)
	l.Append(modelTx("test:class:A", 1))
	l.Append(modelTx("test:class:B", 2))

	resp := l.LoadModel(0, "deadbeef")
	if !resp.Full {
		t.Error("expected full reload for an unknown hash")
	}
	if len(resp.Transactions) != 2 {
		t.Errorf("expected the entire log, got %d", len(resp.Transactions))
	}
}

func TestLoadModelTimestampFallback(t *testing.T) {
	l := NewModelLedger(nil)
	l.Append(modelTx("test:class:A", 10))
	l.Append(modelTx("test:class:B", 20))

	resp := l.LoadModel(15, "")
	if resp.Full {
		t.Error("expected incremental response for timestamp sync")
	}
	if len(resp.Transactions) != 1 || resp.Transactions[0].ObjectID != "test:class:B" {
		t.Errorf("expected only the newer transaction, got %v", resp.Transactions)
	}
}
