package scatter

import (
	"testing"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

func TestExpand_BuildsIndexedShardKeys(t *testing.T) {
	wfID := model.NewWorkflowID()
	keys := Expand(wfID, "align", 3)
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	for i, k := range keys {
		shard, ok := k.ShardIndex()
		if !ok || shard != i {
			t.Fatalf("key %d: expected shard index %d, got %d (ok=%v)", i, i, shard, ok)
		}
		if k.Attempt != 1 {
			t.Fatalf("expected attempt 1, got %d", k.Attempt)
		}
	}
}

func TestCollector_NotReadyUntilAllShardsTerminal(t *testing.T) {
	c := NewCollector(3, false)
	c.RecordShard(0, true, "a")
	c.RecordShard(1, true, "b")
	if c.Ready() {
		t.Fatal("expected not ready with one shard outstanding")
	}
	if _, err := c.Materialize(); err == nil {
		t.Fatal("expected error materializing before all shards terminal")
	}
	c.RecordShard(2, true, "c")
	if !c.Ready() {
		t.Fatal("expected ready once all shards terminal")
	}
	out, err := c.Materialize()
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if out[0] != "a" || out[1] != "b" || out[2] != "c" {
		t.Fatalf("expected shard-ordered array, got %v", out)
	}
	if c.Status() != CollectorSucceeded {
		t.Fatalf("expected Succeeded status, got %s", c.Status())
	}
}

func TestCollector_FailurePropagatesWithoutContinueOnFailure(t *testing.T) {
	c := NewCollector(2, false)
	c.RecordShard(0, false, nil)
	c.RecordShard(1, true, "b")
	if !c.ShouldAbortSiblings() {
		t.Fatal("expected sibling abort without continueOnFailure")
	}
	if _, err := c.Materialize(); err == nil {
		t.Fatal("expected materialize error on shard failure")
	}
	if c.Status() != CollectorFailed {
		t.Fatalf("expected Failed status, got %s", c.Status())
	}
}

func TestCollector_ContinueOnFailureToleratesShardFailure(t *testing.T) {
	c := NewCollector(2, true)
	c.RecordShard(0, false, nil)
	c.RecordShard(1, true, "b")
	if c.ShouldAbortSiblings() {
		t.Fatal("continueOnFailure must not abort siblings")
	}
	out, err := c.Materialize()
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if out[1] != "b" {
		t.Fatalf("expected successful shard output preserved, got %v", out)
	}
}

func TestCollector_ResetForRestart(t *testing.T) {
	c := NewCollector(1, false)
	c.RecordShard(0, true, "x")
	c.Materialize()
	if c.Status() != CollectorSucceeded {
		t.Fatal("expected Succeeded before reset")
	}
	c.ResetForRestart()
	if c.Status() != CollectorNotStarted {
		t.Fatalf("expected NotStarted after restart reset, got %s", c.Status())
	}
	if c.Ready() {
		t.Fatal("expected collector bookkeeping cleared after reset")
	}
}
