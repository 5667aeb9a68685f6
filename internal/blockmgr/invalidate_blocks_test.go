// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

func TestInvalidateBlocksBasics(t *testing.T) {
	clock := newFakeClock()
	ib := NewInvalidateBlocks(0, clock.Now)
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")

	b := core.Block{ID: 1, GenStamp: 1000}
	if !ib.Add(b, d1, false) {
		t.Fatalf("first add should be new")
	}
	// Re-issuing the same delete must leave the queue unchanged.
	if ib.Add(b, d1, false) {
		t.Fatalf("duplicate add should not grow the queue")
	}
	if ib.NumBlocks() != 1 {
		t.Fatalf("queue size %d, want 1", ib.NumBlocks())
	}
	if !ib.Contains(1, d1) {
		t.Fatalf("queued entry not found")
	}

	ib.Remove(1, d1)
	if ib.NumBlocks() != 0 || ib.Contains(1, d1) {
		t.Fatalf("remove did not drain the entry")
	}
}

func TestInvalidateBlocksPollOrder(t *testing.T) {
	clock := newFakeClock()
	ib := NewInvalidateBlocks(0, clock.Now)
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")

	for _, id := range []uint64{5, 1, 9, 3} {
		ib.Add(core.Block{ID: core.BlockID(id)}, d1, false)
	}
	got := ib.PollNode(d1, 3)
	want := []core.BlockID{1, 3, 5}
	if len(got) != 3 {
		t.Fatalf("polled %d blocks, want 3", len(got))
	}
	for i, b := range got {
		if b.ID != want[i] {
			t.Fatalf("poll order wrong at %d: got %d want %d", i, b.ID, want[i])
		}
	}
	if ib.NumBlocks() != 1 {
		t.Fatalf("one block should remain, have %d", ib.NumBlocks())
	}
}

// Deletions queued for a node must be withheld for the startup grace period
// after the node's queue is first populated.
func TestInvalidateBlocksStartupGrace(t *testing.T) {
	clock := newFakeClock()
	ib := NewInvalidateBlocks(10*time.Second, clock.Now)
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")
	d2 := dnm.addNode("d2", "/r1")

	ib.Add(core.Block{ID: 1}, d1, false)
	clock.advance(6 * time.Second)
	ib.Add(core.Block{ID: 2}, d2, false)

	if nodes := ib.NodesPastGrace(); len(nodes) != 0 {
		t.Fatalf("no node should be past grace yet, got %d", len(nodes))
	}
	clock.advance(5 * time.Second)
	nodes := ib.NodesPastGrace()
	if len(nodes) != 1 || nodes[0] != d1 {
		t.Fatalf("only d1 should be past grace")
	}
	clock.advance(6 * time.Second)
	if nodes := ib.NodesPastGrace(); len(nodes) != 2 {
		t.Fatalf("both nodes should be past grace, got %d", len(nodes))
	}
}

func TestInvalidateBlocksRemoveNode(t *testing.T) {
	clock := newFakeClock()
	ib := NewInvalidateBlocks(0, clock.Now)
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")
	for id := uint64(1); id <= 4; id++ {
		ib.Add(core.Block{ID: core.BlockID(id)}, d1, false)
	}
	ib.RemoveNode(d1)
	if ib.NumBlocks() != 0 {
		t.Fatalf("node removal left %d entries", ib.NumBlocks())
	}
}
