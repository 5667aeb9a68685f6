// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"testing"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

func TestCorruptReplicasBasics(t *testing.T) {
	c := NewCorruptReplicas()
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")
	d2 := dnm.addNode("d2", "/r1")
	b := mkBlock(1)

	c.Add(b, d1, core.CorruptGenstampMismatch)
	c.Add(b, d1, core.CorruptGenstampMismatch) // idempotent
	c.Add(b, d2, core.CorruptSizeMismatch)

	if c.NumCorruptReplicas(1) != 2 {
		t.Fatalf("want 2 corrupt replicas, got %d", c.NumCorruptReplicas(1))
	}
	if !c.Contains(1, d1) || !c.Contains(1, d2) {
		t.Fatalf("contains lookup failed")
	}
	if c.Reason(1, d1) != core.CorruptGenstampMismatch {
		t.Fatalf("wrong reason %s", c.Reason(1, d1))
	}
	if nodes := c.Nodes(1); len(nodes) != 2 || nodes[0] != d1 || nodes[1] != d2 {
		t.Fatalf("nodes listing wrong")
	}

	if !c.RemoveNode(1, d1) {
		t.Fatalf("remove should succeed")
	}
	if c.RemoveNode(1, d1) {
		t.Fatalf("second remove should report false")
	}
	c.RemoveBlock(1)
	if c.Size() != 0 {
		t.Fatalf("map should be empty, size %d", c.Size())
	}
}

func TestExcessReplicasBasics(t *testing.T) {
	e := NewExcessReplicas()
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")
	b := mkBlock(1)

	if !e.Add(d1, b) {
		t.Fatalf("first add should be new")
	}
	if e.Add(d1, b) {
		t.Fatalf("duplicate add should report false")
	}
	if e.Size() != 1 || !e.Contains(d1, 1) || e.NumExcessForNode(d1) != 1 {
		t.Fatalf("bookkeeping wrong after add")
	}
	if !e.Remove(d1, 1) {
		t.Fatalf("remove should succeed")
	}
	if e.Size() != 0 || e.Contains(d1, 1) {
		t.Fatalf("bookkeeping wrong after remove")
	}
}
