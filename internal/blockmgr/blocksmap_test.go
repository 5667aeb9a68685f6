// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"testing"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

func mkBlock(id uint64) *BlockInfo {
	return NewBlockInfo(core.Block{ID: core.BlockID(id), GenStamp: 1000, NumBytes: 1}, 3)
}

// Insert, lookup, and remove must round-trip through the open-addressed
// table, including after collisions and tombstones.
func TestBlocksMapBasics(t *testing.T) {
	m := NewBlocksMap(64)
	f := newTestFile("/a", 3)

	if m.Get(1) != nil {
		t.Fatalf("empty map returned a block")
	}
	for id := uint64(1); id <= 40; id++ {
		m.AddBlockCollection(mkBlock(id), f)
	}
	if m.Size() != 40 {
		t.Fatalf("expected 40 blocks, got %d", m.Size())
	}
	for id := uint64(1); id <= 40; id++ {
		b := m.Get(core.BlockID(id))
		if b == nil || b.ID != core.BlockID(id) {
			t.Fatalf("lookup of %d failed", id)
		}
		if b.BlockCollection() != f {
			t.Fatalf("block %d lost its file", id)
		}
	}

	// Remove half, confirm the rest still resolve through tombstones.
	for id := uint64(1); id <= 20; id++ {
		m.Remove(core.BlockID(id))
	}
	if m.Size() != 20 {
		t.Fatalf("expected 20 blocks after removal, got %d", m.Size())
	}
	for id := uint64(1); id <= 20; id++ {
		if m.Get(core.BlockID(id)) != nil {
			t.Fatalf("removed block %d still resolves", id)
		}
	}
	for id := uint64(21); id <= 40; id++ {
		if m.Get(core.BlockID(id)) == nil {
			t.Fatalf("block %d lost after unrelated removals", id)
		}
	}

	// Tombstoned slots must be reusable.
	for id := uint64(1); id <= 20; id++ {
		m.AddBlockCollection(mkBlock(id), f)
	}
	if m.Size() != 40 {
		t.Fatalf("reinsert failed, size %d", m.Size())
	}
}

// Adding an existing id attaches the new file but keeps the record.
func TestBlocksMapAddExisting(t *testing.T) {
	m := NewBlocksMap(64)
	f1 := newTestFile("/a", 3)
	f2 := newTestFile("/b", 3)

	first := m.AddBlockCollection(mkBlock(7), f1)
	second := m.AddBlockCollection(mkBlock(7), f2)
	if first != second {
		t.Fatalf("second insert of same id produced a new record")
	}
	if second.BlockCollection() != f2 {
		t.Fatalf("file not updated on re-insert")
	}
	if m.Size() != 1 {
		t.Fatalf("duplicate insert changed size to %d", m.Size())
	}
}

// Replace must preserve identity while moving every storage edge onto the new
// record.
func TestBlocksMapReplace(t *testing.T) {
	m := NewBlocksMap(64)
	f := newTestFile("/a", 3)
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")
	d2 := dnm.addNode("d2", "/r1")

	b := m.AddBlockCollection(mkBlock(9), f)
	d1.Storages()[0].AddBlock(b)
	d2.Storages()[0].AddBlock(b)

	uc := b.convertToUnderConstruction(b.Storages())
	installed := m.Replace(uc)
	if installed != uc {
		t.Fatalf("replace did not install the new record")
	}
	if m.Get(9) != uc {
		t.Fatalf("lookup returned the old record")
	}
	if uc.numNodes() != 2 {
		t.Fatalf("edges not re-threaded: %d nodes", uc.numNodes())
	}
	for _, dn := range []*DatanodeDescriptor{d1, d2} {
		s := dn.Storages()[0]
		if s.NumBlocks() != 1 {
			t.Fatalf("%s block count wrong: %d", dn.ID, s.NumBlocks())
		}
		blocks := s.Blocks()
		if len(blocks) != 1 || blocks[0] != uc {
			t.Fatalf("%s list does not hold the new record", dn.ID)
		}
	}
}

// Per-storage enumeration walks the intrusive list, and dropping a storage
// unlinks in O(1) per block.
func TestBlocksMapStorageEnumeration(t *testing.T) {
	m := NewBlocksMap(256)
	f := newTestFile("/a", 3)
	dnm := newTestDatanodeManager()
	d1 := dnm.addNode("d1", "/r1")
	s := d1.Storages()[0]

	for id := uint64(1); id <= 10; id++ {
		b := m.AddBlockCollection(mkBlock(id), f)
		s.AddBlock(b)
	}
	if s.NumBlocks() != 10 {
		t.Fatalf("storage should hold 10 blocks, has %d", s.NumBlocks())
	}
	seen := map[core.BlockID]bool{}
	for _, b := range s.Blocks() {
		seen[b.ID] = true
	}
	if len(seen) != 10 {
		t.Fatalf("enumeration returned %d distinct blocks", len(seen))
	}

	// Unlink one from the middle and re-enumerate.
	mid := m.Get(5)
	s.RemoveBlock(mid)
	if s.NumBlocks() != 9 {
		t.Fatalf("storage should hold 9 blocks, has %d", s.NumBlocks())
	}
	for _, b := range s.Blocks() {
		if b.ID == 5 {
			t.Fatalf("removed block still enumerated")
		}
	}
}

func TestBlocksMapIterate(t *testing.T) {
	m := NewBlocksMap(64)
	f := newTestFile("/a", 3)
	for id := uint64(1); id <= 5; id++ {
		m.AddBlockCollection(mkBlock(id), f)
	}
	n := 0
	m.Iterate(func(b *BlockInfo) bool {
		n++
		return true
	})
	if n != 5 {
		t.Fatalf("iterate visited %d blocks", n)
	}
	// Early stop.
	n = 0
	m.Iterate(func(b *BlockInfo) bool {
		n++
		return n < 2
	})
	if n != 2 {
		t.Fatalf("iterate ignored early stop, visited %d", n)
	}
}
