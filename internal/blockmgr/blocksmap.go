// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	log "github.com/golang/glog"

	sigar "github.com/cloudfoundry/gosigar"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

const (
	// Rough in-memory footprint of one map slot plus its BlockInfo, used to
	// turn available memory into a slot count.
	bytesPerBlockEntry = 64

	// Fraction of system memory the block map may claim when no explicit
	// capacity is configured, in percent.
	blocksMapMemoryPct = 2
)

// tombstone marks a slot whose entry was removed; probes continue past it.
var tombstone = &BlockInfo{}

// BlocksMap is the canonical index from block id to BlockInfo. It is a fixed
// capacity open-addressed table with linear probing, sized at construction.
// It relies on the namespace lock for serialization like the rest of the
// block manager state.
type BlocksMap struct {
	shift uint
	slots []*BlockInfo
	size  int
}

// NewBlocksMap returns a map with the given slot capacity; capacity 0 sizes
// the table from system memory.
func NewBlocksMap(capacity int) *BlocksMap {
	if capacity <= 0 {
		capacity = capacityFromMemory()
	}
	shift := uint(1)
	for 1<<shift < capacity {
		shift++
	}
	log.Infof("blocks map configured with 2^%d slots", shift)
	return &BlocksMap{
		shift: shift,
		slots: make([]*BlockInfo, 1<<shift),
	}
}

// capacityFromMemory sizes the table at about 2% of total system memory.
func capacityFromMemory() int {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("couldn't read system memory (%s), using 1M block slots", err)
		return 1 << 20
	}
	return int(mem.Total / 100 * blocksMapMemoryPct / bytesPerBlockEntry)
}

func (m *BlocksMap) slotIndex(id core.BlockID) uint64 {
	// Fibonacci hashing spreads sequential block ids across the table.
	return (uint64(id) * 0x9E3779B97F4A7C15) >> (64 - m.shift)
}

// Size returns the number of blocks in the map.
func (m *BlocksMap) Size() int { return m.size }

// Capacity returns the slot count.
func (m *BlocksMap) Capacity() int { return len(m.slots) }

// Get returns the record for id, or nil.
func (m *BlocksMap) Get(id core.BlockID) *BlockInfo {
	mask := uint64(len(m.slots) - 1)
	for i := m.slotIndex(id); ; i = (i + 1) & mask {
		e := m.slots[i]
		if e == nil {
			return nil
		}
		if e != tombstone && e.ID == id {
			return e
		}
	}
}

// AddBlockCollection inserts b attached to bc, or if a record with the same
// id exists, attaches bc to it. Returns the record that is in the map.
func (m *BlocksMap) AddBlockCollection(b *BlockInfo, bc BlockCollection) *BlockInfo {
	mask := uint64(len(m.slots) - 1)
	free := -1
	for i := m.slotIndex(b.ID); ; i = (i + 1) & mask {
		e := m.slots[i]
		if e == nil {
			if free < 0 {
				free = int(i)
			}
			break
		}
		if e == tombstone {
			if free < 0 {
				free = int(i)
			}
			continue
		}
		if e.ID == b.ID {
			e.SetBlockCollection(bc)
			return e
		}
	}
	b.SetBlockCollection(bc)
	m.slots[free] = b
	m.size++
	// The table never rehashes; the misreplication scan depends on stable
	// slot positions. Getting this full means the capacity config is wrong
	// for the cluster.
	if m.size*10 >= len(m.slots)*9 {
		log.Fatalf("blocks map is over 90%% full (%d of %d); raise BlocksMapCapacity", m.size, len(m.slots))
	}
	return b
}

// Remove drops the record for id, detaching its file and scrubbing every
// storage edge.
func (m *BlocksMap) Remove(id core.BlockID) {
	mask := uint64(len(m.slots) - 1)
	for i := m.slotIndex(id); ; i = (i + 1) & mask {
		e := m.slots[i]
		if e == nil {
			return
		}
		if e != tombstone && e.ID == id {
			e.SetBlockCollection(nil)
			for _, s := range e.Storages() {
				s.RemoveBlock(e)
			}
			m.slots[i] = tombstone
			m.size--
			return
		}
	}
}

// Replace installs nb under its id in place of the existing record, moving
// every storage edge onto the new record. Used to swap a block's variant
// (under construction <-> complete) while preserving identity. Returns the
// installed record.
func (m *BlocksMap) Replace(nb *BlockInfo) *BlockInfo {
	mask := uint64(len(m.slots) - 1)
	for i := m.slotIndex(nb.ID); ; i = (i + 1) & mask {
		e := m.slots[i]
		if e == nil {
			// Nothing to replace; just insert.
			m.slots[i] = nb
			m.size++
			return nb
		}
		if e == tombstone || e.ID != nb.ID {
			continue
		}
		if e == nb {
			return nb
		}
		for _, s := range e.Storages() {
			s.RemoveBlock(e)
			s.AddBlock(nb)
		}
		m.slots[i] = nb
		return nb
	}
}

// Iterate calls f for every block in the map; f returning false stops the
// walk.
func (m *BlocksMap) Iterate(f func(*BlockInfo) bool) {
	for _, e := range m.slots {
		if e == nil || e == tombstone {
			continue
		}
		if !f(e) {
			return
		}
	}
}

// scanChunk walks up to max occupied slots starting at slot pos, calling f
// for each. It returns the next slot position and whether the end of the
// table was reached. The misreplication scan uses this to cover the table in
// chunks, dropping the lock between calls; slots never move, so the cursor
// stays valid across lock releases.
func (m *BlocksMap) scanChunk(pos, max int, f func(*BlockInfo)) (int, bool) {
	n := 0
	for ; pos < len(m.slots) && n < max; pos++ {
		e := m.slots[pos]
		if e == nil || e == tombstone {
			continue
		}
		f(e)
		n++
	}
	return pos, pos >= len(m.slots)
}
