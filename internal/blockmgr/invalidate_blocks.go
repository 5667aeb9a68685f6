// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// blockComparator orders blocks by id inside a per-node invalidation set.
func blockComparator(a, b interface{}) int {
	x, y := a.(core.Block).ID, b.(core.Block).ID
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// nodeInvalidateSet is the ordered set of blocks one node has been asked to
// delete, plus when the set was first populated (for the startup grace).
type nodeInvalidateSet struct {
	blocks     *treeset.Set
	firstAdded time.Time
}

// InvalidateBlocks tracks, per datanode, the replicas waiting to be deleted
// there. Dispatch of a node's deletions is held back for a configurable grace
// period after its set is first populated, so a master restart working from
// stale state can't mass-delete.
type InvalidateBlocks struct {
	nodes   map[*DatanodeDescriptor]*nodeInvalidateSet
	count   int
	grace   time.Duration
	getTime func() time.Time
}

// NewInvalidateBlocks returns an empty invalidation index with the given
// startup grace.
func NewInvalidateBlocks(grace time.Duration, getTime func() time.Time) *InvalidateBlocks {
	return &InvalidateBlocks{
		nodes:   make(map[*DatanodeDescriptor]*nodeInvalidateSet),
		grace:   grace,
		getTime: getTime,
	}
}

// Add queues b for deletion on dn. Idempotent. Returns whether the entry is
// new.
func (ib *InvalidateBlocks) Add(b core.Block, dn *DatanodeDescriptor, logIt bool) bool {
	set, ok := ib.nodes[dn]
	if !ok {
		set = &nodeInvalidateSet{
			blocks:     treeset.NewWith(blockComparator),
			firstAdded: ib.getTime(),
		}
		ib.nodes[dn] = set
	}
	if set.blocks.Contains(b) {
		return false
	}
	set.blocks.Add(b)
	ib.count++
	if logIt {
		log.Infof("%s added to invalidations on %s", b, dn.ID)
	}
	return true
}

// Remove drops one queued deletion.
func (ib *InvalidateBlocks) Remove(id core.BlockID, dn *DatanodeDescriptor) {
	set, ok := ib.nodes[dn]
	if !ok {
		return
	}
	probe := core.Block{ID: id}
	if set.blocks.Contains(probe) {
		set.blocks.Remove(probe)
		ib.count--
		if set.blocks.Empty() {
			delete(ib.nodes, dn)
		}
	}
}

// RemoveNode drops all queued deletions for a node that left the cluster.
func (ib *InvalidateBlocks) RemoveNode(dn *DatanodeDescriptor) {
	if set, ok := ib.nodes[dn]; ok {
		ib.count -= set.blocks.Size()
		delete(ib.nodes, dn)
	}
}

// Contains reports whether b is queued for deletion on dn.
func (ib *InvalidateBlocks) Contains(id core.BlockID, dn *DatanodeDescriptor) bool {
	set, ok := ib.nodes[dn]
	return ok && set.blocks.Contains(core.Block{ID: id})
}

// NumBlocks returns the number of queued deletions across all nodes.
func (ib *InvalidateBlocks) NumBlocks() int { return ib.count }

// NumBlocksOnNode returns the number of deletions queued for one node.
func (ib *InvalidateBlocks) NumBlocksOnNode(dn *DatanodeDescriptor) int {
	if set, ok := ib.nodes[dn]; ok {
		return set.blocks.Size()
	}
	return 0
}

// NodesPastGrace returns the nodes whose queued deletions may be dispatched
// now.
func (ib *InvalidateBlocks) NodesPastGrace() []*DatanodeDescriptor {
	now := ib.getTime()
	out := make([]*DatanodeDescriptor, 0, len(ib.nodes))
	for dn, set := range ib.nodes {
		if now.Sub(set.firstAdded) >= ib.grace {
			out = append(out, dn)
		} else {
			log.V(2).Infof("%s invalidations held for startup grace (%s left)",
				dn.ID, ib.grace-now.Sub(set.firstAdded))
		}
	}
	return out
}

// PollNode removes and returns up to limit queued deletions for dn, in block
// id order.
func (ib *InvalidateBlocks) PollNode(dn *DatanodeDescriptor, limit int) []core.Block {
	set, ok := ib.nodes[dn]
	if !ok {
		return nil
	}
	out := make([]core.Block, 0, limit)
	it := set.blocks.Iterator()
	for it.Next() && len(out) < limit {
		out = append(out, it.Value().(core.Block))
	}
	for _, b := range out {
		set.blocks.Remove(b)
	}
	ib.count -= len(out)
	if set.blocks.Empty() {
		delete(ib.nodes, dn)
	}
	return out
}

// Clear drops every queued deletion.
func (ib *InvalidateBlocks) Clear() {
	ib.nodes = make(map[*DatanodeDescriptor]*nodeInvalidateSet)
	ib.count = 0
}

// Dump writes the queue contents for metaSave.
func (ib *InvalidateBlocks) Dump(w func(format string, args ...interface{})) {
	w("Metasave: Blocks %d waiting deletion from %d datanodes.\n", ib.count, len(ib.nodes))
	for dn, set := range ib.nodes {
		w("%s with %d blocks\n", dn.ID, set.blocks.Size())
	}
}
