// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"sort"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// CorruptReplicas tracks, per block, which datanodes hold a replica that has
// been flagged corrupt and why. Corrupt replicas are excluded from the live
// count and are invalidated once a healthy copy set exists.
type CorruptReplicas struct {
	m map[core.BlockID]map[*DatanodeDescriptor]core.CorruptReason
}

// NewCorruptReplicas returns an empty corrupt replica index.
func NewCorruptReplicas() *CorruptReplicas {
	return &CorruptReplicas{m: make(map[core.BlockID]map[*DatanodeDescriptor]core.CorruptReason)}
}

// Add flags dn's replica of b corrupt. Idempotent; re-adding with a new
// reason updates the reason.
func (c *CorruptReplicas) Add(b *BlockInfo, dn *DatanodeDescriptor, reason core.CorruptReason) {
	nodes, ok := c.m[b.ID]
	if !ok {
		nodes = make(map[*DatanodeDescriptor]core.CorruptReason)
		c.m[b.ID] = nodes
	}
	if prev, dup := nodes[dn]; dup {
		log.V(1).Infof("duplicate corrupt report for %s on %s: %s was %s", b, dn.ID, reason, prev)
	} else {
		log.Infof("%s added as corrupt on %s, reason %s", b, dn.ID, reason)
	}
	nodes[dn] = reason
}

// RemoveNode clears dn's corrupt flag for b. Returns whether it was set.
func (c *CorruptReplicas) RemoveNode(id core.BlockID, dn *DatanodeDescriptor) bool {
	nodes, ok := c.m[id]
	if !ok {
		return false
	}
	if _, ok := nodes[dn]; !ok {
		return false
	}
	delete(nodes, dn)
	if len(nodes) == 0 {
		delete(c.m, id)
	}
	return true
}

// RemoveBlock clears all corrupt flags for a block, when the block itself
// goes away.
func (c *CorruptReplicas) RemoveBlock(id core.BlockID) {
	delete(c.m, id)
}

// Contains reports whether dn's replica of the block is flagged corrupt.
func (c *CorruptReplicas) Contains(id core.BlockID, dn *DatanodeDescriptor) bool {
	_, ok := c.m[id][dn]
	return ok
}

// NumCorruptReplicas returns how many nodes hold a corrupt replica of the
// block.
func (c *CorruptReplicas) NumCorruptReplicas(id core.BlockID) int {
	return len(c.m[id])
}

// Nodes returns the datanodes holding a corrupt replica of the block, sorted
// by node id for deterministic iteration.
func (c *CorruptReplicas) Nodes(id core.BlockID) []*DatanodeDescriptor {
	nodes := c.m[id]
	if len(nodes) == 0 {
		return nil
	}
	out := make([]*DatanodeDescriptor, 0, len(nodes))
	for dn := range nodes {
		out = append(out, dn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.UUID < out[j].ID.UUID })
	return out
}

// Reason returns why dn's replica of the block was flagged.
func (c *CorruptReplicas) Reason(id core.BlockID, dn *DatanodeDescriptor) core.CorruptReason {
	if r, ok := c.m[id][dn]; ok {
		return r
	}
	return core.CorruptNone
}

// Size returns the number of blocks with at least one corrupt replica.
func (c *CorruptReplicas) Size() int { return len(c.m) }
