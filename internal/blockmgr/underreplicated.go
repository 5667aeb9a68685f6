// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"github.com/emirpasic/gods/sets/linkedhashset"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// Replication priority levels, 0 most urgent.
const (
	// PriorityHighest: no live replicas, but a decommissioning node still
	// has one, so the data is salvageable.
	PriorityHighest = iota

	// PriorityVeryUnderReplicated: a single live replica of a multi-replica
	// block.
	PriorityVeryUnderReplicated

	// PrioritySeverelyUnderReplicated: live count below a third of target.
	PrioritySeverelyUnderReplicated

	// PriorityUnderReplicated: below target.
	PriorityUnderReplicated

	// PriorityBadlyDistributed: target met but every replica shares one
	// rack.
	PriorityBadlyDistributed

	// PriorityCorrupt: no usable copy anywhere.
	PriorityCorrupt

	priorityLevels
)

// UnderReplicatedBlocks is the priority-bucketed set of blocks needing
// replication work. Each bucket keeps insertion order and a persistent
// round-robin cursor so one busy bucket can't starve late arrivals.
type UnderReplicatedBlocks struct {
	buckets [priorityLevels]*linkedhashset.Set

	// Per-bucket cursor for ChooseUnderReplicatedBlocks.
	cursors [priorityLevels]int
}

// NewUnderReplicatedBlocks returns an empty priority queue.
func NewUnderReplicatedBlocks() *UnderReplicatedBlocks {
	u := &UnderReplicatedBlocks{}
	for i := range u.buckets {
		u.buckets[i] = linkedhashset.New()
	}
	return u
}

// getPriority classifies a block by its replica census.
func getPriority(curReplicas, decommissioned, expected int) int {
	switch {
	case curReplicas == 0 && decommissioned > 0:
		return PriorityHighest
	case curReplicas == 0:
		return PriorityCorrupt
	case curReplicas >= expected:
		return PriorityBadlyDistributed
	case curReplicas == 1 && expected > 1:
		return PriorityVeryUnderReplicated
	case curReplicas*3 < expected:
		return PrioritySeverelyUnderReplicated
	default:
		return PriorityUnderReplicated
	}
}

// Add inserts the block at the priority its census implies. Returns whether
// it was newly inserted.
func (u *UnderReplicatedBlocks) Add(id core.BlockID, curReplicas, decommissioned, expected int) bool {
	pri := getPriority(curReplicas, decommissioned, expected)
	if u.buckets[pri].Contains(id) {
		return false
	}
	u.buckets[pri].Add(id)
	log.V(1).Infof("%s added to needed replications at priority %d (%d/%d live)",
		id, pri, curReplicas, expected)
	return true
}

// Update moves the block between priorities after its census changed.
func (u *UnderReplicatedBlocks) Update(id core.BlockID, curReplicas, decommissioned, expected int) {
	pri := getPriority(curReplicas, decommissioned, expected)
	for i := range u.buckets {
		if i != pri && u.buckets[i].Contains(id) {
			u.buckets[i].Remove(id)
		}
	}
	u.buckets[pri].Add(id)
}

// Remove drops the block from whichever bucket holds it. Returns whether it
// was present.
func (u *UnderReplicatedBlocks) Remove(id core.BlockID) bool {
	for i := range u.buckets {
		if u.buckets[i].Contains(id) {
			u.buckets[i].Remove(id)
			return true
		}
	}
	return false
}

// Contains reports whether the block is queued at any priority.
func (u *UnderReplicatedBlocks) Contains(id core.BlockID) bool {
	for i := range u.buckets {
		if u.buckets[i].Contains(id) {
			return true
		}
	}
	return false
}

// Priority returns the bucket holding the block, or -1.
func (u *UnderReplicatedBlocks) Priority(id core.BlockID) int {
	for i := range u.buckets {
		if u.buckets[i].Contains(id) {
			return i
		}
	}
	return -1
}

// Clear empties every bucket.
func (u *UnderReplicatedBlocks) Clear() {
	for i := range u.buckets {
		u.buckets[i] = linkedhashset.New()
		u.cursors[i] = 0
	}
}

// Size returns the number of queued blocks across all buckets.
func (u *UnderReplicatedBlocks) Size() int {
	n := 0
	for i := range u.buckets {
		n += u.buckets[i].Size()
	}
	return n
}

// SizeNotCorrupt returns the queued blocks that still have a usable copy.
func (u *UnderReplicatedBlocks) SizeNotCorrupt() int {
	return u.Size() - u.buckets[PriorityCorrupt].Size()
}

// CorruptBlocksSize returns the number of blocks with no usable copy.
func (u *UnderReplicatedBlocks) CorruptBlocksSize() int {
	return u.buckets[PriorityCorrupt].Size()
}

// ChooseUnderReplicatedBlocks picks up to maxBlocks blocks to replicate,
// highest priority first, returning one list per priority level. Each bucket
// resumes from a persistent cursor so blocks late in a bucket aren't starved
// by churn at the front. The corrupt bucket is skipped; nothing can be
// replicated from zero copies.
func (u *UnderReplicatedBlocks) ChooseUnderReplicatedBlocks(maxBlocks int) [][]core.BlockID {
	out := make([][]core.BlockID, priorityLevels)
	remaining := maxBlocks
	for pri := PriorityHighest; pri < PriorityCorrupt && remaining > 0; pri++ {
		values := u.buckets[pri].Values()
		if len(values) == 0 {
			continue
		}
		if u.cursors[pri] >= len(values) {
			u.cursors[pri] = 0
		}
		take := len(values)
		if take > remaining {
			take = remaining
		}
		picked := make([]core.BlockID, 0, take)
		for n := 0; n < take; n++ {
			picked = append(picked, values[(u.cursors[pri]+n)%len(values)].(core.BlockID))
		}
		u.cursors[pri] = (u.cursors[pri] + take) % len(values)
		out[pri] = picked
		remaining -= take
	}
	return out
}
