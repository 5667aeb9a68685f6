// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// blockLink is one replica slot of a BlockInfo: which storage claims the
// replica, and the neighbors of this block in that storage's intrusive block
// list. Threading the list through the block records makes "enumerate blocks
// of a storage" O(k) and "drop a storage" O(k) with no secondary index.
type blockLink struct {
	storage    *DatanodeStorageInfo
	prev, next *BlockInfo
}

// BlockInfo is the canonical record for one block, owned by the BlocksMap.
// It links the block to its owning file and to the storages that claim a
// replica. A record is either complete (uc == nil) or carries an
// under-construction feature with the write pipeline's expected locations.
type BlockInfo struct {
	core.Block

	bc    BlockCollection
	links []blockLink

	state core.BlockUCState
	uc    *underConstructionFeature
}

// underConstructionFeature is the extra state a block carries while a client
// pipeline is writing it.
type underConstructionFeature struct {
	// Replicas the active pipeline is expected to produce, with the state
	// each one last reported.
	replicas []replicaUnderConstruction

	// Generation stamp of the ongoing recovery, if any.
	recoveryID core.GenerationStamp
}

// replicaUnderConstruction is one expected pipeline replica.
type replicaUnderConstruction struct {
	storage *DatanodeStorageInfo
	state   core.ReplicaState
}

// NewBlockInfo returns a complete block record with room for replication
// replica slots.
func NewBlockInfo(b core.Block, replication int16) *BlockInfo {
	return &BlockInfo{
		Block: b,
		links: make([]blockLink, 0, replication),
		state: core.BlockComplete,
	}
}

// NewBlockInfoUnderConstruction returns an under-construction record with the
// given expected pipeline locations.
func NewBlockInfoUnderConstruction(b core.Block, replication int16, targets []*DatanodeStorageInfo) *BlockInfo {
	blk := NewBlockInfo(b, replication)
	blk.state = core.BlockUnderConstruction
	blk.uc = &underConstructionFeature{}
	blk.setExpectedLocations(targets)
	return blk
}

// BlockCollection returns the owning file, or nil for an orphaned block.
func (b *BlockInfo) BlockCollection() BlockCollection { return b.bc }

// SetBlockCollection attaches or detaches the owning file.
func (b *BlockInfo) SetBlockCollection(bc BlockCollection) { b.bc = bc }

// UCState returns the lifecycle state of this block.
func (b *BlockInfo) UCState() core.BlockUCState { return b.state }

// IsComplete is true once the block's length and stamp are final.
func (b *BlockInfo) IsComplete() bool { return b.state == core.BlockComplete }

// numNodes returns the number of storages holding a replica.
func (b *BlockInfo) numNodes() int {
	n := 0
	for i := range b.links {
		if b.links[i].storage != nil {
			n++
		}
	}
	return n
}

// findStorageIndex returns the replica slot of the given storage, or -1.
func (b *BlockInfo) findStorageIndex(s *DatanodeStorageInfo) int {
	for i := range b.links {
		if b.links[i].storage == s {
			return i
		}
	}
	return -1
}

// findStorageOnNode returns the storage of the given node holding this block,
// or nil.
func (b *BlockInfo) findStorageOnNode(dn *DatanodeDescriptor) *DatanodeStorageInfo {
	for i := range b.links {
		if s := b.links[i].storage; s != nil && s.node == dn {
			return s
		}
	}
	return nil
}

// Storages returns a snapshot of the storages holding this block.
func (b *BlockInfo) Storages() []*DatanodeStorageInfo {
	out := make([]*DatanodeStorageInfo, 0, len(b.links))
	for i := range b.links {
		if s := b.links[i].storage; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// addStorage claims a free replica slot for s. Returns false if s already has
// a slot.
func (b *BlockInfo) addStorage(s *DatanodeStorageInfo) bool {
	if b.findStorageIndex(s) >= 0 {
		return false
	}
	for i := range b.links {
		if b.links[i].storage == nil {
			b.links[i] = blockLink{storage: s}
			return true
		}
	}
	b.links = append(b.links, blockLink{storage: s})
	return true
}

// removeStorage releases s's replica slot. The slot must already be unlinked
// from the storage's list. Compacts the slot array by moving the last slot
// into the hole.
func (b *BlockInfo) removeStorage(s *DatanodeStorageInfo) bool {
	i := b.findStorageIndex(s)
	if i < 0 {
		return false
	}
	if b.links[i].prev != nil || b.links[i].next != nil {
		log.Fatalf("%s: removing storage %s while still linked", b, s.id)
	}
	last := len(b.links) - 1
	b.links[i] = b.links[last]
	b.links[last] = blockLink{}
	b.links = b.links[:last]
	return true
}

func (b *BlockInfo) getPrev(i int) *BlockInfo { return b.links[i].prev }
func (b *BlockInfo) getNext(i int) *BlockInfo { return b.links[i].next }

func (b *BlockInfo) setPrev(i int, p *BlockInfo) { b.links[i].prev = p }
func (b *BlockInfo) setNext(i int, n *BlockInfo) { b.links[i].next = n }

// listInsert links this block at the head of the storage's block list and
// returns the new head. The block must already hold a slot for s.
func (b *BlockInfo) listInsert(head *BlockInfo, s *DatanodeStorageInfo) *BlockInfo {
	i := b.findStorageIndex(s)
	if i < 0 {
		log.Fatalf("%s: listInsert without a slot for %s", b, s.id)
	}
	b.setPrev(i, nil)
	b.setNext(i, head)
	if head != nil {
		head.setPrev(head.findStorageIndex(s), b)
	}
	return b
}

// listRemove unlinks this block from the storage's block list and returns the
// (possibly new) head. A no-op if the block holds no slot for s.
func (b *BlockInfo) listRemove(head *BlockInfo, s *DatanodeStorageInfo) *BlockInfo {
	if head == nil {
		return nil
	}
	i := b.findStorageIndex(s)
	if i < 0 {
		return head
	}
	prev, next := b.getPrev(i), b.getNext(i)
	b.setPrev(i, nil)
	b.setNext(i, nil)
	if prev != nil {
		prev.setNext(prev.findStorageIndex(s), next)
	}
	if next != nil {
		next.setPrev(next.findStorageIndex(s), prev)
	}
	if head == b {
		return next
	}
	return head
}

// moveToHead relinks this block at the head of the storage's list and returns
// the new head.
func (b *BlockInfo) moveToHead(head *BlockInfo, s *DatanodeStorageInfo) *BlockInfo {
	if head == b {
		return head
	}
	head = b.listRemove(head, s)
	return b.listInsert(head, s)
}

//
// Under-construction feature.
//

// setExpectedLocations resets the pipeline's expected replicas.
func (b *BlockInfo) setExpectedLocations(targets []*DatanodeStorageInfo) {
	replicas := make([]replicaUnderConstruction, 0, len(targets))
	for _, t := range targets {
		replicas = append(replicas, replicaUnderConstruction{storage: t, state: core.ReplicaBeingWritten})
	}
	b.uc.replicas = replicas
}

// ExpectedStorageLocations returns the storages the active pipeline is
// expected to write.
func (b *BlockInfo) ExpectedStorageLocations() []*DatanodeStorageInfo {
	if b.uc == nil {
		return nil
	}
	out := make([]*DatanodeStorageInfo, 0, len(b.uc.replicas))
	for i := range b.uc.replicas {
		out = append(out, b.uc.replicas[i].storage)
	}
	return out
}

// NumExpectedLocations returns the size of the expected pipeline.
func (b *BlockInfo) NumExpectedLocations() int {
	if b.uc == nil {
		return 0
	}
	return len(b.uc.replicas)
}

// addReplicaIfNotPresent records that a storage is participating in the
// pipeline with the given reported state.
func (b *BlockInfo) addReplicaIfNotPresent(s *DatanodeStorageInfo, state core.ReplicaState) {
	if b.uc == nil {
		log.Fatalf("%s: pipeline replica reported for a block with no UC feature", b)
	}
	for i := range b.uc.replicas {
		if b.uc.replicas[i].storage == s {
			b.uc.replicas[i].state = state
			return
		}
	}
	b.uc.replicas = append(b.uc.replicas, replicaUnderConstruction{storage: s, state: state})
}

// InitializeBlockRecovery moves the block into recovery under the given
// recovery generation stamp.
func (b *BlockInfo) InitializeBlockRecovery(recoveryID core.GenerationStamp) {
	if b.uc == nil {
		log.Fatalf("%s: recovery initiated on a complete block", b)
	}
	b.state = core.BlockUnderRecovery
	b.uc.recoveryID = recoveryID
}

// RecoveryID returns the generation stamp of the ongoing recovery.
func (b *BlockInfo) RecoveryID() core.GenerationStamp {
	if b.uc == nil {
		return 0
	}
	return b.uc.recoveryID
}

// commitBlock moves UnderConstruction -> Committed with the client-reported
// final length and generation stamp. The stored generation stamp never moves
// backward.
func (b *BlockInfo) commitBlock(client core.Block) core.Error {
	if b.ID != client.ID {
		log.Fatalf("committing %s against mismatched id %s", b, client)
	}
	if client.GenStamp < b.GenStamp {
		log.Fatalf("%s: commit would move generation stamp backward (%d < %d)",
			b, client.GenStamp, b.GenStamp)
	}
	b.state = core.BlockCommitted
	b.NumBytes = client.NumBytes
	b.GenStamp = client.GenStamp
	return core.NoError
}

// convertToComplete returns a fresh complete record with the same identity.
// The caller must install it via BlocksMap.Replace so the storage lists are
// re-threaded onto the new record.
func (b *BlockInfo) convertToComplete() *BlockInfo {
	if b.state == core.BlockComplete {
		return b
	}
	nb := NewBlockInfo(b.Block, int16(cap(b.links)))
	nb.bc = b.bc
	return nb
}

// convertToUnderConstruction returns a fresh under-construction record with
// the same identity, expecting the given pipeline. The caller must install it
// via BlocksMap.Replace.
func (b *BlockInfo) convertToUnderConstruction(targets []*DatanodeStorageInfo) *BlockInfo {
	nb := NewBlockInfoUnderConstruction(b.Block, int16(cap(b.links)), targets)
	nb.bc = b.bc
	return nb
}
