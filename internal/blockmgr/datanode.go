// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// AdminState is the administrative lifecycle of a datanode.
type AdminState int

// Admin states.
const (
	AdminNormal AdminState = iota
	AdminDecommissionInProgress
	AdminDecommissioned
)

// DatanodeDescriptor is the master's view of one datanode: its storages, its
// administrative state, and the queues of commands waiting to be picked up by
// its next heartbeat response.
//
// The storage map and admin state are guarded by the namespace lock like the
// rest of the block map. The command queues do their own locking because the
// heartbeat responder drains them without the namespace lock.
type DatanodeDescriptor struct {
	ID core.DatanodeID

	adminState AdminState

	// Storages this node has ever reported, keyed by storage id.
	storages map[core.StorageID]*DatanodeStorageInfo

	// Whether this node still needs a fresh access-key set pushed to it.
	needKeyUpdate bool

	// Number of blocks scheduled to land on this node but not yet reported
	// received. Guarded by qlock; bumped by the replication scheduler,
	// decremented by incremental reports.
	blocksScheduled int

	qlock sync.Mutex

	// Replication commands waiting for the next heartbeat response.
	replicateQueue []core.ReplicateCommand

	// Invalidation commands waiting for the next heartbeat response.
	invalidateQueue []core.InvalidateCommand

	// Key update commands waiting for the next heartbeat response.
	keyQueue []core.KeyUpdateCommand
}

// NewDatanodeDescriptor returns a descriptor for the given node identity.
func NewDatanodeDescriptor(id core.DatanodeID) *DatanodeDescriptor {
	return &DatanodeDescriptor{
		ID:       id,
		storages: make(map[core.StorageID]*DatanodeStorageInfo),
	}
}

// IsDecommissionInProgress returns true while the node is draining.
func (dn *DatanodeDescriptor) IsDecommissionInProgress() bool {
	return dn.adminState == AdminDecommissionInProgress
}

// IsDecommissioned returns true once the node has fully drained.
func (dn *DatanodeDescriptor) IsDecommissioned() bool {
	return dn.adminState == AdminDecommissioned
}

// SetAdminState moves the node through its administrative lifecycle.
func (dn *DatanodeDescriptor) SetAdminState(s AdminState) {
	dn.adminState = s
}

// SetNeedKeyUpdate flags whether the node is due a fresh access-key set.
func (dn *DatanodeDescriptor) SetNeedKeyUpdate(need bool) {
	dn.needKeyUpdate = need
}

// GetStorage returns the storage with the given id, or nil.
func (dn *DatanodeDescriptor) GetStorage(id core.StorageID) *DatanodeStorageInfo {
	return dn.storages[id]
}

// UpdateStorage returns the storage with the given id, creating it on first
// reference. Datanodes may grow storages at any time; we learn about them
// from reports.
func (dn *DatanodeDescriptor) UpdateStorage(id core.StorageID, t core.StorageType) *DatanodeStorageInfo {
	s, ok := dn.storages[id]
	if !ok {
		log.V(1).Infof("adding new storage %s (%s) to %s", id, t, dn.ID)
		s = newDatanodeStorageInfo(dn, id, t)
		dn.storages[id] = s
	}
	return s
}

// RemoveStorage forgets a storage; the caller must already have scrubbed its
// block edges.
func (dn *DatanodeDescriptor) RemoveStorage(id core.StorageID) {
	delete(dn.storages, id)
}

// Storages returns all storages of this node.
func (dn *DatanodeDescriptor) Storages() []*DatanodeStorageInfo {
	out := make([]*DatanodeStorageInfo, 0, len(dn.storages))
	for _, s := range dn.storages {
		out = append(out, s)
	}
	return out
}

// NumBlocks returns the number of block edges across all storages.
func (dn *DatanodeDescriptor) NumBlocks() int {
	n := 0
	for _, s := range dn.storages {
		n += s.numBlocks
	}
	return n
}

// AllStoragesReported returns true once every storage of this node has
// produced at least one block report since the last failover.
func (dn *DatanodeDescriptor) AllStoragesReported() bool {
	for _, s := range dn.storages {
		if s.blockContentsStale {
			return false
		}
	}
	return true
}

// AddBlockToBeReplicated enqueues a replication command for this node as the
// transfer source.
func (dn *DatanodeDescriptor) AddBlockToBeReplicated(b core.Block, targets []core.ReplicaTarget) {
	dn.qlock.Lock()
	dn.replicateQueue = append(dn.replicateQueue, core.ReplicateCommand{Block: b, Targets: targets})
	dn.qlock.Unlock()
}

// AddBlocksToBeInvalidated enqueues a deletion command for this node.
func (dn *DatanodeDescriptor) AddBlocksToBeInvalidated(blocks []core.Block) {
	if len(blocks) == 0 {
		return
	}
	dn.qlock.Lock()
	dn.invalidateQueue = append(dn.invalidateQueue, core.InvalidateCommand{Blocks: blocks})
	dn.qlock.Unlock()
}

// AddKeyUpdateCommand enqueues a key update command.
func (dn *DatanodeDescriptor) AddKeyUpdateCommand(keys []byte) {
	dn.qlock.Lock()
	dn.keyQueue = append(dn.keyQueue, core.KeyUpdateCommand{Keys: keys})
	dn.qlock.Unlock()
}

// NumReplicationWorkScheduled is how many outbound transfers this node has
// been asked to do and hasn't picked up or finished yet. Used to rate-limit
// source selection.
func (dn *DatanodeDescriptor) NumReplicationWorkScheduled() int {
	dn.qlock.Lock()
	defer dn.qlock.Unlock()
	n := 0
	for _, cmd := range dn.replicateQueue {
		n += len(cmd.Targets)
	}
	return n
}

// IncBlocksScheduled notes that a replica is on its way to this node.
func (dn *DatanodeDescriptor) IncBlocksScheduled() {
	dn.qlock.Lock()
	dn.blocksScheduled++
	dn.qlock.Unlock()
}

// DecBlocksScheduled notes that a scheduled replica arrived (or will never
// arrive).
func (dn *DatanodeDescriptor) DecBlocksScheduled() {
	dn.qlock.Lock()
	if dn.blocksScheduled > 0 {
		dn.blocksScheduled--
	}
	dn.qlock.Unlock()
}

// BlocksScheduled returns the number of replicas on their way to this node.
func (dn *DatanodeDescriptor) BlocksScheduled() int {
	dn.qlock.Lock()
	defer dn.qlock.Unlock()
	return dn.blocksScheduled
}

// PollReplicationCommands removes and returns up to max queued replication
// commands. Called by the heartbeat responder.
func (dn *DatanodeDescriptor) PollReplicationCommands(max int) []core.ReplicateCommand {
	dn.qlock.Lock()
	defer dn.qlock.Unlock()
	if max > len(dn.replicateQueue) {
		max = len(dn.replicateQueue)
	}
	out := dn.replicateQueue[:max:max]
	dn.replicateQueue = dn.replicateQueue[max:]
	return out
}

// PollInvalidateCommands removes and returns all queued invalidation
// commands. Called by the heartbeat responder.
func (dn *DatanodeDescriptor) PollInvalidateCommands() []core.InvalidateCommand {
	dn.qlock.Lock()
	defer dn.qlock.Unlock()
	out := dn.invalidateQueue
	dn.invalidateQueue = nil
	return out
}

// PollKeyCommands removes and returns all queued key update commands.
func (dn *DatanodeDescriptor) PollKeyCommands() []core.KeyUpdateCommand {
	dn.qlock.Lock()
	defer dn.qlock.Unlock()
	out := dn.keyQueue
	dn.keyQueue = nil
	return out
}

// StorageState is the operational state of one storage.
type StorageState int

// Storage states.
const (
	StorageNormal StorageState = iota
	StorageReadOnly
	StorageFailed
)

// DatanodeStorageInfo is the master's view of one storage directory on one
// datanode. Block edges in the block map point at these; each storage threads
// a doubly-linked list through the BlockInfo records it holds so its blocks
// can be enumerated without a secondary index.
type DatanodeStorageInfo struct {
	node        *DatanodeDescriptor
	id          core.StorageID
	storageType core.StorageType
	state       StorageState

	// Head of the intrusive block list.
	blockList *BlockInfo
	numBlocks int

	// Reports processed since this storage registered.
	blockReportCount int

	// True until the first block report after this master became active;
	// while stale, replica counts involving this storage can't be trusted.
	blockContentsStale bool

	// Free space as of the last heartbeat, consulted by placement when
	// picking deletion victims.
	remaining int64
}

func newDatanodeStorageInfo(dn *DatanodeDescriptor, id core.StorageID, t core.StorageType) *DatanodeStorageInfo {
	return &DatanodeStorageInfo{
		node:               dn,
		id:                 id,
		storageType:        t,
		blockContentsStale: true,
	}
}

// Node returns the datanode this storage belongs to.
func (s *DatanodeStorageInfo) Node() *DatanodeDescriptor { return s.node }

// ID returns the storage id.
func (s *DatanodeStorageInfo) ID() core.StorageID { return s.id }

// StorageType returns the media class of this storage.
func (s *DatanodeStorageInfo) StorageType() core.StorageType { return s.storageType }

// State returns the operational state.
func (s *DatanodeStorageInfo) State() StorageState { return s.state }

// SetState sets the operational state.
func (s *DatanodeStorageInfo) SetState(st StorageState) { s.state = st }

// NumBlocks returns how many blocks this storage holds.
func (s *DatanodeStorageInfo) NumBlocks() int { return s.numBlocks }

// SetRemaining records free space from a heartbeat.
func (s *DatanodeStorageInfo) SetRemaining(bytes int64) { s.remaining = bytes }

// Remaining returns free space as of the last heartbeat.
func (s *DatanodeStorageInfo) Remaining() int64 { return s.remaining }

// AreBlockContentsStale is true until this storage's first report after
// failover.
func (s *DatanodeStorageInfo) AreBlockContentsStale() bool { return s.blockContentsStale }

// MarkStaleAfterFailover flags that this storage's contents are unverified
// until it reports again.
func (s *DatanodeStorageInfo) MarkStaleAfterFailover() {
	s.blockContentsStale = true
}

// ReceivedBlockReport notes a completed report; the storage's contents are
// trusted again.
func (s *DatanodeStorageInfo) ReceivedBlockReport() {
	s.blockReportCount++
	s.blockContentsStale = false
}

// BlockReportCount returns how many reports this storage has produced.
func (s *DatanodeStorageInfo) BlockReportCount() int { return s.blockReportCount }

// AddBlockResult says what AddBlock actually did.
type AddBlockResult int

// AddBlock results.
const (
	// AddedNewEntry: the edge did not exist and was recorded.
	AddedNewEntry AddBlockResult = iota

	// ReplacedOnSameNode: another storage of the same node claimed this
	// block; the edge moved here.
	ReplacedOnSameNode

	// AlreadyExists: this exact edge was already recorded.
	AlreadyExists
)

// AddBlock records that this storage holds b and threads b into the storage's
// block list.
func (s *DatanodeStorageInfo) AddBlock(b *BlockInfo) AddBlockResult {
	result := AddedNewEntry
	if other := b.findStorageOnNode(s.node); other != nil {
		if other == s {
			return AlreadyExists
		}
		// A replica moved between storages of one node; keep one edge.
		other.RemoveBlock(b)
		result = ReplacedOnSameNode
	}
	if !b.addStorage(s) {
		log.Fatalf("%s: no free replica slot adding to %s", b, s.id)
	}
	s.blockList = b.listInsert(s.blockList, s)
	s.numBlocks++
	return result
}

// RemoveBlock unlinks b from this storage's list and drops the edge.
func (s *DatanodeStorageInfo) RemoveBlock(b *BlockInfo) bool {
	s.blockList = b.listRemove(s.blockList, s)
	if b.removeStorage(s) {
		s.numBlocks--
		return true
	}
	return false
}

// moveBlockToHead relinks b at the head of this storage's list. Used by the
// report diff to partition reported from unreported blocks.
func (s *DatanodeStorageInfo) moveBlockToHead(b *BlockInfo) {
	s.blockList = b.moveToHead(s.blockList, s)
}

// Blocks returns a snapshot of the blocks on this storage, head first.
func (s *DatanodeStorageInfo) Blocks() []*BlockInfo {
	out := make([]*BlockInfo, 0, s.numBlocks)
	for b := s.blockList; b != nil; b = b.getNext(b.findStorageIndex(s)) {
		out = append(out, b)
	}
	return out
}
