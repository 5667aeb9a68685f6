// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
	"github.com/westerndigitalcorporation/petrel/internal/server"
	"github.com/westerndigitalcorporation/petrel/pkg/tokenbucket"
)

// BlockManager maintains the authoritative block -> storages mapping for the
// master and drives the cluster back toward each file's replication factor.
//
// Serialization: the namespace layer owns a global reader/writer lock.
// Operations called from the namespace layer run with the caller already
// holding the write lock; operations called from the datanode RPC layer and
// the background workers acquire it themselves. The blocksMap and the derived
// queues hold no locks of their own except where noted.
type BlockManager struct {
	config Config

	ns              Namesystem
	datanodeManager DatanodeManager
	placement       BlockPlacementPolicy
	tokens          BlockTokenIssuer

	getTime func() time.Time

	// C1, the single source of truth.
	blocksMap *BlocksMap

	// Derived indexes; always consistent with blocksMap after any public
	// operation returns.
	corruptReplicas     *CorruptReplicas
	invalidateBlocks    *InvalidateBlocks
	excessReplicas      *ExcessReplicas
	neededReplications  *UnderReplicatedBlocks
	pendingReplications *PendingReplications

	// Blocks whose mis-replication handling is postponed because a storage
	// holding them hasn't reported since failover. Count mirrored
	// atomically for metric readers.
	postponedMisreplicatedBlocks map[core.BlockID]struct{}
	postponedCount               int64

	// Reports ahead of the namespace state, parked while standby.
	pendingDNMessages              *PendingDataNodeMessages
	shouldPostponeBlocksFromFuture bool

	// Paces replication command dispatch; nil when unpaced.
	replPace *tokenbucket.TokenBucket

	// Background workers.
	workers         sync.WaitGroup
	stopReplMonitor chan struct{}

	// Async mis-replication scan.
	initLock     sync.Mutex
	initStop     chan struct{}
	initDone     chan struct{}
	initProgress uint64 // atomic float64 bits

	opM *server.OpMetric
}

// opMetricOnce keeps tests that build several managers from re-registering
// the prometheus collectors.
var (
	opMetricOnce sync.Once
	opMetric     *server.OpMetric
)

// NewBlockManager builds a block manager wired to the given collaborators.
// Call Activate to start the background workers.
func NewBlockManager(ns Namesystem, dnm DatanodeManager, placement BlockPlacementPolicy,
	tokens BlockTokenIssuer, config *Config, getTime func() time.Time) (*BlockManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if getTime == nil {
		getTime = time.Now
	}
	rand.Seed(config.Seed)

	opMetricOnce.Do(func() {
		opMetric = server.NewOpMetric("blockmgr_internal_ops", "op")
	})

	bm := &BlockManager{
		config:          *config,
		ns:              ns,
		datanodeManager: dnm,
		placement:       placement,
		tokens:          tokens,
		getTime:         getTime,

		blocksMap:           NewBlocksMap(config.BlocksMapCapacity),
		corruptReplicas:     NewCorruptReplicas(),
		excessReplicas:      NewExcessReplicas(),
		neededReplications:  NewUnderReplicatedBlocks(),
		pendingReplications: NewPendingReplications(config.PendingReplicationTimeout, getTime),

		postponedMisreplicatedBlocks: make(map[core.BlockID]struct{}),
		pendingDNMessages:            NewPendingDataNodeMessages(),

		stopReplMonitor: make(chan struct{}),

		opM: opMetric,
	}
	bm.invalidateBlocks = NewInvalidateBlocks(config.StartupDelayBlockDeletion, getTime)
	if config.ReplicationDispatchRate > 0 {
		bm.replPace = tokenbucket.New(float32(config.ReplicationDispatchRate), float32(config.ReplicationDispatchRate))
	}

	log.Infof("block manager: minReplication=%d maxReplication=%d defaultReplication=%d "+
		"maxReplicationStreams=%d hardLimit=%d",
		config.MinReplication, config.MaxReplication, config.DefaultReplication,
		config.MaxReplicationStreams, config.ReplicationStreamsHardLimit)
	if config.BlockTokenEnable {
		log.Infof("block tokens on: key update %s, token lifetime %s",
			config.BlockKeyUpdateInterval, config.BlockTokenLifetime)
	}
	if config.EncryptDataTransfer {
		log.Infof("data transfer encryption on, algorithm %q", config.DataEncryptionAlgorithm)
	}

	return bm, nil
}

// Activate starts the background workers.
func (bm *BlockManager) Activate() {
	bm.pendingReplications.Start()
	bm.workers.Add(1)
	go bm.replicationMonitor()
}

// Close stops the background workers and waits for them within their next
// check of the stop channel.
func (bm *BlockManager) Close() {
	bm.stopReplicationInitializer()
	close(bm.stopReplMonitor)
	bm.pendingReplications.Stop()
	bm.workers.Wait()
}

//
// Replica census.
//

// NumberReplicas partitions the storages recorded for one block into disjoint
// classes.
type NumberReplicas struct {
	Live            int
	Decommissioning int
	Decommissioned  int
	Corrupt         int
	Excess          int

	// StaleReplicas counts replicas on storages that haven't reported
	// since failover; they are also counted in one of the classes above.
	StaleReplicas int
}

// DecommissionedAndDecommissioning is the salvageable-but-draining count.
func (n NumberReplicas) DecommissionedAndDecommissioning() int {
	return n.Decommissioned + n.Decommissioning
}

// CountNodes classifies every storage holding the block. Caller must hold at
// least the read lock.
func (bm *BlockManager) CountNodes(b *BlockInfo) NumberReplicas {
	var n NumberReplicas
	for _, s := range b.Storages() {
		node := s.node
		switch {
		case bm.corruptReplicas.Contains(b.ID, node):
			n.Corrupt++
		case node.IsDecommissionInProgress():
			n.Decommissioning++
		case node.IsDecommissioned():
			n.Decommissioned++
		case bm.excessReplicas.Contains(node, b.ID):
			n.Excess++
		default:
			n.Live++
		}
		if s.AreBlockContentsStale() {
			n.StaleReplicas++
		}
	}
	return n
}

// getReplication is the target replica count for the block, 0 for orphans.
func (bm *BlockManager) getReplication(b *BlockInfo) int {
	if bc := b.BlockCollection(); bc != nil {
		return int(bc.Replication())
	}
	return 0
}

// isNeededReplication is the membership predicate for the needed-replication
// queue: live count below target, or the replicas don't span enough racks.
func (bm *BlockManager) isNeededReplication(b *BlockInfo, expected, current int) bool {
	if !b.IsComplete() {
		return false
	}
	return current < expected || !bm.blockHasEnoughRacks(b)
}

// blockHasEnoughRacks is false only when the cluster spans racks but every
// usable replica of the block sits on one.
func (bm *BlockManager) blockHasEnoughRacks(b *BlockInfo) bool {
	if !bm.datanodeManager.HasClusterEverBeenMultiRack() {
		return true
	}
	if bm.getReplication(b) <= 1 {
		return true
	}
	rack := ""
	for _, s := range b.Storages() {
		node := s.node
		if bm.corruptReplicas.Contains(b.ID, node) ||
			node.IsDecommissioned() || node.IsDecommissionInProgress() {
			continue
		}
		if rack == "" {
			rack = node.ID.NetworkLocation
		} else if node.ID.NetworkLocation != rack {
			return true
		}
	}
	// Zero or one usable rack.
	return rack == ""
}

// CheckMinReplication reports whether the block has reached the minimum live
// replica count.
func (bm *BlockManager) CheckMinReplication(b *BlockInfo) bool {
	return bm.CountNodes(b).Live >= int(bm.config.MinReplication)
}

// IsSufficientlyReplicated is CheckMinReplication bounded by cluster size, so
// a two-node cluster can satisfy minReplication=3.
func (bm *BlockManager) IsSufficientlyReplicated(b *BlockInfo) bool {
	m := int(bm.config.MinReplication)
	if live := bm.datanodeManager.NumLiveDatanodes(); live < m {
		m = live
	}
	return bm.CountNodes(b).Live >= m
}

//
// Lifecycle of a file's last block. All called with the write lock held by
// the namespace layer.
//

// CommitOrCompleteLastBlock commits the file's last block with the
// client-reported length and generation stamp, and completes it if enough
// replicas are live. Returns whether the commit changed state.
func (bm *BlockManager) CommitOrCompleteLastBlock(bc BlockCollection, client core.Block) (bool, core.Error) {
	last := bc.LastBlock()
	if last == nil {
		return false, core.ErrNoSuchBlock
	}
	if last.IsComplete() {
		return false, core.ErrAlreadyComplete
	}
	committed := last.UCState() == core.BlockCommitted
	if !committed {
		if client.NumBytes < last.NumBytes {
			log.Errorf("commit of %s with length %d below stored %d", last, client.NumBytes, last.NumBytes)
			return false, core.ErrInvalidArgument
		}
		if err := last.commitBlock(client); err != core.NoError {
			return false, err
		}
	}
	if bm.CountNodes(last).Live >= int(bm.config.MinReplication) {
		if _, err := bm.completeBlock(bc, bc.NumBlocks()-1, false); err != core.NoError {
			return false, err
		}
	}
	return !committed, core.NoError
}

// completeBlock moves Committed -> Complete, swapping the record's variant in
// the blocks map while preserving identity.
func (bm *BlockManager) completeBlock(bc BlockCollection, idx int, force bool) (*BlockInfo, core.Error) {
	blocks := bc.Blocks()
	if idx < 0 || idx >= len(blocks) {
		return nil, core.ErrNoSuchBlock
	}
	cur := blocks[idx]
	if cur.IsComplete() {
		return cur, core.NoError
	}
	if !force {
		if cur.UCState() != core.BlockCommitted {
			log.Errorf("cannot complete %s in state %s", cur, cur.UCState())
			return nil, core.ErrNotComplete
		}
		if bm.CountNodes(cur).Live < int(bm.config.MinReplication) {
			return nil, core.ErrNotComplete
		}
	}
	installed := bm.blocksMap.Replace(cur.convertToComplete())
	bc.SetBlock(idx, installed)

	n := bm.CountNodes(installed)
	bm.ns.IncrementSafeBlockCount(n.Live)

	// With the pipeline closed, surplus corrupt copies can finally go.
	if bm.corruptReplicas.NumCorruptReplicas(installed.ID) > 0 &&
		n.Live >= bm.getReplication(installed) {
		bm.invalidateCorruptReplicas(installed)
	}
	log.V(1).Infof("%s completed with %d live replicas", installed, n.Live)
	return installed, core.NoError
}

// ForceCompleteBlock completes the block regardless of replica count; used
// when replaying edits that already declared it complete.
func (bm *BlockManager) ForceCompleteBlock(bc BlockCollection, idx int) (*BlockInfo, core.Error) {
	return bm.completeBlock(bc, idx, true)
}

// ConvertLastBlockToUnderConstruction reopens a partial last block for
// append. Returns its current locations for the new pipeline, or nil if the
// file is empty or block-aligned.
func (bm *BlockManager) ConvertLastBlockToUnderConstruction(bc BlockCollection) (*LocatedBlock, core.Error) {
	last := bc.LastBlock()
	if last == nil || last.NumBytes >= bc.PreferredBlockSize() {
		return nil, core.NoError
	}
	targets := last.Storages()
	installed := bm.blocksMap.Replace(last.convertToUnderConstruction(targets))
	bc.SetBlock(bc.NumBlocks()-1, installed)

	// The block is being rewritten; drop all queued bookkeeping about its
	// old incarnation.
	bm.neededReplications.Remove(installed.ID)
	bm.pendingReplications.Remove(installed.ID)
	bm.dropPostponed(installed.ID)
	for _, s := range targets {
		bm.invalidateBlocks.Remove(installed.ID, s.node)
		bm.excessReplicas.Remove(s.node, installed.ID)
	}
	bm.ns.DecrementSafeBlockCount(installed.Block)

	var pos int64
	for _, b := range bc.Blocks() {
		pos += b.NumBytes
	}
	pos -= installed.NumBytes
	return bm.newLocatedBlock(installed, pos), core.NoError
}

//
// Placement entry points.
//

// ChooseTarget4NewBlock picks storages for a brand new block. Fails if fewer
// than minReplication targets can be found.
func (bm *BlockManager) ChooseTarget4NewBlock(src string, numReplicas int, client *DatanodeDescriptor,
	excluded map[string]*DatanodeDescriptor, blockSize int64) ([]*DatanodeStorageInfo, core.Error) {
	targets := bm.placement.ChooseTarget(src, numReplicas, client, nil, false, excluded, blockSize)
	if len(targets) < int(bm.config.MinReplication) {
		log.Errorf("%s: could only place %d of %d replicas (min %d)",
			src, len(targets), numReplicas, bm.config.MinReplication)
		return nil, core.ErrAllocHost
	}
	return targets, core.NoError
}

// ChooseTarget4AdditionalDatanode picks replacements for a running pipeline.
func (bm *BlockManager) ChooseTarget4AdditionalDatanode(src string, numAdditional int,
	client *DatanodeDescriptor, chosen []*DatanodeStorageInfo,
	excluded map[string]*DatanodeDescriptor, blockSize int64) []*DatanodeStorageInfo {
	return bm.placement.ChooseTarget(src, numAdditional, client, chosen, false, excluded, blockSize)
}

// ChooseTarget4WebHDFS picks a node to proxy a browser write through.
func (bm *BlockManager) ChooseTarget4WebHDFS(src string, client *DatanodeDescriptor,
	numReplicas int, blockSize int64) []*DatanodeStorageInfo {
	return bm.placement.ChooseTarget(src, numReplicas, client, nil, false, nil, blockSize)
}

//
// Replication factor management.
//

// AdjustReplication clamps a requested factor into the configured range.
func (bm *BlockManager) AdjustReplication(repl int16) int16 {
	if repl < bm.config.MinReplication {
		return bm.config.MinReplication
	}
	if repl > bm.config.MaxReplication {
		return bm.config.MaxReplication
	}
	return repl
}

// VerifyReplication rejects factors outside the configured range.
func (bm *BlockManager) VerifyReplication(src string, replication int16, clientName string) core.Error {
	if replication >= bm.config.MinReplication && replication <= bm.config.MaxReplication {
		return core.NoError
	}
	log.Errorf("bad replication %d for %s from %s: allowed range [%d, %d]",
		replication, src, clientName, bm.config.MinReplication, bm.config.MaxReplication)
	return core.ErrReplicationRange
}

// SetReplication reacts to a file's factor changing from oldRepl to newRepl:
// priorities are recomputed, and lowering the factor sends each block through
// the over-replication reducer. Caller holds the write lock.
func (bm *BlockManager) SetReplication(oldRepl, newRepl int16, src string, blocks []*BlockInfo) {
	if newRepl == oldRepl {
		return
	}
	for _, b := range blocks {
		bm.updateNeededReplications(b)
		if oldRepl > newRepl {
			bm.processOverReplicatedBlock(b, newRepl, nil, nil)
		}
	}
	if oldRepl > newRepl {
		log.Infof("decreasing replication %d -> %d for %s", oldRepl, newRepl, src)
	} else {
		log.Infof("increasing replication %d -> %d for %s", oldRepl, newRepl, src)
	}
}

// CheckReplication queues replication or reduction work for every block of a
// file, typically when the file closes. Caller holds the write lock.
func (bm *BlockManager) CheckReplication(bc BlockCollection) {
	expected := int(bc.Replication())
	for _, b := range bc.Blocks() {
		if !b.IsComplete() {
			continue
		}
		n := bm.CountNodes(b)
		if bm.isNeededReplication(b, expected, n.Live) {
			bm.neededReplications.Add(b.ID, n.Live, n.DecommissionedAndDecommissioning(), expected)
		} else if n.Live > expected {
			bm.processOverReplicatedBlock(b, int16(expected), nil, nil)
		}
	}
}

// updateNeededReplications re-evaluates one block's queue membership from its
// current census.
func (bm *BlockManager) updateNeededReplications(b *BlockInfo) {
	if !bm.ns.IsPopulatingReplQueues() {
		return
	}
	expected := bm.getReplication(b)
	n := bm.CountNodes(b)
	if bm.isNeededReplication(b, expected, n.Live) {
		bm.neededReplications.Update(b.ID, n.Live, n.DecommissionedAndDecommissioning(), expected)
	} else {
		bm.neededReplications.Remove(b.ID)
	}
}

//
// Block map bookkeeping.
//

// AddBlockCollection registers a block under its owning file and returns the
// record in the map. Caller holds the write lock.
func (bm *BlockManager) AddBlockCollection(b *BlockInfo, bc BlockCollection) *BlockInfo {
	return bm.blocksMap.AddBlockCollection(b, bc)
}

// GetStoredBlock returns the record for the id, or nil.
func (bm *BlockManager) GetStoredBlock(id core.BlockID) *BlockInfo {
	return bm.blocksMap.Get(id)
}

// TotalBlocks returns the number of blocks tracked.
func (bm *BlockManager) TotalBlocks() int {
	return bm.blocksMap.Size()
}

// RemoveBlock removes a block from the cluster: every holder is told to
// delete it and all queue state is scrubbed. Caller holds the write lock.
func (bm *BlockManager) RemoveBlock(b *BlockInfo) {
	// Schedule deletion everywhere first; the map entry still knows the
	// holders.
	for _, s := range b.Storages() {
		bm.invalidateBlocks.Add(b.Block, s.node, false)
		bm.excessReplicas.Remove(s.node, b.ID)
	}
	bm.corruptReplicas.RemoveBlock(b.ID)
	bm.neededReplications.Remove(b.ID)
	bm.pendingReplications.Remove(b.ID)
	bm.dropPostponed(b.ID)
	if b.IsComplete() {
		bm.ns.DecrementSafeBlockCount(b.Block)
	}
	bm.blocksMap.Remove(b.ID)
}

// addToInvalidates queues deletion of b on one node.
func (bm *BlockManager) addToInvalidates(b core.Block, dn *DatanodeDescriptor) {
	bm.invalidateBlocks.Add(b, dn, true)
}

//
// Node and storage loss.
//

// RemoveBlocksAssociatedTo scrubs every edge of a permanently lost datanode
// and re-evaluates each affected block. Caller holds the write lock.
func (bm *BlockManager) RemoveBlocksAssociatedTo(dn *DatanodeDescriptor) {
	for _, s := range dn.Storages() {
		for _, b := range s.Blocks() {
			bm.removeStoredBlockFromStorage(b, s)
		}
	}
	bm.invalidateBlocks.RemoveNode(dn)
}

// RemoveBlocksAssociatedToStorage scrubs one failed storage. Caller holds the
// write lock.
func (bm *BlockManager) RemoveBlocksAssociatedToStorage(s *DatanodeStorageInfo) {
	for _, b := range s.Blocks() {
		bm.removeStoredBlockFromStorage(b, s)
	}
}

// removeStoredBlock drops the edge between b and whichever storage of dn
// holds it, then re-evaluates the block.
func (bm *BlockManager) removeStoredBlock(b *BlockInfo, dn *DatanodeDescriptor) {
	s := b.findStorageOnNode(dn)
	if s == nil {
		log.V(1).Infof("%s not found on %s during removal", b, dn.ID)
		return
	}
	bm.removeStoredBlockFromStorage(b, s)
}

func (bm *BlockManager) removeStoredBlockFromStorage(b *BlockInfo, s *DatanodeStorageInfo) {
	if !s.RemoveBlock(b) {
		log.V(1).Infof("%s already removed from %s", b, s.id)
		return
	}
	dn := s.node
	log.V(1).Infof("%s removed from %s on %s", b, s.id, dn.ID)

	if b.IsComplete() {
		bm.ns.DecrementSafeBlockCount(b.Block)
	}

	// The replica is gone; whatever was held against it is moot.
	bm.excessReplicas.Remove(dn, b.ID)
	bm.corruptReplicas.RemoveNode(b.ID, dn)

	if b.BlockCollection() != nil {
		bm.updateNeededReplications(b)
	}
}

//
// Corruption handling.
//

// blockToMarkCorrupt pairs the stored record with the reason its replica is
// bad.
type blockToMarkCorrupt struct {
	stored *BlockInfo
	reason core.CorruptReason
}

// FindAndMarkBlockAsCorrupt flags one replica corrupt on behalf of a client
// or datanode report. Acquires the write lock.
func (bm *BlockManager) FindAndMarkBlockAsCorrupt(blk core.Block, dnUUID string,
	storageID core.StorageID, reason core.CorruptReason) core.Error {
	bm.ns.WriteLock()
	defer bm.ns.WriteUnlock()

	dn := bm.datanodeManager.GetDatanode(dnUUID)
	if dn == nil {
		log.Errorf("corrupt report for %s from unknown node %s", blk, dnUUID)
		return core.ErrHostNotExist
	}
	stored := bm.blocksMap.Get(blk.ID)
	if stored == nil {
		// An orphaned replica; if we might be behind on edits, park the
		// report instead of judging it.
		if bm.shouldPostponeBlocksFromFuture && bm.ns.IsGenStampInFuture(blk) {
			if s := dn.GetStorage(storageID); s != nil {
				bm.pendingDNMessages.Enqueue(s, blk, core.ReplicaFinalized)
			}
			return core.NoError
		}
		log.Infof("corrupt report for unknown %s from %s, ignored", blk, dn.ID)
		return core.NoError
	}
	if blk.GenStamp > stored.GenStamp && bm.shouldPostponeBlocksFromFuture {
		if s := dn.GetStorage(storageID); s != nil {
			bm.pendingDNMessages.Enqueue(s, blk, core.ReplicaFinalized)
		}
		return core.NoError
	}
	storage := dn.GetStorage(storageID)
	if storage == nil {
		storage = stored.findStorageOnNode(dn)
	}
	bm.markBlockAsCorrupt(&blockToMarkCorrupt{stored: stored, reason: reason}, storage, dn)
	return core.NoError
}

// markBlockAsCorrupt records the corruption and decides the replica's fate:
// if the block is complete and its live replicas already meet the target,
// the corrupt copy is invalidated immediately; otherwise the block is queued
// for re-replication first. The replica's generation stamp is not compared
// with the stored one, so a stale-stamped copy of a block below target is
// kept until re-replication completes.
func (bm *BlockManager) markBlockAsCorrupt(c *blockToMarkCorrupt, storage *DatanodeStorageInfo, dn *DatanodeDescriptor) {
	b := c.stored
	if b.BlockCollection() == nil {
		// Orphan: nothing to preserve, just delete the replica.
		bm.addToInvalidates(b.Block, dn)
		return
	}
	if storage != nil {
		// Make sure the edge exists so the census sees the bad copy.
		storage.AddBlock(b)
	}
	bm.corruptReplicas.Add(b, dn, c.reason)

	n := bm.CountNodes(b)
	if b.IsComplete() && n.Live >= bm.getReplication(b) {
		// Enough healthy copies; drop the bad one now.
		bm.invalidateBlock(b, dn)
	} else {
		// The bad copy may be the best we have. Replicate first; the
		// corrupt replica is invalidated once a healthy copy set exists.
		bm.updateNeededReplications(b)
	}
}

// invalidateBlock schedules deletion of dn's replica, unless counts can't be
// trusted or it is the last copy. Returns whether the deletion was scheduled.
func (bm *BlockManager) invalidateBlock(b *BlockInfo, dn *DatanodeDescriptor) bool {
	n := bm.CountNodes(b)
	if n.StaleReplicas > 0 {
		// A stale storage may be about to report this very replica;
		// postpone until it does.
		bm.postponeBlock(b.ID)
		return false
	}
	if n.Live >= 1 {
		bm.addToInvalidates(b.Block, dn)
		bm.removeStoredBlock(b, dn)
		log.V(1).Infof("%s on %s scheduled for deletion", b, dn.ID)
		return true
	}
	log.Infof("%s on %s is the last copy, corrupt or not; keeping it", b, dn.ID)
	return false
}

// invalidateCorruptReplicas deletes every corrupt copy of a block that now
// has a healthy copy set.
func (bm *BlockManager) invalidateCorruptReplicas(b *BlockInfo) {
	for _, dn := range bm.corruptReplicas.Nodes(b.ID) {
		if !bm.invalidateBlock(b, dn) {
			log.Infof("%s: couldn't invalidate corrupt replica on %s yet", b, dn.ID)
		}
	}
}

//
// Over-replication reducer.
//

// processOverReplicatedBlock trims a block back to its target count. Replicas
// on corrupt, draining, already-excess, or stale storages are untouchable; a
// stale storage postpones the whole block because the census can't be
// trusted.
func (bm *BlockManager) processOverReplicatedBlock(b *BlockInfo, replication int16,
	addedNode *DatanodeDescriptor, delNodeHint *DatanodeDescriptor) {
	if !b.IsComplete() {
		return
	}
	nonExcess := make([]*DatanodeStorageInfo, 0, b.numNodes())
	for _, s := range b.Storages() {
		if s.AreBlockContentsStale() {
			log.V(1).Infof("%s: postponing over-replication handling, %s is stale", b, s.id)
			bm.postponeBlock(b.ID)
			return
		}
		node := s.node
		if bm.corruptReplicas.Contains(b.ID, node) ||
			node.IsDecommissioned() || node.IsDecommissionInProgress() ||
			bm.excessReplicas.Contains(node, b.ID) {
			continue
		}
		nonExcess = append(nonExcess, s)
	}
	bm.chooseExcessReplicates(nonExcess, b, replication, addedNode, delNodeHint)
}

// chooseExcessReplicates picks victims until the candidate set fits the
// target, preferring the client's delete hint when honoring it doesn't shrink
// rack coverage, and otherwise deferring to the placement policy's
// least-valuable pick among racks that hold two or more copies.
func (bm *BlockManager) chooseExcessReplicates(nonExcess []*DatanodeStorageInfo, b *BlockInfo,
	replication int16, addedNode *DatanodeDescriptor, delNodeHint *DatanodeDescriptor) {
	rackMap := make(map[string][]*DatanodeStorageInfo)
	for _, s := range nonExcess {
		rack := s.node.ID.NetworkLocation
		rackMap[rack] = append(rackMap[rack], s)
	}
	var moreThanOne, exactlyOne []*DatanodeStorageInfo
	for _, group := range rackMap {
		if len(group) > 1 {
			moreThanOne = append(moreThanOne, group...)
		} else {
			exactlyOne = append(exactlyOne, group...)
		}
	}

	contains := func(set []*DatanodeStorageInfo, dn *DatanodeDescriptor) *DatanodeStorageInfo {
		if dn == nil {
			return nil
		}
		for _, s := range set {
			if s.node == dn {
				return s
			}
		}
		return nil
	}

	firstPick := true
	for len(nonExcess) > int(replication) {
		var cur *DatanodeStorageInfo
		hintStorage := contains(nonExcess, delNodeHint)
		addedStorage := contains(nonExcess, addedNode)
		if firstPick && hintStorage != nil &&
			(contains(moreThanOne, delNodeHint) != nil ||
				(addedStorage != nil && contains(moreThanOne, addedNode) == nil)) {
			// Honor the hint: dropping it doesn't reduce rack coverage,
			// or the newly added copy already covers its rack.
			cur = hintStorage
		} else {
			pool := moreThanOne
			if len(pool) == 0 {
				pool = exactlyOne
			}
			cur = bm.placement.ChooseReplicaToDelete(b.BlockCollection(), b.Block, replication, moreThanOne, exactlyOne)
			if cur == nil && len(pool) > 0 {
				cur = pool[0]
			}
		}
		firstPick = false
		if cur == nil {
			log.Errorf("%s: no deletable surplus replica found", b)
			return
		}

		nonExcess = removeStorage(nonExcess, cur)
		moreThanOne = removeStorage(moreThanOne, cur)
		exactlyOne = removeStorage(exactlyOne, cur)
		// Rebalance: if the victim's rack dropped to one copy, that copy
		// moves from moreThanOne to exactlyOne.
		rack := cur.node.ID.NetworkLocation
		rackMap[rack] = removeStorage(rackMap[rack], cur)
		if len(rackMap[rack]) == 1 {
			last := rackMap[rack][0]
			moreThanOne = removeStorage(moreThanOne, last)
			exactlyOne = append(exactlyOne, last)
		}

		bm.excessReplicas.Add(cur.node, b)
		bm.addToInvalidates(b.Block, cur.node)
		log.V(1).Infof("%s: replica on %s chosen as excess", b, cur.node.ID)
	}
}

func removeStorage(set []*DatanodeStorageInfo, s *DatanodeStorageInfo) []*DatanodeStorageInfo {
	for i, e := range set {
		if e == s {
			return append(set[:i], set[i+1:]...)
		}
	}
	return set
}

//
// Postponed mis-replicated blocks.
//

func (bm *BlockManager) postponeBlock(id core.BlockID) {
	if _, ok := bm.postponedMisreplicatedBlocks[id]; !ok {
		bm.postponedMisreplicatedBlocks[id] = struct{}{}
		atomic.AddInt64(&bm.postponedCount, 1)
	}
}

func (bm *BlockManager) dropPostponed(id core.BlockID) {
	if _, ok := bm.postponedMisreplicatedBlocks[id]; ok {
		delete(bm.postponedMisreplicatedBlocks, id)
		atomic.AddInt64(&bm.postponedCount, -1)
	}
}

// PostponedMisreplicatedBlocksCount is safe to read without the lock.
func (bm *BlockManager) PostponedMisreplicatedBlocksCount() int64 {
	return atomic.LoadInt64(&bm.postponedCount)
}

// ExcessBlocksCount is safe to read without the lock.
func (bm *BlockManager) ExcessBlocksCount() int64 {
	return bm.excessReplicas.Size()
}

//
// Failover support.
//

// MarkAllStoragesStale flags every storage's contents unverified; called when
// this master becomes active, before replaying queued evidence. Caller holds
// the write lock.
func (bm *BlockManager) MarkAllStoragesStale() {
	for _, dn := range bm.datanodeManager.Datanodes() {
		for _, s := range dn.Storages() {
			s.MarkStaleAfterFailover()
		}
	}
}

// ClearQueues drops all derived scheduling state. The standby keeps no
// queues; the new active rebuilds them with ProcessMisReplicatedBlocks.
// Caller holds the write lock.
func (bm *BlockManager) ClearQueues() {
	bm.neededReplications.Clear()
	bm.pendingReplications.Clear()
	bm.excessReplicas.Clear()
	bm.invalidateBlocks.Clear()
	for id := range bm.postponedMisreplicatedBlocks {
		bm.dropPostponed(id)
	}
}

//
// Standby postponement.
//

// SetPostponeBlocksFromFuture flips standby mode: while set, evidence from
// the future is parked instead of judged.
func (bm *BlockManager) SetPostponeBlocksFromFuture(postpone bool) {
	bm.shouldPostponeBlocksFromFuture = postpone
}

// ProcessQueuedMessagesForBlock replays parked reports for one block after
// its edits have been applied. Caller holds the write lock.
func (bm *BlockManager) ProcessQueuedMessagesForBlock(b core.Block) {
	for _, r := range bm.pendingDNMessages.Take(b.ID) {
		bm.processAndHandleReportedBlock(r.storage, r.block, r.state, nil)
	}
}

// ProcessAllPendingDNMessages replays everything parked, when the standby
// becomes active. Caller holds the write lock.
func (bm *BlockManager) ProcessAllPendingDNMessages() {
	queued := bm.pendingDNMessages.TakeAll()
	for _, r := range queued {
		bm.processAndHandleReportedBlock(r.storage, r.block, r.state, nil)
	}
	log.Infof("processed %d queued datanode messages", len(queued))
}

//
// Balancer support.
//

// BlockWithLocations names one block and where its replicas sit.
type BlockWithLocations struct {
	Block     core.Block
	Locations []core.ReplicaTarget
}

// GetBlocksWithLocations samples roughly size bytes worth of blocks hosted by
// the node, starting at a random position, for the balancer. Acquires the
// read lock.
func (bm *BlockManager) GetBlocksWithLocations(dnUUID string, size int64) ([]BlockWithLocations, core.Error) {
	bm.ns.ReadLock()
	defer bm.ns.ReadUnlock()

	dn := bm.datanodeManager.GetDatanode(dnUUID)
	if dn == nil {
		return nil, core.ErrHostNotExist
	}
	var all []*BlockInfo
	for _, s := range dn.Storages() {
		all = append(all, s.Blocks()...)
	}
	if len(all) == 0 {
		return nil, core.NoError
	}
	start := rand.Intn(len(all))
	var out []BlockWithLocations
	var total int64
	for i := 0; i < len(all) && total < size; i++ {
		b := all[(start+i)%len(all)]
		if !b.IsComplete() {
			continue
		}
		out = append(out, BlockWithLocations{
			Block:     b.Block,
			Locations: storagesToTargets(b.Storages()),
		})
		total += b.NumBytes
	}
	return out, core.NoError
}

//
// Key distribution.
//

// AddKeyUpdateCommand pushes a fresh access-key set to the node if it needs
// one.
func (bm *BlockManager) AddKeyUpdateCommand(dn *DatanodeDescriptor) {
	if !bm.tokens.IsEnabled() || !dn.needKeyUpdate {
		return
	}
	dn.AddKeyUpdateCommand(bm.tokens.ExportKeys())
	dn.SetNeedKeyUpdate(false)
}

// GenerateDataEncryptionKey mints a transfer encryption key for a client, or
// nil when transfer encryption is off.
func (bm *BlockManager) GenerateDataEncryptionKey() ([]byte, core.Error) {
	if !bm.config.EncryptDataTransfer {
		return nil, core.NoError
	}
	return bm.tokens.GenerateDataEncryptionKey()
}

//
// Cached stats for metrics readers.
//

// ReplicationStats is a consistent snapshot of queue sizes.
type ReplicationStats struct {
	UnderReplicated int
	Missing         int
	Corrupt         int
	Pending         int
	PendingDeletion int
	Excess          int64
	Postponed       int64
	PendingMessages int
}

// UpdateState refreshes the exported gauges and returns the snapshot. Caller
// must hold at least the read lock.
func (bm *BlockManager) UpdateState() ReplicationStats {
	s := ReplicationStats{
		UnderReplicated: bm.neededReplications.SizeNotCorrupt(),
		Missing:         bm.neededReplications.CorruptBlocksSize(),
		Corrupt:         bm.corruptReplicas.Size(),
		Pending:         bm.pendingReplications.Size(),
		PendingDeletion: bm.invalidateBlocks.NumBlocks(),
		Excess:          bm.excessReplicas.Size(),
		Postponed:       bm.PostponedMisreplicatedBlocksCount(),
		PendingMessages: bm.pendingDNMessages.Count(),
	}
	metricUnderReplicated.Set(float64(s.UnderReplicated))
	metricMissing.Set(float64(s.Missing))
	metricCorrupt.Set(float64(s.Corrupt))
	metricPendingReplication.Set(float64(s.Pending))
	metricPendingDeletion.Set(float64(s.PendingDeletion))
	metricExcess.Set(float64(s.Excess))
	metricPostponed.Set(float64(s.Postponed))
	return s
}

// GetUnderReplicatedNotMissingBlocks counts queued blocks that still have a
// usable copy.
func (bm *BlockManager) GetUnderReplicatedNotMissingBlocks() int {
	return bm.neededReplications.SizeNotCorrupt()
}
