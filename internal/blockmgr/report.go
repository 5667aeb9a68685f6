// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// toAddEntry pairs a stored record with the freshness parameters the storage
// reported for it.
type toAddEntry struct {
	stored   *BlockInfo
	reported core.Block
}

// toUCEntry is a reported replica belonging to a block still under
// construction.
type toUCEntry struct {
	stored   *BlockInfo
	reported core.Block
	state    core.ReplicaState
}

// ProcessReport ingests a full block report for one storage: the report is
// diffed against the recorded edges and the differences are applied. Returns
// true once every storage of the node has reported, which clears the node's
// stale state. Acquires the write lock.
func (bm *BlockManager) ProcessReport(dnUUID string, storageID core.StorageID,
	storageType core.StorageType, report []core.ReportedBlock) (bool, core.Error) {
	op := bm.opM.Start("ProcessReport")
	var reterr core.Error
	defer op.EndWithError(&reterr)

	bm.ns.WriteLock()
	defer bm.ns.WriteUnlock()

	dn := bm.datanodeManager.GetDatanode(dnUUID)
	if dn == nil {
		log.Errorf("block report from unknown node %s", dnUUID)
		reterr = core.ErrHostNotExist
		return false, reterr
	}
	storage := dn.UpdateStorage(storageID, storageType)

	if storage.BlockReportCount() == 0 {
		// First report for this storage: trust it wholesale, skip the
		// removal and invalidation paths, and never judge unknown blocks
		// (a freshly restarted master would otherwise mass-delete).
		log.Infof("processing first block report from %s on %s: %d blocks", storageID, dn.ID, len(report))
		bm.processFirstBlockReport(storage, report)
	} else {
		bm.processReportDiff(storage, report)
	}
	storage.ReceivedBlockReport()

	// This storage is fresh now; blocks postponed on its account can be
	// re-judged.
	if bm.ns.IsPopulatingReplQueues() {
		bm.RescanPostponedMisreplicatedBlocks()
	}
	return dn.AllStoragesReported(), core.NoError
}

// processFirstBlockReport funnels valid replicas through
// addStoredBlockImmediate, which touches only the block map and safe-mode
// counters until the replication queues are being populated.
func (bm *BlockManager) processFirstBlockReport(storage *DatanodeStorageInfo, report []core.ReportedBlock) {
	for _, r := range report {
		if bm.shouldPostponeBlocksFromFuture && bm.ns.IsGenStampInFuture(r.Block) {
			bm.pendingDNMessages.Enqueue(storage, r.Block, r.State)
			continue
		}
		stored := bm.blocksMap.Get(r.Block.ID)
		if stored == nil {
			// Unknown to the namespace; silently ignored.
			continue
		}
		if c := bm.checkReplicaCorrupt(r.Block, r.State, stored); c != nil {
			bm.markBlockAsCorrupt(c, storage, storage.node)
			continue
		}
		if isBlockUnderConstruction(stored, r.State) {
			bm.addStoredBlockUnderConstruction(stored, storage, r.Block, r.State)
			continue
		}
		if r.State == core.ReplicaFinalized {
			bm.addStoredBlockImmediate(stored, r.Block, storage)
		}
	}
}

// addStoredBlockImmediate records the edge. Before the replication queues are
// being populated there is nothing to keep consistent, so only the edge and
// the safe-block count are updated; afterwards it takes the full
// addStoredBlock path, which also updates the queues.
func (bm *BlockManager) addStoredBlockImmediate(stored *BlockInfo, reported core.Block, storage *DatanodeStorageInfo) {
	if bm.ns.IsPopulatingReplQueues() {
		bm.addStoredBlock(stored, reported, storage, nil, false)
		return
	}
	storage.AddBlock(stored)
	if stored.IsComplete() {
		bm.ns.IncrementSafeBlockCount(bm.CountNodes(stored).Live)
	}
}

// processReportDiff diffs a non-first report against the recorded edges and
// applies the classified differences.
func (bm *BlockManager) processReportDiff(storage *DatanodeStorageInfo, report []core.ReportedBlock) {
	toAdd, toRemove, toInvalidate, toCorrupt, toUC := bm.reportDiff(storage, report)

	for _, b := range toRemove {
		bm.removeStoredBlockFromStorage(b, storage)
	}
	logged := 0
	for _, e := range toAdd {
		bm.addStoredBlock(e.stored, e.reported, storage, nil, logged < bm.config.MaxNumBlocksToLog)
		logged++
	}
	for _, b := range toInvalidate {
		if logged < bm.config.MaxNumBlocksToLog {
			log.Infof("%s on %s does not belong to any file, scheduling deletion", b, storage.node.ID)
		}
		logged++
		bm.addToInvalidates(b, storage.node)
	}
	for _, c := range toCorrupt {
		bm.markBlockAsCorrupt(c, storage, storage.node)
	}
	for _, u := range toUC {
		bm.addStoredBlockUnderConstruction(u.stored, storage, u.reported, u.state)
	}
	log.V(1).Infof("report diff for %s on %s: add %d, remove %d, invalidate %d, corrupt %d, under construction %d",
		storage.id, storage.node.ID, len(toAdd), len(toRemove), len(toInvalidate), len(toCorrupt), len(toUC))
}

// reportDiff classifies the incoming report against the storage's recorded
// block list.
//
// A sentinel record is linked at the head of the storage's list; every
// reported block that is recorded gets relinked ahead of the sentinel.
// Whatever remains after the sentinel was recorded but not reported, i.e. the
// storage no longer holds it.
func (bm *BlockManager) reportDiff(storage *DatanodeStorageInfo, report []core.ReportedBlock) (
	toAdd []toAddEntry, toRemove []*BlockInfo, toInvalidate []core.Block,
	toCorrupt []*blockToMarkCorrupt, toUC []toUCEntry) {

	sentinel := NewBlockInfo(core.Block{}, 1)
	if storage.AddBlock(sentinel) != AddedNewEntry {
		log.Fatalf("%s: sentinel collided while diffing report", storage.id)
	}

	for _, r := range report {
		stored := bm.processReportedBlock(storage, r.Block, r.State,
			&toAdd, &toInvalidate, &toCorrupt, &toUC)
		if stored != nil && stored.findStorageIndex(storage) >= 0 {
			storage.moveBlockToHead(stored)
		}
	}

	// Everything still behind the sentinel went unreported.
	i := sentinel.findStorageIndex(storage)
	for b := sentinel.getNext(i); b != nil; {
		next := b.getNext(b.findStorageIndex(storage))
		toRemove = append(toRemove, b)
		b = next
	}
	storage.RemoveBlock(sentinel)
	return
}

// processReportedBlock classifies one reported replica. Returns the stored
// record if one exists.
func (bm *BlockManager) processReportedBlock(storage *DatanodeStorageInfo,
	reported core.Block, state core.ReplicaState,
	toAdd *[]toAddEntry, toInvalidate *[]core.Block,
	toCorrupt *[]*blockToMarkCorrupt, toUC *[]toUCEntry) *BlockInfo {

	if bm.shouldPostponeBlocksFromFuture && bm.ns.IsGenStampInFuture(reported) {
		bm.pendingDNMessages.Enqueue(storage, reported, state)
		return nil
	}

	stored := bm.blocksMap.Get(reported.ID)
	if stored == nil {
		// Unknown block, and this isn't a first report: the storage
		// should delete it.
		*toInvalidate = append(*toInvalidate, reported)
		return nil
	}

	if reported.GenStamp > stored.GenStamp && bm.shouldPostponeBlocksFromFuture {
		// The replica is ahead of our namespace state; don't judge it
		// with stale evidence.
		bm.pendingDNMessages.Enqueue(storage, reported, state)
		return stored
	}

	if c := bm.checkReplicaCorrupt(reported, state, stored); c != nil {
		*toCorrupt = append(*toCorrupt, c)
		return stored
	}

	if isBlockUnderConstruction(stored, state) {
		*toUC = append(*toUC, toUCEntry{stored: stored, reported: reported, state: state})
		return stored
	}

	if state == core.ReplicaFinalized &&
		(stored.findStorageIndex(storage) < 0 || bm.corruptReplicas.Contains(stored.ID, storage.node)) {
		*toAdd = append(*toAdd, toAddEntry{stored: stored, reported: reported})
	}
	return stored
}

// checkReplicaCorrupt applies the corruption truth table to one reported
// replica. Returns nil if the replica is acceptable.
func (bm *BlockManager) checkReplicaCorrupt(reported core.Block, state core.ReplicaState,
	stored *BlockInfo) *blockToMarkCorrupt {
	switch state {
	case core.ReplicaFinalized:
		switch stored.UCState() {
		case core.BlockComplete, core.BlockCommitted:
			if reported.GenStamp != stored.GenStamp {
				return &blockToMarkCorrupt{stored: stored, reason: core.CorruptGenstampMismatch}
			}
			if reported.NumBytes != stored.NumBytes {
				return &blockToMarkCorrupt{stored: stored, reason: core.CorruptSizeMismatch}
			}
			return nil
		default:
			// Finalized replica of a block still being written: only bad
			// if the replica predates the current pipeline.
			if stored.GenStamp > reported.GenStamp {
				return &blockToMarkCorrupt{stored: stored, reason: core.CorruptGenstampMismatch}
			}
			return nil
		}
	case core.ReplicaBeingWritten, core.ReplicaWaitingToBeRecovered:
		if !stored.IsComplete() {
			return nil
		}
		if reported.GenStamp != stored.GenStamp {
			return &blockToMarkCorrupt{stored: stored, reason: core.CorruptGenstampMismatch}
		}
		if state == core.ReplicaBeingWritten {
			// The block is complete but the replica hasn't been closed
			// yet; the closing report will follow. Ignore.
			log.Infof("%s: RBW replica of complete block on report, ignoring", stored)
			return nil
		}
		// An RWR replica of a complete block can never become valid.
		return &blockToMarkCorrupt{stored: stored, reason: core.CorruptInvalidState}
	default:
		// RUR and Temporary replicas should never be reported.
		return &blockToMarkCorrupt{stored: stored, reason: core.CorruptInvalidState}
	}
}

// isBlockUnderConstruction says whether the reported replica should be
// attached to the stored block's write pipeline.
func isBlockUnderConstruction(stored *BlockInfo, state core.ReplicaState) bool {
	switch state {
	case core.ReplicaFinalized:
		switch stored.UCState() {
		case core.BlockUnderConstruction, core.BlockUnderRecovery:
			return true
		default:
			return false
		}
	case core.ReplicaBeingWritten, core.ReplicaWaitingToBeRecovered:
		return !stored.IsComplete()
	default:
		return false
	}
}

// addStoredBlockUnderConstruction attaches a reported replica to the
// pipeline's expected set.
func (bm *BlockManager) addStoredBlockUnderConstruction(stored *BlockInfo,
	storage *DatanodeStorageInfo, reported core.Block, state core.ReplicaState) {
	stored.addReplicaIfNotPresent(storage, state)
	if state == core.ReplicaFinalized {
		bm.addStoredBlock(stored, reported, storage, nil, false)
	}
}

// addStoredBlock records that storage holds a finalized replica of stored and
// re-evaluates the block's replication state.
func (bm *BlockManager) addStoredBlock(stored *BlockInfo, reported core.Block,
	storage *DatanodeStorageInfo, delNodeHint *DatanodeDescriptor, logIt bool) {
	dn := storage.node
	if stored.BlockCollection() == nil {
		// Orphan: the file went away while the report was in flight.
		bm.addToInvalidates(reported, dn)
		return
	}

	result := storage.AddBlock(stored)
	switch result {
	case AddedNewEntry:
		if logIt {
			log.Infof("%s added to %s on %s (%d bytes)", stored, storage.id, dn.ID, reported.NumBytes)
		}
	case AlreadyExists:
		log.V(2).Infof("%s already recorded on %s", stored, dn.ID)
	case ReplacedOnSameNode:
		log.V(1).Infof("%s moved between storages of %s", stored, dn.ID)
	}

	// A fresh good copy supersedes any corrupt verdict for this node.
	corruptWasCleared := false
	if bm.corruptReplicas.Contains(stored.ID, dn) &&
		reported.GenStamp == stored.GenStamp && reported.NumBytes == stored.NumBytes {
		bm.corruptReplicas.RemoveNode(stored.ID, dn)
		corruptWasCleared = true
	}

	n := bm.CountNodes(stored)
	if stored.IsComplete() && (result == AddedNewEntry || corruptWasCleared) {
		bm.ns.IncrementSafeBlockCount(n.Live)
	}

	if !bm.ns.IsPopulatingReplQueues() {
		return
	}

	expected := bm.getReplication(stored)
	numCurrent := n.Live + bm.pendingReplications.NumReplicas(stored.ID)
	if stored.IsComplete() {
		if bm.isNeededReplication(stored, expected, numCurrent) {
			bm.neededReplications.Update(stored.ID, n.Live, n.DecommissionedAndDecommissioning(), expected)
		} else {
			bm.neededReplications.Remove(stored.ID)
		}
	}
	if n.Live > expected && expected > 0 {
		bm.processOverReplicatedBlock(stored, int16(expected), dn, delNodeHint)
	}
	if bm.corruptReplicas.NumCorruptReplicas(stored.ID) > 0 && n.Live >= expected && expected > 0 {
		bm.invalidateCorruptReplicas(stored)
	}
}

// ProcessIncrementalBlockReport applies per-block receiving/received/deleted
// events from one storage. Acquires the write lock.
func (bm *BlockManager) ProcessIncrementalBlockReport(dnUUID string, storageID core.StorageID,
	storageType core.StorageType, delta []core.ReceivedDeletedBlock) core.Error {
	bm.ns.WriteLock()
	defer bm.ns.WriteUnlock()

	dn := bm.datanodeManager.GetDatanode(dnUUID)
	if dn == nil {
		log.Errorf("incremental report from unknown node %s", dnUUID)
		return core.ErrHostNotExist
	}
	storage := dn.UpdateStorage(storageID, storageType)

	received, deleted, receiving := 0, 0, 0
	for _, rdb := range delta {
		switch rdb.Op {
		case core.BlockReceiving:
			receiving++
			bm.processAndHandleReportedBlock(storage, rdb.Block, core.ReplicaBeingWritten, nil)
		case core.BlockReceived:
			received++
			dn.DecBlocksScheduled()
			bm.pendingReplications.Decrement(rdb.Block.ID)
			var delHint *DatanodeDescriptor
			if rdb.DeleteHint != "" {
				delHint = bm.datanodeManager.GetDatanode(rdb.DeleteHint)
			}
			bm.processAndHandleReportedBlock(storage, rdb.Block, core.ReplicaFinalized, delHint)
		case core.BlockDeleted:
			deleted++
			if stored := bm.blocksMap.Get(rdb.Block.ID); stored != nil {
				bm.removeStoredBlock(stored, dn)
			}
		}
	}
	log.V(1).Infof("incremental report from %s on %s: %d receiving, %d received, %d deleted",
		storageID, dn.ID, receiving, received, deleted)
	return core.NoError
}

// processAndHandleReportedBlock is the immediate-application variant of
// processReportedBlock, shared by incremental reports and the standby queue
// drain.
func (bm *BlockManager) processAndHandleReportedBlock(storage *DatanodeStorageInfo,
	reported core.Block, state core.ReplicaState, delNodeHint *DatanodeDescriptor) {
	var toAdd []toAddEntry
	var toInvalidate []core.Block
	var toCorrupt []*blockToMarkCorrupt
	var toUC []toUCEntry

	bm.processReportedBlock(storage, reported, state, &toAdd, &toInvalidate, &toCorrupt, &toUC)

	for _, u := range toUC {
		bm.addStoredBlockUnderConstruction(u.stored, storage, u.reported, u.state)
	}
	for _, e := range toAdd {
		bm.addStoredBlock(e.stored, e.reported, storage, delNodeHint, true)
	}
	for _, b := range toInvalidate {
		log.Infof("%s on %s does not belong to any file, scheduling deletion", b, storage.node.ID)
		bm.addToInvalidates(b, storage.node)
	}
	for _, c := range toCorrupt {
		bm.markBlockAsCorrupt(c, storage, storage.node)
	}
}

// RescanPostponedMisreplicatedBlocks re-judges every postponed block after a
// storage turned fresh. Caller holds the write lock.
func (bm *BlockManager) RescanPostponedMisreplicatedBlocks() {
	for id := range bm.postponedMisreplicatedBlocks {
		b := bm.blocksMap.Get(id)
		if b == nil {
			bm.dropPostponed(id)
			continue
		}
		res := bm.processMisReplicatedBlock(b)
		if res != misReplicationPostpone {
			bm.dropPostponed(id)
		}
	}
}
