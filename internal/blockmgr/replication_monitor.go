// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"math"
	"math/rand"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// replicationWork carries one block's scheduling state across the unlocked
// placement phase of the monitor.
type replicationWork struct {
	block    *BlockInfo
	bc       BlockCollection
	srcNode  *DatanodeDescriptor
	priority int

	containingNodes map[string]*DatanodeDescriptor
	liveStorages    []*DatanodeStorageInfo

	additionalReplRequired int
	targets                []*DatanodeStorageInfo
}

// replicationMonitor is the background worker that converges the cluster:
// each tick it schedules replication work for under-replicated blocks,
// dispatches queued deletions, and requeues timed-out transfers.
//
// A panic here is not recovered: the cluster cannot converge without this
// loop, so dying loudly beats limping.
func (bm *BlockManager) replicationMonitor() {
	defer bm.workers.Done()
	log.Infof("replication monitor started, tick %s", bm.config.ReplicationRecheckInterval)
	for {
		select {
		case <-bm.stopReplMonitor:
			log.Infof("replication monitor stopping")
			return
		default:
		}
		if bm.ns.IsRunning() && bm.ns.IsPopulatingReplQueues() {
			bm.computeDatanodeWork()
			bm.processPendingReplications()
		}
		select {
		case <-bm.stopReplMonitor:
			log.Infof("replication monitor stopping")
			return
		case <-time.After(bm.config.ReplicationRecheckInterval):
		}
	}
}

// computeDatanodeWork schedules one tick's worth of replication and
// invalidation work, scaled to cluster size.
func (bm *BlockManager) computeDatanodeWork() int {
	// Blocks should not be replicated or removed if in safe mode.
	if bm.ns.IsInSafeMode() {
		return 0
	}
	live := bm.datanodeManager.NumLiveDatanodes()
	blocksToProcess := live * bm.config.BlocksReplWorkMultiplier
	nodesToProcess := int(math.Ceil(float64(live) * bm.config.BlocksInvalidateWorkPct))

	work := bm.computeReplicationWork(blocksToProcess)

	bm.ns.WriteLock()
	bm.UpdateState()
	bm.ns.WriteUnlock()

	work += bm.computeInvalidateWork(nodesToProcess)
	return work
}

// computeReplicationWork schedules re-replication for up to blocksToProcess
// blocks off the needed-replication queue.
func (bm *BlockManager) computeReplicationWork(blocksToProcess int) int {
	op := bm.opM.Start("ComputeReplicationWork")
	defer op.End()

	// Phase 1, under the lock: pick blocks and sources.
	bm.ns.WriteLock()
	var work []*replicationWork
	chosen := bm.neededReplications.ChooseUnderReplicatedBlocks(blocksToProcess)
	for priority, ids := range chosen {
		for _, id := range ids {
			if w := bm.prepareReplicationWork(id, priority); w != nil {
				work = append(work, w)
			}
		}
	}
	bm.ns.WriteUnlock()

	// Phase 2, no lock: placement is expensive and pure.
	for _, w := range work {
		w.targets = bm.placement.ChooseTarget(w.bc.Name(), w.additionalReplRequired,
			w.srcNode, w.liveStorages, false, w.containingNodes, w.bc.PreferredBlockSize())
	}

	// Pace dispatch before committing, never while holding the lock.
	if bm.replPace != nil {
		total := 0
		for _, w := range work {
			total += len(w.targets)
		}
		if total > 0 {
			bm.replPace.Take(float32(total))
		}
	}

	// Phase 3, re-lock: state may have moved, so re-validate before
	// committing the work.
	scheduled := 0
	bm.ns.WriteLock()
	for _, w := range work {
		if len(w.targets) == 0 {
			continue
		}
		if bm.validateReplicationWork(w) {
			bm.commitReplicationWork(w)
			scheduled++
		}
	}
	bm.ns.WriteUnlock()

	if scheduled > 0 {
		log.V(1).Infof("scheduled replication of %d blocks", scheduled)
	}
	return scheduled
}

// prepareReplicationWork resolves a queued block id into scheduled work:
// still-needed check, source selection, and the required extra replica count.
// Caller holds the write lock.
func (bm *BlockManager) prepareReplicationWork(id core.BlockID, priority int) *replicationWork {
	b := bm.blocksMap.Get(id)
	if b == nil {
		// The block was removed since it was queued.
		bm.neededReplications.Remove(id)
		return nil
	}
	bc := b.BlockCollection()
	if bc == nil {
		bm.neededReplications.Remove(id)
		return nil
	}
	if bc.IsUnderConstruction() && b == bc.LastBlock() {
		// The pipeline itself will produce the replicas.
		return nil
	}
	requiredReplication := int(bc.Replication())

	w := &replicationWork{
		block:           b,
		bc:              bc,
		priority:        priority,
		containingNodes: make(map[string]*DatanodeDescriptor),
	}
	var n NumberReplicas
	w.srcNode, n = bm.chooseSourceDatanode(b, priority, w.containingNodes, &w.liveStorages)
	if w.srcNode == nil {
		log.V(1).Infof("%s: no eligible replication source this round", b)
		return nil
	}

	pending := bm.pendingReplications.NumReplicas(id)
	if n.Live+pending >= requiredReplication {
		// Enough effective replicas already; it stayed queued only for
		// bookkeeping lag or rack placement.
		if bm.blockHasEnoughRacks(b) {
			bm.neededReplications.Remove(id)
			log.V(1).Infof("%s: already has enough effective replicas (%d live + %d pending)", b, n.Live, pending)
			return nil
		}
		w.additionalReplRequired = 1 // rack fix needs one copy elsewhere
	} else {
		w.additionalReplRequired = requiredReplication - (n.Live + pending)
	}
	return w
}

// validateReplicationWork re-checks a prepared block after the lock was
// dropped for placement: the block may have been removed, completed its
// census elsewhere, or been scheduled twice.
func (bm *BlockManager) validateReplicationWork(w *replicationWork) bool {
	b := bm.blocksMap.Get(w.block.ID)
	if b == nil || b.BlockCollection() == nil {
		bm.neededReplications.Remove(w.block.ID)
		return false
	}
	bc := b.BlockCollection()
	if bc.IsUnderConstruction() && b == bc.LastBlock() {
		return false
	}
	requiredReplication := int(bc.Replication())
	n := bm.CountNodes(b)
	pending := bm.pendingReplications.NumReplicas(b.ID)
	if n.Live+pending >= requiredReplication && bm.blockHasEnoughRacks(b) {
		bm.neededReplications.Remove(b.ID)
		log.V(1).Infof("%s: became sufficiently replicated while unlocked", b)
		return false
	}
	w.block = b
	return true
}

// commitReplicationWork enqueues the transfer on the source node and records
// it in flight. Caller holds the write lock.
func (bm *BlockManager) commitReplicationWork(w *replicationWork) {
	targets := make([]core.ReplicaTarget, 0, len(w.targets))
	for _, t := range w.targets {
		targets = append(targets, core.ReplicaTarget{Node: t.node.ID, Storage: t.id})
		t.node.IncBlocksScheduled()
	}
	w.srcNode.AddBlockToBeReplicated(w.block.Block, targets)
	bm.pendingReplications.Increment(w.block.Block, len(targets))
	metricScheduledReplications.Add(float64(len(targets)))

	n := bm.CountNodes(w.block)
	pending := bm.pendingReplications.NumReplicas(w.block.ID)
	if n.Live+pending >= bm.getReplication(w.block) {
		bm.neededReplications.Remove(w.block.ID)
	}
	log.Infof("%s: asked %s to replicate to %d targets (priority %d)",
		w.block, w.srcNode.ID, len(targets), w.priority)
}

// chooseSourceDatanode scans the block's replicas for a transfer source. A
// replica is ineligible if it is corrupt, excess, or on a decommissioned
// node; a busy node is skipped unless the work is highest priority, and the
// hard stream limit always holds. Decommissioning nodes are preferred since
// they serve no writes; otherwise ties break randomly so a source that
// silently failed last round isn't re-picked forever.
func (bm *BlockManager) chooseSourceDatanode(b *BlockInfo, priority int,
	containingNodes map[string]*DatanodeDescriptor,
	liveStorages *[]*DatanodeStorageInfo) (*DatanodeDescriptor, NumberReplicas) {
	var n NumberReplicas
	var srcNode *DatanodeDescriptor

	for _, s := range b.Storages() {
		node := s.node
		containingNodes[node.ID.UUID] = node

		corrupt := bm.corruptReplicas.Contains(b.ID, node)
		excess := bm.excessReplicas.Contains(node, b.ID)
		switch {
		case corrupt:
			n.Corrupt++
		case node.IsDecommissionInProgress():
			n.Decommissioning++
		case node.IsDecommissioned():
			n.Decommissioned++
		case excess:
			n.Excess++
		default:
			n.Live++
			*liveStorages = append(*liveStorages, s)
		}
		if s.AreBlockContentsStale() {
			n.StaleReplicas++
		}

		if corrupt || excess || node.IsDecommissioned() {
			continue
		}
		outgoing := node.NumReplicationWorkScheduled()
		if priority != PriorityHighest && outgoing >= bm.config.MaxReplicationStreams {
			continue
		}
		if outgoing >= bm.config.ReplicationStreamsHardLimit {
			continue
		}
		switch {
		case srcNode == nil:
			srcNode = node
		case node.IsDecommissionInProgress() && !srcNode.IsDecommissionInProgress():
			srcNode = node
		case srcNode.IsDecommissionInProgress():
			// Keep the draining node.
		case rand.Intn(2) == 0:
			srcNode = node
		}
	}
	return srcNode, n
}

// computeInvalidateWork dispatches queued deletions to a random sample of
// nodes whose queues are past the startup grace.
func (bm *BlockManager) computeInvalidateWork(nodesToProcess int) int {
	op := bm.opM.Start("ComputeInvalidateWork")
	defer op.End()

	bm.ns.WriteLock()
	nodes := bm.invalidateBlocks.NodesPastGrace()
	bm.ns.WriteUnlock()
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	if nodesToProcess < len(nodes) {
		nodes = nodes[:nodesToProcess]
	}

	total := 0
	for _, dn := range nodes {
		bm.ns.WriteLock()
		blocks := bm.invalidateBlocks.PollNode(dn, bm.config.BlockInvalidateLimit)
		bm.ns.WriteUnlock()
		if len(blocks) == 0 {
			continue
		}
		dn.AddBlocksToBeInvalidated(blocks)
		metricScheduledInvalidations.Add(float64(len(blocks)))
		total += len(blocks)
		log.Infof("asked %s to delete %d blocks", dn.ID, len(blocks))
	}
	return total
}

// processPendingReplications requeues transfers that never completed.
func (bm *BlockManager) processPendingReplications() {
	timedOut := bm.pendingReplications.TakeTimedOutBlocks()
	if len(timedOut) == 0 {
		return
	}
	metricTimedOutReplications.Add(float64(len(timedOut)))
	bm.ns.WriteLock()
	defer bm.ns.WriteUnlock()
	for _, blk := range timedOut {
		b := bm.blocksMap.Get(blk.ID)
		if b == nil {
			continue
		}
		expected := bm.getReplication(b)
		n := bm.CountNodes(b)
		if bm.isNeededReplication(b, expected, n.Live) {
			bm.neededReplications.Update(b.ID, n.Live, n.DecommissionedAndDecommissioning(), expected)
		}
	}
}
