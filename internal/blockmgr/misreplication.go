// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"math"
	"sync/atomic"

	log "github.com/golang/glog"
)

// misReplicationResult classifies one block during the scan.
type misReplicationResult int

const (
	misReplicationOK misReplicationResult = iota
	misReplicationInvalid
	misReplicationUnderConstruction
	misReplicationUnderReplicated
	misReplicationOverReplicated
	misReplicationPostpone
)

// ProcessMisReplicatedBlocks walks the whole block map and rebuilds the
// replication queues. It runs asynchronously after this master becomes
// active, taking the write lock one chunk at a time so clients aren't starved
// for the whole scan.
func (bm *BlockManager) ProcessMisReplicatedBlocks() {
	bm.initLock.Lock()
	defer bm.initLock.Unlock()
	if bm.initStop != nil {
		log.Errorf("mis-replication scan already running")
		return
	}
	bm.initStop = make(chan struct{})
	bm.initDone = make(chan struct{})
	bm.setReplQueuesInitProgress(0)
	go bm.processMisReplicatesAsync(bm.initStop, bm.initDone)
}

// stopReplicationInitializer cancels a running scan and waits for it.
func (bm *BlockManager) stopReplicationInitializer() {
	bm.initLock.Lock()
	stop, done := bm.initStop, bm.initDone
	bm.initStop, bm.initDone = nil, nil
	bm.initLock.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// WaitForReplicationQueuesInit blocks until a running scan finishes. Test and
// failover-drain hook.
func (bm *BlockManager) WaitForReplicationQueuesInit() {
	bm.initLock.Lock()
	done := bm.initDone
	bm.initLock.Unlock()
	if done != nil {
		<-done
	}
}

func (bm *BlockManager) processMisReplicatesAsync(stop chan struct{}, done chan struct{}) {
	defer close(done)
	op := bm.opM.Start("MisReplicationScan")
	defer op.End()

	var nrInvalid, nrUnderReplicated, nrOverReplicated, nrPostponed, nrUC, totalProcessed int64
	pos := 0
	for {
		select {
		case <-stop:
			log.Infof("mis-replication scan interrupted after %d blocks", totalProcessed)
			return
		default:
		}

		bm.ns.WriteLock()
		var finished bool
		pos, finished = bm.blocksMap.scanChunk(pos, bm.config.MisreplicationBlocksPerIteration, func(b *BlockInfo) {
			totalProcessed++
			// Always classify from the live record; anything cached from
			// before a lock release may be stale.
			switch bm.processMisReplicatedBlock(b) {
			case misReplicationInvalid:
				nrInvalid++
			case misReplicationUnderConstruction:
				nrUC++
			case misReplicationUnderReplicated:
				nrUnderReplicated++
			case misReplicationOverReplicated:
				nrOverReplicated++
			case misReplicationPostpone:
				nrPostponed++
			}
		})
		bm.setReplQueuesInitProgress(float64(pos) / float64(bm.blocksMap.Capacity()))
		bm.ns.WriteUnlock()

		if finished {
			break
		}
	}
	bm.setReplQueuesInitProgress(1)
	log.Infof("mis-replication scan done over %d blocks: %d invalid, %d under-replicated, "+
		"%d over-replicated, %d postponed, %d under construction",
		totalProcessed, nrInvalid, nrUnderReplicated, nrOverReplicated, nrPostponed, nrUC)
}

// processMisReplicatedBlock classifies one block and queues whatever work it
// needs. Caller holds the write lock.
func (bm *BlockManager) processMisReplicatedBlock(b *BlockInfo) misReplicationResult {
	if b.BlockCollection() == nil {
		// Orphan: schedule deletion everywhere it still lives.
		for _, s := range b.Storages() {
			bm.addToInvalidates(b.Block, s.node)
		}
		return misReplicationInvalid
	}
	if !b.IsComplete() {
		// The pipeline is responsible for these.
		return misReplicationUnderConstruction
	}
	expected := bm.getReplication(b)
	n := bm.CountNodes(b)
	if bm.isNeededReplication(b, expected, n.Live) {
		bm.neededReplications.Add(b.ID, n.Live, n.DecommissionedAndDecommissioning(), expected)
		return misReplicationUnderReplicated
	}
	if n.Live > expected {
		if n.StaleReplicas > 0 {
			// A stale storage may hold one of the counted replicas;
			// don't trim until it reports.
			bm.postponeBlock(b.ID)
			return misReplicationPostpone
		}
		bm.processOverReplicatedBlock(b, int16(expected), nil, nil)
		return misReplicationOverReplicated
	}
	return misReplicationOK
}

// setReplQueuesInitProgress publishes the scan's progress fraction.
func (bm *BlockManager) setReplQueuesInitProgress(f float64) {
	atomic.StoreUint64(&bm.initProgress, math.Float64bits(f))
	metricInitProgress.Set(f)
}

// ReplQueuesInitProgress returns the scan's progress in [0, 1]. Safe without
// the lock.
func (bm *BlockManager) ReplQueuesInitProgress() float64 {
	return math.Float64frombits(atomic.LoadUint64(&bm.initProgress))
}
