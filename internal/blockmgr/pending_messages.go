// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// A standby master sees datanode reports for edits it hasn't replayed yet: a
// generation stamp or block id from the future. Marking those corrupt would
// be wrong, so the reports are parked here per block and replayed once the
// edit log catches up.
//
// The queues live in an LRU capped at pendingMessageBlocks so stale datanodes
// can't grow the standby's memory without bound; eviction drops the oldest
// block's queue, which is safe because the next full report regenerates the
// same information.
const pendingMessageBlocks = 64 * 1024

// reportedBlockInfo is one parked report entry.
type reportedBlockInfo struct {
	storage *DatanodeStorageInfo
	block   core.Block
	state   core.ReplicaState
}

// PendingDataNodeMessages parks replica reports that are ahead of the
// namespace state.
type PendingDataNodeMessages struct {
	queues *lru.Cache
	count  int
}

// NewPendingDataNodeMessages returns an empty parked-report queue.
func NewPendingDataNodeMessages() *PendingDataNodeMessages {
	p := &PendingDataNodeMessages{queues: lru.New(pendingMessageBlocks)}
	p.queues.OnEvicted = func(key lru.Key, value interface{}) {
		dropped := len(value.([]reportedBlockInfo))
		p.count -= dropped
		log.Warningf("dropping %d queued report(s) for %s: standby queue full", dropped, key.(core.BlockID))
	}
	return p
}

// Enqueue parks one report for the block.
func (p *PendingDataNodeMessages) Enqueue(s *DatanodeStorageInfo, b core.Block, state core.ReplicaState) {
	var q []reportedBlockInfo
	if v, ok := p.queues.Get(b.ID); ok {
		q = v.([]reportedBlockInfo)
	}
	p.queues.Add(b.ID, append(q, reportedBlockInfo{storage: s, block: b, state: state}))
	p.count++
	log.V(1).Infof("queueing report of %s from %s until edits catch up", b, s.node.ID)
}

// Take removes and returns the parked reports for one block.
func (p *PendingDataNodeMessages) Take(id core.BlockID) []reportedBlockInfo {
	v, ok := p.queues.Get(id)
	if !ok {
		return nil
	}
	q := v.([]reportedBlockInfo)
	p.count -= len(q)
	// Clear the eviction hook around the explicit remove; the entries are
	// being consumed, not dropped.
	evict := p.queues.OnEvicted
	p.queues.OnEvicted = nil
	p.queues.Remove(id)
	p.queues.OnEvicted = evict
	return q
}

// TakeAll removes and returns every parked report.
func (p *PendingDataNodeMessages) TakeAll() []reportedBlockInfo {
	var out []reportedBlockInfo
	evict := p.queues.OnEvicted
	p.queues.OnEvicted = func(key lru.Key, value interface{}) {
		out = append(out, value.([]reportedBlockInfo)...)
	}
	for p.queues.Len() > 0 {
		p.queues.RemoveOldest()
	}
	p.queues.OnEvicted = evict
	p.count = 0
	return out
}

// Count returns the number of parked reports.
func (p *PendingDataNodeMessages) Count() int { return p.count }
