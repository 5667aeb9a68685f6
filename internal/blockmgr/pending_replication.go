// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// pendingBlockInfo is one block's in-flight replication work: how many extra
// replicas were requested and when the request was dispatched.
type pendingBlockInfo struct {
	timeStamp   time.Time
	numReplicas int
}

// PendingReplications tracks replication commands that have been handed to a
// source node but not yet confirmed by the targets. A monitor goroutine moves
// entries past their deadline to a timed-out list that the ReplicationMonitor
// drains back into the needed-replication queue.
//
// This structure does its own locking: the timeout monitor runs without the
// namespace lock.
type PendingReplications struct {
	lock    sync.Mutex
	pending map[core.BlockID]*pendingBlockInfo
	timedOut []core.Block
	blocks   map[core.BlockID]core.Block

	timeout time.Duration
	getTime func() time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// NewPendingReplications returns an empty in-flight index with the given
// timeout.
func NewPendingReplications(timeout time.Duration, getTime func() time.Time) *PendingReplications {
	return &PendingReplications{
		pending: make(map[core.BlockID]*pendingBlockInfo),
		blocks:  make(map[core.BlockID]core.Block),
		timeout: timeout,
		getTime: getTime,
		stop:    make(chan struct{}),
	}
}

// Start launches the timeout monitor.
func (p *PendingReplications) Start() {
	p.done.Add(1)
	go p.monitor()
}

// Stop terminates the timeout monitor and waits for it.
func (p *PendingReplications) Stop() {
	close(p.stop)
	p.done.Wait()
}

// Increment records that numReplicas more copies of b were scheduled now.
func (p *PendingReplications) Increment(b core.Block, numReplicas int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if info, ok := p.pending[b.ID]; ok {
		info.numReplicas += numReplicas
		info.timeStamp = p.getTime()
	} else {
		p.pending[b.ID] = &pendingBlockInfo{timeStamp: p.getTime(), numReplicas: numReplicas}
	}
	p.blocks[b.ID] = b
}

// Decrement records that one scheduled copy of b arrived. The entry is
// dropped when all copies have arrived.
func (p *PendingReplications) Decrement(id core.BlockID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	info, ok := p.pending[id]
	if !ok {
		return
	}
	info.numReplicas--
	if info.numReplicas <= 0 {
		delete(p.pending, id)
		delete(p.blocks, id)
	}
}

// Remove drops all in-flight state for a block that went away.
func (p *PendingReplications) Remove(id core.BlockID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.pending, id)
	delete(p.blocks, id)
}

// NumReplicas returns how many copies of the block are still in flight.
func (p *PendingReplications) NumReplicas(id core.BlockID) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	if info, ok := p.pending[id]; ok {
		return info.numReplicas
	}
	return 0
}

// Size returns the number of blocks with in-flight work.
func (p *PendingReplications) Size() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.pending)
}

// Clear drops all in-flight and timed-out state.
func (p *PendingReplications) Clear() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pending = make(map[core.BlockID]*pendingBlockInfo)
	p.blocks = make(map[core.BlockID]core.Block)
	p.timedOut = nil
}

// TakeTimedOutBlocks drains the timed-out list.
func (p *PendingReplications) TakeTimedOutBlocks() []core.Block {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := p.timedOut
	p.timedOut = nil
	return out
}

// NumTimedOut returns the length of the timed-out list.
func (p *PendingReplications) NumTimedOut() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.timedOut)
}

// monitor periodically expires entries past the deadline.
func (p *PendingReplications) monitor() {
	defer p.done.Done()
	interval := p.timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.expireOverdue()
		}
	}
}

func (p *PendingReplications) expireOverdue() {
	now := p.getTime()
	p.lock.Lock()
	defer p.lock.Unlock()
	for id, info := range p.pending {
		if now.Sub(info.timeStamp) >= p.timeout {
			b := p.blocks[id]
			log.Warningf("%s replication timed out after %s, rescheduling", b, p.timeout)
			p.timedOut = append(p.timedOut, b)
			delete(p.pending, id)
			delete(p.blocks, id)
		}
	}
}
