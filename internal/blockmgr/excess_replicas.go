// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// ExcessReplicas tracks, per datanode, the replicas the over-replication
// reducer has picked as surplus. The entry lives from the moment the victim
// is chosen until the node confirms the deletion, so the replica is not
// double-counted as live in the meantime.
//
// The count is atomic so metric readers don't need the namespace lock.
type ExcessReplicas struct {
	m     map[*DatanodeDescriptor]map[core.BlockID]struct{}
	count int64
}

// NewExcessReplicas returns an empty excess replica index.
func NewExcessReplicas() *ExcessReplicas {
	return &ExcessReplicas{m: make(map[*DatanodeDescriptor]map[core.BlockID]struct{})}
}

// Add marks dn's replica of the block surplus. Idempotent.
func (e *ExcessReplicas) Add(dn *DatanodeDescriptor, b *BlockInfo) bool {
	blocks, ok := e.m[dn]
	if !ok {
		blocks = make(map[core.BlockID]struct{})
		e.m[dn] = blocks
	}
	if _, dup := blocks[b.ID]; dup {
		return false
	}
	blocks[b.ID] = struct{}{}
	atomic.AddInt64(&e.count, 1)
	log.V(1).Infof("%s marked excess on %s", b, dn.ID)
	return true
}

// Remove clears the surplus mark, once the deletion is confirmed.
func (e *ExcessReplicas) Remove(dn *DatanodeDescriptor, id core.BlockID) bool {
	blocks, ok := e.m[dn]
	if !ok {
		return false
	}
	if _, ok := blocks[id]; !ok {
		return false
	}
	delete(blocks, id)
	if len(blocks) == 0 {
		delete(e.m, dn)
	}
	atomic.AddInt64(&e.count, -1)
	return true
}

// Contains reports whether dn's replica of the block is marked surplus.
func (e *ExcessReplicas) Contains(dn *DatanodeDescriptor, id core.BlockID) bool {
	_, ok := e.m[dn][id]
	return ok
}

// NumExcessForNode returns how many surplus replicas dn holds.
func (e *ExcessReplicas) NumExcessForNode(dn *DatanodeDescriptor) int {
	return len(e.m[dn])
}

// Clear drops every surplus mark.
func (e *ExcessReplicas) Clear() {
	e.m = make(map[*DatanodeDescriptor]map[core.BlockID]struct{})
	atomic.StoreInt64(&e.count, 0)
}

// Size returns the total surplus replica count. Safe without the namespace
// lock.
func (e *ExcessReplicas) Size() int64 {
	return atomic.LoadInt64(&e.count)
}
