// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// LocatedBlock is what a reader gets for one block: the block, its offset in
// the file, and where to fetch it. Live locations come first; corrupt ones
// are appended after them, so a desperate client can still try them.
type LocatedBlock struct {
	Block  core.Block
	Offset int64

	Locations []core.ReplicaTarget

	// StorageTypes parallels Locations.
	StorageTypes []core.StorageType

	// Corrupt is set when every known replica is corrupt.
	Corrupt bool

	// UnderConstruction is set while the block is still being written.
	UnderConstruction bool

	// Token is the opaque access credential, when tokens are enabled.
	Token []byte
}

// LocatedBlocks is the answer to "where do I read this file slice".
type LocatedBlocks struct {
	FileLength        int64
	UnderConstruction bool

	Blocks []*LocatedBlock

	LastLocatedBlock    *LocatedBlock
	IsLastBlockComplete bool
}

// newLocatedBlock builds the descriptor for one block at the given file
// offset. Locations are live storages first, followed by corrupt storages.
func (bm *BlockManager) newLocatedBlock(b *BlockInfo, pos int64) *LocatedBlock {
	if !b.IsComplete() {
		// An under-construction block's readable locations are the
		// pipeline's expected replicas.
		return &LocatedBlock{
			Block:             b.Block,
			Offset:            pos,
			Locations:         storagesToTargets(b.ExpectedStorageLocations()),
			StorageTypes:      storageTypes(b.ExpectedStorageLocations()),
			UnderConstruction: true,
		}
	}

	numCorrupt := bm.corruptReplicas.NumCorruptReplicas(b.ID)
	numNodes := b.numNodes()
	allCorrupt := numCorrupt != 0 && numCorrupt == numNodes

	// Live storages lead; corrupt ones trail, so readers only fall back to
	// them when nothing else answers.
	machines := make([]*DatanodeStorageInfo, 0, numNodes)
	var corruptTail []*DatanodeStorageInfo
	for _, s := range b.Storages() {
		if bm.corruptReplicas.Contains(b.ID, s.node) {
			corruptTail = append(corruptTail, s)
		} else {
			machines = append(machines, s)
		}
	}
	machines = append(machines, corruptTail...)

	return &LocatedBlock{
		Block:        b.Block,
		Offset:       pos,
		Locations:    storagesToTargets(machines),
		StorageTypes: storageTypes(machines),
		Corrupt:      allCorrupt,
	}
}

func storagesToTargets(storages []*DatanodeStorageInfo) []core.ReplicaTarget {
	out := make([]core.ReplicaTarget, 0, len(storages))
	for _, s := range storages {
		out = append(out, core.ReplicaTarget{Node: s.node.ID, Storage: s.id})
	}
	return out
}

func storageTypes(storages []*DatanodeStorageInfo) []core.StorageType {
	out := make([]core.StorageType, 0, len(storages))
	for _, s := range storages {
		out = append(out, s.storageType)
	}
	return out
}

// CreateLocatedBlocks produces reader locations covering the file slice
// [offset, offset+length). The caller must hold the read lock.
func (bm *BlockManager) CreateLocatedBlocks(blocks []*BlockInfo, fileLength int64,
	isFileUnderConstruction bool, offset, length int64, needBlockToken bool) (*LocatedBlocks, core.Error) {
	if len(blocks) == 0 {
		return &LocatedBlocks{FileLength: 0, UnderConstruction: isFileUnderConstruction}, core.NoError
	}
	if offset < 0 || length < 0 {
		return nil, core.ErrInvalidArgument
	}
	log.V(2).Infof("createLocatedBlocks: %d blocks, slice [%d, %d)", len(blocks), offset, offset+length)

	// Find the block holding 'offset'.
	var pos int64
	idx := 0
	for idx < len(blocks) {
		size := blocks[idx].NumBytes
		if pos+size > offset {
			break
		}
		pos += size
		idx++
	}
	if idx == len(blocks) {
		return nil, core.ErrInvalidArgument
	}

	located := make([]*LocatedBlock, 0, 4)
	end := offset + length
	for ; idx < len(blocks) && pos < end; idx++ {
		lb := bm.newLocatedBlock(blocks[idx], pos)
		if err := bm.attachToken(lb, needBlockToken); err != core.NoError {
			return nil, err
		}
		located = append(located, lb)
		pos += blocks[idx].NumBytes
	}

	last := blocks[len(blocks)-1]
	lastLocated := bm.newLocatedBlock(last, fileLength-last.NumBytes)
	if err := bm.attachToken(lastLocated, needBlockToken); err != core.NoError {
		return nil, err
	}

	return &LocatedBlocks{
		FileLength:          fileLength,
		UnderConstruction:   isFileUnderConstruction,
		Blocks:              located,
		LastLocatedBlock:    lastLocated,
		IsLastBlockComplete: last.IsComplete(),
	}, core.NoError
}

func (bm *BlockManager) attachToken(lb *LocatedBlock, needed bool) core.Error {
	if !needed || !bm.tokens.IsEnabled() {
		return core.NoError
	}
	token, err := bm.tokens.GenerateToken(lb.Block)
	if err != core.NoError {
		return err
	}
	lb.Token = token
	return core.NoError
}
