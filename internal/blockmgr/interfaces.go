// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// Namesystem is the interface the block manager consumes from the namespace
// layer. It owns the namespace-global reader/writer lock that serializes all
// mutations of the block map and its derived queues; public operations
// document which capability the caller must hold, and the background workers
// acquire it themselves.
type Namesystem interface {
	ReadLock()
	ReadUnlock()
	WriteLock()
	WriteUnlock()

	// IsRunning is false once the namesystem begins shutting down.
	IsRunning() bool

	// IsInSafeMode reports whether the master is still refusing writes
	// waiting for enough block reports.
	IsInSafeMode() bool

	// IsPopulatingReplQueues is true once this master is active and the
	// replication queues have been (or are being) initialized.
	IsPopulatingReplQueues() bool

	// IncrementSafeBlockCount is called whenever a complete block gains a
	// live replica; curReplicas is the new live count. The safe-mode
	// accountant counts the blocks whose count just reached the minimum.
	IncrementSafeBlockCount(curReplicas int)

	// DecrementSafeBlockCount is called whenever a complete block loses a
	// live replica or is removed outright.
	DecrementSafeBlockCount(b core.Block)

	// IsGenStampInFuture reports whether the block's generation stamp is
	// ahead of everything in the namespace state, meaning this master's
	// edits are behind (standby) and the report must be parked, not judged.
	IsGenStampInFuture(b core.Block) bool
}

// BlockCollection is the file handle the namespace layer hands us: an ordered
// list of blocks plus the file's replication parameters.
type BlockCollection interface {
	// Name is the file path, used for logging and placement decisions.
	Name() string

	Blocks() []*BlockInfo
	LastBlock() *BlockInfo
	NumBlocks() int

	// SetBlock replaces the record at index i, used when a block changes
	// variant (under construction <-> complete).
	SetBlock(i int, b *BlockInfo)

	// Replication is the target replica count for every block of this file.
	Replication() int16

	PreferredBlockSize() int64

	// IsUnderConstruction is true while a client holds the file open for
	// writing.
	IsUnderConstruction() bool
}

// DatanodeManager is the interface to the membership subsystem: who is in the
// cluster, who is alive, and how the cluster is laid out across racks.
type DatanodeManager interface {
	// GetDatanode resolves a datanode by its UUID. Returns nil for unknown
	// nodes (a stale or impostor report).
	GetDatanode(uuid string) *DatanodeDescriptor

	// Datanodes returns all registered datanodes.
	Datanodes() []*DatanodeDescriptor

	// NumLiveDatanodes is the number of nodes heartbeating right now.
	NumLiveDatanodes() int

	// HasClusterEverBeenMultiRack is true once datanodes on more than one
	// rack have registered; rack diversity is only enforced then.
	HasClusterEverBeenMultiRack() bool
}

// BlockPlacementPolicy chooses where replicas go and which surplus replica to
// drop. Implementations are pluggable; the default rack-aware policy lives
// with the membership subsystem.
type BlockPlacementPolicy interface {
	// ChooseTarget picks numOfReplicas target storages for a block of
	// srcPath. chosen already hold a replica; excludedNodes (keyed by node
	// UUID) must not be picked. If returnChosenAsResults, chosen are
	// included in the result.
	ChooseTarget(srcPath string, numOfReplicas int, writer *DatanodeDescriptor,
		chosen []*DatanodeStorageInfo, returnChosenAsResults bool,
		excludedNodes map[string]*DatanodeDescriptor, blockSize int64) []*DatanodeStorageInfo

	// ChooseReplicaToDelete picks the victim among surplus replicas.
	// moreThanOne are replicas on racks holding two or more; exactlyOne are
	// sole-replica-per-rack storages.
	ChooseReplicaToDelete(bc BlockCollection, b core.Block, replication int16,
		moreThanOne, exactlyOne []*DatanodeStorageInfo) *DatanodeStorageInfo
}

// BlockTokenIssuer mints the opaque credential material handed to readers and
// writers. The block manager never looks inside a token.
type BlockTokenIssuer interface {
	IsEnabled() bool

	// GenerateToken mints an access token for b readable by the client.
	GenerateToken(b core.Block) ([]byte, core.Error)

	// ExportKeys returns the current key set for distribution to datanodes.
	ExportKeys() []byte

	// GenerateDataEncryptionKey mints a transfer encryption key, or nil if
	// transfer encryption is off.
	GenerateDataEncryptionKey() ([]byte, core.Error)
}
