// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
)

// BlockID is the cluster-wide unique id of one block. Two blocks are the same
// block iff their ids are equal; length and generation stamp carry freshness,
// not identity.
type BlockID uint64

// String returns a string representation of the block id.
func (b BlockID) String() string {
	return fmt.Sprintf("blk_%d", uint64(b))
}

// GenerationStamp is a monotonically increasing token bumped on each write
// pipeline recovery. A replica with an older generation stamp than the stored
// block is stale.
type GenerationStamp uint64

// Block names one block together with its freshness parameters.
type Block struct {
	ID       BlockID
	GenStamp GenerationStamp
	NumBytes int64
}

// String returns "blk_<id>_<genstamp>", the form used in log messages.
func (b Block) String() string {
	return fmt.Sprintf("blk_%d_%d", uint64(b.ID), uint64(b.GenStamp))
}

// Equal reports whether two blocks have the same identity.
func (b Block) Equal(o Block) bool {
	return b.ID == o.ID
}

// DatanodeID identifies one datanode in the cluster.
type DatanodeID struct {
	// UUID is the stable identity of the datanode across restarts.
	UUID string

	// Hostname:Port is where the datanode serves its data transfer protocol.
	Hostname string
	Port     int

	// NetworkLocation is the rack path assigned by the topology resolver,
	// e.g. "/dc1/rack7".
	NetworkLocation string
}

// String returns host:port, the form used in log messages.
func (d DatanodeID) String() string {
	return fmt.Sprintf("%s:%d", d.Hostname, d.Port)
}

// StorageID identifies one storage directory on one datanode. A datanode may
// host several storages of differing media types.
type StorageID string

// StorageType is the media class of a storage.
type StorageType int

// Storage types, ordered roughly by speed.
const (
	StorageTypeDisk StorageType = iota
	StorageTypeSSD
	StorageTypeArchive
)

// EnumNamesStorageType maps storage types to display names.
var EnumNamesStorageType = map[StorageType]string{
	StorageTypeDisk:    "DISK",
	StorageTypeSSD:     "SSD",
	StorageTypeArchive: "ARCHIVE",
}

// String returns the display name of the storage type.
func (s StorageType) String() string {
	if n, ok := EnumNamesStorageType[s]; ok {
		return n
	}
	return fmt.Sprintf("StorageType(%d)", int(s))
}

// ReplicaState is the state of one replica as reported by a datanode.
type ReplicaState int

// Replica states.
const (
	// ReplicaFinalized replicas are sealed; their length and generation
	// stamp are fixed until a pipeline recovery bumps the stamp.
	ReplicaFinalized ReplicaState = iota

	// ReplicaBeingWritten is an open pipeline replica (RBW).
	ReplicaBeingWritten

	// ReplicaWaitingToBeRecovered is a replica left behind by a datanode
	// restart, waiting for lease recovery (RWR).
	ReplicaWaitingToBeRecovered

	// ReplicaUnderRecovery is being recovered right now (RUR).
	ReplicaUnderRecovery

	// ReplicaTemporary holds data in transit for re-replication; it is never
	// visible to readers.
	ReplicaTemporary
)

// EnumNamesReplicaState maps replica states to display names.
var EnumNamesReplicaState = map[ReplicaState]string{
	ReplicaFinalized:            "FINALIZED",
	ReplicaBeingWritten:         "RBW",
	ReplicaWaitingToBeRecovered: "RWR",
	ReplicaUnderRecovery:        "RUR",
	ReplicaTemporary:            "TEMPORARY",
}

// String returns the display name of the replica state.
func (s ReplicaState) String() string {
	if n, ok := EnumNamesReplicaState[s]; ok {
		return n
	}
	return fmt.Sprintf("ReplicaState(%d)", int(s))
}

// BlockUCState is the lifecycle state of a stored block.
type BlockUCState int

// Block lifecycle states.
const (
	// BlockComplete blocks have a fixed length and generation stamp and
	// count toward safe mode.
	BlockComplete BlockUCState = iota

	// BlockUnderConstruction blocks are being written by a client pipeline.
	BlockUnderConstruction

	// BlockUnderRecovery blocks are under pipeline recovery.
	BlockUnderRecovery

	// BlockCommitted blocks have a client-reported final length and stamp
	// but not yet enough finalized replicas to complete.
	BlockCommitted
)

// EnumNamesBlockUCState maps block states to display names.
var EnumNamesBlockUCState = map[BlockUCState]string{
	BlockComplete:          "COMPLETE",
	BlockUnderConstruction: "UNDER_CONSTRUCTION",
	BlockUnderRecovery:     "UNDER_RECOVERY",
	BlockCommitted:         "COMMITTED",
}

// String returns the display name of the block state.
func (s BlockUCState) String() string {
	if n, ok := EnumNamesBlockUCState[s]; ok {
		return n
	}
	return fmt.Sprintf("BlockUCState(%d)", int(s))
}

// CorruptReason says why a replica was flagged corrupt.
type CorruptReason int

// Corruption reasons.
const (
	CorruptNone CorruptReason = iota
	CorruptAny
	CorruptGenstampMismatch
	CorruptSizeMismatch
	CorruptInvalidState
	CorruptReported
)

// EnumNamesCorruptReason maps corruption reasons to display names.
var EnumNamesCorruptReason = map[CorruptReason]string{
	CorruptNone:             "NONE",
	CorruptAny:              "ANY",
	CorruptGenstampMismatch: "GENSTAMP_MISMATCH",
	CorruptSizeMismatch:     "SIZE_MISMATCH",
	CorruptInvalidState:     "INVALID_STATE",
	CorruptReported:         "CORRUPTION_REPORTED",
}

// String returns the display name of the corruption reason.
func (r CorruptReason) String() string {
	if n, ok := EnumNamesCorruptReason[r]; ok {
		return n
	}
	return fmt.Sprintf("CorruptReason(%d)", int(r))
}
