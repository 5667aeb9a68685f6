// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Commands the master enqueues on a datanode's outgoing queue. They are
// delivered asynchronously in heartbeat responses by the RPC layer and must
// be idempotent against the authoritative block map: a delete of a block a
// node no longer has, or a replicate of a block that is already sufficiently
// replicated, is harmless.

// ReplicateCommand asks the node it is enqueued on to copy one block to the
// given target storages.
type ReplicateCommand struct {
	Block   Block
	Targets []ReplicaTarget
}

// ReplicaTarget names one destination storage for a replication transfer.
type ReplicaTarget struct {
	Node    DatanodeID
	Storage StorageID
}

// InvalidateCommand asks the node it is enqueued on to delete its replicas of
// the given blocks.
type InvalidateCommand struct {
	Blocks []Block
}

// KeyUpdateCommand carries a fresh set of opaque block access keys to a
// datanode.
type KeyUpdateCommand struct {
	Keys []byte
}

// ReceivedDeletedOp is the kind of one entry in an incremental block report.
type ReceivedDeletedOp int

// Incremental block report ops.
const (
	// BlockReceiving means the node has opened a replica for a client pipeline.
	BlockReceiving ReceivedDeletedOp = iota

	// BlockReceived means the node has finalized a replica.
	BlockReceived

	// BlockDeleted means the node has deleted its replica.
	BlockDeleted
)

// ReceivedDeletedBlock is one entry of an incremental block report.
type ReceivedDeletedBlock struct {
	Op    ReceivedDeletedOp
	Block Block

	// DeleteHint optionally names the node the client would prefer the
	// master drop a replica from, used during pipeline recovery.
	DeleteHint string
}

// ReportedBlock is one entry of a full block report: a block as one storage
// claims to hold it.
type ReportedBlock struct {
	Block Block
	State ReplicaState
}
