// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"fmt"
	"io"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

// MetaSave dumps a human readable snapshot of the block manager's state for
// operators. Caller must hold at least the read lock.
func (bm *BlockManager) MetaSave(w io.Writer) {
	stats := bm.UpdateState()
	fmt.Fprintf(w, "Blocks total: %d\n", bm.blocksMap.Size())
	fmt.Fprintf(w, "Under replicated blocks: %d\n", stats.UnderReplicated)
	fmt.Fprintf(w, "Missing blocks: %d\n", stats.Missing)
	fmt.Fprintf(w, "Blocks waiting for replication: %d\n", stats.Pending)
	fmt.Fprintf(w, "Excess replicas: %d\n", stats.Excess)
	fmt.Fprintf(w, "Postponed mis-replicated blocks: %d\n", stats.Postponed)
	fmt.Fprintf(w, "Queued datanode messages: %d\n", stats.PendingMessages)

	// Every queued block with its replica breakdown.
	fmt.Fprintf(w, "Metasave: Blocks waiting for replication:\n")
	bm.blocksMap.Iterate(func(b *BlockInfo) bool {
		if bm.neededReplications.Contains(b.ID) {
			bm.dumpBlockMeta(b, w)
		}
		return true
	})

	fmt.Fprintf(w, "Metasave: Blocks being replicated: %d\n", bm.pendingReplications.Size())
	bm.invalidateBlocks.Dump(func(format string, args ...interface{}) {
		fmt.Fprintf(w, format, args...)
	})
}

// dumpBlockMeta writes one block's ownership and replica classification.
func (bm *BlockManager) dumpBlockMeta(b *BlockInfo, w io.Writer) {
	n := bm.CountNodes(b)
	name := "(orphan)"
	if bc := b.BlockCollection(); bc != nil {
		name = bc.Name()
	}
	fmt.Fprintf(w, "%s (%s) %s: expected %d, live %d, decommissioned %d, corrupt %d, excess %d [",
		b, name, b.UCState(), bm.getReplication(b), n.Live,
		n.DecommissionedAndDecommissioning(), n.Corrupt, n.Excess)
	for i, s := range b.Storages() {
		if i > 0 {
			fmt.Fprintf(w, ", ")
		}
		state := "LIVE"
		switch {
		case bm.corruptReplicas.Contains(b.ID, s.node):
			state = core.EnumNamesCorruptReason[bm.corruptReplicas.Reason(b.ID, s.node)]
		case s.node.IsDecommissioned():
			state = "DECOMMISSIONED"
		case s.node.IsDecommissionInProgress():
			state = "DECOMMISSIONING"
		case bm.excessReplicas.Contains(s.node, b.ID):
			state = "EXCESS"
		}
		fmt.Fprintf(w, "%s(%s)", s.node.ID, state)
	}
	fmt.Fprintf(w, "]\n")
}
