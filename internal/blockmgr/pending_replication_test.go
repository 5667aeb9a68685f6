// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/petrel/internal/core"
)

func TestPendingReplicationsCounts(t *testing.T) {
	clock := newFakeClock()
	p := NewPendingReplications(time.Minute, clock.Now)
	b := core.Block{ID: 1, GenStamp: 1000}

	p.Increment(b, 2)
	if p.NumReplicas(1) != 2 || p.Size() != 1 {
		t.Fatalf("increment bookkeeping wrong")
	}
	p.Increment(b, 1)
	if p.NumReplicas(1) != 3 {
		t.Fatalf("second increment should accumulate, got %d", p.NumReplicas(1))
	}

	p.Decrement(1)
	p.Decrement(1)
	if p.NumReplicas(1) != 1 {
		t.Fatalf("decrement bookkeeping wrong, got %d", p.NumReplicas(1))
	}
	p.Decrement(1)
	if p.Size() != 0 {
		t.Fatalf("entry should be gone once all replicas arrived")
	}
	// Decrement of an unknown block is harmless.
	p.Decrement(42)
}

func TestPendingReplicationsTimeout(t *testing.T) {
	clock := newFakeClock()
	p := NewPendingReplications(time.Minute, clock.Now)
	p.Increment(core.Block{ID: 1, GenStamp: 1000}, 1)
	clock.advance(30 * time.Second)
	p.Increment(core.Block{ID: 2, GenStamp: 1000}, 1)

	p.expireOverdue()
	if p.NumTimedOut() != 0 {
		t.Fatalf("nothing should be overdue yet")
	}

	clock.advance(31 * time.Second)
	p.expireOverdue()
	timedOut := p.TakeTimedOutBlocks()
	if len(timedOut) != 1 || timedOut[0].ID != 1 {
		t.Fatalf("block 1 should have timed out, got %v", timedOut)
	}
	if p.Size() != 1 {
		t.Fatalf("block 2 should remain pending")
	}
	// Re-dispatch restarts the clock.
	p.Increment(core.Block{ID: 1, GenStamp: 1000}, 1)
	clock.advance(45 * time.Second)
	p.expireOverdue()
	got := p.TakeTimedOutBlocks()
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("only block 2 should time out now, got %v", got)
	}
}

func TestPendingReplicationsStartStop(t *testing.T) {
	clock := newFakeClock()
	p := NewPendingReplications(time.Second, clock.Now)
	p.Start()
	p.Stop()
}
