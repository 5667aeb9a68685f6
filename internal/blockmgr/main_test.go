// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/petrel/internal/core"
	"github.com/westerndigitalcorporation/petrel/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

// A fake clock so tests control grace periods and timeouts.
type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1500000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.lock.Unlock()
}

// A namesystem implementation that simply stores state in memory.
type testNamesystem struct {
	sync.RWMutex

	running    bool
	safeMode   bool
	populating bool

	minRepl int

	// Safe-mode accounting: blocks counted as safe when their live count
	// crosses minRepl upward.
	safeReached   int
	safeDecrement int

	// Reports with generation stamps above this are "from the future".
	maxGenStamp core.GenerationStamp
}

func newTestNamesystem() *testNamesystem {
	return &testNamesystem{
		running:     true,
		populating:  true,
		minRepl:     1,
		maxGenStamp: 1 << 40,
	}
}

func (ns *testNamesystem) ReadLock()    { ns.RLock() }
func (ns *testNamesystem) ReadUnlock()  { ns.RUnlock() }
func (ns *testNamesystem) WriteLock()   { ns.Lock() }
func (ns *testNamesystem) WriteUnlock() { ns.Unlock() }

func (ns *testNamesystem) IsRunning() bool              { return ns.running }
func (ns *testNamesystem) IsInSafeMode() bool           { return ns.safeMode }
func (ns *testNamesystem) IsPopulatingReplQueues() bool { return ns.populating }

func (ns *testNamesystem) IncrementSafeBlockCount(curReplicas int) {
	if curReplicas == ns.minRepl {
		ns.safeReached++
	}
}

func (ns *testNamesystem) DecrementSafeBlockCount(b core.Block) {
	ns.safeDecrement++
}

func (ns *testNamesystem) IsGenStampInFuture(b core.Block) bool {
	return b.GenStamp > ns.maxGenStamp
}

// A file handle implementation that simply stores blocks in memory.
type testFile struct {
	name      string
	repl      int16
	blockSize int64
	open      bool
	blocks    []*BlockInfo
}

func newTestFile(name string, repl int16) *testFile {
	return &testFile{name: name, repl: repl, blockSize: 64 << 20}
}

func (f *testFile) Name() string               { return f.name }
func (f *testFile) Blocks() []*BlockInfo       { return f.blocks }
func (f *testFile) NumBlocks() int             { return len(f.blocks) }
func (f *testFile) SetBlock(i int, b *BlockInfo) { f.blocks[i] = b }
func (f *testFile) Replication() int16         { return f.repl }
func (f *testFile) PreferredBlockSize() int64  { return f.blockSize }
func (f *testFile) IsUnderConstruction() bool  { return f.open }

func (f *testFile) LastBlock() *BlockInfo {
	if len(f.blocks) == 0 {
		return nil
	}
	return f.blocks[len(f.blocks)-1]
}

// A membership implementation that simply stores datanodes in memory.
type testDatanodeManager struct {
	nodes     map[string]*DatanodeDescriptor
	order     []string
	multiRack bool
}

func newTestDatanodeManager() *testDatanodeManager {
	return &testDatanodeManager{nodes: make(map[string]*DatanodeDescriptor)}
}

func (m *testDatanodeManager) addNode(uuid, rack string) *DatanodeDescriptor {
	dn := NewDatanodeDescriptor(core.DatanodeID{
		UUID:            uuid,
		Hostname:        uuid,
		Port:            7000,
		NetworkLocation: rack,
	})
	dn.UpdateStorage(core.StorageID("s-"+uuid), core.StorageTypeDisk)
	m.nodes[uuid] = dn
	m.order = append(m.order, uuid)
	racks := map[string]bool{}
	for _, n := range m.nodes {
		racks[n.ID.NetworkLocation] = true
	}
	if len(racks) > 1 {
		m.multiRack = true
	}
	return dn
}

func (m *testDatanodeManager) GetDatanode(uuid string) *DatanodeDescriptor {
	return m.nodes[uuid]
}

func (m *testDatanodeManager) Datanodes() []*DatanodeDescriptor {
	out := make([]*DatanodeDescriptor, 0, len(m.nodes))
	for _, uuid := range m.order {
		out = append(out, m.nodes[uuid])
	}
	return out
}

func (m *testDatanodeManager) NumLiveDatanodes() int { return len(m.nodes) }

func (m *testDatanodeManager) HasClusterEverBeenMultiRack() bool { return m.multiRack }

// A placement policy that picks the first nodes not excluded, in registration
// order, and deletes from the storage with the least space left.
type testPlacementPolicy struct {
	dnm *testDatanodeManager
}

func (p *testPlacementPolicy) ChooseTarget(srcPath string, numOfReplicas int, writer *DatanodeDescriptor,
	chosen []*DatanodeStorageInfo, returnChosenAsResults bool,
	excludedNodes map[string]*DatanodeDescriptor, blockSize int64) []*DatanodeStorageInfo {
	chosenNodes := map[string]bool{}
	for _, s := range chosen {
		chosenNodes[s.Node().ID.UUID] = true
	}
	var out []*DatanodeStorageInfo
	limit := numOfReplicas
	if returnChosenAsResults {
		out = append(out, chosen...)
		limit += len(chosen)
	}
	for _, uuid := range p.dnm.order {
		if len(out) >= limit {
			break
		}
		if _, ok := excludedNodes[uuid]; ok {
			continue
		}
		if chosenNodes[uuid] {
			continue
		}
		dn := p.dnm.nodes[uuid]
		storages := dn.Storages()
		if len(storages) == 0 {
			continue
		}
		out = append(out, storages[0])
	}
	return out
}

func (p *testPlacementPolicy) ChooseReplicaToDelete(bc BlockCollection, b core.Block, replication int16,
	moreThanOne, exactlyOne []*DatanodeStorageInfo) *DatanodeStorageInfo {
	pool := moreThanOne
	if len(pool) == 0 {
		pool = exactlyOne
	}
	if len(pool) == 0 {
		return nil
	}
	// Least free space goes first, ties by node id for determinism.
	sorted := append([]*DatanodeStorageInfo(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Remaining() != sorted[j].Remaining() {
			return sorted[i].Remaining() < sorted[j].Remaining()
		}
		return sorted[i].Node().ID.UUID < sorted[j].Node().ID.UUID
	})
	return sorted[0]
}

// A token issuer that mints static tokens.
type testTokenIssuer struct {
	enabled bool
}

func (t *testTokenIssuer) IsEnabled() bool { return t.enabled }

func (t *testTokenIssuer) GenerateToken(b core.Block) ([]byte, core.Error) {
	return []byte("token-" + b.String()), core.NoError
}

func (t *testTokenIssuer) ExportKeys() []byte { return []byte("keys") }

func (t *testTokenIssuer) GenerateDataEncryptionKey() ([]byte, core.Error) {
	return []byte("dek"), core.NoError
}

// testCluster ties the fakes together.
type testCluster struct {
	ns     *testNamesystem
	dnm    *testDatanodeManager
	tokens *testTokenIssuer
	clock  *fakeClock
	bm     *BlockManager
}

func newTestCluster(t *testing.T, config Config) *testCluster {
	ns := newTestNamesystem()
	ns.minRepl = int(config.MinReplication)
	dnm := newTestDatanodeManager()
	tokens := &testTokenIssuer{}
	clock := newFakeClock()
	bm, err := NewBlockManager(ns, dnm, &testPlacementPolicy{dnm: dnm}, tokens, &config, clock.Now)
	if err != nil {
		t.Fatalf("failed to build block manager: %s", err)
	}
	return &testCluster{ns: ns, dnm: dnm, tokens: tokens, clock: clock, bm: bm}
}

// addNode registers a datanode whose storage has already reported, so it is
// not stale.
func (tc *testCluster) addNode(uuid, rack string) *DatanodeDescriptor {
	dn := tc.dnm.addNode(uuid, rack)
	dn.Storages()[0].ReceivedBlockReport()
	return dn
}

// addCompleteBlock installs a complete block of the file on the given nodes.
func (tc *testCluster) addCompleteBlock(f *testFile, id core.BlockID, gs core.GenerationStamp,
	size int64, nodes ...*DatanodeDescriptor) *BlockInfo {
	b := NewBlockInfo(core.Block{ID: id, GenStamp: gs, NumBytes: size}, f.repl)
	installed := tc.bm.AddBlockCollection(b, f)
	f.blocks = append(f.blocks, installed)
	for _, dn := range nodes {
		dn.Storages()[0].AddBlock(installed)
	}
	return installed
}

// addUCBlock installs an under-construction last block of the file expecting
// the given pipeline.
func (tc *testCluster) addUCBlock(f *testFile, id core.BlockID, gs core.GenerationStamp,
	nodes ...*DatanodeDescriptor) *BlockInfo {
	targets := make([]*DatanodeStorageInfo, 0, len(nodes))
	for _, dn := range nodes {
		targets = append(targets, dn.Storages()[0])
	}
	b := NewBlockInfoUnderConstruction(core.Block{ID: id, GenStamp: gs}, f.repl, targets)
	installed := tc.bm.AddBlockCollection(b, f)
	f.blocks = append(f.blocks, installed)
	return installed
}

// reportOf builds a full report listing the given finalized blocks.
func reportOf(blocks ...core.Block) []core.ReportedBlock {
	out := make([]core.ReportedBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, core.ReportedBlock{Block: b, State: core.ReplicaFinalized})
	}
	return out
}

func storageIDOf(dn *DatanodeDescriptor) core.StorageID {
	return core.StorageID("s-" + dn.ID.UUID)
}
