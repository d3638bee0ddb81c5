// Package blockcache implements the per-VDF memory+disk block cache: a
// fixed-size block map fed by a process-IO mediator, with reader-priority
// scheduling and FIFO eviction to a disk overflow file keyed by the MD5 of
// the backing real path.
package blockcache

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/repeatfs/repeatfs/clock"
	"github.com/repeatfs/repeatfs/internal/config"
	"github.com/repeatfs/repeatfs/internal/descriptor"
	"github.com/repeatfs/repeatfs/internal/fsid"
	"github.com/repeatfs/repeatfs/internal/metrics"
	"github.com/repeatfs/repeatfs/internal/procio"
	"github.com/repeatfs/repeatfs/internal/provenance"
)

// Op identifies the kind of IO request passed to Entry.IO.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpTruncate
	OpReset
)

type block struct {
	data  []byte
	dirty bool
}

type waitInfo struct {
	block int64
	at    time.Time
}

// Entry is one VDF's block cache: the in-memory block map, the
// descriptors currently open against it, and the mediator driving the
// backing command. All mutable state is GUARDED_BY mu.
type Entry struct {
	engine *Engine

	// Constant for the lifetime of the Entry.
	mediator *procio.Mediator

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	blocks map[int64]*block
	// GUARDED_BY(mu)
	blocksBlockPos int64
	// GUARDED_BY(mu)
	fileEntry *fsid.Entry
	// GUARDED_BY(mu)
	size int64
	// GUARDED_BY(mu)
	mtime int64
	// GUARDED_BY(mu)
	final bool
	// GUARDED_BY(mu)
	cachePath string
	// GUARDED_BY(mu)
	waiting map[descriptor.ID]waitInfo
	// GUARDED_BY(mu)
	descriptors map[descriptor.ID]struct{}
	// GUARDED_BY(mu)
	vdfConfig map[string]any

	cond *sync.Cond
}

func (e *Entry) checkInvariants() {
	if e.blocks == nil || e.waiting == nil || e.descriptors == nil {
		panic("blockcache.Entry: maps not initialized")
	}
}

// FileEntry implements procio.Entry.
func (e *Entry) FileEntry() *fsid.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileEntry
}

// CachePath implements procio.Entry.
func (e *Entry) CachePath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cachePath
}

// MarkFinal implements procio.Entry: the producer has exited, so reads
// past the current size now return EOF instead of blocking for more data.
func (e *Entry) MarkFinal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fileEntry != nil {
		e.mtime = e.fileEntry.VirtMtime
	}
	e.final = true
}

// Engine owns every Entry, keyed by backing real path, and the global
// FIFO write-history queue used to drive eviction.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	descs  *descriptor.Table
	logger *slog.Logger
	store  *provenance.Store // nil unless provenance capture is enabled; passed to mediators for internal producers

	mu      sync.Mutex
	entries map[string]*Entry

	histMu  sync.Mutex
	history []historyItem
}

type historyItem struct {
	entry *Entry
	block int64
}

func NewEngine(cfg *config.Config, clk clock.Clock, descs *descriptor.Table, logger *slog.Logger, store *provenance.Store) *Engine {
	return &Engine{
		cfg:     cfg,
		clk:     clk,
		descs:   descs,
		logger:  logger,
		store:   store,
		entries: map[string]*Entry{},
	}
}

// Lookup returns the cache Entry currently backing absRealPath, or nil
// if no descriptor has ever opened it, used by the control endpoint to
// apply config_vdf updates without forcing an open.
func (eng *Engine) Lookup(absRealPath string) *Entry {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.entries[absRealPath]
}

// GetOrCreate returns the cache Entry for fe's backing real path,
// creating and resetting it on first reference.
func (eng *Engine) GetOrCreate(fe *fsid.Entry) *Entry {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	key := fe.Paths.AbsReal
	if e, ok := eng.entries[key]; ok {
		return e
	}

	e := &Entry{
		engine:      eng,
		blocks:      map[int64]*block{},
		waiting:     map[descriptor.ID]waitInfo{},
		descriptors: map[descriptor.ID]struct{}{},
		vdfConfig:   map[string]any{},
	}
	e.mediator = procio.NewMediator(e, eng.cfg, eng.descs, eng.logger, eng.store)
	e.mu = syncutil.NewInvariantMutex(e.checkInvariants)
	e.cond = sync.NewCond(&e.mu)
	e.resetCacheLocked(fe)

	eng.entries[key] = e
	return e
}

func (e *Entry) notifyAll() { e.cond.Broadcast() }

// waitTimeout blocks the calling goroutine (which must hold e.mu) until
// woken by notifyAll or until d elapses, mirroring threading.Condition.wait.
// Timeout is driven by the Engine's injected Clock so it is testable
// without real sleeps.
func (e *Entry) waitTimeout(d time.Duration) {
	done := make(chan struct{})
	go func() {
		select {
		case <-e.engine.clk.After(d):
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-done:
		}
	}()
	e.cond.Wait()
	close(done)
}

// recordWrite appends a dirty block to the engine's global FIFO history.
func (eng *Engine) recordWrite(e *Entry, blockIdx int64) {
	eng.histMu.Lock()
	eng.history = append(eng.history, historyItem{entry: e, block: blockIdx})
	eng.histMu.Unlock()
}

func (eng *Engine) historyLen() int {
	eng.histMu.Lock()
	defer eng.histMu.Unlock()
	return len(eng.history)
}

func (eng *Engine) popHistory() (historyItem, bool) {
	eng.histMu.Lock()
	defer eng.histMu.Unlock()
	if len(eng.history) == 0 {
		return historyItem{}, false
	}
	item := eng.history[0]
	eng.history = eng.history[1:]
	return item, true
}

// ioRead copies from a present block into ret, starting at blockPos,
// returning the new total ret length filled.
func ioRead(b *block, blockPos int, size int, ret []byte, retSize int) ([]byte, int) {
	consume := size - retSize
	avail := len(b.data) - blockPos
	if avail < 0 {
		avail = 0
	}
	if consume > avail {
		consume = avail
	}
	if consume > 0 {
		copy(ret[retSize:retSize+consume], b.data[blockPos:blockPos+consume])
		retSize += consume
	}
	return ret, retSize
}

func (e *Entry) ioWrite(blockIdx int64, blockPos int, newData []byte, markDirty bool, retSize int) int {
	blockSize := int(e.engine.cfg.Global.BlockSize)

	b, ok := e.blocks[blockIdx]
	if !ok {
		b = &block{data: nil}
		e.blocks[blockIdx] = b
	}

	consume := len(newData) - retSize
	avail := blockSize - blockPos
	if consume > avail {
		consume = avail
	}
	if consume < 0 {
		consume = 0
	}

	need := blockPos + consume
	if need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[blockPos:blockPos+consume], newData[retSize:retSize+consume])
	if markDirty {
		b.dirty = true
	}
	retSize += consume

	e.engine.recordWrite(e, blockIdx)

	if blockIdx+1 > e.blocksBlockPos {
		e.blocksBlockPos = blockIdx + 1
	}
	if blockIdx+1 == e.blocksBlockPos {
		e.size = blockIdx*int64(blockSize) + int64(len(b.data))
	}

	return retSize
}

func (e *Entry) ioTruncate(blockIdx int64, blockPos int) int {
	blockSize := int64(e.engine.cfg.Global.BlockSize)

	for del := blockIdx + 1; del < e.blocksBlockPos; del++ {
		delete(e.blocks, del)
	}

	b := e.blocks[blockIdx]
	if b != nil && blockPos < len(b.data) {
		b.data = b.data[:blockPos]
	}
	if b != nil {
		b.dirty = true
	}

	e.blocksBlockPos = blockIdx + 1
	e.size = blockIdx*blockSize + int64(blockPos)
	return 0
}

func (e *Entry) ioFill(blockIdx int64, blockPos int) {
	blockSize := int(e.engine.cfg.Global.BlockSize)

	for fillIdx := e.blocksBlockPos - 1; fillIdx < blockIdx; fillIdx++ {
		if fillIdx == -1 {
			continue
		}
		if fillIdx == e.blocksBlockPos-1 {
			b := e.blocks[fillIdx]
			if b == nil {
				b = &block{}
				e.blocks[fillIdx] = b
			}
			if len(b.data) < blockSize {
				b.data = append(b.data, make([]byte, blockSize-len(b.data))...)
			}
			b.dirty = true
		} else {
			e.blocks[fillIdx] = &block{data: make([]byte, blockSize), dirty: true}
		}
	}

	b, ok := e.blocks[blockIdx]
	if !ok {
		b = &block{}
		e.blocks[blockIdx] = b
	}
	if len(b.data) < blockPos {
		b.data = append(b.data, make([]byte, blockPos-len(b.data))...)
	}
	b.dirty = true

	e.blocksBlockPos = blockIdx + 1
	e.size = blockIdx*int64(blockSize) + int64(blockPos)
}

// IO performs one cache operation: a blocking, block-aligned read, write,
// truncate, or full reset. It loops phase-by-phase (priority wait, fetch,
// apply) exactly as the block cache's scheduling contract requires, since
// a single call may span several blocks.
func (e *Entry) IO(op Op, pos int64, data []byte, size int64, desc descriptor.ID) (any, error) {
	blockSize := int64(e.engine.cfg.Global.BlockSize)
	descEntry := e.engine.descs.Get(desc)

	ret := make([]byte, size)
	var retSize int64

	for retSize < size {
		blockIdx := (pos + retSize) / blockSize
		start := int((pos + retSize) % blockSize)

		e.mu.Lock()
		e.priorityWait(blockIdx, desc, op)

		if op == OpReset {
			if descEntry != nil {
				e.resetCacheLocked(descEntry.FileEntry)
			}
			e.notifyAll()
			e.mu.Unlock()
			return size, nil
		}

		b, present := e.blocks[blockIdx]
		reqBlock := !present || int64(len(b.data)) < blockSize
		e.notifyAll()
		e.mu.Unlock()

		if reqBlock {
			e.engine.checkExpired()
			e.reqMemBlock(blockIdx, desc, op)
		}

		e.mu.Lock()
		e.priorityWait(blockIdx, desc, op)

		switch op {
		case OpRead:
			if e.final && pos+retSize >= e.size {
				out := ret[:retSize]
				e.notifyAll()
				e.mu.Unlock()
				return out, nil
			}
		case OpWrite, OpTruncate:
			if pos > e.size {
				e.ioFill(blockIdx, start)
			}
		}

		if b, ok := e.blocks[blockIdx]; ok {
			switch op {
			case OpRead:
				ret, retSize = ioRead(b, start, int(size), ret, int(retSize))
			case OpWrite:
				retSize = int64(e.ioWrite(blockIdx, start, data, true, int(retSize)))
			case OpTruncate:
				e.ioTruncate(blockIdx, start)
				retSize = size
			}
		}

		e.notifyAll()
		e.mu.Unlock()
	}

	if op == OpRead {
		return ret, nil
	}
	return retSize, nil
}

// priorityWait blocks (releasing mu while waiting) until op has priority
// to proceed: reads queue behind earlier-positioned reads unless their
// block is already cached or they have waited past read_timeout. Must be
// called with mu held.
func (e *Entry) priorityWait(blockIdx int64, desc descriptor.ID, op Op) {
	timeout := time.Duration(e.engine.cfg.Global.ReadTimeout * float64(time.Second))

	for {
		if op != OpRead {
			return
		}

		e.waiting[desc] = waitInfo{block: blockIdx, at: e.engine.clk.Now()}

		if _, ok := e.blocks[blockIdx]; ok {
			return
		}

		minBlock := blockIdx
		now := e.engine.clk.Now()
		for _, w := range e.waiting {
			if now.Sub(w.at) < timeout && w.block < minBlock {
				minBlock = w.block
			}
		}
		if blockIdx == minBlock {
			return
		}

		e.waitTimeout(timeout)
	}
}

// reqMemBlock loads blockIdx into the memory cache, preferring the disk
// overflow file, then falling back to the process-IO mediator's stream.
func (e *Entry) reqMemBlock(reqBlock int64, desc descriptor.ID, op Op) {
	e.mediator.ReqInit()

	e.mu.Lock()
	_, present := e.blocks[reqBlock]
	blocksBlockPos := e.blocksBlockPos
	e.mu.Unlock()

	if present {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
	}

	if !present && reqBlock < blocksBlockPos {
		diskData, err := e.getDiskBlock(reqBlock)
		if err == nil {
			e.mu.Lock()
			e.ioWrite(reqBlock, 0, diskData, false, 0)
			e.notifyAll()
			e.mu.Unlock()
			if int64(len(diskData)) == int64(e.engine.cfg.Global.BlockSize) {
				return
			}
		}
	}

	if !e.mediator.ContextOwner(desc) && op == OpRead {
		processBlock, processStart, processData := e.mediator.Read(reqBlock)
		if len(processData) > 0 {
			e.mu.Lock()
			e.ioWrite(processBlock, processStart, processData, true, 0)
			e.notifyAll()
			e.mu.Unlock()
		}
	}
}

// resetCacheLocked reinitializes the Entry for a (possibly new) file
// identity. Must be called with mu held or from GetOrCreate before any
// other goroutine can observe e.
func (e *Entry) resetCacheLocked(fe *fsid.Entry) {
	e.blocks = map[int64]*block{}
	e.blocksBlockPos = 0
	e.fileEntry = fe
	e.size = 0
	e.mtime = 0
	e.final = false

	sum := md5.Sum([]byte(fe.Paths.AbsReal))
	e.cachePath = filepath.Join(e.engine.cfg.Global.CachePath, hex.EncodeToString(sum[:]))

	f, err := os.Create(e.cachePath)
	if err == nil {
		f.Close()
	}
}

func (e *Entry) flushBlock(blockIdx int64) error {
	blockSize := int64(e.engine.cfg.Global.BlockSize)
	b := e.blocks[blockIdx]
	if !b.dirty {
		return nil
	}
	end := blockIdx*blockSize+int64(len(b.data)) == e.size
	return e.setDiskBlock(blockIdx, b.data, end)
}

// checkExpired flushes the oldest half of the global write-history queue
// to disk once it grows past the configured store size.
func (eng *Engine) checkExpired() {
	blockSize := eng.cfg.Global.BlockSize
	maxBlocks := eng.cfg.Global.StoreSize / blockSize
	if maxBlocks <= 0 {
		maxBlocks = 1
	}

	if int64(eng.historyLen()) < maxBlocks {
		return
	}

	for int64(eng.historyLen()) > maxBlocks/2 {
		item, ok := eng.popHistory()
		if !ok {
			break
		}
		item.entry.mu.Lock()
		if _, ok := item.entry.blocks[item.block]; ok {
			_ = item.entry.flushBlock(item.block)
			delete(item.entry.blocks, item.block)
			metrics.CacheEvictions.Inc()
		}
		item.entry.mu.Unlock()
	}
}

func (e *Entry) getDiskBlock(blockIdx int64) ([]byte, error) {
	blockSize := e.engine.cfg.Global.BlockSize

	f, err := os.Open(e.cachePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(blockSize*blockIdx, 0); err != nil {
		return nil, err
	}
	buf := make([]byte, blockSize)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (e *Entry) setDiskBlock(blockIdx int64, data []byte, end bool) error {
	blockSize := e.engine.cfg.Global.BlockSize
	bytePos := blockSize * blockIdx

	f, err := os.OpenFile(e.cachePath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < bytePos {
		if _, err := f.Seek(0, 2); err != nil {
			return err
		}
		if _, err := f.Write(make([]byte, bytePos-info.Size())); err != nil {
			return err
		}
	}

	if _, err := f.Seek(bytePos, 0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if end {
		return f.Truncate(bytePos + int64(len(data)))
	}
	return nil
}

// RegisterDescriptor records desc as an active reader/writer of e and,
// if it is an owner write, marks the mediator's stream open for writes.
func (e *Entry) RegisterDescriptor(desc descriptor.ID, flags int, hasFlags bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.descriptors[desc] = struct{}{}

	if hasFlags && e.mediator.ContextOwner(desc) && isFlagWrite(flags) {
		e.mediator.SetWriteOpen(true)
	}
}

// UnregisterDescriptor drops desc and, if it was the last reader/writer,
// shuts down the mediator's process and/or stream accordingly.
func (e *Entry) UnregisterDescriptor(desc descriptor.ID) {
	e.mu.Lock()
	delete(e.descriptors, desc)
	delete(e.waiting, desc)

	reads, writes := false, false
	for other := range e.descriptors {
		entry := e.engine.descs.Get(other)
		if entry == nil {
			continue
		}
		if isFlagRead(entry.Flags) {
			reads = true
		}
		if e.mediator.ContextOwner(other) && isFlagWrite(entry.Flags) {
			writes = true
		}
	}
	e.notifyAll()
	e.mu.Unlock()

	e.mediator.Close(!reads, !writes)
}

// UpdateConfig merges per-entry runtime configuration options, the
// backing storage for the control endpoint's config_vdf request.
func (e *Entry) UpdateConfig(options map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range options {
		e.vdfConfig[k] = v
	}
}

func isFlagRead(flags int) bool  { return flags%2 == 0 }
func isFlagWrite(flags int) bool { return flags&0x3 > 0 }

// Reset clears a VDF's cache via the normal IO pipeline, used by
// config_vdf after updating per-entry options.
func (e *Entry) Reset(desc descriptor.ID) error {
	_, err := e.IO(OpReset, 0, nil, 1, desc)
	return err
}

// ResetNow clears the entry's cache directly, without routing through a
// descriptor's IO queue. Used by the control endpoint, which updates a
// VDF's configuration out-of-band from any open descriptor.
func (e *Entry) ResetNow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetCacheLocked(e.fileEntry)
}
