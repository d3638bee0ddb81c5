// Package procio mediates IO between a VDF's block cache and the child
// process that produces its bytes: spawning the producer command,
// exposing its stdout/stderr/file output as a blocking stream buffer,
// and authorizing writes only from the process that owns the stream
// (or its descendants).
package procio

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/repeatfs/repeatfs/internal/config"
	"github.com/repeatfs/repeatfs/internal/descriptor"
	"github.com/repeatfs/repeatfs/internal/fsid"
	"github.com/repeatfs/repeatfs/internal/metrics"
	"github.com/repeatfs/repeatfs/internal/procsnap"
	"github.com/repeatfs/repeatfs/internal/producers"
	"github.com/repeatfs/repeatfs/internal/provenance"
	"github.com/repeatfs/repeatfs/internal/shlex"
)

// Entry is the subset of blockcache.Entry the mediator needs, kept as an
// interface so procio does not import blockcache (which imports procio).
type Entry interface {
	FileEntry() *fsid.Entry
	CachePath() string
	MarkFinal()
}

// streamBuffer is either a direct pass-through pipe (stdout/stderr) or an
// in-memory ring the producer's "file"-mode output is written into.
type streamBuffer struct {
	pipe    io.ReadCloser // non-nil for stdout/stderr pass-through
	mem     *bytes.Buffer // non-nil for "file" output mode
	resetAt int
}

func (s *streamBuffer) isMem() bool { return s.mem != nil }

// Mediator owns the spawned producer process and its stream buffer for
// one cache Entry.
type Mediator struct {
	entry  Entry
	cfg    *config.Config
	descs  *descriptor.Table
	logger *slog.Logger
	snap   procsnap.Snapshotter
	store  *provenance.Store // nil unless provenance capture is enabled; backs internal producers

	mu            sync.Mutex
	cond          *sync.Cond
	cmd           *exec.Cmd
	pidAuth       map[int32]bool
	stream        *streamBuffer
	writeOpen     bool
	blocksBytePos int64
	readActive    bool
	writeActive   bool
}

func NewMediator(entry Entry, cfg *config.Config, descs *descriptor.Table, logger *slog.Logger, store *provenance.Store) *Mediator {
	m := &Mediator{
		entry:     entry,
		cfg:       cfg,
		descs:     descs,
		logger:    logger,
		snap:      procsnap.Default(),
		store:     store,
		pidAuth:   map[int32]bool{},
		writeOpen: true,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// ReqInit runs the command associated with this VDF, if it has not
// already been started or finished.
func (m *Mediator) ReqInit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil {
		return
	}

	fe := m.entry.FileEntry()
	if fe == nil || fe.VirtAction == nil {
		return
	}
	rule := fe.VirtAction.Rule

	m.blocksBytePos = 0
	m.internalPrepare(rule)

	replacements := map[string]string{
		"input":       fe.DerivedSource.Paths.AbsMount,
		"output":      fe.Paths.AbsMount,
		"output_base": strings.TrimSuffix(fe.Paths.AbsMount, rule.Ext),
		"temp":        m.entry.CachePath() + ".temp",
	}
	for i, g := range fe.VirtAction.Groups {
		replacements[fmt.Sprintf("input_%d", i)] = filepath.Join(filepath.Dir(replacements["input"]), g)
	}

	command := expandTemplate(rule.Cmd, replacements)
	m.logger.Debug("running producer command", "command", command, "output", rule.Output)

	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		m.logger.Error("invalid producer command", "command", command, "error", err)
		return
	}

	cmd := exec.Command(args[0], args[1:]...)

	var stdoutPipe, stderrPipe io.ReadCloser
	switch rule.Output {
	case config.OutputStdout:
		stdoutPipe, err = cmd.StdoutPipe()
	case config.OutputStderr:
		stderrPipe, err = cmd.StderrPipe()
	}
	if err != nil {
		m.logger.Error("failed to attach producer pipe", "error", err)
		return
	}

	if err := cmd.Start(); err != nil {
		m.logger.Error("failed to start producer command", "command", command, "error", err)
		return
	}

	m.cmd = cmd
	m.pidAuth[int32(cmd.Process.Pid)] = true
	metrics.ActiveMediators.Inc()

	switch rule.Output {
	case config.OutputStdout:
		m.stream = &streamBuffer{pipe: stdoutPipe}
	case config.OutputStderr:
		m.stream = &streamBuffer{pipe: stderrPipe}
	case config.OutputFile:
		m.stream = &streamBuffer{mem: &bytes.Buffer{}}
	}
}

func expandTemplate(cmd string, vals map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == '{' {
			end := strings.IndexByte(cmd[i:], '}')
			if end >= 0 {
				key := cmd[i+1 : i+end]
				if v, ok := vals[key]; ok {
					b.WriteString(v)
					i += end
					continue
				}
			}
		}
		b.WriteByte(cmd[i])
	}
	return b.String()
}

// internalPrepare runs any built-in producers named on rule before the
// rule's command template executes. A built-in writes its bytes to the
// same .temp file the rule's own command reads (e.g. "cat {temp}"),
// so the command template never needs to know whether its input came
// from an external process or a registered producer.
func (m *Mediator) internalPrepare(rule *config.Rule) {
	if len(rule.Internal) == 0 {
		return
	}
	fe := m.entry.FileEntry()
	target := fe.Paths.AbsReal
	if fe.DerivedSource != nil {
		target = fe.DerivedSource.Paths.AbsReal
	}

	for _, name := range rule.Internal {
		producer, ok := producers.Get(name)
		if !ok {
			m.logger.Error("unknown internal producer", "name", name)
			continue
		}
		if m.store == nil {
			m.logger.Error("internal producer requires provenance capture", "name", name)
			continue
		}
		data, err := producer(m.store, target)
		if err != nil {
			m.logger.Error("internal producer failed", "name", name, "error", err)
			continue
		}
		if err := os.WriteFile(m.entry.CachePath()+".temp", data, 0o644); err != nil {
			m.logger.Error("failed writing internal producer output", "error", err)
		}
	}
}

// EndProcess kills the producer process if running.
func (m *Mediator) EndProcess() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	m.logger.Debug("killing producer process", "pid", m.cmd.Process.Pid)
	_ = m.cmd.Process.Kill()
	_ = m.cmd.Wait()
	m.writeOpen = false
	m.cmd = nil
	m.pidAuth = map[int32]bool{}
	m.internalCleanup()
	metrics.ActiveMediators.Dec()
}

func (m *Mediator) internalCleanup() {
	path := m.entry.CachePath() + ".temp"
	_ = os.Remove(path)
}

// checkProcess marks the cache entry final once the producer has stopped
// producing output: either the stream has already been reaped (mem-mode
// output, or a pipe read observed after Wait), or a pipe read just
// returned EOF, in which case Wait is reaped in the background so the
// process never lingers as a zombie. Must be called with mu held.
func (m *Mediator) checkProcess() {
	if m.cmd == nil {
		return
	}
	if m.cmd.ProcessState != nil {
		m.entry.MarkFinal()
		return
	}
	if m.stream != nil && m.stream.pipe != nil {
		m.entry.MarkFinal()
		go m.cmd.Wait()
	}
}

// checkLineage walks /proc ancestry to determine whether pid descends
// from the mediator's owning process.
func (m *Mediator) checkLineage(pid int32) {
	m.pidAuth[pid] = false
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	owner := int32(m.cmd.Process.Pid)

	current := pid
	for current > 1 {
		if current == owner {
			m.pidAuth[pid] = true
			return
		}
		parent, err := m.snap.ParentPID(current)
		if err != nil {
			return
		}
		current = parent
	}
}

// ContextOwner reports whether the process that opened descriptor desc
// is the producer process or one of its descendants.
func (m *Mediator) ContextOwner(desc descriptor.ID) bool {
	entry := m.descs.Get(desc)
	if entry == nil {
		return false
	}
	return m.contextOwnerPID(entry.OpenPID)
}

func (m *Mediator) contextOwnerPID(pid int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return false
	}
	if _, ok := m.pidAuth[pid]; !ok {
		m.checkLineage(pid)
	}
	return m.pidAuth[pid]
}

func (m *Mediator) SetWriteOpen(open bool) {
	m.mu.Lock()
	m.writeOpen = open
	m.mu.Unlock()
}

// readBuffer drains size bytes from the stream buffer, blocking for
// "file"-mode buffers until a full block is available or the producer's
// write side has closed. Must be called with mu held.
func (m *Mediator) readBuffer(size int) []byte {
	blockSize := int(m.cfg.Global.BlockSize)

	if m.stream.pipe != nil {
		buf := make([]byte, size)
		n, _ := io.ReadFull(m.stream.pipe, buf)
		return buf[:n]
	}

	for {
		if m.stream.mem.Len() >= blockSize || !m.writeOpen {
			break
		}
		m.cond.Wait()
	}

	data := m.stream.mem.Bytes()[m.stream.resetAt:]
	n := size
	if n > len(data) {
		n = len(data)
	}
	ret := make([]byte, n)
	copy(ret, data[:n])
	m.stream.resetAt += n

	if m.stream.resetAt == blockSize {
		m.stream.mem.Reset()
		m.stream.resetAt = 0
	}

	m.cond.Broadcast()
	return ret
}

// writeBuffer appends data to a "file"-mode stream buffer, blocking while
// the buffer is at capacity. Must be called with mu held.
func (m *Mediator) writeBuffer(data []byte) int {
	if m.stream == nil || !m.stream.isMem() {
		return 0
	}
	blockSize := int(m.cfg.Global.BlockSize)

	for m.stream.mem.Len() >= blockSize {
		m.cond.Wait()
	}
	n, _ := m.stream.mem.Write(data)
	m.cond.Broadcast()
	return n
}

// Read pulls the next chunk of producer output for reqBlock, returning
// the block index and offset the data starts at.
func (m *Mediator) Read(reqBlock int64) (int64, int, []byte) {
	blockSize := int64(m.cfg.Global.BlockSize)

	m.mu.Lock()
	for m.readActive {
		m.cond.Wait()
	}
	m.readActive = true
	defer func() {
		m.readActive = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	processBlock := m.blocksBytePos / blockSize
	processStart := int(m.blocksBytePos % blockSize)
	var data []byte

	if m.cmd != nil && reqBlock >= processBlock && m.stream != nil {
		data = m.readBuffer(int(blockSize) - processStart)
		m.blocksBytePos += int64(len(data))
		if len(data) == 0 {
			m.checkProcess()
		}
	}

	return processBlock, processStart, data
}

// Write sends data to the producer's stdin-equivalent stream if desc is
// the stream owner, returning the portion not consumed by the stream
// (left for the memory cache to absorb instead).
func (m *Mediator) Write(data []byte, pos int64, desc descriptor.ID) int {
	blockSize := int64(m.cfg.Global.BlockSize)

	m.mu.Lock()
	for m.writeActive {
		m.cond.Wait()
	}
	m.writeActive = true
	defer func() {
		m.writeActive = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	if !m.contextOwnerPIDLocked(desc) {
		return len(data)
	}

	retLen := int(m.blocksBytePos - pos)
	if retLen > len(data) {
		retLen = len(data)
	}
	if retLen < 0 {
		retLen = 0
	}

	if retLen < len(data) && m.stream != nil && m.stream.isMem() {
		absTellPos := int64(m.stream.mem.Len()) + (m.blocksBytePos/blockSize)*blockSize
		if pos > absTellPos {
			m.truncateLocked(pos, desc, true)
		}

		bufferRemain := len(data)
		if pos < m.blocksBytePos {
			bufferRemain -= int(m.blocksBytePos - pos)
		}

		for bufferRemain > 0 {
			writeLen := bufferRemain
			avail := blockSize - int64(m.stream.mem.Len())
			if int64(writeLen) > avail {
				writeLen = int(avail)
			}
			dataPos := len(data) - bufferRemain
			m.writeBuffer(data[dataPos : dataPos+writeLen])
			bufferRemain -= writeLen
		}
	}

	return retLen
}

func (m *Mediator) contextOwnerPIDLocked(desc descriptor.ID) bool {
	entry := m.descs.Get(desc)
	if entry == nil {
		return false
	}
	pid := entry.OpenPID
	if m.cmd == nil {
		return false
	}
	if _, ok := m.pidAuth[pid]; !ok {
		m.checkLineage(pid)
	}
	return m.pidAuth[pid]
}

// Truncate truncates the producer stream at pos if desc owns it and pos
// falls within the stream's window; returns false when the truncate
// should instead be applied to the memory cache.
func (m *Mediator) Truncate(pos int64, desc descriptor.ID) bool {
	m.mu.Lock()
	for m.writeActive {
		m.cond.Wait()
	}
	defer m.mu.Unlock()
	return m.truncateLocked(pos, desc, false)
}

func (m *Mediator) truncateLocked(pos int64, desc descriptor.ID, writeCall bool) bool {
	blockSize := m.cfg.Global.BlockSize

	if !writeCall {
		for m.writeActive {
			m.cond.Wait()
		}
	}
	if !writeCall {
		defer func() {
			m.writeActive = false
			m.cond.Broadcast()
		}()
	}

	if !m.contextOwnerPIDLocked(desc) {
		return false
	}
	if pos < m.blocksBytePos {
		return false
	}
	if m.stream == nil || !m.stream.isMem() {
		return false
	}

	truncRemain := pos - (m.blocksBytePos/blockSize)*blockSize
	curLen := int64(m.stream.mem.Len())

	if truncRemain < curLen {
		m.stream.mem.Truncate(int(truncRemain))
	} else {
		truncRemain -= curLen
		for truncRemain > 0 {
			emptyLen := truncRemain
			avail := blockSize - int64(m.stream.mem.Len())
			if emptyLen > avail {
				emptyLen = avail
			}
			m.writeBuffer(make([]byte, emptyLen))
			truncRemain -= emptyLen
		}
	}
	return true
}

// Close ends the producer process and/or marks the write side closed,
// called once the last reader/writer descriptor is unregistered.
func (m *Mediator) Close(read, write bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if read {
		m.EndProcess()
	}
	if write {
		m.writeOpen = false
		m.cond.Broadcast()
	}
}
