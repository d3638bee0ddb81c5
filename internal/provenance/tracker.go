package provenance

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/repeatfs/repeatfs/clock"
	"github.com/repeatfs/repeatfs/internal/descriptor"
	"github.com/repeatfs/repeatfs/internal/fsid"
	"github.com/repeatfs/repeatfs/internal/metrics"
	"github.com/repeatfs/repeatfs/internal/procsnap"
)

// direction distinguishes a read IO window from a write IO window; both
// share the same record shape but live in separate tables.
type direction int

const (
	dirRead direction = iota
	dirWrite
)

type ioWindow struct {
	start, stop float64
	ops         OpKind
}

type ioRecord struct {
	windows [2]ioWindow // indexed by direction
}

type fileRecord struct {
	path    string
	fcreate float64
	ftype   int
}

// processCache holds the most recently captured snapshot for one pid,
// refreshed from procsnap on demand and flushed to the store on close.
type processCache struct {
	key        ProcessKey
	snap       *procsnap.Snapshot
	truncHist  map[string]bool
	dirty      bool
	lastRefresh int
}

// Tracker is the recording half of the provenance engine: it observes
// open/read/write/close events from descriptor lifecycle calls and turns
// them into rows in the Store, matching the original design's
// process/file/IO record bookkeeping.
type Tracker struct {
	store *Store
	descs *descriptor.Table
	snap  procsnap.Snapshotter
	clk   clock.Clock
	root  string
	mount string

	Enable bool

	// per-descriptor state, guarded by store.Mu per the documented
	// single coarse provenance lock
	fileByDesc    map[descriptor.ID]*fileRecord
	ioByDesc      map[descriptor.ID]map[int32]*ioRecord
	lastCache     map[string]float64
	dirtyFileKeys map[FileKey]bool
	procByPID     map[int32]*processCache
}

func NewTracker(store *Store, descs *descriptor.Table, snap procsnap.Snapshotter, clk clock.Clock, root, mount string) *Tracker {
	return &Tracker{
		store:         store,
		descs:         descs,
		snap:          snap,
		clk:           clk,
		root:          root,
		mount:         mount,
		Enable:        true,
		fileByDesc:    map[descriptor.ID]*fileRecord{},
		ioByDesc:      map[descriptor.ID]map[int32]*ioRecord{},
		lastCache:     map[string]float64{},
		dirtyFileKeys: map[FileKey]bool{},
		procByPID:     map[int32]*processCache{},
	}
}

func (t *Tracker) now() float64 {
	return round3(float64(t.clk.Now().UnixNano()) / 1e9)
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}

// getLast returns the cached fcreate timestamp for a real path, assigning
// one on first reference (mirrors FileRecord.get_last/set_last).
func (t *Tracker) getLast(path string) float64 {
	if v, ok := t.lastCache[path]; ok {
		return v
	}

	var fcreate float64
	row := t.store.DB.QueryRow(`SELECT fcreate FROM file_last WHERE path = ?`, path)
	if err := row.Scan(&fcreate); err == nil {
		t.lastCache[path] = fcreate
		return fcreate
	}

	return t.setLast(path)
}

// setLast stamps path with a new fcreate time, used on creation/truncation.
func (t *Tracker) setLast(path string) float64 {
	set := t.now()
	t.lastCache[path] = set
	t.store.DB.Exec(`REPLACE INTO file_last (path, fcreate) VALUES (?, ?)`, path, set)
	return set
}

func (t *Tracker) refreshProcess(pid int32) *processCache {
	pc, ok := t.procByPID[pid]
	if ok && pc.lastRefresh < 20 {
		pc.lastRefresh++
		return pc
	}

	snap, err := t.snap.Snapshot(pid)
	if err != nil {
		if ok {
			return pc
		}
		return nil
	}

	if !ok {
		pc = &processCache{truncHist: map[string]bool{}}
		t.procByPID[pid] = pc
	}
	pc.key = ProcessKey{t.store.SystemName, ftoa(snap.PStart), itoa32(pid)}
	pc.snap = snap
	pc.dirty = true
	pc.lastRefresh = 0

	if pid > 1 {
		t.recordCWD(snap)
	}

	if snap.ParentPID > 0 {
		t.refreshProcess(snap.ParentPID)
	}
	if pid != snap.Tgid && snap.Tgid > 0 {
		t.refreshProcess(snap.Tgid)
	}

	t.recordPipes(pid, snap)

	return pc
}

// recordCWD registers an ephemeral CD read against the process's working
// directory, the way process tree capture tracks directory navigation.
func (t *Tracker) recordCWD(snap *procsnap.Snapshot) {
	if snap.Cwd == "" {
		return
	}
	paths := fsid.GetPaths(snap.Cwd, t.root, t.mount)
	if paths.OrigType != fsid.OrigAbsMount {
		return
	}
	fe := &fsid.Entry{Paths: paths, Kind: fsid.KindReal}
	desc, err := t.descs.Open(fe, 0, false, snap.PID)
	if err != nil {
		return
	}
	t.registerOpenLocked(desc.ID, snap.PID, false, false, true, false, false)
	t.registerReadLocked(desc.ID, OpCD, snap.PID, false, snap.PStart)
	t.descs.Remove(desc.ID)
}

// recordPipes handles each of pid's stdio descriptors that is a pipe: it
// gets or creates the shared pseudo-descriptor for the pipe, notes a read
// (fd 0) or write (fd 1, 2) on it at the current time, and then drops that
// in-memory state; no pipe IO rows are written to the store. It then
// refreshes the snapshot of every other process holding the same pipe on
// one of its fds 0-2.
func (t *Tracker) recordPipes(pid int32, snap *procsnap.Snapshot) {
	for fd := 0; fd < 3; fd++ {
		target := snap.Stdio[fd]
		if !strings.HasPrefix(target, "pipe:") {
			continue
		}

		fe := &fsid.Entry{Paths: fsid.PathSet{AbsReal: target, AbsVirt: target, AbsMount: target}, Kind: fsid.KindPipe}
		desc := t.descs.GenPipe(target, fe, pid)

		t.registerOpenLocked(desc.ID, pid, false, false, false, true, false)
		if fd == 0 {
			t.registerReadLocked(desc.ID, OpIO, pid, false, 0)
		} else {
			t.registerWriteLocked(desc.ID, OpIO, pid, false, 0)
		}
		t.cleanDescriptorLocked(desc.ID)

		pids, err := t.snap.ListPIDs()
		if err != nil {
			continue
		}
		for _, other := range pids {
			if other == pid {
				continue
			}
			for searchFD := 0; searchFD < 3; searchFD++ {
				if link, err := t.snap.FD(other, searchFD); err == nil && link == target {
					t.refreshProcess(other)
					break
				}
			}
		}
	}
}

// RegisterOpen records the start of a descriptor's lifetime: the file
// version it opened, the owning process, and (optionally) an initial
// read or write window.
func (t *Tracker) RegisterOpen(desc descriptor.ID, pid int32, read, write, updateLast bool) {
	if !t.Enable {
		return
	}
	t.store.Mu.Lock()
	defer t.store.Mu.Unlock()
	t.registerOpenLocked(desc, pid, read, write, true, true, updateLast)
}

func (t *Tracker) registerOpenLocked(desc descriptor.ID, pid int32, read, write, recordFile, recordProcess, updateLast bool) {
	entry := t.descs.Get(desc)
	if entry == nil || entry.FileEntry == nil {
		return
	}
	path := entry.FileEntry.Paths.AbsReal

	if updateLast {
		t.setLast(path)
	}

	if recordFile {
		t.fileByDesc[desc] = &fileRecord{
			path:    path,
			fcreate: t.getLast(path),
			ftype:   int(entry.FileEntry.FileType),
		}
	}

	if _, ok := t.ioByDesc[desc]; !ok {
		t.ioByDesc[desc] = map[int32]*ioRecord{}
	}
	if _, ok := t.ioByDesc[desc][pid]; !ok {
		t.ioByDesc[desc][pid] = &ioRecord{}
	}

	if recordProcess {
		t.refreshProcess(pid)
	}

	if read {
		t.registerReadLocked(desc, OpIO, pid, false, 0)
	}
	if write {
		t.registerWriteLocked(desc, OpIO|OpTruncate, pid, false, 0)
	}
}

// RegisterRead extends the read time window for (desc, pid).
func (t *Tracker) RegisterRead(desc descriptor.ID, op OpKind, pid int32) {
	if !t.Enable {
		return
	}
	t.store.Mu.Lock()
	defer t.store.Mu.Unlock()
	t.registerReadLocked(desc, op, pid, true, 0)
}

func (t *Tracker) registerReadLocked(desc descriptor.ID, op OpKind, pid int32, updateProcess bool, ioTime float64) {
	if _, ok := t.ioByDesc[desc][pid]; !ok {
		t.registerOpenLocked(desc, pid, false, false, false, true, false)
	}
	t.updateIO(desc, pid, dirRead, op, ioTime)
	if updateProcess {
		t.refreshProcess(pid)
	}
}

// RegisterWrite extends the write time window for (desc, pid).
func (t *Tracker) RegisterWrite(desc descriptor.ID, op OpKind, pid int32) {
	if !t.Enable {
		return
	}
	t.store.Mu.Lock()
	defer t.store.Mu.Unlock()
	t.registerWriteLocked(desc, op, pid, true, 0)
}

func (t *Tracker) registerWriteLocked(desc descriptor.ID, op OpKind, pid int32, updateProcess bool, ioTime float64) {
	if _, ok := t.ioByDesc[desc][pid]; !ok {
		t.registerOpenLocked(desc, pid, false, false, false, true, false)
	}
	t.updateIO(desc, pid, dirWrite, op, ioTime)

	if op&OpTruncate != 0 {
		if entry := t.descs.Get(desc); entry != nil && entry.FileEntry != nil {
			if pc, ok := t.procByPID[pid]; ok {
				pc.truncHist[entry.FileEntry.Paths.AbsMount] = true
			}
		}
	}
	if updateProcess {
		t.refreshProcess(pid)
	}
}

func (t *Tracker) updateIO(desc descriptor.ID, pid int32, dir direction, op OpKind, ioTime float64) {
	set := ioTime
	if set == 0 {
		set = t.now()
	}

	rec := t.ioByDesc[desc][pid]
	w := rec.windows[dir]
	if w.start == 0 {
		w.start = set
	}
	w.stop = set
	w.ops |= op
	rec.windows[dir] = w
}

// RegisterClose flushes every file/process/IO record accumulated for
// desc to the store, then drops the descriptor's in-memory state.
func (t *Tracker) RegisterClose(desc descriptor.ID, writeProcess bool) {
	if !t.Enable {
		return
	}
	timer := prometheus.NewTimer(metrics.ProvenanceWriteLatency)
	defer timer.ObserveDuration()

	t.store.Mu.Lock()
	defer t.store.Mu.Unlock()

	t.writeFile(desc)
	for pid := range t.ioByDesc[desc] {
		t.writeIO(desc, pid)
		if writeProcess {
			t.writeProcess(pid)
		}
	}

	t.cleanDescriptorLocked(desc)
}

func (t *Tracker) cleanDescriptorLocked(desc descriptor.ID) {
	delete(t.fileByDesc, desc)
	delete(t.ioByDesc, desc)
}

// RegisterOpEphemeral records a single, self-contained read or write
// operation that does not correspond to a lingering open descriptor
// (e.g. a stat or chmod), by opening and closing a throwaway descriptor.
func (t *Tracker) RegisterOpEphemeral(fe *fsid.Entry, op OpKind, isWrite, create bool, pid int32) {
	if !t.Enable {
		return
	}
	desc, err := t.descs.Open(fe, 0, false, pid)
	if err != nil {
		return
	}
	defer t.descs.Remove(desc.ID)

	t.RegisterOpen(desc.ID, pid, false, false, create)
	if isWrite {
		t.RegisterWrite(desc.ID, op, pid)
	} else {
		t.RegisterRead(desc.ID, op, pid)
	}
	t.RegisterClose(desc.ID, true)
}

func (t *Tracker) writeFile(desc descriptor.ID) {
	fr, ok := t.fileByDesc[desc]
	if !ok {
		return
	}
	key := FileKey{fr.path, ftoa(fr.fcreate)}
	if t.dirtyFileKeys[key] {
		return
	}
	t.store.DB.Exec(`INSERT OR IGNORE INTO file (path, fcreate, type) VALUES (?, ?, ?)`, fr.path, fr.fcreate, fr.ftype)
	t.dirtyFileKeys[key] = true
}

func (t *Tracker) writeIO(desc descriptor.ID, pid int32) {
	fr, ok := t.fileByDesc[desc]
	if !ok {
		entry := t.descs.Get(desc)
		if entry == nil || entry.FileEntry == nil {
			return
		}
		fr = &fileRecord{path: entry.FileEntry.Paths.AbsReal, fcreate: t.getLast(entry.FileEntry.Paths.AbsReal)}
	}
	pc := t.procByPID[pid]
	if pc == nil {
		return
	}
	rec := t.ioByDesc[desc][pid]
	if rec == nil {
		return
	}

	tables := []string{"read", "write"}
	for dir, table := range tables {
		w := rec.windows[dir]
		if w.start == 0 {
			continue
		}

		var existingStart sql.NullFloat64
		var existingOps sql.NullInt64
		row := t.store.DB.QueryRow(
			"SELECT start, ops FROM "+table+" WHERE phost=? AND pstart=? AND pid=? AND path=? AND fcreate=?",
			t.store.SystemName, pc.snap.PStart, pid, fr.path, fr.fcreate)
		_ = row.Scan(&existingStart, &existingOps)

		start := w.start
		ops := w.ops
		if existingStart.Valid {
			start = existingStart.Float64
			ops |= OpKind(existingOps.Int64)
		}

		t.store.DB.Exec(
			"REPLACE INTO "+table+" (phost, pstart, pid, path, fcreate, start, stop, ops) VALUES (?,?,?,?,?,?,?,?)",
			t.store.SystemName, pc.snap.PStart, pid, fr.path, fr.fcreate, start, w.stop, ops)
	}
}

func (t *Tracker) writeProcess(pid int32) {
	pc := t.procByPID[pid]
	if pc == nil || !pc.dirty {
		return
	}
	s := pc.snap

	t.store.DB.Exec(`REPLACE INTO process
		(phost, pstart, pid, parent_start, parent_pid, cmd, exe, hash, cwd,
		 tgid_start, tgid, session_start, session_id, env,
		 stdin, stdout, stderr, trunc_stdout, trunc_stderr, mid)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.store.SystemName, s.PStart, pid, s.ParentStart, s.ParentPID, s.Cmd, s.Exe, s.ExeHash, s.Cwd,
		s.TgidStart, s.Tgid, s.SessionStart, s.SessionID, s.Env,
		s.Stdio[0], s.Stdio[1], s.Stdio[2],
		boolToInt(pc.truncHist[s.Stdio[1]]), boolToInt(pc.truncHist[s.Stdio[2]]), t.store.Mid)

	pc.dirty = false
	pc.truncHist = map[string]bool{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }

func itoa32(i int32) string { return strconv.Itoa(int(i)) }
