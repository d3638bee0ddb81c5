// Package descriptor implements the process-wide registry mapping opaque
// descriptor IDs to the file identity, open flags, and owning PID behind
// each open call, including pipe-descriptor aliasing so that two opens of
// the same named pipe share one mediator.
package descriptor

import (
	"os"
	"sync"

	"github.com/repeatfs/repeatfs/internal/fsid"
	"github.com/repeatfs/repeatfs/internal/metrics"
)

// ID is an opaque, monotonically increasing descriptor handle.
type ID uint64

// Entry records everything known about one open descriptor.
type Entry struct {
	ID       ID
	FileEntry *fsid.Entry
	Flags    int
	OpenPID  int32

	mu         sync.Mutex
	osFile     *os.File // non-nil only for real, non-derived, non-control opens
}

// OSFile returns the backing *os.File for a real-file descriptor, or nil
// for VDF/control/pipe descriptors mediated elsewhere.
func (e *Entry) OSFile() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.osFile
}

// closeOSFile releases the backing OS file descriptor, if any.
func (e *Entry) closeOSFile() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.osFile == nil {
		return nil
	}
	err := e.osFile.Close()
	e.osFile = nil
	return err
}

// Table is the process-wide descriptor registry. The zero value is not
// usable; construct with NewTable.
type Table struct {
	mu         sync.RWMutex
	byID       map[ID]*Entry
	pipeByKey  map[string]ID
	next       ID
}

func NewTable() *Table {
	return &Table{
		byID:      map[ID]*Entry{},
		pipeByKey: map[string]ID{},
		next:      1,
	}
}

// Get returns the descriptor entry for id, or nil if not found.
func (t *Table) Get(id ID) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// Open registers a new descriptor for fe, opening the real backing file
// when fe names a real, non-control path and hasFlags is set.
func (t *Table) Open(fe *fsid.Entry, flags int, hasFlags bool, openPID int32) (*Entry, error) {
	e := &Entry{FileEntry: fe, Flags: flags, OpenPID: openPID}

	if fe.Kind == fsid.KindReal && hasFlags {
		f, err := os.OpenFile(fe.Paths.AbsReal, flags, 0)
		if err != nil {
			return nil, err
		}
		e.osFile = f
	}

	t.mu.Lock()
	e.ID = t.next
	t.next++
	t.byID[e.ID] = e
	t.mu.Unlock()
	metrics.ActiveDescriptors.Inc()

	return e, nil
}

// GenPipe returns the existing descriptor for a named pipe key, creating
// one via open if this is the first reference.
func (t *Table) GenPipe(key string, fe *fsid.Entry, openPID int32) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.pipeByKey[key]; ok {
		if e, ok := t.byID[id]; ok {
			return e
		}
	}

	e := &Entry{FileEntry: fe, OpenPID: openPID}
	e.ID = t.next
	t.next++
	t.byID[e.ID] = e
	t.pipeByKey[key] = e.ID
	metrics.ActiveDescriptors.Inc()
	return e
}

// Remove unregisters a descriptor and closes its backing OS file, if any.
func (t *Table) Remove(id ID) error {
	t.mu.Lock()
	e, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.ActiveDescriptors.Dec()
	return e.closeOSFile()
}

// Rename propagates a path rename to every descriptor open against the
// old path, so in-flight reads/writes keep resolving correctly — the
// decision recorded in DESIGN.md for the rename Open Question.
func (t *Table) Rename(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byID {
		if e.FileEntry != nil && e.FileEntry.Paths.AbsVirt == oldPath {
			e.FileEntry.Paths.AbsVirt = newPath
		}
	}
}
