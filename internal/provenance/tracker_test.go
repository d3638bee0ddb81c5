package provenance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repeatfs/repeatfs/clock"
	"github.com/repeatfs/repeatfs/internal/descriptor"
	"github.com/repeatfs/repeatfs/internal/fsid"
	"github.com/repeatfs/repeatfs/internal/procsnap"
)

type fakeSnapshotter struct {
	snapshots map[int32]*procsnap.Snapshot
	parents   map[int32]int32
	pids      []int32
}

func (f *fakeSnapshotter) Snapshot(pid int32) (*procsnap.Snapshot, error) {
	s, ok := f.snapshots[pid]
	if !ok {
		return nil, os.ErrNotExist
	}
	return s, nil
}

func (f *fakeSnapshotter) ParentPID(pid int32) (int32, error) {
	return f.parents[pid], nil
}

func (f *fakeSnapshotter) ListPIDs() ([]int32, error) { return f.pids, nil }

func (f *fakeSnapshotter) FD(pid int32, fd int) (string, error) { return "", os.ErrNotExist }

func newTestTracker(t *testing.T) (*Tracker, *Store, *descriptor.Table, *fakeSnapshotter) {
	t.Helper()
	store := openStore(t)
	descs := descriptor.NewTable()
	snap := &fakeSnapshotter{
		snapshots: map[int32]*procsnap.Snapshot{
			42: {PID: 42, PStart: 10.0, ParentPID: 0, Tgid: 42, SessionID: 42, Cmd: "cat a.txt", Exe: "/bin/cat", Cwd: "/outside"},
		},
		parents: map[int32]int32{42: 0},
	}
	tr := NewTracker(store, descs, snap, clock.RealClock{}, "/data", "/mnt")
	return tr, store, descs, snap
}

func TestRegisterOpenReadCloseWritesProvenanceRows(t *testing.T) {
	tr, store, descs, _ := newTestTracker(t)

	dir := t.TempDir()
	realPath := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(realPath, []byte("hi"), 0o644))

	fe := &fsid.Entry{Kind: fsid.KindReal, Paths: fsid.PathSet{AbsReal: realPath}}
	desc, err := descs.Open(fe, 0, false, 42)
	require.NoError(t, err)

	tr.RegisterOpen(desc.ID, 42, true, false, true)
	tr.RegisterRead(desc.ID, OpIO, 42)
	tr.RegisterClose(desc.ID, true)

	var count int
	row := store.DB.QueryRow(`SELECT COUNT(*) FROM read WHERE path = ?`, realPath)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	var cmd string
	row = store.DB.QueryRow(`SELECT cmd FROM process WHERE pid = 42`)
	require.NoError(t, row.Scan(&cmd))
	assert.Equal(t, "cat a.txt", cmd)
}

func TestRegisterOpEphemeralWritesAndCleansUpDescriptor(t *testing.T) {
	tr, store, _, _ := newTestTracker(t)

	dir := t.TempDir()
	realPath := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(realPath, []byte("hi"), 0o644))
	fe := &fsid.Entry{Kind: fsid.KindReal, Paths: fsid.PathSet{AbsReal: realPath}}

	tr.RegisterOpEphemeral(fe, OpAttr, false, true, 42)

	var count int
	row := store.DB.QueryRow(`SELECT COUNT(*) FROM read WHERE path = ?`, realPath)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDisabledTrackerRecordsNothing(t *testing.T) {
	tr, store, descs, _ := newTestTracker(t)
	tr.Enable = false

	dir := t.TempDir()
	realPath := filepath.Join(dir, "c.txt")
	require.NoError(t, os.WriteFile(realPath, []byte("hi"), 0o644))
	fe := &fsid.Entry{Kind: fsid.KindReal, Paths: fsid.PathSet{AbsReal: realPath}}
	desc, err := descs.Open(fe, 0, false, 42)
	require.NoError(t, err)

	tr.RegisterOpen(desc.ID, 42, true, false, true)
	tr.RegisterClose(desc.ID, true)

	var count int
	row := store.DB.QueryRow(`SELECT COUNT(*) FROM file WHERE path = ?`, realPath)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestFtoaAndItoa32(t *testing.T) {
	assert.Equal(t, "1.500", ftoa(1.5))
	assert.Equal(t, "42", itoa32(42))
}
