package blockcache

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repeatfs/repeatfs/clock"
	"github.com/repeatfs/repeatfs/internal/config"
	"github.com/repeatfs/repeatfs/internal/descriptor"
	"github.com/repeatfs/repeatfs/internal/fsid"
)

func newTestEngine(t *testing.T) (*Engine, *descriptor.Table) {
	t.Helper()
	cfg := &config.Config{Global: config.DefaultGlobal()}
	cfg.Global.BlockSize = 4096
	cfg.Global.CachePath = t.TempDir()

	descs := descriptor.NewTable()
	eng := NewEngine(cfg, clock.RealClock{}, descs, slog.Default(), nil)
	return eng, descs
}

func newVDFEntry(t *testing.T, root, rule string) *fsid.Entry {
	t.Helper()
	sourcePath := filepath.Join(root, "in.txt")
	require.NoError(t, os.WriteFile(sourcePath, []byte("hello\n"), 0o644))

	source := &fsid.Entry{Kind: fsid.KindReal, Paths: fsid.PathSet{AbsReal: sourcePath, AbsMount: sourcePath}}
	r := &config.Rule{Cmd: rule, Ext: ".out", Output: config.OutputStdout}
	return &fsid.Entry{
		Kind:          fsid.KindDerivedFile,
		Paths:         fsid.PathSet{AbsReal: sourcePath + ".out", AbsMount: sourcePath + ".out"},
		DerivedSource: source,
		VirtAction:    &fsid.MatchedAction{Rule: r},
	}
}

func TestGetOrCreateReturnsSameEntryForSamePath(t *testing.T) {
	eng, _ := newTestEngine(t)
	fe := newVDFEntry(t, t.TempDir(), "cat {input}")

	a := eng.GetOrCreate(fe)
	b := eng.GetOrCreate(fe)
	assert.Same(t, a, b)
}

func TestLookupReturnsNilForUnknownPath(t *testing.T) {
	eng, _ := newTestEngine(t)
	assert.Nil(t, eng.Lookup("/nope"))
}

func TestLookupFindsCreatedEntry(t *testing.T) {
	eng, _ := newTestEngine(t)
	fe := newVDFEntry(t, t.TempDir(), "cat {input}")
	e := eng.GetOrCreate(fe)

	assert.Same(t, e, eng.Lookup(fe.Paths.AbsReal))
}

func TestIOReadDrivesProducerCommand(t *testing.T) {
	eng, descs := newTestEngine(t)
	fe := newVDFEntry(t, t.TempDir(), "echo -n hello-world")
	e := eng.GetOrCreate(fe)

	desc, err := descs.Open(fe, 0, true, int32(os.Getpid()))
	require.NoError(t, err)

	out, err := e.IO(OpRead, 0, nil, int64(len("hello-world")), desc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello-world", string(out.([]byte)))
}

func TestResetNowReinitializesCachePath(t *testing.T) {
	eng, _ := newTestEngine(t)
	fe := newVDFEntry(t, t.TempDir(), "cat {input}")
	e := eng.GetOrCreate(fe)

	before := e.CachePath()
	e.ResetNow()
	assert.Equal(t, before, e.CachePath())
	assert.False(t, e.final)
}

func TestUpdateConfigMergesOptions(t *testing.T) {
	eng, _ := newTestEngine(t)
	fe := newVDFEntry(t, t.TempDir(), "cat {input}")
	e := eng.GetOrCreate(fe)

	e.UpdateConfig(map[string]any{"expand_procs": []string{"a"}})
	assert.Contains(t, e.vdfConfig, "expand_procs")
}

func TestIsFlagHelpers(t *testing.T) {
	assert.True(t, isFlagRead(os.O_RDONLY))
	assert.True(t, isFlagWrite(os.O_WRONLY))
	assert.True(t, isFlagWrite(os.O_RDWR))
}
