package procio

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repeatfs/repeatfs/internal/config"
	"github.com/repeatfs/repeatfs/internal/descriptor"
	"github.com/repeatfs/repeatfs/internal/fsid"
)

type fakeEntry struct {
	fe        *fsid.Entry
	cachePath string
	final     bool
}

func (f *fakeEntry) FileEntry() *fsid.Entry { return f.fe }
func (f *fakeEntry) CachePath() string      { return f.cachePath }
func (f *fakeEntry) MarkFinal()             { f.final = true }

func newTestMediator(t *testing.T, rule *config.Rule) (*Mediator, *fakeEntry) {
	t.Helper()
	dir := t.TempDir()

	source := &fsid.Entry{Paths: fsid.PathSet{AbsReal: dir + "/in.txt", AbsMount: dir + "/in.txt"}}
	fe := &fsid.Entry{
		Paths:         fsid.PathSet{AbsMount: dir + "/in.txt.out"},
		DerivedSource: source,
		VirtAction:    &fsid.MatchedAction{Rule: rule},
	}

	entry := &fakeEntry{fe: fe, cachePath: dir + "/cache"}
	cfg := &config.Config{Global: config.DefaultGlobal()}
	cfg.Global.BlockSize = 64 * 1024

	m := NewMediator(entry, cfg, descriptor.NewTable(), slog.Default(), nil)
	return m, entry
}

func TestReqInitRunsStdoutProducer(t *testing.T) {
	rule := &config.Rule{Cmd: "echo hello", Output: config.OutputStdout}
	m, _ := newTestMediator(t, rule)

	m.ReqInit()
	require.NotNil(t, m.cmd)

	_, _, data := m.Read(0)
	assert.Contains(t, string(data), "hello")
}

func TestReqInitIsIdempotent(t *testing.T) {
	rule := &config.Rule{Cmd: "echo hello", Output: config.OutputStdout}
	m, _ := newTestMediator(t, rule)

	m.ReqInit()
	first := m.cmd
	m.ReqInit()
	assert.Same(t, first, m.cmd)
}

func TestEndProcessKillsAndClearsCommand(t *testing.T) {
	rule := &config.Rule{Cmd: "sleep 5", Output: config.OutputStdout}
	m, _ := newTestMediator(t, rule)

	m.ReqInit()
	require.NotNil(t, m.cmd)
	m.EndProcess()
	assert.Nil(t, m.cmd)
}

func TestExpandTemplate(t *testing.T) {
	out := expandTemplate("cmd {input} > {output}", map[string]string{
		"input":  "/a.txt",
		"output": "/b.txt",
	})
	assert.Equal(t, "cmd /a.txt > /b.txt", out)
}

func TestContextOwnerRecognizesProducerPID(t *testing.T) {
	rule := &config.Rule{Cmd: "sleep 2", Output: config.OutputStdout}
	m, _ := newTestMediator(t, rule)
	m.ReqInit()
	require.NotNil(t, m.cmd)

	owner := m.contextOwnerPID(int32(m.cmd.Process.Pid))
	assert.True(t, owner)

	m.EndProcess()
}

func TestContextOwnerRejectsUnrelatedPID(t *testing.T) {
	rule := &config.Rule{Cmd: "sleep 2", Output: config.OutputStdout}
	m, _ := newTestMediator(t, rule)
	m.ReqInit()
	require.NotNil(t, m.cmd)

	owner := m.contextOwnerPID(1)
	assert.False(t, owner)
	m.EndProcess()
}

func TestReadMarksEntryFinalOnPipeEOF(t *testing.T) {
	rule := &config.Rule{Cmd: "echo -n hi", Output: config.OutputStdout}
	m, entry := newTestMediator(t, rule)
	m.ReqInit()
	require.NotNil(t, m.cmd)

	_, _, data := m.Read(0)
	assert.Equal(t, "hi", string(data))
	assert.False(t, entry.final)

	_, _, data = m.Read(0)
	assert.Empty(t, data)
	assert.True(t, entry.final, "second read past EOF should mark the entry final")
}

func TestInternalPrepareWithoutStoreLogsAndSkips(t *testing.T) {
	rule := &config.Rule{Cmd: "cat {temp}", Output: config.OutputStdout, Internal: []string{"provenance.json"}}
	m, entry := newTestMediator(t, rule)

	m.internalPrepare(rule)
	_, err := os.Stat(entry.cachePath + ".temp")
	assert.Error(t, err, "no store configured, producer output should not be written")
}
