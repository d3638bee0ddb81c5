package fsid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repeatfs/repeatfs/internal/config"
)

func testConfig(t *testing.T, confText string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(confText))
	require.NoError(t, err)
	return cfg
}

func TestGetPathsRelative(t *testing.T) {
	ps := GetPaths("foo.txt", "/real", "/mnt")
	assert.Equal(t, OrigRelative, ps.OrigType)
	assert.Equal(t, "/real/foo.txt", ps.AbsReal)
	assert.Equal(t, "/mnt/foo.txt", ps.AbsMount)
	assert.Equal(t, "/foo.txt", ps.AbsVirt)
}

func TestGetPathsAbsoluteUnderMount(t *testing.T) {
	ps := GetPaths("/mnt/foo.txt", "/real", "/mnt")
	assert.Equal(t, OrigAbsMount, ps.OrigType)
	assert.Equal(t, "foo.txt", ps.Relative)
	assert.Equal(t, "/real/foo.txt", ps.AbsReal)
}

func TestResolveRealFile(t *testing.T) {
	root := newTestRoot(t)
	realPath := filepath.Join(root.Real, "a.fastq")
	require.NoError(t, os.WriteFile(realPath, []byte("@x\nACGT\n+\nIIII\n"), 0o644))

	e := Resolve(root, "a.fastq")
	require.True(t, e.Valid())
	assert.Equal(t, KindReal, e.Kind)
	assert.Contains(t, e.DerivedActions, "a.fastq.fasta")
}

func TestResolveDerivedFile(t *testing.T) {
	root := newTestRoot(t)
	realPath := filepath.Join(root.Real, "a.fastq")
	require.NoError(t, os.WriteFile(realPath, []byte("@x\n"), 0o644))

	e := Resolve(root, "a.fastq+/a.fastq.fasta")
	require.True(t, e.Valid())
	assert.Equal(t, KindDerivedFile, e.Kind)
	require.NotNil(t, e.DerivedSource)
	assert.Equal(t, KindReal, e.DerivedSource.Kind)
}

func TestResolveInvalidPath(t *testing.T) {
	root := newTestRoot(t)
	e := Resolve(root, "does-not-exist.txt")
	assert.False(t, e.Valid())
}

func TestResolveControlFile(t *testing.T) {
	root := newTestRoot(t)
	e := Resolve(root, root.Config.Global.API)
	assert.Equal(t, KindControl, e.Kind)
	assert.False(t, e.Provenance)
}

func TestResolveInlineCommand(t *testing.T) {
	root := newTestRoot(t)
	realPath := filepath.Join(root.Real, "a.fastq")
	require.NoError(t, os.WriteFile(realPath, []byte("@x\n"), 0o644))

	e := Resolve(root, "a.fastq++internal=provenance.json")
	assert.Equal(t, "internal=provenance.json", e.InlineCmd)
}

func newTestRoot(t *testing.T) Root {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(t, "[entry]\nmatch=\\.fastq$\next=.fasta\ncmd=seqtk seq -A {input}\n")
	return Root{Real: dir, Mount: t.TempDir(), Config: cfg}
}
