package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsAndSystemRules(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultGlobal(), cfg.Global)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, []string{"provenance.json"}, cfg.Rules[0].Internal)
}

func TestParseGlobalAndEntry(t *testing.T) {
	src := `
suffix=+
block_size=4096
io_epsilon=2.5

# a comment
[entry]
match=\.fastq$
ext=.fasta
cmd=seqtk seq -A {input}
output=stdout
init_size=10
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "+", cfg.Global.Suffix)
	assert.EqualValues(t, 4096, cfg.Global.BlockSize)
	assert.Equal(t, 2.5, cfg.Global.IOEpsilon)

	require.Len(t, cfg.Rules, 2)
	rule := cfg.Rules[0]
	assert.Equal(t, `\.fastq$`, rule.Match)
	assert.Equal(t, ".fasta", rule.Ext)
	assert.Equal(t, OutputStdout, rule.Output)
	assert.EqualValues(t, 10, rule.InitSize)
	assert.True(t, rule.DiskCache)
}

func TestParseEntryMissingRequiredField(t *testing.T) {
	src := "[entry]\next=.fasta\ncmd=seqtk seq -A {input}\n"
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match")
}

func TestParseRejectsGlobalFieldInEntry(t *testing.T) {
	src := "[entry]\nmatch=x\nsuffix=+\n"
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
}

func TestParseRejectsEntryFieldOutsideEntry(t *testing.T) {
	src := "match=x\n"
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
}

func TestParseOutputFileRequiredForOutputVariable(t *testing.T) {
	src := "[entry]\nmatch=x\next=.y\ncmd=foo {output}\noutput=stdout\n"
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)

	src = "[entry]\nmatch=x\next=.y\ncmd=foo {output}\noutput=file\n"
	_, err = Parse(strings.NewReader(src))
	require.NoError(t, err)
}

func TestRuleRegexpCompilesOnce(t *testing.T) {
	r := &Rule{Match: `^a+$`}
	re1, err := r.Regexp()
	require.NoError(t, err)
	re2, err := r.Regexp()
	require.NoError(t, err)
	assert.Same(t, re1, re2)
}

func TestWriteTemplateRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteTemplate(dir))

	_, err := Load(dir)
	require.NoError(t, err)

	err = WriteTemplate(dir)
	assert.Error(t, err)
}
