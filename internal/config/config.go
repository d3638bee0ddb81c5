// Package config parses the line-oriented VDF configuration format from
// spec.md §6: global `key=value` lines followed by any number of `[entry]`
// sections, each defining an action rule (match regex, extension, command
// template). No general-purpose ini/toml/yaml library in the retrieval
// pack models "repeated sections accumulate into a slice" the way this
// format requires, so the parser is hand-rolled; see DESIGN.md.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Global holds the system-wide configuration values from spec.md §6.
type Global struct {
	Suffix      string
	Hidden      bool
	Invisible   bool
	BlockSize   int64
	StoreSize   int64
	ReadTimeout float64 // seconds
	CachePath   string
	IOEpsilon   float64 // seconds
	API         string
	APISize     int64
}

func DefaultGlobal() Global {
	return Global{
		Suffix:      "+",
		Hidden:      false,
		Invisible:   true,
		BlockSize:   1048576,
		StoreSize:   1073741824,
		ReadTimeout: 1.0,
		CachePath:   "/tmp/repeatfs.cache",
		IOEpsilon:   7.0,
		API:         ".repeatfs-api",
		APISize:     1048576,
	}
}

// Output describes where a producer command's bytes are read from.
type Output string

const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

// Rule is one `[entry]` action rule: regex match against a basename,
// producing a VDF with the given extension.
type Rule struct {
	Match      string
	Ext        string
	Cmd        string
	Output     Output
	Append     string // declared, unreferenced by any operation (spec.md §9 Open Questions)
	DiskCache  bool   // declared, unreferenced by any operation (spec.md §9 Open Questions)
	InitSize   int64
	Internal   []string
	re         *regexp.Regexp
}

// Key returns the (match, ext) pair spec.md §3 uses as the action-rule key.
func (r *Rule) Key() [2]string { return [2]string{r.Match, r.Ext} }

// Regexp returns the compiled match regex, compiling lazily on first use.
func (r *Rule) Regexp() (*regexp.Regexp, error) {
	if r.re == nil {
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return nil, fmt.Errorf("compiling match regex %q: %w", r.Match, err)
		}
		r.re = re
	}
	return r.re, nil
}

// Config is the fully parsed configuration file: global values plus the
// ordered list of action rules (including the built-in system entries).
type Config struct {
	Global Global
	Rules  []*Rule
}

const fileName = "repeatfs.conf"

// FilePath returns the canonical config file path under a config directory.
func FilePath(dir string) string { return filepath.Join(dir, fileName) }

var fieldLine = regexp.MustCompile(`^[ \t]*([^= \t]+)[ \t]*=[ \t]*([^#]+?)[ \t]*(#.*)?$`)
var commentOrBlank = regexp.MustCompile(`^[ \t]*(#.*)?$`)
var entryHeader = regexp.MustCompile(`^[ \t]*\[entry\][ \t]*(#.*)?$`)

// Load reads and parses the config file at dir/repeatfs.conf.
func Load(dir string) (*Config, error) {
	f, err := os.Open(FilePath(dir))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse parses configuration text in the spec.md §6 format.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{Global: DefaultGlobal()}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inEntry := false
	entryValues := map[string]string{}
	lineNum := 0

	flush := func() error {
		if !inEntry {
			return nil
		}
		rule, err := buildRule(entryValues)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		cfg.Rules = append(cfg.Rules, rule)
		entryValues = map[string]string{}
		return nil
	}

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if commentOrBlank.MatchString(line) {
			continue
		}

		if entryHeader.MatchString(line) {
			if err := flush(); err != nil {
				return nil, err
			}
			inEntry = true
			continue
		}

		m := fieldLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("line %d: invalid configuration line", lineNum)
		}
		key, val := m[1], strings.TrimSpace(m[2])

		if inEntry {
			if !isEntryField(key) {
				return nil, fmt.Errorf("line %d: global attribute %q in entry section", lineNum, key)
			}
			entryValues[key] = val
		} else {
			if isEntryField(key) {
				return nil, fmt.Errorf("line %d: entry attribute %q in global section", lineNum, key)
			}
			if err := applyGlobal(&cfg.Global, key, val); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	cfg.Rules = append(cfg.Rules, systemRules()...)
	return cfg, nil
}

func isEntryField(key string) bool {
	switch key {
	case "match", "ext", "cmd", "output", "append", "disk_cache", "init_size", "internal":
		return true
	default:
		return false
	}
}

func applyGlobal(g *Global, key, val string) error {
	switch key {
	case "suffix":
		g.Suffix = val
	case "hidden":
		g.Hidden = strings.EqualFold(val, "true")
	case "invisible":
		g.Invisible = strings.EqualFold(val, "true")
	case "block_size":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("block_size: %w", err)
		}
		g.BlockSize = n
	case "store_size":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("store_size: %w", err)
		}
		g.StoreSize = n
	case "read_timeout":
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("read_timeout: %w", err)
		}
		g.ReadTimeout = n
	case "cache_path":
		expanded, err := expandUser(val)
		if err != nil {
			return err
		}
		g.CachePath = expanded
	case "io_epsilon":
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("io_epsilon: %w", err)
		}
		g.IOEpsilon = n
	case "api":
		g.API = val
	case "api_size":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("api_size: %w", err)
		}
		g.APISize = n
	default:
		return fmt.Errorf("invalid configuration line")
	}
	return nil
}

func buildRule(values map[string]string) (*Rule, error) {
	match, ok := values["match"]
	if !ok {
		return nil, fmt.Errorf("required field 'match' missing")
	}
	ext, ok := values["ext"]
	if !ok {
		return nil, fmt.Errorf("required field 'ext' missing")
	}
	cmd, ok := values["cmd"]
	if !ok {
		return nil, fmt.Errorf("required field 'cmd' missing")
	}

	r := &Rule{
		Match:     match,
		Ext:       ext,
		Cmd:       cmd,
		Output:    OutputStdout,
		DiskCache: true,
		InitSize:  0,
	}

	if v, ok := values["output"]; ok {
		r.Output = Output(v)
	}
	if v, ok := values["append"]; ok {
		r.Append = v
	}
	if v, ok := values["disk_cache"]; ok {
		r.DiskCache = strings.EqualFold(v, "true")
	}
	if v, ok := values["init_size"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("init_size: %w", err)
		}
		r.InitSize = n
	}
	if v, ok := values["internal"]; ok {
		r.Internal = []string{v}
	}

	if r.Output != OutputFile && strings.Contains(r.Cmd, "{output}") {
		return nil, fmt.Errorf("'{output}' command variable only valid for 'file' output")
	}

	return r, nil
}

// systemRules returns the built-in provenance-rendering producers that
// spec.md's "internal" key reserves a slot for (SPEC_FULL §3).
func systemRules() []*Rule {
	return []*Rule{
		{
			Match:    ".*",
			Ext:      ".provenance.json",
			Cmd:      "cat {temp}",
			Output:   OutputStdout,
			Internal: []string{"provenance.json"},
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// WriteTemplate writes a commented template config file, mirroring the
// original's `Configuration.write_template`.
func WriteTemplate(dir string) error {
	if _, err := os.Stat(FilePath(dir)); err == nil {
		return fmt.Errorf("configuration file already exists")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(FilePath(dir))
	if err != nil {
		return err
	}
	defer f.Close()

	d := DefaultGlobal()
	fmt.Fprintf(f, "# Configuration Template\n\n")
	fmt.Fprintf(f, "## virtual directory suffix\n#suffix=%s\n\n", d.Suffix)
	fmt.Fprintf(f, "## prepend '.' to virtual directory paths\n#hidden=False\n\n")
	fmt.Fprintf(f, "## hide virtual directories from directory listing\n#invisible=True\n\n")
	fmt.Fprintf(f, "## filesystem block size\n#block_size=%d\n\n", d.BlockSize)
	fmt.Fprintf(f, "## total filestore size\n#store_size=%d\n\n", d.StoreSize)
	fmt.Fprintf(f, "## read timeout (seconds)\n#read_timeout=%v\n\n", d.ReadTimeout)
	fmt.Fprintf(f, "## cache path\n#cache_path=%s\n\n", d.CachePath)
	fmt.Fprintf(f, "## provenance IO is considered simultaneous within this epsilon (seconds)\n#io_epsilon=%v\n\n", d.IOEpsilon)
	fmt.Fprintf(f, "## file for RepeatFS API and control\n#api=%s\n\n", d.API)
	fmt.Fprintf(f, "## reported size of RepeatFS API and control\n#api_size=%d\n\n", d.APISize)
	fmt.Fprintf(f, "\n# FASTQ -> FASTA\n[entry]\nmatch=\\.fastq$\next=.fasta\ncmd=seqtk seq -A {input}\n")

	return nil
}
