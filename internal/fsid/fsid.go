// Package fsid classifies filesystem paths into real files, virtual
// derived files (VDFs), the control endpoint, or pipe pseudo-paths, and
// matches VDF action rules against a path's basename. It is the Go
// counterpart of the path-resolution half of a FUSE inode lookup, kept
// independent of any kernel-facing adapter.
package fsid

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/repeatfs/repeatfs/internal/config"
)

// OrigType records which of the four path spaces (relative to mount
// root, absolute real, absolute mount, absolute virtual) the original request path was
// expressed in, mirroring FileEntry.get_paths in the original design.
type OrigType int

const (
	OrigRelative OrigType = iota
	OrigAbsReal
	OrigAbsMount
	OrigAbsVirt
)

// PathSet holds the relative form and the three absolute renderings
// (real, mount, virtual) of one logical path.
type PathSet struct {
	Relative string
	OrigType OrigType
	AbsReal  string
	AbsMount string
	AbsVirt  string
}

// GetPaths builds the relative and absolute path renderings for a path given the real
// filesystem root and the mount point RepeatFS presents to callers.
func GetPaths(path, root, mount string) PathSet {
	rootTerm := root + string(os.PathSeparator)
	mountTerm := mount + string(os.PathSeparator)

	relative := path
	origType := OrigRelative

	if filepath.IsAbs(relative) {
		origType = OrigAbsVirt

		if strings.HasPrefix(relative, rootTerm) {
			relative = relative[len(root)+1:]
			origType = OrigAbsReal
		}
		if strings.HasPrefix(relative, mountTerm) {
			relative = relative[len(mount)+1:]
			origType = OrigAbsMount
		}
	}

	var absReal, absMount, absVirt string
	if strings.Contains(relative, ":") {
		// Non-disk paths (pipes) use the relative form as every absolute form.
		absReal, absMount, absVirt = relative, relative, relative
	} else {
		absReal = filepath.Join(rootTerm, relative)
		absMount = filepath.Join(mountTerm, relative)
		absVirt = filepath.Join(string(os.PathSeparator), relative)
	}

	sep := string(os.PathSeparator)
	return PathSet{
		Relative: strings.TrimRight(relative, sep),
		OrigType: origType,
		AbsReal:  strings.TrimRight(absReal, sep),
		AbsMount: strings.TrimRight(absMount, sep),
		AbsVirt:  strings.TrimRight(absVirt, sep),
	}
}

// Kind classifies a resolved Entry.
type Kind int

const (
	KindInvalid Kind = iota
	KindReal
	KindDerivedFile
	KindDerivedDir
	KindControl
	KindPipe
)

// MatchedAction pairs a configured rule with the regex submatches
// captured from the basename it matched.
type MatchedAction struct {
	Rule    *config.Rule
	Groups  []string
}

// Root carries the mount configuration an Entry is resolved against.
type Root struct {
	Real   string // real backing filesystem root
	Mount  string // virtual mount point
	Config *config.Config
}

// Entry is the resolved identity of one path: its path renderings, its
// classification, and (for VDFs) the action and derivation chain that
// produced it.
type Entry struct {
	Paths     PathSet
	Kind      Kind
	FileType  os.FileMode
	Provenance bool
	InlineCmd string

	DerivedSource  *Entry
	VirtAction     *MatchedAction
	DerivedActions map[string]MatchedAction
	InitSize       int64
	VirtMtime      int64
}

// Resolve classifies a virtual path, walking up through derived-directory
// suffixes as needed to find the real backing file, the way a lookup
// against nested "name+/derived.ext" virtual directories must.
func Resolve(root Root, virtPath string) *Entry {
	suffix := root.Config.Global.Suffix

	inlineSep := suffix + suffix
	inlineFields := strings.SplitN(virtPath, inlineSep, 2)
	inlineCmd := ""
	if len(inlineFields) > 1 {
		inlineCmd = inlineFields[1]
	}

	e := &Entry{
		Provenance:     true,
		DerivedActions: map[string]MatchedAction{},
		InlineCmd:      inlineCmd,
	}

	trimmed := strings.TrimLeft(inlineFields[0], string(os.PathSeparator))
	e.Paths = GetPaths(trimmed, root.Real, root.Mount)

	apiFile := string(os.PathSeparator) + root.Config.Global.API
	if strings.HasSuffix(e.Paths.AbsVirt, apiFile) {
		e.Kind = KindControl
		e.FileType = os.ModeIrregular // placeholder bit; caller maps to a regular file
		e.Provenance = false
		return e
	}

	if strings.HasPrefix(e.Paths.AbsVirt, "pipe:") {
		e.Kind = KindPipe
		return e
	}

	buildEntry(root, e)
	return e
}

func buildEntry(root Root, e *Entry) {
	info, err := os.Lstat(e.Paths.AbsReal)
	if err == nil {
		e.Kind = KindReal
		e.FileType = info.Mode()
		e.VirtMtime = info.ModTime().Unix()
		populateActions(root, e)
		return
	}

	virtDir := filepath.Dir(e.Paths.AbsVirt)
	virtBase := filepath.Base(e.Paths.AbsVirt)
	suffix := root.Config.Global.Suffix

	var sourceDir string
	switch {
	case strings.HasSuffix(virtBase, suffix):
		sourceDir = e.Paths.AbsVirt
		e.Kind = KindDerivedDir
	case strings.HasSuffix(virtDir, suffix):
		sourceDir = virtDir
		e.Kind = KindDerivedFile
	default:
		e.Kind = KindInvalid
		return
	}

	sourceBase := filepath.Base(sourceDir)
	if root.Config.Global.Hidden && !strings.HasPrefix(sourceBase, ".") {
		e.Kind = KindInvalid
		return
	}

	sourcePath := sourceDir[:len(sourceDir)-len(suffix)]
	if root.Config.Global.Hidden {
		sourcePath = filepath.Join(filepath.Dir(sourcePath), strings.TrimPrefix(filepath.Base(sourcePath), "."))
	}

	derivedSource := Resolve(root, sourcePath)
	if derivedSource.Kind == KindInvalid ||
		(derivedSource.DerivedSource != nil && derivedSource.Kind != KindDerivedFile) {
		e.Kind = KindInvalid
		return
	}
	e.DerivedSource = derivedSource

	if e.Kind == KindDerivedFile {
		action, ok := derivedSource.DerivedActions[virtBase]
		if !ok {
			e.Kind = KindInvalid
			return
		}
		e.InitSize = action.Rule.InitSize
	}

	e.VirtMtime = derivedSource.VirtMtime
	populateActions(root, e)
}

func populateActions(root Root, e *Entry) {
	virtBase := filepath.Base(e.Paths.AbsVirt)

	if e.Kind == KindDerivedFile && e.DerivedSource != nil {
		if action, ok := e.DerivedSource.DerivedActions[virtBase]; ok {
			e.VirtAction = &action
		}
	}

	for _, rule := range root.Config.Rules {
		var currentBase string
		if e.DerivedSource == nil || e.Kind == KindDerivedFile || e.Kind == KindReal {
			currentBase = virtBase
		} else {
			currentBase = filepath.Base(e.DerivedSource.Paths.AbsVirt)
		}

		re, err := rule.Regexp()
		if err != nil {
			continue
		}
		loc := re.FindStringSubmatchIndex(currentBase)
		if loc == nil {
			continue
		}
		groups := submatches(currentBase, re, loc)
		actionName := currentBase + rule.Ext
		e.DerivedActions[actionName] = MatchedAction{Rule: rule, Groups: groups}
	}
}

func submatches(s string, re *regexp.Regexp, loc []int) []string {
	names := re.SubexpNames()
	groups := make([]string, 0, len(names)-1)
	for i := 1; i < len(names); i++ {
		if loc[2*i] < 0 {
			groups = append(groups, "")
			continue
		}
		groups = append(groups, s[loc[2*i]:loc[2*i+1]])
	}
	return groups
}

// Valid reports whether the path resolved to any kind other than
// KindInvalid (a real file, a VDF or VDF directory, the control file,
// or a pipe).
func (e *Entry) Valid() bool { return e.Kind != KindInvalid }
