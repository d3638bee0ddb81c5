package provenance

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/repeatfs/repeatfs/internal/metrics"
)

// NodeKind distinguishes the two node shapes a causal graph can contain.
type NodeKind int

const (
	NodeFile NodeKind = iota
	NodeProcess
)

// RootToken stands in for a finalized graph's common mount root inside
// free-text process fields (cmd, env, stdio) that may otherwise mix
// in-mount and out-of-mount paths; replay substitutes it back with
// whichever mount the chain is executed against.
const RootToken = "@ROOT@"

// Node is one vertex in a causal graph: either a file version or a
// process instance.
type Node struct {
	Kind NodeKind
	File FileKey
	Proc ProcessKey

	// Process-only fields, populated from the process table and, once
	// BuildGraph's finalize pass has run, mount-relative (File/Cwd) or
	// root-redacted (Cmd/Env/Stdio) rather than host-absolute.
	Cmd, Exe, Hash, Cwd, Env string
	Argv                     []string
	Stdio                    [3]string
	TruncStdout, TruncStderr bool
	SessionKey               string
	SessionLeader            bool
	Start, Stop              float64

	ParentKey ProcessKey
	HasParent bool
	mid       int64
}

func (n Node) Key() string {
	if n.Kind == NodeFile {
		return "f:" + n.File.String()
	}
	return "p:" + n.Proc.String()
}

// Edge connects a process to a file it read from or wrote to.
type Edge struct {
	Process ProcessKey
	File    FileKey
	Write   bool // true: process -> file (produced), false: file -> process (consumed)
	Start   float64
	Stop    float64
	Ops     OpKind
}

// ForkEdge records that an ancestor process (not the direct writer)
// contributed a read feeding a descendant's write, the lineage-context
// link distinct from the direct file<->process edges.
type ForkEdge struct {
	Parent ProcessKey
	Child  ProcessKey
}

// Graph is a causal subgraph rooted at one target file, built by walking
// backward through write->read edges and each writer's process lineage.
type Graph struct {
	Root  FileKey
	Nodes map[string]*Node
	Edges []Edge
	Forks []ForkEdge

	// CommonRoot is the longest common ancestor of every mount root
	// referenced by a process in the graph, computed during finalize and
	// substituted for RootToken throughout Cmd/Env/Stdio fields.
	CommonRoot string
}

func newGraph(root FileKey) *Graph {
	return &Graph{Root: root, Nodes: map[string]*Node{}}
}

func (g *Graph) addFileNode(key FileKey) *Node {
	n, ok := g.Nodes["f:"+key.String()]
	if !ok {
		n = &Node{Kind: NodeFile, File: key}
		g.Nodes[n.Key()] = n
	}
	return n
}

func (g *Graph) addProcessNode(key ProcessKey) *Node {
	n, ok := g.Nodes["p:"+key.String()]
	if !ok {
		n = &Node{Kind: NodeProcess, Proc: key}
		g.Nodes[n.Key()] = n
	}
	return n
}

type queued struct {
	file FileKey
}

// BuildGraph walks backward from path's most recent version, alternating
// file->writer and writer->(its lineage's reads) steps breadth-first,
// bounded by ioEpsilon: a read only counts as feeding a write if it
// started no later than ioEpsilon seconds after the write's stop, matching how
// concurrent pipeline stages overlap rather than strictly serialize.
// filterMask restricts both writers and reads to operations whose flags
// intersect it; pass OpAll to consider every recorded operation.
func (s *Store) BuildGraph(path string, ioEpsilon float64, filterMask OpKind) (*Graph, error) {
	timer := prometheus.NewTimer(metrics.GraphBuildLatency)
	defer timer.ObserveDuration()

	s.Mu.Lock()
	defer s.Mu.Unlock()

	var fcreate float64
	row := s.DB.QueryRow(`SELECT fcreate FROM file_last WHERE path = ?`, path)
	if err := row.Scan(&fcreate); err != nil {
		return nil, fmt.Errorf("no capture for %s: %w", path, err)
	}
	root := FileKey{path, ftoa(fcreate)}

	g := newGraph(root)
	g.addFileNode(root)

	queue := []queued{{root}}
	visitedFiles := map[FileKey]bool{root: true}
	visitedProcs := map[ProcessKey]bool{}
	contributedReads := map[ProcessKey]bool{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		writers, err := s.writersOf(cur.file, filterMask)
		if err != nil {
			return nil, err
		}

		for _, w := range writers {
			g.addProcessNode(w.Process)
			g.Edges = append(g.Edges, Edge{Process: w.Process, File: cur.file, Write: true, Start: w.Start, Stop: w.Stop, Ops: w.Ops})

			if err := s.walkLineage(g, w.Process, w.Stop, ioEpsilon, filterMask, visitedProcs, contributedReads, &queue, visitedFiles); err != nil {
				return nil, err
			}
		}
	}

	if err := s.finalizeGraph(g); err != nil {
		return nil, err
	}

	return g, nil
}

// walkLineage follows writer's ancestry toward init, recording every
// ancestor as a process node. The writer's own reads always count toward
// the causal graph; once an ancestor that is its own session leader is
// reached, that and every further ancestor's reads are excluded from the
// walk (they're recorded for lineage context only) and no new reads are
// enumerated, though ancestry continues to be walked and recorded.
func (s *Store) walkLineage(g *Graph, writer ProcessKey, writeStop, ioEpsilon float64, filterMask OpKind, visitedProcs, contributedReads map[ProcessKey]bool, queue *[]queued, visitedFiles map[FileKey]bool) error {
	const maxDepth = 64

	sessionClosed := false
	cur := writer
	for depth := 0; depth < maxDepth; depth++ {
		if !visitedProcs[cur] {
			visitedProcs[cur] = true
			if err := s.hydrateProcess(g, cur); err != nil {
				return err
			}
		}
		node := g.Nodes["p:"+cur.String()]
		if node == nil {
			return nil
		}

		if node.SessionLeader && cur != writer {
			sessionClosed = true
		}
		if !sessionClosed && !contributedReads[cur] {
			contributedReads[cur] = true
			reads, err := s.readsBefore(cur, writeStop, ioEpsilon, filterMask)
			if err != nil {
				return err
			}
			for _, r := range reads {
				g.addFileNode(r.File)
				g.Edges = append(g.Edges, Edge{Process: cur, File: r.File, Write: false, Start: r.Start, Stop: r.Stop, Ops: r.Ops})
				if cur != writer {
					g.Forks = append(g.Forks, ForkEdge{Parent: cur, Child: writer})
				}
				if !visitedFiles[r.File] {
					visitedFiles[r.File] = true
					*queue = append(*queue, queued{r.File})
				}
			}
		}

		if node.SessionLeader {
			sessionClosed = true
		}
		if !node.HasParent {
			break
		}
		cur = node.ParentKey
	}
	return nil
}

type ioRow struct {
	Process ProcessKey
	File    FileKey
	Start   float64
	Stop    float64
	Ops     OpKind
}

func (s *Store) writersOf(file FileKey, filterMask OpKind) ([]ioRow, error) {
	rows, err := s.DB.Query(
		`SELECT phost, pstart, pid, start, stop, ops FROM write WHERE path = ? AND fcreate = ? AND (ops & ?) > 0`,
		file[0], file[1], int64(filterMask))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ioRow
	for rows.Next() {
		var phost, pstart, pid string
		var start, stop float64
		var ops int64
		if err := rows.Scan(&phost, &pstart, &pid, &start, &stop, &ops); err != nil {
			return nil, err
		}
		out = append(out, ioRow{Process: ProcessKey{phost, pstart, pid}, File: file, Start: start, Stop: stop, Ops: OpKind(ops)})
	}
	return out, rows.Err()
}

// readsBefore returns proc's reads whose op-mask intersects filterMask
// and whose start precedes writeStop+ioEpsilon, the window a causally
// contributing read must fall within.
func (s *Store) readsBefore(proc ProcessKey, writeStop, ioEpsilon float64, filterMask OpKind) ([]ioRow, error) {
	rows, err := s.DB.Query(
		`SELECT path, fcreate, start, stop, ops FROM read WHERE phost = ? AND pstart = ? AND pid = ? AND start <= ? AND (ops & ?) > 0`,
		proc[0], proc[1], proc[2], writeStop+ioEpsilon, int64(filterMask))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ioRow
	for rows.Next() {
		var path string
		var fcreate, start, stop float64
		var ops int64
		if err := rows.Scan(&path, &fcreate, &start, &stop, &ops); err != nil {
			return nil, err
		}
		out = append(out, ioRow{Process: proc, File: FileKey{path, ftoa(fcreate)}, Start: start, Stop: stop, Ops: OpKind(ops)})
	}
	return out, rows.Err()
}

func floatsClose(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 0.0005
}

func (s *Store) hydrateProcess(g *Graph, key ProcessKey) error {
	n := g.addProcessNode(key)

	row := s.DB.QueryRow(
		`SELECT cmd, exe, hash, cwd, env, stdin, stdout, stderr, trunc_stdout, trunc_stderr, mid,
		        parent_start, parent_pid, session_start, session_id
		 FROM process WHERE phost = ? AND pstart = ? AND pid = ?`,
		key[0], key[1], key[2])

	var cmd, exe, hash, cwd, env, stdin, stdout, stderr sql.NullString
	var truncOut, truncErr, mid sql.NullInt64
	var parentStart, sessionStart sql.NullFloat64
	var parentPid, sessionID sql.NullInt64
	if err := row.Scan(&cmd, &exe, &hash, &cwd, &env, &stdin, &stdout, &stderr, &truncOut, &truncErr, &mid,
		&parentStart, &parentPid, &sessionStart, &sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	n.Cmd, n.Exe, n.Hash, n.Cwd, n.Env = cmd.String, exe.String, hash.String, cwd.String, env.String
	n.Stdio = [3]string{stdin.String, stdout.String, stderr.String}
	n.TruncStdout = truncOut.Int64 != 0
	n.TruncStderr = truncErr.Int64 != 0
	n.mid = mid.Int64

	pid, _ := strconv.ParseInt(key[2], 10, 64)
	pstart, _ := parseFloatKey(key[1])
	if sessionID.Valid {
		n.SessionKey = fmt.Sprintf("%d|%s", sessionID.Int64, ftoa(sessionStart.Float64))
		n.SessionLeader = pid == sessionID.Int64 && floatsClose(pstart, sessionStart.Float64)
	}
	if parentPid.Valid && parentPid.Int64 > 0 && parentStart.Valid {
		n.ParentKey = ProcessKey{key[0], ftoa(parentStart.Float64), strconv.FormatInt(parentPid.Int64, 10)}
		n.HasParent = true
	}
	return nil
}

// finalizeGraph rewrites a built graph into its portable form: it
// computes the longest common ancestor of every mount root a process in
// the graph was captured under, rewrites file and cwd paths relative to
// it, splits each process's NUL-joined cmd into argv (re-quoting it into
// a shell-safe string), and redacts the common root out of cmd/env/stdio
// in favor of RootToken.
func (s *Store) finalizeGraph(g *Graph) error {
	mounts, err := s.MountLookup()
	if err != nil {
		return err
	}

	mids := map[int64]bool{}
	for _, n := range g.Nodes {
		if n.Kind == NodeProcess {
			mids[n.mid] = true
		}
	}

	var roots []string
	for mid := range mids {
		if rm, ok := mounts[mid]; ok {
			roots = append(roots, rm[0])
		}
	}
	if len(roots) == 0 {
		roots = []string{s.Root}
	}
	root := longestCommonPathPrefix(roots)
	g.CommonRoot = root

	rewriteFile := func(key *FileKey) {
		key[0] = mountRelative(key[0], root)
	}
	rewriteFile(&g.Root)
	for i := range g.Edges {
		rewriteFile(&g.Edges[i].File)
	}

	for _, n := range g.Nodes {
		if n.Kind != NodeProcess {
			rewriteFile(&n.File)
			continue
		}
		n.Cwd = mountRelative(n.Cwd, root)
		hadArgv := strings.Contains(n.Cmd, "\x00")
		n.Argv = splitCmdArgv(n.Cmd)
		for i, a := range n.Argv {
			n.Argv[i] = redactRoot(a, root)
		}
		switch {
		case hadArgv:
			n.Cmd = quoteArgv(n.Argv)
		case len(n.Argv) > 0:
			n.Cmd = n.Argv[0]
		default:
			n.Cmd = ""
		}
		n.Env = redactRoot(n.Env, root)
		for i := range n.Stdio {
			n.Stdio[i] = redactRoot(n.Stdio[i], root)
		}
	}
	return nil
}

// longestCommonPathPrefix returns the deepest directory shared by every
// path in paths, compared by `/`-separated component rather than byte.
func longestCommonPathPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	split := func(p string) []string {
		return strings.Split(strings.Trim(p, "/"), "/")
	}
	common := split(paths[0])
	for _, p := range paths[1:] {
		parts := split(p)
		i := 0
		for i < len(common) && i < len(parts) && common[i] == parts[i] {
			i++
		}
		common = common[:i]
	}
	if len(common) == 0 {
		return "/"
	}
	return "/" + strings.Join(common, "/")
}

func mountRelative(path, root string) string {
	if root == "" || path == "" {
		return path
	}
	if path == root {
		return "."
	}
	if strings.HasPrefix(path, root+"/") {
		return path[len(root)+1:]
	}
	return path
}

func redactRoot(s, root string) string {
	if root == "" || root == "/" || s == "" {
		return s
	}
	return strings.ReplaceAll(s, root, RootToken)
}

// splitCmdArgv splits a process record's NUL-joined cmd into argv. A cmd
// without any NUL byte is already shell text (e.g. a test fixture or a
// capture whose source didn't preserve argv boundaries) and is returned
// as a single element so downstream quoting leaves it untouched.
func splitCmdArgv(cmd string) []string {
	if cmd == "" {
		return nil
	}
	if !strings.Contains(cmd, "\x00") {
		return []string{cmd}
	}
	parts := strings.Split(cmd, "\x00")
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	if len(parts) == 0 {
		return []string{cmd}
	}
	return parts
}

func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SessionChain groups a graph's processes into pipeline stages that share
// a controlling session, mirroring how a shell pipeline's member processes
// share one session id. SessionChains leaves Processes in no particular
// order; BuildChains sorts them by start time.
type SessionChain struct {
	SessionID string
	Processes []ProcessKey
}

// SessionChains groups every process node in g by the session key
// hydrateProcess recorded for it, as the first step toward reconstructing
// the shell pipelines that produced the target file.
func (s *Store) SessionChains(g *Graph) ([]SessionChain, error) {
	bySession := map[string][]ProcessKey{}
	order := []string{}

	for _, n := range g.Nodes {
		if n.Kind != NodeProcess || n.SessionKey == "" {
			continue
		}
		if _, ok := bySession[n.SessionKey]; !ok {
			order = append(order, n.SessionKey)
		}
		bySession[n.SessionKey] = append(bySession[n.SessionKey], n.Proc)
	}

	chains := make([]SessionChain, 0, len(order))
	for _, key := range order {
		chains = append(chains, SessionChain{SessionID: key, Processes: bySession[key]})
	}
	return chains, nil
}
