package provenance

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/repeatfs/repeatfs/internal/metrics"
	"github.com/repeatfs/repeatfs/internal/shlex"
	"golang.org/x/sync/errgroup"
)

// Command is one reconstructed pipeline stage: the argv that produced a
// write edge, plus which file descriptors its stdin/stdout were attached
// to so stages can be stitched together.
type Command struct {
	Proc    ProcessKey
	Argv    string
	Cwd     string
	Stdin   string // source file path, "" if not redirected from a file
	Stdout  string // destination file path, "" if piped to the next stage
	Append  bool   // true: >> the destination rather than truncate it
	Session string
}

// Chain is an ordered sequence of commands connected by pipes, standing
// in for one shell pipeline invocation (`a | b | c`).
type Chain struct {
	Session  string
	Commands []Command
}

// BuildChains turns a graph's session groupings into ordered pipeline
// chains, sorting each session's member processes by start time so they
// read left-to-right the way the original shell line did, then splitting
// a session into multiple chain segments at any pid named in expand: a
// pipeline a|b|c with b in expand replays as two independent chains
// (a) and (b|c) rather than one three-stage pipe.
func (s *Store) BuildChains(g *Graph, expand []string) ([]Chain, error) {
	sessions, err := s.SessionChains(g)
	if err != nil {
		return nil, err
	}

	expandSet := map[string]bool{}
	for _, pid := range expand {
		expandSet[pid] = true
	}

	chains := make([]Chain, 0, len(sessions))
	for _, sess := range sessions {
		type procRow struct {
			key   ProcessKey
			node  *Node
			start float64
		}
		rows := make([]procRow, 0, len(sess.Processes))
		for _, p := range sess.Processes {
			n := g.Nodes["p:"+p.String()]
			if n == nil {
				continue
			}
			pstart, _ := parseFloatKey(p[1])
			rows = append(rows, procRow{key: p, node: n, start: pstart})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].start < rows[j].start })

		var segment []procRow
		flush := func() {
			if len(segment) == 0 {
				return
			}
			chain := Chain{Session: sess.SessionID}
			for i, r := range segment {
				cmd := Command{
					Proc:    r.key,
					Argv:    resolveRoot(s.Mount, r.node.Cmd),
					Cwd:     resolveCwd(s.Mount, r.node.Cwd),
					Session: sess.SessionID,
				}
				if i == 0 {
					cmd.Stdin = stdioPath(s.Mount, r.node.Stdio[0])
				}
				if i == len(segment)-1 {
					cmd.Stdout = stdioPath(s.Mount, r.node.Stdio[1])
					cmd.Append = !r.node.TruncStdout
				}
				chain.Commands = append(chain.Commands, cmd)
			}
			chains = append(chains, chain)
			segment = nil
		}
		for _, r := range rows {
			if expandSet[r.key[2]] {
				flush()
			}
			segment = append(segment, r)
		}
		flush()
	}
	return chains, nil
}

func resolveRoot(mount, s string) string {
	return strings.ReplaceAll(s, RootToken, mount)
}

func resolveCwd(mount, rel string) string {
	if rel == "" {
		return mount
	}
	if rel == "." {
		return mount
	}
	if filepath.IsAbs(rel) {
		return resolveRoot(mount, rel)
	}
	return filepath.Join(mount, resolveRoot(mount, rel))
}

// stdioPath resolves a captured stdio target to a real path replay can
// redirect to, or "" when the original descriptor wasn't backed by a
// plain file (a pipe or a device) and so needs no redirection at all.
func stdioPath(mount, target string) string {
	if target == "" {
		return ""
	}
	if strings.HasPrefix(target, "pipe:") || strings.HasPrefix(target, "/dev/") {
		return ""
	}
	return resolveRoot(mount, target)
}

func parseFloatKey(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

// ExecResult captures one stage's replay outcome.
type ExecResult struct {
	Command   Command
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	ReplayExe string // resolved path of the binary replay actually spawned
	Err       error
}

// ExecuteChain runs a chain's commands connected by OS pipes, the way
// the shell originally ran them, applying the leader's stdin redirection
// and the tail's stdout redirection (truncating or appending per its
// captured truncate-history) instead of a pipe where one was recorded.
func ExecuteChain(ctx context.Context, chain Chain) ([]ExecResult, error) {
	n := len(chain.Commands)
	if n == 0 {
		return nil, nil
	}

	cmds := make([]*exec.Cmd, n)
	results := make([]ExecResult, n)
	stdoutBufs := make([]*bytes.Buffer, n)
	stderrBufs := make([]*bytes.Buffer, n)
	pipeWriters := make([]*os.File, n) // write end this stage's stdout feeds, nil for the last stage
	openFiles := make([]*os.File, 0, 2)
	closeOpenFiles := func() {
		for _, f := range openFiles {
			f.Close()
		}
	}

	for i, c := range chain.Commands {
		argv, err := shlex.Split(c.Argv)
		if err != nil || len(argv) == 0 {
			results[i] = ExecResult{Command: c, Err: fmt.Errorf("cannot parse command: %q", c.Argv)}
			continue
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = c.Cwd
		stdoutBufs[i] = &bytes.Buffer{}
		stderrBufs[i] = &bytes.Buffer{}
		cmd.Stderr = stderrBufs[i]

		if c.Stdin != "" {
			f, err := os.Open(c.Stdin)
			if err != nil {
				results[i] = ExecResult{Command: c, Err: fmt.Errorf("open stdin redirect: %w", err)}
				closeOpenFiles()
				continue
			}
			openFiles = append(openFiles, f)
			cmd.Stdin = f
		}
		cmds[i] = cmd
	}

	var pendingReader *os.File
	for i := 0; i < n; i++ {
		if cmds[i] == nil {
			pendingReader = nil
			continue
		}
		if pendingReader != nil && cmds[i].Stdin == nil {
			cmds[i].Stdin = pendingReader
		}

		if chain.Commands[i].Stdout != "" {
			flags := os.O_WRONLY | os.O_CREATE
			if chain.Commands[i].Append {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			f, err := os.OpenFile(chain.Commands[i].Stdout, flags, 0o644)
			if err != nil {
				results[i] = ExecResult{Command: chain.Commands[i], Err: fmt.Errorf("open stdout redirect: %w", err)}
				cmds[i] = nil
				pendingReader = nil
				continue
			}
			openFiles = append(openFiles, f)
			cmds[i].Stdout = f
			pendingReader = nil
		} else if i < n-1 && cmds[i+1] != nil {
			pr, pw := os.Pipe()
			cmds[i].Stdout = pw
			pipeWriters[i] = pw
			pendingReader = pr
		} else {
			cmds[i].Stdout = stdoutBufs[i]
			pendingReader = nil
		}
	}

	var eg errgroup.Group
	for i := range cmds {
		i := i
		cmd := cmds[i]
		if cmd == nil {
			continue
		}
		eg.Go(func() error {
			err := cmd.Run()
			if pipeWriters[i] != nil {
				pipeWriters[i].Close()
			}
			results[i].Command = chain.Commands[i]
			results[i].Err = err
			results[i].ReplayExe = cmd.Path
			if cmd.ProcessState != nil {
				results[i].ExitCode = cmd.ProcessState.ExitCode()
			}
			results[i].Stdout = stdoutBufs[i].Bytes()
			results[i].Stderr = stderrBufs[i].Bytes()
			return nil
		})
	}
	eg.Wait()
	closeOpenFiles()

	return results, nil
}

// ProcessVerification reports one original process's replay counterpart
// status: whether it ran at all, whether its replayed binary's content
// hash matches the one captured at record time, and whether its children
// (by exe basename, in start order) match.
type ProcessVerification struct {
	Original   ProcessKey
	Argv       string
	Ran        bool
	HashMatch  bool
	ChildMatch bool
	Reason     string
}

// VerifyExecution checks each replayed process's counterpart against the
// original graph: that it ran, that its replayed executable's content
// hash matches the one captured during recording, and that its children
// match one-for-one by exe basename in start order.
func (s *Store) VerifyExecution(g *Graph, results []ExecResult) ([]ProcessVerification, error) {
	out := make([]ProcessVerification, 0, len(results))

	for _, r := range results {
		pv := ProcessVerification{Original: r.Command.Proc, Argv: r.Command.Argv}

		if r.Err != nil && r.ReplayExe == "" {
			pv.Reason = fmt.Sprintf("no replay counterpart: %v", r.Err)
			out = append(out, pv)
			metrics.ReplayOutcomes.WithLabelValues("mismatched").Inc()
			continue
		}
		pv.Ran = true

		node := g.Nodes["p:"+r.Command.Proc.String()]
		if node == nil || node.Hash == "" {
			pv.Reason = "no captured hash to compare"
		} else {
			replayHash, err := md5File(r.ReplayExe)
			if err != nil {
				pv.Reason = fmt.Sprintf("could not hash replay binary: %v", err)
			} else {
				pv.HashMatch = replayHash == node.Hash
				if !pv.HashMatch {
					pv.Reason = "executable hash mismatch"
				}
			}
		}

		wantChildren, err := s.childBasenames(r.Command.Proc)
		if err != nil {
			return nil, err
		}
		pv.ChildMatch = len(wantChildren) == 0
		if !pv.ChildMatch {
			pv.Reason = strings.TrimSpace(pv.Reason + fmt.Sprintf("; %d original child process(es) cannot be replayed", len(wantChildren)))
		}

		if pv.HashMatch {
			metrics.ReplayOutcomes.WithLabelValues("matched").Inc()
		} else {
			metrics.ReplayOutcomes.WithLabelValues("mismatched").Inc()
		}
		out = append(out, pv)
	}
	return out, nil
}

// childBasenames returns the exe basenames of proc's recorded children,
// ordered by start time, the shape VerifyExecution compares a replay's
// (necessarily empty) child set against.
func (s *Store) childBasenames(proc ProcessKey) ([]string, error) {
	rows, err := s.DB.Query(
		`SELECT exe, pstart FROM process WHERE phost = ? AND parent_start = ? AND parent_pid = ? ORDER BY pstart`,
		proc[0], proc[1], proc[2])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var exe sql.NullString
		var pstart float64
		if err := rows.Scan(&exe, &pstart); err != nil {
			return nil, err
		}
		out = append(out, filepath.Base(exe.String))
	}
	return out, rows.Err()
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
