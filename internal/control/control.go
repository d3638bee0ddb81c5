// Package control implements the control endpoint: a pseudo-file that
// accepts newline-delimited JSON requests and emits newline-delimited
// JSON responses, dispatching shutdown, per-entry config updates, and
// provenance replay.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/repeatfs/repeatfs/internal/blockcache"
	"github.com/repeatfs/repeatfs/internal/provenance"
)

// Status is the outcome tag every response carries.
type Status string

const (
	StatusOK        Status = "ok"
	StatusWarning   Status = "warning"
	StatusInfo      Status = "info"
	StatusError     Status = "error"
	StatusUnknown   Status = "unknown"
	StatusMalformed Status = "malformed"
)

// Request is the union of every recognized command shape. Command
// selects which of the remaining fields apply.
type Request struct {
	Command    string         `json:"command"`
	Path       string         `json:"path,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	Action     string         `json:"action,omitempty"`
	Provenance json.RawMessage `json:"provenance,omitempty"`
	Expand     []string       `json:"expand,omitempty"`
}

// Response is one newline-terminated JSON reply. Final marks the last
// response for a request; everything up to it is treated as streamed
// progress (e.g. replay stdout/stderr chunks).
type Response struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Final   bool   `json:"final"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// VDFOptions is the decoded shape of a config_vdf request's options map.
type VDFOptions struct {
	ExpandProcs []string `mapstructure:"expand_procs"`
}

// ShutdownFunc is invoked to tear the service down when a shutdown
// command is received.
type ShutdownFunc func()

// Endpoint is the control pseudo-file's backing implementation: one
// Endpoint per mount, shared across every session opened against it.
type Endpoint struct {
	cache    *blockcache.Engine
	store    *provenance.Store
	logger   *slog.Logger
	shutdown ShutdownFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewEndpoint(cache *blockcache.Engine, store *provenance.Store, logger *slog.Logger, shutdown ShutdownFunc) *Endpoint {
	return &Endpoint{cache: cache, store: store, logger: logger, shutdown: shutdown, sessions: map[string]*Session{}}
}

// Session is one open handle on the control pseudo-file: a write
// delivers one request, the matching reads stream back its responses.
type Session struct {
	id      string
	ep      *Endpoint
	mu      sync.Mutex
	pending bytes.Buffer // lines written but not yet parsed as a full request
	outbuf  bytes.Buffer // responses ready to be read back
}

// Open returns a fresh session, its id recorded for diagnostics the way
// every other control-plane resource in this codebase is named.
func (e *Endpoint) Open() *Session {
	s := &Session{id: uuid.NewString(), ep: e}
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
	return s
}

func (e *Endpoint) closeSession(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// Close releases the session, matching the descriptor table's close
// semantics for every other pseudo-file kind.
func (s *Session) Close() {
	s.ep.closeSession(s.id)
}

// Write delivers request bytes; once a full newline-terminated line has
// accumulated, it is dispatched and its responses queued for Read.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	s.pending.Write(data)
	s.mu.Unlock()

	s.drainRequests()
	return len(data), nil
}

func (s *Session) drainRequests() {
	s.mu.Lock()
	raw := s.pending.String()
	idx := strings.IndexByte(raw, '\n')
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	line := raw[:idx]
	s.pending.Reset()
	s.pending.WriteString(raw[idx+1:])
	s.mu.Unlock()

	for _, resp := range s.ep.dispatch(context.Background(), line) {
		out, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.outbuf.Write(out)
		s.outbuf.WriteByte('\n')
		s.mu.Unlock()
	}
}

// Read streams accumulated response bytes, the way any ordinary file
// read drains a buffer.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbuf.Read(p)
}

// dispatch parses one request line and runs the matching command,
// returning every response it should emit (request/reply commands emit
// one; replay streams several before the final response).
func (e *Endpoint) dispatch(ctx context.Context, line string) []Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return []Response{{Status: StatusMalformed, Message: err.Error(), Final: true}}
	}

	switch req.Command {
	case "shutdown":
		return e.handleShutdown()
	case "config_vdf":
		return e.handleConfigVDF(req)
	case "replicate":
		return e.handleReplicate(ctx, req)
	default:
		return []Response{{Status: StatusUnknown, Message: fmt.Sprintf("unrecognized command %q", req.Command), Final: true}}
	}
}

func (e *Endpoint) handleShutdown() []Response {
	if e.shutdown != nil {
		go e.shutdown()
	}
	return []Response{{Status: StatusOK, Message: "shutting down", Final: true}}
}

func (e *Endpoint) handleConfigVDF(req Request) []Response {
	if req.Path == "" {
		return []Response{{Status: StatusError, Message: "config_vdf requires path", Final: true}}
	}

	var opts VDFOptions
	if req.Options != nil {
		if err := mapstructure.Decode(req.Options, &opts); err != nil {
			return []Response{{Status: StatusError, Message: err.Error(), Final: true}}
		}
	}

	if e.cache != nil {
		if entry := e.cache.Lookup(req.Path); entry != nil {
			entry.UpdateConfig(req.Options)
			entry.ResetNow()
		}
	}

	return []Response{{Status: StatusOK, Message: fmt.Sprintf("updated %s (expand_procs=%v)", req.Path, opts.ExpandProcs), Final: true}}
}

// replicateRequest is the decoded shape of a replicate command's
// provenance field: the target file to build a causal graph for, and
// the io_epsilon tolerance to use when correlating reads to writes.
type replicateRequest struct {
	Path      string  `json:"path"`
	IOEpsilon float64 `json:"io_epsilon"`
}

const defaultIOEpsilon = 1.0

// handleReplicate builds the session chains feeding req's target file and
// either lists them (action=list_cmds) or re-executes and verifies them
// (action=replicate), streaming one response per stage before a final
// summary response.
func (e *Endpoint) handleReplicate(ctx context.Context, req Request) []Response {
	if e.store == nil {
		return []Response{{Status: StatusError, Message: "no provenance store configured", Final: true}}
	}

	var pr replicateRequest
	if len(req.Provenance) > 0 {
		if err := json.Unmarshal(req.Provenance, &pr); err != nil {
			return []Response{{Status: StatusMalformed, Message: err.Error(), Final: true}}
		}
	}
	if pr.Path == "" {
		pr.Path = req.Path
	}
	if pr.Path == "" {
		return []Response{{Status: StatusError, Message: "replicate requires a target path", Final: true}}
	}
	if pr.IOEpsilon <= 0 {
		pr.IOEpsilon = defaultIOEpsilon
	}

	graph, err := e.store.BuildGraph(pr.Path, pr.IOEpsilon, provenance.OpAll)
	if err != nil {
		return []Response{{Status: StatusError, Message: fmt.Sprintf("could not build provenance graph for %s: %v", pr.Path, err), Final: true}}
	}
	chains, err := e.store.BuildChains(graph, req.Expand)
	if err != nil {
		return []Response{{Status: StatusError, Message: err.Error(), Final: true}}
	}

	switch req.Action {
	case "list_cmds":
		return e.listChains(chains)
	case "replicate":
		return e.replicateChains(ctx, chains, graph)
	default:
		return []Response{{Status: StatusUnknown, Message: fmt.Sprintf("unrecognized replicate action %q", req.Action), Final: true}}
	}
}

// listChains reports each reconstructed pipeline as an informational
// response, without executing anything.
func (e *Endpoint) listChains(chains []provenance.Chain) []Response {
	resps := make([]Response, 0, len(chains)+1)
	for _, c := range chains {
		parts := make([]string, len(c.Commands))
		for i, cmd := range c.Commands {
			parts[i] = cmd.Argv
		}
		resps = append(resps, Response{Status: StatusInfo, Message: fmt.Sprintf("session %s: %s", c.Session, strings.Join(parts, " | "))})
	}
	resps = append(resps, Response{Status: StatusOK, Message: fmt.Sprintf("%d chain(s)", len(chains)), Final: true})
	return resps
}

// replicateChains re-executes every chain and verifies each process's
// replay counterpart against the captured graph, emitting per-process
// progress the way a live shell replay would.
func (e *Endpoint) replicateChains(ctx context.Context, chains []provenance.Chain, graph *provenance.Graph) []Response {
	var resps []Response
	var allResults []provenance.ExecResult

	for _, c := range chains {
		results, err := provenance.ExecuteChain(ctx, c)
		if err != nil {
			resps = append(resps, Response{Status: StatusWarning, Message: fmt.Sprintf("session %s: %v", c.Session, err)})
			continue
		}
		for _, r := range results {
			resp := Response{Status: StatusInfo, Message: fmt.Sprintf("process executed: %s", r.Command.Argv)}
			if out := string(r.Stdout); out != "" {
				resp.Stdout = out
			}
			if errOut := string(r.Stderr); errOut != "" {
				resp.Stderr = errOut
			}
			if r.Err != nil {
				resp.Status = StatusWarning
				resp.Message = fmt.Sprintf("process exited with error: %v", r.Err)
			}
			resps = append(resps, resp)
		}
		allResults = append(allResults, results...)
	}

	verifications, err := e.store.VerifyExecution(graph, allResults)
	if err != nil {
		resps = append(resps, Response{Status: StatusWarning, Message: fmt.Sprintf("verification error: %v", err)})
		resps = append(resps, Response{Status: StatusOK, Message: fmt.Sprintf("0/%d process(es) matched", len(allResults)), Final: true})
		return resps
	}

	matched := 0
	for _, v := range verifications {
		if v.HashMatch {
			matched++
			resps = append(resps, Response{Status: StatusInfo, Message: fmt.Sprintf("%s: hash match", v.Argv)})
		} else {
			resps = append(resps, Response{Status: StatusWarning, Message: fmt.Sprintf("%s: %s", v.Argv, v.Reason)})
		}
	}

	resps = append(resps, Response{Status: StatusOK, Message: fmt.Sprintf("%d/%d process(es) matched", matched, len(verifications)), Final: true})
	return resps
}

const inlineDelimiter = "++"

// ParseInlinePath splits a path suffixed with the doubled VDF delimiter
// plus a command string into the real path and the inline command, the
// way opening such a path is treated as an immediately-dispatched
// control request rather than a normal file open.
func ParseInlinePath(path string) (real string, command string, ok bool) {
	idx := strings.Index(path, inlineDelimiter)
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+len(inlineDelimiter):], true
}
