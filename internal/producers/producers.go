// Package producers implements the reserved `internal` per-entry key: a
// small registry of built-in VDF producers that render something about
// the filesystem itself (currently, a target file's provenance graph as
// JSON) instead of shelling out to an external command. The registry is
// consulted by internal/procio before starting a rule's producer
// command, the way the original's plugins.py dispatch table looked up a
// named renderer before running it.
package producers

import (
	"encoding/json"
	"fmt"

	"github.com/repeatfs/repeatfs/internal/provenance"
)

// Producer renders targetPath's current state as the bytes an
// internal-backed VDF should expose, given the provenance store
// recording its history.
type Producer func(store *provenance.Store, targetPath string) ([]byte, error)

var registry = map[string]Producer{
	"provenance.json": provenanceJSON,
}

// Get looks up a named producer, analogous to the original plugin
// registry's lookup-by-name before invoking a renderer.
func Get(name string) (Producer, bool) {
	p, ok := registry[name]
	return p, ok
}

// defaultIOEpsilon is the io_epsilon this producer passes to BuildGraph;
// it does not follow the mount's configured io_epsilon (whose config
// default is 7 seconds). One second is wide enough to admit ordinary
// pipeline overlap, narrow enough to avoid spurious edges.
const defaultIOEpsilon = 1.0

// provenanceJSON renders targetPath's causal graph as JSON: nodes and
// edges, ready for a client to walk without touching the provenance
// database directly. Grounded on the original's provenance/render_json.py,
// which serialized the same graph.Graph-equivalent structure with the
// standard library json module.
func provenanceJSON(store *provenance.Store, targetPath string) ([]byte, error) {
	graph, err := store.BuildGraph(targetPath, defaultIOEpsilon, provenance.OpAll)
	if err != nil {
		return nil, fmt.Errorf("building provenance graph for %s: %w", targetPath, err)
	}
	return json.MarshalIndent(graph, "", "  ")
}
