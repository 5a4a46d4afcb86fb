// Package lint statically validates a workflow graph against the contract
// registry before compilation.
//
// The engine is pure: it never mutates the graph or the registry, and must
// be re-run whenever either changes. Errors block compilation; warnings do
// not.
package lint

import (
	"fmt"

	"github.com/loomengine/loom/internal/contract"
	"github.com/loomengine/loom/internal/graph"
)

// Lint rule ids (L1-L5).
const (
	RuleFlagProvenance        = "L1" // condition flag has no upstream writer (error)
	RuleErrorCodeValidity     = "L2" // on_error code not declared by the task (error)
	RuleCorrelationProvenance = "L3" // correlation key source unprovable (warning)
	RuleMissingContract       = "L4" // task type has no registered contract (warning; error in strict mode)
	RuleUnusedWrites          = "L5" // declared write never read downstream (warning)
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is one lint finding. EdgeIndex is -1 for node-level findings.
type Diagnostic struct {
	Rule      string   `json:"rule"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	NodeID    string   `json:"node_id,omitempty"`
	EdgeIndex int      `json:"edge_index"`
}

// Error implements the error interface so a single diagnostic can be
// returned as an error by callers that fail fast.
func (d Diagnostic) Error() string {
	if d.EdgeIndex >= 0 {
		return fmt.Sprintf("[%s] %s: edge[%d]: %s", d.Rule, d.Severity, d.EdgeIndex, d.Message)
	}
	return fmt.Sprintf("[%s] %s: node %q: %s", d.Rule, d.Severity, d.NodeID, d.Message)
}

// Options controls lint behavior.
type Options struct {
	// Strict promotes L4 (missing contract) from warning to error.
	Strict bool
}

// HasErrors reports whether any diagnostic is an error. Lint errors block
// compilation.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Run lints the workflow against the registry and returns diagnostics in
// deterministic order: rules L1 through L5, each scanning nodes and edges in
// declaration order.
func Run(w *graph.Workflow, reg *contract.Registry, opts Options) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, flagProvenance(w, reg)...)
	diags = append(diags, errorCodeValidity(w, reg)...)
	diags = append(diags, correlationProvenance(w, reg)...)
	diags = append(diags, missingContract(w, reg, opts)...)
	diags = append(diags, unusedWrites(w, reg)...)
	return diags
}

// flagProvenance (L1): every condition flag on an edge out of a gateway must
// be in the union of writes_flags of service tasks reachable upstream of
// that gateway. Upstream reachability is computed by breadth-first search
// over the reverse adjacency of the DTO.
func flagProvenance(w *graph.Workflow, reg *contract.Registry) []Diagnostic {
	var diags []Diagnostic
	for i, e := range w.Edges {
		if e.ConditionFlag == "" {
			continue
		}
		from, ok := w.NodeByID(e.From)
		if !ok || from.Kind != graph.KindGateway {
			continue
		}
		if upstreamWrites(w, reg, e.From)[e.ConditionFlag] {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:      RuleFlagProvenance,
			Severity:  SeverityError,
			Message:   fmt.Sprintf("condition flag %q is never written by any service task upstream of gateway %q", e.ConditionFlag, e.From),
			NodeID:    e.From,
			EdgeIndex: i,
		})
	}
	return diags
}

// upstreamWrites unions the writes_flags of every service task upstream of
// the node.
func upstreamWrites(w *graph.Workflow, reg *contract.Registry, nodeID string) map[string]bool {
	writes := make(map[string]bool)
	for _, n := range w.UpstreamNodes(nodeID) {
		if n.Kind != graph.KindServiceTask {
			continue
		}
		c, ok := reg.Lookup(n.TaskType)
		if !ok {
			continue
		}
		for _, f := range c.WritesFlags {
			writes[f] = true
		}
	}
	return writes
}

// errorCodeValidity (L2): every on_error code on an edge leaving a service
// task must be declared in that task's may_raise_errors. The catch-all "*"
// always passes. Tasks with no contract are covered by L4, not here.
func errorCodeValidity(w *graph.Workflow, reg *contract.Registry) []Diagnostic {
	var diags []Diagnostic
	for i, e := range w.Edges {
		if e.OnErrorCode == "" || e.OnErrorCode == graph.CatchAllError {
			continue
		}
		from, ok := w.NodeByID(e.From)
		if !ok || from.Kind != graph.KindServiceTask {
			continue
		}
		c, ok := reg.Lookup(from.TaskType)
		if !ok {
			continue
		}
		if c.MayRaiseError(e.OnErrorCode) {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:      RuleErrorCodeValidity,
			Severity:  SeverityError,
			Message:   fmt.Sprintf("error code %q is not declared by task type %q", e.OnErrorCode, from.TaskType),
			NodeID:    e.From,
			EdgeIndex: i,
		})
	}
	return diags
}

// correlationProvenance (L3): a wait node's corr_key_source should match a
// correlation.produces value of an upstream service task or a declared
// workflow input. Unprovable cases are warnings, not errors: correlation
// provenance cannot be fully verified statically.
func correlationProvenance(w *graph.Workflow, reg *contract.Registry) []Diagnostic {
	inputs := make(map[string]bool, len(w.Inputs))
	for _, in := range w.Inputs {
		inputs[in] = true
	}

	var diags []Diagnostic
	for _, n := range w.Nodes {
		if n.Kind != graph.KindMessageWait || n.CorrKeySource == "" {
			continue
		}
		if inputs[n.CorrKeySource] {
			continue
		}
		produced := false
		for _, up := range w.UpstreamNodes(n.ID) {
			if up.Kind != graph.KindServiceTask {
				continue
			}
			if c, ok := reg.Lookup(up.TaskType); ok && c.ProducesKey(n.CorrKeySource) {
				produced = true
				break
			}
		}
		if produced {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:      RuleCorrelationProvenance,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("correlation key %q is not produced upstream and is not a workflow input", n.CorrKeySource),
			NodeID:    n.ID,
			EdgeIndex: -1,
		})
	}
	return diags
}

// missingContract (L4): a service task whose task_type has no registered
// contract. Warning in normal mode, error in strict mode.
func missingContract(w *graph.Workflow, reg *contract.Registry, opts Options) []Diagnostic {
	sev := SeverityWarning
	if opts.Strict {
		sev = SeverityError
	}
	var diags []Diagnostic
	for _, n := range w.Nodes {
		if n.Kind != graph.KindServiceTask {
			continue
		}
		if _, ok := reg.Lookup(n.TaskType); ok {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:      RuleMissingContract,
			Severity:  sev,
			Message:   fmt.Sprintf("no contract registered for task type %q", n.TaskType),
			NodeID:    n.ID,
			EdgeIndex: -1,
		})
	}
	return diags
}

// unusedWrites (L5): a contract declares a writes_flags entry that no
// condition downstream of the task ever reads. Informational; flags dead
// state.
func unusedWrites(w *graph.Workflow, reg *contract.Registry) []Diagnostic {
	var diags []Diagnostic
	for _, n := range w.Nodes {
		if n.Kind != graph.KindServiceTask {
			continue
		}
		c, ok := reg.Lookup(n.TaskType)
		if !ok {
			continue
		}
		read := downstreamReads(w, n.ID)
		for _, f := range c.WritesFlags {
			if read[f] {
				continue
			}
			diags = append(diags, Diagnostic{
				Rule:      RuleUnusedWrites,
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("flag %q written by task type %q is never read by a downstream condition", f, c.TaskType),
				NodeID:    n.ID,
				EdgeIndex: -1,
			})
		}
	}
	return diags
}

// downstreamReads collects every condition flag on edges reachable forward
// from the node.
func downstreamReads(w *graph.Workflow, nodeID string) map[string]bool {
	seen := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	read := make(map[string]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range w.Outgoing(cur) {
			if e.ConditionFlag != "" {
				read[e.ConditionFlag] = true
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return read
}
