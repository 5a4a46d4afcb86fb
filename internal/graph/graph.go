package graph

import "fmt"

// NodeKind identifies the behavior of a workflow node.
type NodeKind string

const (
	KindStart       NodeKind = "start"
	KindEnd         NodeKind = "end"
	KindServiceTask NodeKind = "service_task"
	KindGateway     NodeKind = "gateway"
	KindMessageWait NodeKind = "message_wait"
	KindHumanWait   NodeKind = "human_wait"
)

// GatewayMode selects the branching semantics of a gateway node.
type GatewayMode string

const (
	GatewayXOR  GatewayMode = "xor"
	GatewayAND  GatewayMode = "and"
	GatewayRace GatewayMode = "race"
)

// ValidGatewayModes defines allowed gateway modes.
var ValidGatewayModes = map[GatewayMode]bool{
	GatewayXOR:  true,
	GatewayAND:  true,
	GatewayRace: true,
}

// Node is one workflow node. Exactly one semantic field group is meaningful
// depending on Kind: TaskType for service tasks, Gateway for gateways,
// MessageName/CorrKeySource for message waits.
type Node struct {
	ID            string      `json:"id"`
	Kind          NodeKind    `json:"kind"`
	TaskType      string      `json:"task_type,omitempty"`
	Gateway       GatewayMode `json:"gateway,omitempty"`
	MessageName   string      `json:"message_name,omitempty"`
	CorrKeySource string      `json:"corr_key_source,omitempty"`
}

// Edge connects two nodes, optionally guarded by a flag condition or bound
// to an error code of the source service task.
//
// ConditionFlag guards edges out of XOR gateways. OnErrorCode routes edges
// out of service tasks when the task completes with that error code; the
// catch-all "*" matches any code.
type Edge struct {
	From          string `json:"from"`
	To            string `json:"to"`
	ConditionFlag string `json:"condition_flag,omitempty"`
	OnErrorCode   string `json:"on_error_code,omitempty"`
	CorrKeySource string `json:"corr_key_source,omitempty"`
}

// CatchAllError is the error-code wildcard accepted on any service task edge.
const CatchAllError = "*"

// Workflow is the authored workflow graph: a node arena plus an edge list.
// Inputs lists workflow-level input names usable as correlation key sources.
type Workflow struct {
	ProcessKey string   `json:"process_key"`
	Nodes      []Node   `json:"nodes"`
	Edges      []Edge   `json:"edges"`
	Inputs     []string `json:"inputs,omitempty"`
}

// NodeByID returns the node with the given id, or false if absent.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Start returns the single start node.
func (w *Workflow) Start() (Node, error) {
	var start *Node
	for i := range w.Nodes {
		if w.Nodes[i].Kind == KindStart {
			if start != nil {
				return Node{}, fmt.Errorf("workflow %q has multiple start nodes", w.ProcessKey)
			}
			start = &w.Nodes[i]
		}
	}
	if start == nil {
		return Node{}, fmt.Errorf("workflow %q has no start node", w.ProcessKey)
	}
	return *start, nil
}

// Outgoing returns the edges leaving node id, in declaration order.
// Declaration order is load-bearing: the compiler lowers XOR branches in
// this order, so it must be stable for deterministic bytecode.
func (w *Workflow) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering node id, in declaration order.
func (w *Workflow) Incoming(id string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.To == id {
			in = append(in, e)
		}
	}
	return in
}

// ReverseAdjacency builds the reverse adjacency index: target node id to the
// ids of nodes with an edge into it. Used by lint provenance rules to walk
// upstream from a node.
func (w *Workflow) ReverseAdjacency() map[string][]string {
	rev := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		rev[e.To] = append(rev[e.To], e.From)
	}
	return rev
}

// UpstreamNodes runs a breadth-first search backward from the node id over
// the reverse adjacency, returning every node reachable upstream (excluding
// the origin itself unless it lies on a cycle through itself).
func (w *Workflow) UpstreamNodes(id string) []Node {
	rev := w.ReverseAdjacency()
	seen := make(map[string]bool)
	queue := append([]string(nil), rev[id]...)
	var result []Node
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n, ok := w.NodeByID(cur); ok {
			result = append(result, n)
		}
		queue = append(queue, rev[cur]...)
	}
	return result
}

// Validate performs structural checks that must hold before lint or
// compilation: unique node ids, edges referencing known nodes, exactly one
// start node, and valid gateway modes. Semantic checks live in the lint
// engine.
func (w *Workflow) Validate() error {
	ids := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %q: node with empty id", w.ProcessKey)
		}
		if ids[n.ID] {
			return fmt.Errorf("workflow %q: duplicate node id %q", w.ProcessKey, n.ID)
		}
		ids[n.ID] = true
		if n.Kind == KindGateway && !ValidGatewayModes[n.Gateway] {
			return fmt.Errorf("workflow %q: node %q: invalid gateway mode %q", w.ProcessKey, n.ID, n.Gateway)
		}
		if n.Kind == KindServiceTask && n.TaskType == "" {
			return fmt.Errorf("workflow %q: service task %q has no task_type", w.ProcessKey, n.ID)
		}
	}
	for i, e := range w.Edges {
		if !ids[e.From] {
			return fmt.Errorf("workflow %q: edge[%d] from unknown node %q", w.ProcessKey, i, e.From)
		}
		if !ids[e.To] {
			return fmt.Errorf("workflow %q: edge[%d] to unknown node %q", w.ProcessKey, i, e.To)
		}
	}
	if _, err := w.Start(); err != nil {
		return err
	}
	return nil
}
