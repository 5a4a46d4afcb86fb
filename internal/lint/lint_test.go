package lint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/internal/contract"
	"github.com/loomengine/loom/internal/graph"
)

func testRegistry(t *testing.T) *contract.Registry {
	t.Helper()
	reg, err := contract.NewRegistry([]contract.Contract{
		{
			TaskType:    "charge",
			WritesFlags: []string{"charged"},
			MayRaise:    []string{"card_declined"},
			Produces:    []string{"payment_id"},
		},
		{
			TaskType:    "audit",
			WritesFlags: []string{"audited"},
		},
	})
	require.NoError(t, err)
	return reg
}

// branchWorkflow is charge -> xor on "charged" -> end either way.
func branchWorkflow() *graph.Workflow {
	return &graph.Workflow{
		ProcessKey: "payments",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "charge", Kind: graph.KindServiceTask, TaskType: "charge"},
			{ID: "gw", Kind: graph.KindGateway, Gateway: graph.GatewayXOR},
			{ID: "done", Kind: graph.KindEnd},
			{ID: "failed", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "charge"},
			{From: "charge", To: "gw"},
			{From: "gw", To: "done", ConditionFlag: "charged"},
			{From: "gw", To: "failed"},
		},
	}
}

func findRule(diags []Diagnostic, rule string) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Rule == rule {
			out = append(out, d)
		}
	}
	return out
}

func TestRun_CleanWorkflow(t *testing.T) {
	diags := Run(branchWorkflow(), testRegistry(t), Options{})
	assert.False(t, HasErrors(diags), "clean workflow should have no errors: %v", diags)
}

func TestFlagProvenance_UnwrittenFlag(t *testing.T) {
	w := branchWorkflow()
	w.Edges[2].ConditionFlag = "approved" // nobody writes it

	diags := Run(w, testRegistry(t), Options{})
	found := findRule(diags, RuleFlagProvenance)
	require.Len(t, found, 1)
	assert.Equal(t, SeverityError, found[0].Severity)
	assert.Equal(t, 2, found[0].EdgeIndex)
	assert.True(t, HasErrors(diags))
}

func TestFlagProvenance_WrittenUpstream(t *testing.T) {
	diags := Run(branchWorkflow(), testRegistry(t), Options{})
	assert.Empty(t, findRule(diags, RuleFlagProvenance))
}

func TestErrorCodeValidity(t *testing.T) {
	w := branchWorkflow()
	w.Nodes = append(w.Nodes, graph.Node{ID: "compensate", Kind: graph.KindEnd})
	w.Edges = append(w.Edges, graph.Edge{From: "charge", To: "compensate", OnErrorCode: "network_down"})

	diags := Run(w, testRegistry(t), Options{})
	found := findRule(diags, RuleErrorCodeValidity)
	require.Len(t, found, 1)
	assert.Equal(t, SeverityError, found[0].Severity)
	assert.Contains(t, found[0].Message, "network_down")
}

func TestErrorCodeValidity_DeclaredCodeAndCatchAll(t *testing.T) {
	w := branchWorkflow()
	w.Nodes = append(w.Nodes, graph.Node{ID: "compensate", Kind: graph.KindEnd})
	w.Edges = append(w.Edges,
		graph.Edge{From: "charge", To: "compensate", OnErrorCode: "card_declined"},
		graph.Edge{From: "charge", To: "compensate", OnErrorCode: graph.CatchAllError},
	)

	diags := Run(w, testRegistry(t), Options{})
	assert.Empty(t, findRule(diags, RuleErrorCodeValidity))
}

func TestCorrelationProvenance(t *testing.T) {
	w := branchWorkflow()
	w.Nodes = append(w.Nodes, graph.Node{
		ID: "wait", Kind: graph.KindMessageWait,
		MessageName: "payment_settled", CorrKeySource: "settlement_ref",
	})
	w.Edges[2].To = "wait"
	w.Edges = append(w.Edges, graph.Edge{From: "wait", To: "done"})

	diags := Run(w, testRegistry(t), Options{})
	found := findRule(diags, RuleCorrelationProvenance)
	require.Len(t, found, 1)
	assert.Equal(t, SeverityWarning, found[0].Severity, "unprovable correlation is a warning, not an error")

	// Produced upstream: no finding.
	w2 := branchWorkflow()
	w2.Nodes = append(w2.Nodes, graph.Node{
		ID: "wait", Kind: graph.KindMessageWait,
		MessageName: "payment_settled", CorrKeySource: "payment_id",
	})
	w2.Edges[2].To = "wait"
	w2.Edges = append(w2.Edges, graph.Edge{From: "wait", To: "done"})
	assert.Empty(t, findRule(Run(w2, testRegistry(t), Options{}), RuleCorrelationProvenance))

	// Declared workflow input: no finding.
	w.Inputs = []string{"settlement_ref"}
	assert.Empty(t, findRule(Run(w, testRegistry(t), Options{}), RuleCorrelationProvenance))
}

func TestMissingContract(t *testing.T) {
	w := branchWorkflow()
	w.Nodes[1].TaskType = "unregistered"
	w.Edges[2].ConditionFlag = "" // avoid a provenance error clouding the check
	w.Edges = w.Edges[:3]

	diags := Run(w, testRegistry(t), Options{})
	found := findRule(diags, RuleMissingContract)
	require.Len(t, found, 1)
	assert.Equal(t, SeverityWarning, found[0].Severity)
	assert.False(t, HasErrors(diags))

	strict := Run(w, testRegistry(t), Options{Strict: true})
	found = findRule(strict, RuleMissingContract)
	require.Len(t, found, 1)
	assert.Equal(t, SeverityError, found[0].Severity)
	assert.True(t, HasErrors(strict))
}

func TestUnusedWrites(t *testing.T) {
	w := branchWorkflow()
	// audit writes "audited" but nothing downstream reads it.
	w.Nodes = append(w.Nodes, graph.Node{ID: "audit", Kind: graph.KindServiceTask, TaskType: "audit"})
	w.Edges[2].To = "audit"
	w.Edges = append(w.Edges, graph.Edge{From: "audit", To: "done"})

	diags := Run(w, testRegistry(t), Options{})
	found := findRule(diags, RuleUnusedWrites)
	require.Len(t, found, 1)
	assert.Equal(t, SeverityWarning, found[0].Severity)
	assert.Contains(t, found[0].Message, "audited")
}

func TestRun_DeterministicOrder(t *testing.T) {
	w := branchWorkflow()
	w.Edges[2].ConditionFlag = "approved"
	w.Nodes[1].TaskType = "unregistered"

	a := Run(w, testRegistry(t), Options{})
	b := Run(w, testRegistry(t), Options{})
	assert.Equal(t, a, b, "lint output must be deterministic")
}
