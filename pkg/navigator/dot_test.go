package navigator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approvalDOT = `digraph approval {
  start [type="deterministic", config="{\"operation\":\"validate\"}"];
  review [type="reasoning", label="Human review"];
  approved [type="end"];
  start -> review [cond="inputs.amount > 1000"];
  start -> approved [cond="inputs.amount <= 1000"];
  review -> approved;
}`

func TestParseDOTGraph(t *testing.T) {
	gc, err := ParseDOTGraph(approvalDOT)
	require.NoError(t, err)
	require.Len(t, gc.Nodes, 3)
	assert.Equal(t, "start", gc.Nodes[0].ID)
	assert.Equal(t, "validate", gc.Nodes[0].Config["operation"])
	assert.Equal(t, "Human review", gc.Nodes[1].Name)
	require.Len(t, gc.Edges, 3)
	assert.Equal(t, "inputs.amount > 1000", gc.Edges[0].Condition)

	_, err = ParseDOTGraph("digraph {")
	assert.Error(t, err)
}

func TestGraphNavigator_DOTConfig(t *testing.T) {
	ctx := context.Background()
	n := NewGraphNavigator(nil)
	cfg := &RoutineConfig{Name: "approval", Graph: &GraphConfig{DOT: approvalDOT}}

	start, err := n.StartLocation(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "start", start.NodeID)

	next, err := n.NextLocations(ctx, start, map[string]interface{}{"inputs": map[string]interface{}{"amount": 50}})
	require.NoError(t, err)
	assert.Equal(t, []string{"approved"}, nodeIDs(next))
}

func TestExportDOT(t *testing.T) {
	out, err := ExportDOT(diamondConfig())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "digraph"))

	roundTrip, err := ParseDOTGraph(out)
	require.NoError(t, err)
	assert.Len(t, roundTrip.Nodes, 5)
	require.Len(t, roundTrip.Edges, 5)
	conditions := map[string]string{}
	for _, e := range roundTrip.Edges {
		conditions[e.From+"->"+e.To] = e.Condition
	}
	assert.Equal(t, "outputs.merge.count > 0", conditions["merge->done"])
	assert.Equal(t, "", conditions["fetch->classify"])

	single, err := ExportDOT(singleStepConfig())
	require.NoError(t, err)
	assert.Contains(t, single, SingleStepNodeID)
}
