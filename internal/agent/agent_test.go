package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ai/kiln/pkg/types"
)

func TestToolEnabledExactBeatsWildcard(t *testing.T) {
	a := &Agent{Tools: map[string]bool{"*": true, "edit": false}}

	assert.False(t, a.ToolEnabled("edit"))
	assert.True(t, a.ToolEnabled("bash"))
}

func TestToolEnabledWildcardPatterns(t *testing.T) {
	a := &Agent{Tools: map[string]bool{"todo*": false}}

	assert.False(t, a.ToolEnabled("todoread"))
	assert.False(t, a.ToolEnabled("todowrite"))
	assert.True(t, a.ToolEnabled("bash"))
}

func TestToolEnabledDefaultsOn(t *testing.T) {
	a := &Agent{}
	assert.True(t, a.ToolEnabled("anything"))
}

func TestCloneIsDeep(t *testing.T) {
	temp := 0.5
	a := &Agent{
		Name:        "x",
		Tools:       map[string]bool{"bash": true},
		Permission:  []types.PermissionRule{{Permission: "bash", Pattern: "*", Action: types.ActionAllow}},
		Model:       &types.ModelRef{ProviderID: "anthropic", ModelID: "m"},
		Temperature: &temp,
	}

	clone := a.Clone()
	clone.Tools["bash"] = false
	clone.Permission[0].Action = types.ActionDeny
	clone.Model.ModelID = "other"
	*clone.Temperature = 0.9

	assert.True(t, a.Tools["bash"])
	assert.Equal(t, types.ActionAllow, a.Permission[0].Action)
	assert.Equal(t, "m", a.Model.ModelID)
	assert.Equal(t, 0.5, *a.Temperature)
}

func TestRegistryDefaultsToBuild(t *testing.T) {
	r := NewRegistry()

	a, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "build", a.Name)
	assert.True(t, a.IsPrimary())
}

func TestRegistryUnknownAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	assert.Error(t, err)
}

func TestRegistryOverrideMergesBuiltIn(t *testing.T) {
	r := NewRegistry()
	r.Register(&Agent{Name: "plan", Steps: 5, Prompt: "custom"})

	a, err := r.Get("plan")
	require.NoError(t, err)
	assert.Equal(t, 5, a.Steps)
	assert.Equal(t, "custom", a.Prompt)
	// built-in overlay retained
	assert.False(t, a.ToolEnabled("edit"))
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&Agent{Name: "zeta", Mode: ModePrimary})
	r.Register(&Agent{Name: "alpha", Mode: ModeSubagent})

	list := r.List()
	require.GreaterOrEqual(t, len(list), 5)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}
}
