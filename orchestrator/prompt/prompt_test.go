package prompt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderer_EnableDisableSections(t *testing.T) {
	r := NewRenderer(nil)
	require.NoError(t, r.RegisterSection("system", RoleSystem, true, "SYSTEM RULES"))
	require.NoError(t, r.RegisterSection("context", RoleContext, true, "OPS: {{join .Ops \", \"}}"))
	require.NoError(t, r.RegisterSection("extras", RoleContext, false, "EXTRA"))

	out, err := r.Render(Vars{Data: map[string]any{"Ops": []string{"a", "b"}}})
	require.NoError(t, err)
	require.Contains(t, out, "SYSTEM RULES")
	require.Contains(t, out, "OPS: a, b")
	require.NotContains(t, out, "EXTRA")

	out, err = r.Render(Vars{
		Data:     map[string]any{"Ops": []string{"a"}},
		Sections: map[string]bool{"extras": true, "system": false},
	})
	require.NoError(t, err)
	require.NotContains(t, out, "SYSTEM RULES")
	require.Contains(t, out, "EXTRA")
}

func TestRenderer_DuplicateSectionRejected(t *testing.T) {
	r := NewRenderer(nil)
	require.NoError(t, r.RegisterSection("a", RoleSystem, true, "x"))
	err := r.RegisterSection("a", RoleSystem, true, "y")
	require.Error(t, err)
}

func TestRenderer_TojsonHelper(t *testing.T) {
	r := NewRenderer(nil)
	require.NoError(t, r.RegisterSection("s", RoleContext, true, "{{tojson .Value}}"))
	out, err := r.Render(Vars{Data: map[string]any{"Value": map[string]int{"n": 1}}})
	require.NoError(t, err)
	require.Equal(t, `{"n":1}`, out)
}
