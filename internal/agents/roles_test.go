package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

func writeRoles(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestDefaultRoleSet_EveryRoleAndTemplateParses(t *testing.T) {
	rs := DefaultRoleSet()
	for _, role := range synth.AllRoles() {
		c, ok := rs.Role(role)
		require.True(t, ok, role)
		_, err := parseTemplate(string(role), c.Template)
		assert.NoError(t, err, role)
	}
	for _, name := range []string{tmplLogicAudit, tmplLogicRefine, tmplInventionReview, tmplInventionRefine, tmplMemory, tmplEvaluation} {
		text, ok := rs.Template(name)
		require.True(t, ok, name)
		_, err := parseTemplate(name, text)
		assert.NoError(t, err, name)
	}
	text, ok := rs.Template(tmplPublication)
	require.True(t, ok)
	assert.Contains(t, text, "special issue editorial")
}

func TestLoadRoleSet_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.toml")
	writeRoles(t, path, `
[roles.auditor]
temperature = 0.2
emphasis = ["Quote sample sizes."]

[roles.editor]
template = "Editorial for {{.Topic}}"

[templates]
"logic_check.audit" = "Check {{.Draft}}"
`)
	rs, err := LoadRoleSet(path)
	require.NoError(t, err)

	auditor, _ := rs.Role(synth.RoleAuditor)
	assert.InDelta(t, 0.2, auditor.Temperature, 1e-9)
	assert.Equal(t, []string{"Quote sample sizes."}, auditor.Emphasis)
	assert.Contains(t, auditor.systemPrompt(), "- Quote sample sizes.")
	assert.NotEmpty(t, auditor.System, "unset fields keep defaults")

	text, _ := rs.Template(tmplPublication)
	assert.Equal(t, "Editorial for {{.Topic}}", text)
	text, _ = rs.Template(tmplLogicAudit)
	assert.Equal(t, "Check {{.Draft}}", text)
}

func TestLoadRoleSet_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown role", "[roles.janitor]\ntemperature = 0.1\n"},
		{"temperature out of range", "[roles.editor]\ntemperature = 3.5\n"},
		{"unknown template", "[templates]\n\"nope\" = \"x\"\n"},
		{"broken template", "[roles.editor]\ntemplate = \"{{.Topic\"\n"},
		{"broken toml", "[roles.editor\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "roles.toml")
			writeRoles(t, path, tt.body)
			_, err := LoadRoleSet(path)
			assert.ErrorIs(t, err, ErrInvalidRoles)
		})
	}
}

func TestReload_KeepsPolicyOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.toml")
	writeRoles(t, path, "[roles.editor]\ntemperature = 0.9\n")
	rs, err := LoadRoleSet(path)
	require.NoError(t, err)

	writeRoles(t, path, "[roles.editor]\ntemperature = 9.5\n")
	assert.Error(t, rs.Reload(path))
	editor, _ := rs.Role(synth.RoleEditor)
	assert.InDelta(t, 0.9, editor.Temperature, 1e-9)

	writeRoles(t, path, "[roles.editor]\ntemperature = 0.1\n")
	require.NoError(t, rs.Reload(path))
	editor, _ = rs.Role(synth.RoleEditor)
	assert.InDelta(t, 0.1, editor.Temperature, 1e-9)
}

func TestWatchRoles_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.toml")
	writeRoles(t, path, "[roles.philosopher]\ntemperature = 0.7\n")
	rs, err := LoadRoleSet(path)
	require.NoError(t, err)

	w, err := WatchRoles(context.Background(), path, rs, nil)
	require.NoError(t, err)
	defer w.Stop()

	writeRoles(t, path, "[roles.philosopher]\ntemperature = 1.1\n")
	assert.Eventually(t, func() bool {
		c, _ := rs.Role(synth.RolePhilosopher)
		return c.Temperature > 1.0
	}, 5*time.Second, 20*time.Millisecond)

	// A broken edit leaves the last good policy in place.
	writeRoles(t, path, "[roles.philosopher\n")
	select {
	case <-w.reloaded:
	case <-time.After(5 * time.Second):
	}
	c, _ := rs.Role(synth.RolePhilosopher)
	assert.InDelta(t, 1.1, c.Temperature, 1e-9)
}
