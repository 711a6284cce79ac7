package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
)

// testWorkspace points HOME at a temp dir holding a config whose artifacts
// live in the same dir. It returns the artifacts dir.
func testWorkspace(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SYNTHD_CONFIG", "")

	dataDir := filepath.Join(home, "data")
	cfgDir := filepath.Join(home, ".config", "synthd")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	cfg := fmt.Sprintf(`artifacts:
  dir: %s
  experiments_dir: %s
secrets:
  scrub_prompts: false
logging:
  level: error
`, dataDir, filepath.Join(home, "experiments"))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(cfg), 0o600))
	return dataDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedGaps(t *testing.T, dataDir string) {
	t.Helper()
	store := knowledge.NewStore(zap.NewNop())
	require.NoError(t, store.AddClaims(context.Background(), []knowledge.Claim{
		{Subject: "sodium", Predicate: "raises blood pressure", EvidenceRef: "doc-1", Confidence: 0.2, Gap: true, GapKind: "contradiction", Severity: knowledge.SeverityHigh, RunID: 1},
		{Subject: "potassium", Predicate: "lowers blood pressure", EvidenceRef: "doc-2", Confidence: 0.9, RunID: 1},
	}))
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, store.Save(filepath.Join(dataDir, "knowledge_graph.json")))
}

func seedDirective(t *testing.T, dataDir string) string {
	t.Helper()
	ctx := context.Background()
	ledger := directive.NewLedger(directive.DefaultThresholds(), zap.NewNop())
	require.NoError(t, ledger.RecordGrade(ctx, directive.Grade{
		RunID:  3,
		Source: directive.SourceHuman,
		Scores: directive.Scores{Synthesis: 4, Criticality: 2, Voice: 4},
	}))
	ds := ledger.Directives(ctx)
	require.NotEmpty(t, ds)
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, ledger.Save(filepath.Join(dataDir, "directives.json")))
	return ds[0].ID
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "audit", "snapshot", "gaps", "directives", "mcp"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("json"))
}

func TestRun_FlagValidation(t *testing.T) {
	testWorkspace(t)

	_, err := execute(t, "run", "--limit", "-1")
	assert.ErrorContains(t, err, "--limit")

	_, err = execute(t, "run", "--max-batches", "-2")
	assert.ErrorContains(t, err, "--max-batches")
}

func TestGaps(t *testing.T) {
	dataDir := testWorkspace(t)

	out, err := execute(t, "gaps")
	require.NoError(t, err)
	assert.Contains(t, out, "No open gaps.")

	seedGaps(t, dataDir)
	out, err = execute(t, "gaps")
	require.NoError(t, err)
	assert.Contains(t, out, "SEVERITY")
	assert.Contains(t, out, "sodium")
	assert.NotContains(t, out, "potassium")

	out, err = execute(t, "gaps", "--json")
	require.NoError(t, err)
	var gaps []knowledge.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &gaps))
	require.Len(t, gaps, 1)
	assert.Equal(t, "contradiction", gaps[0].GapKind)
}

func TestDirectives_ListAndRetire(t *testing.T) {
	dataDir := testWorkspace(t)
	id := seedDirective(t, dataDir)

	out, err := execute(t, "directives")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "active")

	out, err = execute(t, "directives", "retire", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Retired "+id)

	out, err = execute(t, "directives")
	require.NoError(t, err)
	assert.Contains(t, out, "No directives.")

	out, err = execute(t, "directives", "--all", "--json")
	require.NoError(t, err)
	var ds []directive.Directive
	require.NoError(t, json.Unmarshal([]byte(out), &ds))
	require.NotEmpty(t, ds)
	assert.True(t, ds[0].Retired)

	_, err = execute(t, "directives", "retire", "nope")
	assert.ErrorIs(t, err, directive.ErrNotFound)
}

func TestSnapshot_SaveAndList(t *testing.T) {
	dataDir := testWorkspace(t)
	seedGaps(t, dataDir)

	out, err := execute(t, "snapshot", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No experiments saved.")

	out, err = execute(t, "snapshot", "save", "baseline")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved")

	out, err = execute(t, "snapshot", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "baseline")

	_, err = execute(t, "snapshot", "save", "../escape")
	assert.Error(t, err)
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "-", shortCommit(""))
	assert.Equal(t, "abc", shortCommit("abc"))
	assert.Equal(t, "0123abcd", shortCommit("0123abcdef987654"))
}

func TestLedgerGrader(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directives.json")
	ledger := directive.NewLedger(directive.DefaultThresholds(), zap.NewNop())
	grade := ledgerGrader(ledger, path)

	require.NoError(t, grade(ctx, directive.Grade{RunID: 1, Scores: directive.Scores{Synthesis: 5, Criticality: 5, Voice: 5}}))
	assert.FileExists(t, path)
	require.Len(t, ledger.Grades(ctx), 1)
	assert.Equal(t, directive.SourceHuman, ledger.Grades(ctx)[0].Source)

	err := grade(ctx, directive.Grade{RunID: 1, Scores: directive.Scores{Synthesis: 5, Criticality: 5, Voice: 5}})
	assert.ErrorIs(t, err, directive.ErrDuplicateGrade)
}
