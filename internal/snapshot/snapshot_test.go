package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifacts(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"knowledge_graph.json":       `{"records":[]}`,
		"directives.json":            `{"directives":[]}`,
		"pipeline_state.json":        `{"next_run_id":4}`,
		"runs/run-000003.json":       `{"id":3}`,
		"publications/run-000003.md": "# Issue 3\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	}
}

func newManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	root := t.TempDir()
	artifacts := filepath.Join(root, "data")
	experiments := filepath.Join(root, "experiments")
	m := New(artifacts, experiments, nil)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }
	return m, artifacts, experiments
}

func TestSave_CopiesCommitsAndTags(t *testing.T) {
	m, artifacts, experiments := newManager(t)
	writeArtifacts(t, artifacts)

	snap, err := m.Save(context.Background(), "baseline")
	require.NoError(t, err)
	assert.Equal(t, "baseline", snap.Name)
	assert.Equal(t, 5, snap.Files)
	assert.NotEmpty(t, snap.Commit)

	body, err := os.ReadFile(filepath.Join(experiments, "baseline", "publications", "run-000003.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Issue 3\n", string(body))

	repo, err := git.PlainOpen(filepath.Join(experiments, "baseline"))
	require.NoError(t, err)
	tag, err := repo.Tag("baseline")
	require.NoError(t, err)
	obj, err := repo.TagObject(tag.Hash())
	require.NoError(t, err)
	assert.Equal(t, snap.Commit, obj.Target.String())

	// Artifacts stay in place after a plain save.
	assert.FileExists(t, filepath.Join(artifacts, "knowledge_graph.json"))
}

func TestSave_Errors(t *testing.T) {
	m, artifacts, _ := newManager(t)
	writeArtifacts(t, artifacts)
	ctx := context.Background()

	_, err := m.Save(ctx, "dup")
	require.NoError(t, err)
	_, err = m.Save(ctx, "dup")
	assert.ErrorIs(t, err, ErrExists)

	for _, name := range []string{"../escape", "a/b", ".hidden", ".."} {
		_, err := m.Save(ctx, name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}

	nested := New(artifacts, filepath.Join(artifacts, "experiments"), nil)
	_, err = nested.Save(ctx, "inside")
	assert.ErrorIs(t, err, ErrNested)
	assert.NoDirExists(t, filepath.Join(artifacts, "experiments", "inside"))
}

func TestSave_DefaultNameAndNoArtifacts(t *testing.T) {
	m, _, experiments := newManager(t)

	snap, err := m.Save(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "snapshot_20260301_123000", snap.Name)
	assert.Zero(t, snap.Files)
	assert.DirExists(t, filepath.Join(experiments, snap.Name))
}

func TestList(t *testing.T) {
	m, artifacts, experiments := newManager(t)
	ctx := context.Background()

	snaps, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps, "missing experiments dir lists nothing")

	writeArtifacts(t, artifacts)
	_, err = m.Save(ctx, "b-run")
	require.NoError(t, err)
	_, err = m.Save(ctx, "a-run")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(experiments, "manual"), 0o755))

	snaps, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "a-run", snaps[0].Name)
	assert.Equal(t, 5, snaps[0].Files)
	assert.NotEmpty(t, snaps[0].Commit)
	assert.Equal(t, "manual", snaps[2].Name)
	assert.Empty(t, snaps[2].Commit)
}

func TestReset(t *testing.T) {
	m, artifacts, experiments := newManager(t)
	writeArtifacts(t, artifacts)

	snap, err := m.Reset(context.Background(), "before-reset")
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Files)
	assert.FileExists(t, filepath.Join(experiments, "before-reset", "directives.json"))

	entries, err := os.ReadDir(artifacts)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = m.Reset(context.Background(), "before-reset")
	assert.ErrorIs(t, err, ErrExists)
}

func TestSave_HonoursIgnoreFile(t *testing.T) {
	m, artifacts, experiments := newManager(t)
	writeArtifacts(t, artifacts)
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "memory"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "memory", "chunks.gob"), []byte("vectors"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, ".snapshotignore"), []byte("memory/\n"), 0o600))

	snap, err := m.Reset(context.Background(), "slim")
	require.NoError(t, err)
	assert.Equal(t, 6, snap.Files, "five artifacts plus the ignore file")
	assert.NoDirExists(t, filepath.Join(experiments, "slim", "memory"))
	assert.FileExists(t, filepath.Join(experiments, "slim", "knowledge_graph.json"))

	entries, err := os.ReadDir(artifacts)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".snapshotignore", entries[0].Name())
}
