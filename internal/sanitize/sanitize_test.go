package sanitize

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"synth_memory", "synth_memory"},
		{"Synth Memory", "synth_memory"},
		{"sleep.v2--notes", "sleep_v2_notes"},
		{"__edge__", "edge"},
		{"", DefaultIdentifier},
		{"!!!", DefaultIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Identifier(tt.in))
		})
	}
}

func TestIdentifier_LongNamesStayDistinct(t *testing.T) {
	a := Identifier(strings.Repeat("a", 80) + "x")
	b := Identifier(strings.Repeat("a", 80) + "y")
	assert.LessOrEqual(t, len(a), MaxIdentifierLength)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Identifier(strings.Repeat("a", 80)+"x"))
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()

	got, err := ValidatePath(filepath.Join(root, "exp_1"), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "exp_1"), got)

	_, err = ValidatePath(filepath.Join(root, "..", "elsewhere"), root)
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = ValidatePath(t.TempDir(), root)
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = ValidatePath("", root)
	assert.ErrorIs(t, err, ErrEmptyPath)

	_, err = ValidatePath("relative/dir", "")
	assert.NoError(t, err)
}

func TestWithin(t *testing.T) {
	root := t.TempDir()
	for path, want := range map[string]bool{
		root:                                     true,
		filepath.Join(root, "experiments"):       true,
		filepath.Dir(root):                       false,
		root + "_sibling":                        false,
		filepath.Join(root, "..x", "not-parent"): true,
	} {
		got, err := Within(path, root)
		require.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
}
