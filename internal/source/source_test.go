package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitKeywords(t *testing.T) {
	tests := []struct {
		topic string
		want  []string
	}{
		{"Hypertension", []string{"Hypertension"}},
		{"hypertension and sodium", []string{"hypertension", "sodium"}},
		{"sleep, memory or mood", []string{"sleep", "memory", "mood"}},
		{" , ,", nil},
		{"brandy", []string{"brandy"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitKeywords(tt.topic))
		})
	}
}

const demo = `{"id": 1, "title": "Sodium intake and blood pressure", "authors": ["A. Smith"], "published_at": "2021-03-01", "abstract": "Cohort study."}
{"id": "2", "title": "Hypertension in adolescents", "authors": ["B. Howaldt"], "published_at": "2023-01-01T00:00:00Z", "description": "Survey data."}
not json
{"id": 3, "title": "Coffee and sleep", "authors": ["C. Jones"], "abstract": "Crossover trial.", "keywords": ["caffeine"]}
{"id": 4, "title": "Potassium supplementation", "authors": ["D. Lee"], "published_at": "2022-06-15", "summary": "Lowers hypertension risk."}
`

func writeDemo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo_papers.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(demo), 0o600))
	return path
}

func TestFileSource_FilterAndOrder(t *testing.T) {
	src, err := OpenFile(writeDemo(t), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	docs, err := src.FetchBatch(ctx, "hypertension or sodium", 10, 0)
	require.NoError(t, err)
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"2", "4", "1"}, ids, "newest first")
	assert.Equal(t, "hypertension or sodium", docs[0].Topic)
	assert.Equal(t, "Survey data.", docs[0].Abstract, "description fills the abstract")
	require.NotNil(t, docs[2].PublishedAt)
	assert.Equal(t, 2021, docs[2].PublishedAt.Year())

	docs, err = src.FetchBatch(ctx, "caffeine", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1, "keyword array matches")
	assert.Equal(t, "3", docs[0].ID)
	assert.Nil(t, docs[0].PublishedAt)
}

func TestFileSource_Pagination(t *testing.T) {
	src, err := OpenFile(writeDemo(t), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	all, err := src.FetchBatch(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "3", all[3].ID, "undated documents last")

	page, err := src.FetchBatch(ctx, "", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)

	empty, err := src.FetchBatch(ctx, "", 2, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = src.FetchBatch(ctx, "", -1, 0)
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestFileSource_ExcludeAuthors(t *testing.T) {
	src, err := OpenFile(writeDemo(t), []string{"howaldt"}, nil)
	require.NoError(t, err)
	docs, err := src.FetchBatch(context.Background(), "hypertension", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "4", docs[0].ID)
}

func TestOpenFile_Errors(t *testing.T) {
	_, err := OpenFile("", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.jsonl"), nil, nil)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("nope\n{}\n"), 0o600))
	_, err = OpenFile(bad, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuildQuery(t *testing.T) {
	q, args := buildQuery([]string{"sodium", "salt"}, []string{"Howaldt", " "}, 10, 20)

	assert.Contains(t, q, "c.content_type = 'research_article'")
	assert.Contains(t, q, "c.title ILIKE $1")
	assert.Contains(t, q, "$2 = ANY(c.keywords)")
	assert.Contains(t, q, "c.title ILIKE $3")
	assert.Contains(t, q, "NOT ILIKE $5")
	assert.Contains(t, q, "ORDER BY c.published_at DESC NULLS LAST")
	assert.True(t, strings.HasSuffix(q, "LIMIT $6 OFFSET $7"))
	assert.Equal(t, []any{"%sodium%", "sodium", "%salt%", "salt", "%Howaldt%", 10, 20}, args)

	q, args = buildQuery(nil, nil, 5, 0)
	assert.NotContains(t, q, "ILIKE")
	assert.Equal(t, []any{5, 0}, args)
}

func TestParseAuthors(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, parseAuthors(`["A","B"]`))
	assert.Equal(t, []string{"A Smith", "B Jones"}, parseAuthors(`{"A Smith","B Jones"}`))
	assert.Equal(t, []string{"A", "B"}, parseAuthors("A, B"))
	assert.Nil(t, parseAuthors(""))
}

func TestResolveTopic(t *testing.T) {
	dir := t.TempDir()
	tax := filepath.Join(dir, "taxonomy.yml")
	require.NoError(t, os.WriteFile(tax, []byte("research_topic: Sleep and memory\ncategories:\n  sleep: {}\n"), 0o600))

	got, err := ResolveTopic("  Coffee ", tax, "Hypertension")
	require.NoError(t, err)
	assert.Equal(t, "Coffee", got)

	got, err = ResolveTopic("", tax, "Hypertension")
	require.NoError(t, err)
	assert.Equal(t, "Sleep and memory", got)

	got, err = ResolveTopic("", filepath.Join(dir, "missing.yml"), "Hypertension")
	require.NoError(t, err)
	assert.Equal(t, "Hypertension", got)

	broken := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(broken, []byte("research_topic: [unclosed"), 0o600))
	got, err = ResolveTopic("", broken, "Hypertension")
	assert.Error(t, err)
	assert.Equal(t, "Hypertension", got)
}
