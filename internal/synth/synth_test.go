package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunID(t *testing.T) {
	assert.Equal(t, "run-000042", RunID(42).String())

	id, err := ParseRunID("run-000042")
	require.NoError(t, err)
	assert.Equal(t, RunID(42), id)

	id, err = ParseRunID("7")
	require.NoError(t, err)
	assert.Equal(t, RunID(7), id)

	for _, bad := range []string{"", "run-", "run-abc", "0", "-3"} {
		_, err := ParseRunID(bad)
		assert.Error(t, err, bad)
	}
}

func TestStageOrder(t *testing.T) {
	stages := AllStages()
	require.Len(t, stages, 8)
	assert.Equal(t, StageIngestion, stages[0])
	assert.Equal(t, StageEvaluation, stages[7])
	assert.Equal(t, 2, StageLogicCheck.Index())
	assert.Equal(t, -1, Stage("nope").Index())
}

func TestBatchIDIgnoresOrder(t *testing.T) {
	a := NewBatch([]Document{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}})
	b := NewBatch([]Document{{ID: "p3"}, {ID: "p1"}, {ID: "p2"}})
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, a.ID, 16)
	assert.Equal(t, []string{"p3", "p1", "p2"}, b.DocumentIDs())

	c := NewBatch([]Document{{ID: "p1"}, {ID: "p2"}})
	assert.NotEqual(t, a.ID, c.ID)
}

func TestDocumentBody(t *testing.T) {
	assert.Equal(t, "full", Document{FullText: "full", Abstract: "abs", Title: "t"}.Body())
	assert.Equal(t, "abs", Document{FullText: "  ", Abstract: "abs", Title: "t"}.Body())
	assert.Equal(t, "t", Document{Title: "t"}.Body())
}
