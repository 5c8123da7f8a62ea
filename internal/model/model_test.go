package model

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityAbsentFieldsSortFirst(t *testing.T) {
	table := TableID{ClusterURI: "https://c", Database: "db", Table: "T"}
	priorities := []Priority{
		BlockPriority(table, 1, 7),
		BlockPriority(table, 1, 2),
		TablePriority(table),
		{},
		BlockPriority(TableID{Database: "a", Table: "Z"}, 9, 1),
		IterationPriority(table, 1),
	}
	sort.Slice(priorities, func(i, j int) bool { return PriorityLess(priorities[i], priorities[j]) })
	got := make([]string, 0, len(priorities))
	for _, p := range priorities {
		got = append(got, p.String())
	}
	assert.Equal(t, []string{"*", "a/Z/i9/b1", "db/T", "db/T/i1", "db/T/i1/b2", "db/T/i1/b7"}, got)
}

func TestBlockStateRankIsPipelineOrder(t *testing.T) {
	order := []BlockState{BlockPlanned, BlockExporting, BlockExported, BlockQueued, BlockIngested, BlockExtentMoved}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Rank(), order[i].Rank())
	}
	assert.False(t, BlockState("Bogus").Valid())
}

func TestBlockReprocessClearsStageFields(t *testing.T) {
	b := Block{ActivityName: "a", IterationID: 1, BlockID: 2, State: BlockPlanned, PlannedRowCount: 10}
	b = b.Exporting("op-1").Exported(10).Queued("tag-1")
	require.Equal(t, BlockQueued, b.State)

	r := b.Reprocess()
	assert.Equal(t, BlockPlanned, r.State)
	assert.Empty(t, r.ExportOperationID)
	assert.Empty(t, r.BlockTag)
	assert.Zero(t, r.ExportedRowCount)
	assert.Equal(t, 1, r.ReplannedCount)
	assert.Equal(t, BlockQueued, b.State, "original snapshot must not change")
}

func TestValidateClusterURI(t *testing.T) {
	assert.NoError(t, ValidateClusterURI("https://help.kusto.windows.net"))
	assert.Error(t, ValidateClusterURI("help.kusto.windows.net"))
	assert.Error(t, ValidateClusterURI("https://host/db"))
	assert.Error(t, ValidateClusterURI("ftp://host"))
}

func TestParseExportMode(t *testing.T) {
	mode, err := ParseExportMode("")
	require.NoError(t, err)
	assert.Equal(t, ExportContinuous, mode)
	mode, err = ParseExportMode("Backfill-Only")
	require.NoError(t, err)
	assert.Equal(t, ExportBackfillOnly, mode)
	_, err = ParseExportMode("sometimes")
	assert.Error(t, err)
}

func TestTableIDSameNormalizesClusterURI(t *testing.T) {
	a := TableID{ClusterURI: "https://src.example.net", Database: "db", Table: "T"}
	assert.True(t, a.Same(TableID{ClusterURI: " HTTPS://Src.Example.NET/ ", Database: "db", Table: "T"}))
	assert.False(t, a.Same(a.WithTable("U")))
	assert.False(t, a.Same(TableID{ClusterURI: "https://other.example.net", Database: "db", Table: "T"}))
	assert.Equal(t, "https://src.example.net", NormalizeClusterURI("https://SRC.example.net//"))
}
