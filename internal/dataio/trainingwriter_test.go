package dataio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janpfeifer/selfplay/internal/game"
)

func makeGame(t *testing.T, gameIdx int64, numRecords, featureLen, policyLen int) *game.FinishedGameData {
	t.Helper()
	data := &game.FinishedGameData{
		GameIdx:   gameIdx,
		ModelName: "test-model",
		Outcome:   1,
		Moves:     []string{"m0.0", "m1.1"},
	}
	for ii := 0; ii < numRecords; ii++ {
		record := game.PositionRecord{
			Features: make([]float32, featureLen),
			Policy:   make([]float32, policyLen),
			Value:    float32(ii%2*2 - 1),
		}
		record.Features[ii%featureLen] = float32(ii)
		record.Policy[ii%policyLen] = 1
		data.Records = append(data.Records, record)
	}
	return data
}

func listShards(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var shards []string
	for _, entry := range entries {
		require.False(t, strings.HasSuffix(entry.Name(), ".tmp"),
			"unpublished tmp shard left behind: %s", entry.Name())
		shards = append(shards, filepath.Join(dir, entry.Name()))
	}
	return shards
}

func TestShardRotation(t *testing.T) {
	dir := t.TempDir()
	const rowLimit = 10
	// firstFileRandMinProp of 1.0 pins the first shard to the full row limit,
	// making the rotation boundary deterministic.
	w, err := NewTrainingDataWriter(dir, rowLimit, 1.0, 4, 3)
	require.NoError(t, err)

	require.NoError(t, w.WriteGame(makeGame(t, 0, rowLimit+1, 4, 3)))
	require.NoError(t, w.Close())
	require.EqualValues(t, rowLimit+1, w.TotalRows())

	shards := listShards(t, dir)
	require.Len(t, shards, 2)
	var rowCounts []int
	for _, shard := range shards {
		records, err := ReadShard(shard)
		require.NoError(t, err)
		rowCounts = append(rowCounts, len(records))
		for _, record := range records {
			assert.Len(t, record.Features, 4)
			assert.Len(t, record.Policy, 3)
		}
	}
	assert.ElementsMatch(t, []int{rowLimit, 1}, rowCounts)
}

func TestFirstShardRandomTruncation(t *testing.T) {
	dir := t.TempDir()
	const rowLimit = 100
	const minProp = 0.5
	w, err := NewTrainingDataWriter(dir, rowLimit, minProp, 2, 2)
	require.NoError(t, err)

	// Enough rows to complete the first shard no matter where it was cut.
	require.NoError(t, w.WriteGame(makeGame(t, 0, rowLimit, 2, 2)))
	require.NoError(t, w.Close())

	shards := listShards(t, dir)
	require.NotEmpty(t, shards)
	// Find the first (largest rotated or only) shard and check its bound.
	total := 0
	maxRows := 0
	for _, shard := range shards {
		records, err := ReadShard(shard)
		require.NoError(t, err)
		total += len(records)
		if len(records) > maxRows {
			maxRows = len(records)
		}
	}
	assert.Equal(t, rowLimit, total, "no rows may be lost across rotation")
	assert.LessOrEqual(t, maxRows, rowLimit)
}

func TestRoundTripValues(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTrainingDataWriter(dir, 1000, 1.0, 3, 2)
	require.NoError(t, err)
	data := makeGame(t, 7, 5, 3, 2)
	require.NoError(t, w.WriteGame(data))
	require.NoError(t, w.Close())

	shards := listShards(t, dir)
	require.Len(t, shards, 1)
	records, err := ReadShard(shards[0])
	require.NoError(t, err)
	require.Len(t, records, 5)
	for ii, record := range records {
		assert.Equal(t, data.Records[ii].Features, record.Features)
		assert.Equal(t, data.Records[ii].Policy, record.Policy)
		assert.Equal(t, data.Records[ii].Value, record.Value)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTrainingDataWriter(dir, 10, 1.0, 4, 4)
	require.NoError(t, err)
	err = w.WriteGame(makeGame(t, 0, 1, 3, 4))
	require.Error(t, err)
	require.NoError(t, w.Close())
}

func TestEmptyWriterLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTrainingDataWriter(dir, 10, 0.5, 4, 4)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Empty(t, listShards(t, dir))
}

func TestGameRecordWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewGameRecordWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteGame(makeGame(t, 3, 1, 2, 2)))
	require.NoError(t, w.WriteGame(makeGame(t, 4, 1, 2, 2)))
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	contents, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 2)
	var record GameRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.EqualValues(t, 3, record.GameIdx)
	assert.Equal(t, "test-model", record.Model)
	assert.Equal(t, []string{"m0.0", "m1.1"}, record.Moves)
}
