package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/lc0go/internal/chunks"
	"github.com/janpfeifer/lc0go/internal/learner"
	"github.com/janpfeifer/lc0go/internal/network"
	"github.com/janpfeifer/lc0go/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallModel = "filters=8,blocks=1,se_ratio=2,policy_filters=4,value_filters=4,moves_left_filters=2,head_hidden_dim=8,batch_size=4"

func writeChunks(t *testing.T, numFiles, recordsPerFile int) string {
	dir := t.TempDir()
	for fileIdx := range numFiles {
		records := make([]*chunks.Record, recordsPerFile)
		for ii := range records {
			r := &chunks.Record{Version: 6, InputFormat: 1}
			for move := range r.Probabilities {
				r.Probabilities[move] = -1
			}
			r.Probabilities[(fileIdx*recordsPerFile+ii)%network.PolicySize] = 1
			r.Planes[ii%chunks.NumHistoryPlanes] = 0xFF00
			r.ResultQ = float32(ii%3 - 1)
			r.PliesLeft = float32(ii)
			records[ii] = r
		}
		require.NoError(t, chunks.WriteChunk(filepath.Join(dir, fmt.Sprintf("chunk_%d.gz", fileIdx)), records))
	}
	return dir
}

func TestMovingAverage(t *testing.T) {
	var a averageLosses
	a.update(learner.Losses{Policy: 2, Value: 1, MovesLeft: 4, Total: 3.04})
	assert.Equal(t, float32(2), a.Policy)
	assert.Equal(t, float32(3.04), a.Total)
	a.update(learner.Losses{Policy: 4, Total: 4.2, Skipped: true})
	assert.InDelta(t, 3.0, a.Policy, 1e-6)
	a.update(learner.Losses{Total: float32Inf()})
	assert.Equal(t, 2, a.count)
	assert.Equal(t, 1, a.skipped)
	assert.InDelta(t, 3.62, a.Total, 1e-5)
}

func float32Inf() float32 {
	var zero float32
	return 1 / zero
}

func TestTrain(t *testing.T) {
	dataDir := writeChunks(t, 3, 8)
	checkpointDir := t.TempDir()
	*flagData = dataDir
	*flagValidationData = dataDir
	*flagValidationSteps = 2
	*flagEpochs = 2
	*flagStepsPerEpoch = 0
	*flagShuffleBuffer = 16
	*flagNumWorkers = 2
	*flagReduceLREveryNEpochs = 1
	*flagSeed = 42
	*flagMetrics = ""

	l, err := learner.New(checkpointDir, parameters.NewFromConfigString(smallModel+",optimizer=sgd,learning_rate=0.01"))
	require.NoError(t, err)
	require.NoError(t, train(context.Background(), l))
	assert.Equal(t, int64(2*24/4), l.GlobalStep())
	assert.InDelta(t, 0.01/3, l.LearningRate(), 1e-9)
	saved := l.Snapshot()
	l.Finalize()

	// One record per training step, and one per validation pass.
	records := readMetrics(t, filepath.Join(checkpointDir, "metrics.jsonl"))
	var numTrain, numValidation int
	for _, r := range records {
		switch r.Phase {
		case phaseTrain:
			numTrain++
			assert.Equal(t, int64(numTrain), r.GlobalStep)
			require.NotNil(t, r.Total)
			assert.Greater(t, *r.Total, 0.0)
		case phaseValidation:
			numValidation++
			assert.Equal(t, 2, r.Batches)
			assert.Equal(t, int64(6*numValidation), r.GlobalStep)
		default:
			t.Fatalf("unknown phase %q", r.Phase)
		}
	}
	assert.Equal(t, 12, numTrain)
	assert.Equal(t, 2, numValidation)

	// Training continues from the checkpoint.
	l, err = learner.New(checkpointDir, parameters.NewFromConfigString(""))
	require.NoError(t, err)
	defer l.Finalize()
	assert.Equal(t, int64(12), l.GlobalStep())
	assert.Equal(t, 8, l.NetworkConfig().Filters)
	assert.Equal(t, saved, l.Snapshot())

	// Interrupted training still saves the model.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	*flagStepsPerEpoch = 3
	require.NoError(t, train(ctx, l))
	assert.Equal(t, int64(12), l.GlobalStep())
}

type testMetricsRecord struct {
	Phase      string   `json:"phase"`
	GlobalStep int64    `json:"global_step"`
	Total      *float64 `json:"total"`
	Batches    int      `json:"batches"`
}

func readMetrics(t *testing.T, path string) []testMetricsRecord {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var records []testMetricsRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r testMetricsRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r), "line %q", scanner.Text())
		records = append(records, r)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestMetricsWriter(t *testing.T) {
	// Without a path, nothing is written.
	m, err := openMetrics("")
	require.NoError(t, err)
	require.Nil(t, m)
	require.NoError(t, m.write(&metricsRecord{Phase: phaseTrain}))
	require.NoError(t, m.Close())

	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	for step := range 2 {
		m, err = openMetrics(path)
		require.NoError(t, err)
		require.NoError(t, m.write(&metricsRecord{Phase: phaseTrain, GlobalStep: int64(step), Total: metricsFloat(math.NaN()), Skipped: true}))
		require.NoError(t, m.Close())
	}

	// Appended, and non-finite values are null.
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"total":null`)
	assert.Contains(t, lines[1], `"skipped":true`)
	records := readMetrics(t, path)
	assert.Nil(t, records[1].Total)
	assert.Equal(t, int64(1), records[1].GlobalStep)
}
