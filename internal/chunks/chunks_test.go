package chunks

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/lc0go/internal/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRecord returns a valid record, whose PliesLeft is set to id to tell records apart.
func testRecord(id int) *Record {
	r := &Record{Version: 6, InputFormat: 1}
	for ii := range r.Probabilities {
		r.Probabilities[ii] = -1
	}
	r.Probabilities[id%network.PolicySize] = 0.75
	r.Probabilities[(id+1)%network.PolicySize] = 0.25
	// Plane 0: square a1 (0) and h1 (7); plane 1: square e4 (28).
	r.Planes[0] = 1<<7 | 1<<0
	r.Planes[1] = 1 << (8*3 + 7 - 4)
	r.CastlingUsOO = 1
	r.SideToMove = 1
	r.Rule50Count = 33
	r.ResultQ, r.ResultD = 0.5, 0.25
	r.PliesLeft = float32(id)
	return r
}

func writeTestChunks(t *testing.T, numFiles, recordsPerFile int) []string {
	dir := t.TempDir()
	var files []string
	id := 0
	for fileIdx := range numFiles {
		records := make([]*Record, recordsPerFile)
		for ii := range records {
			records[ii] = testRecord(id)
			id++
		}
		path := filepath.Join(dir, fmt.Sprintf("training.%d.gz", fileIdx))
		require.NoError(t, WriteChunk(path, records))
		files = append(files, path)
	}
	return files
}

func TestRecordSize(t *testing.T) {
	require.Equal(t, RecordSize, binary.Size(&Record{}))
	data, err := testRecord(3).MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, RecordSize)
	r, err := ParseRecord(data)
	require.NoError(t, err)
	assert.Equal(t, testRecord(3), r)

	_, err = ParseRecord(data[:100])
	require.Error(t, err)
	data[0] = 5 // Version.
	_, err = ParseRecord(data)
	require.Error(t, err)
}

func TestRecord_Fill(t *testing.T) {
	r := testRecord(10)
	b := NewBatch(2)
	b.Set(1, r)
	inputs := b.Inputs[network.InputSize:]
	const planeSize = 64
	assert.Equal(t, float32(1), inputs[0])
	assert.Equal(t, float32(1), inputs[7])
	assert.Equal(t, float32(0), inputs[1])
	assert.Equal(t, float32(1), inputs[planeSize+28])
	assert.Equal(t, float32(0), inputs[planeSize+27])
	for square := range planeSize {
		assert.Equal(t, float32(0), inputs[104*planeSize+square], "us_ooo")
		assert.Equal(t, float32(1), inputs[105*planeSize+square], "us_oo")
		assert.Equal(t, float32(1), inputs[108*planeSize+square], "side to move")
		assert.InDelta(t, 33.0/99.0, inputs[109*planeSize+square], 1e-6, "rule50")
		assert.Equal(t, float32(0), inputs[110*planeSize+square], "zeros")
		assert.Equal(t, float32(1), inputs[111*planeSize+square], "ones")
	}

	policy := b.Policy[network.PolicySize:]
	var sum float32
	for _, p := range policy {
		require.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Equal(t, []float32{0.625, 0.25, 0.125}, b.WDL[3:])
	assert.Equal(t, float32(10), b.MovesLeft[1])
	require.NoError(t, b.Validate())
}

func TestBatch_Validate(t *testing.T) {
	b := NewBatch(2)
	require.NoError(t, b.Validate())

	b.WDL = b.WDL[:5]
	require.Error(t, b.Validate())

	b = NewBatch(2)
	b.MovesLeft[1] = float32(math.NaN())
	require.Error(t, b.Validate())

	b = NewBatch(2)
	b.Inputs[17] = float32(math.Inf(-1))
	require.Error(t, b.Validate())

	var nilBatch *Batch
	require.Error(t, nilBatch.Validate())
}

func TestCountPositions(t *testing.T) {
	files := writeTestChunks(t, 3, 7)
	count, err := CountPositions(context.Background(), files, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(21), count)

	listed, err := ListChunkFiles(filepath.Dir(files[0]))
	require.NoError(t, err)
	assert.Equal(t, files, listed)

	_, err = ListChunkFiles(t.TempDir())
	require.Error(t, err)
}

func TestReadChunk_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncated.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	data, err := testRecord(0).MarshalBinary()
	require.NoError(t, err)
	_, err = gz.Write(data[:RecordSize/2])
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	err = ReadChunk(path, func(r *Record) error { return nil })
	require.Error(t, err)
	_, err = CountPositions(context.Background(), []string{path}, 1)
	require.Error(t, err)
}

func TestFileSource(t *testing.T) {
	const numFiles, recordsPerFile, batchSize = 4, 10, 8
	files := writeTestChunks(t, numFiles, recordsPerFile)
	ctx := context.Background()
	cfg := DefaultFileSourceConfig()
	cfg.BatchSize = batchSize
	cfg.NumWorkers = 3
	cfg.ShuffleBuffer = 16
	cfg.Loop = false
	source, err := NewFileSource(ctx, files, cfg)
	require.NoError(t, err)

	seen := make(map[float32]int)
	numBatches := 0
	for {
		batch, err := source.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, batch.Validate())
		require.Equal(t, batchSize, batch.Size)
		numBatches++
		for _, id := range batch.MovesLeft {
			seen[id]++
		}
	}
	// 40 positions: 5 full batches, nothing dropped.
	assert.Equal(t, numFiles*recordsPerFile/batchSize, numBatches)
	assert.Len(t, seen, numFiles*recordsPerFile)
	for id, count := range seen {
		assert.Equal(t, 1, count, "position %g", id)
	}
	require.NoError(t, source.Close())
}

func TestFileSource_Loop(t *testing.T) {
	files := writeTestChunks(t, 2, 3)
	ctx := context.Background()
	cfg := DefaultFileSourceConfig()
	cfg.BatchSize = 4
	cfg.ShuffleBuffer = 1
	source, err := NewFileSource(ctx, files, cfg)
	require.NoError(t, err)
	// 6 positions per pass, but looping never ends.
	for range 10 {
		batch, err := source.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, 4, batch.Size)
	}
	require.NoError(t, source.Close())
}

func TestFileSource_Error(t *testing.T) {
	files := writeTestChunks(t, 1, 2)
	bad := testRecord(0)
	bad.ResultQ = float32(math.NaN())
	badPath := filepath.Join(t.TempDir(), "bad.gz")
	require.NoError(t, WriteChunk(badPath, []*Record{bad}))
	files = append(files, badPath)

	ctx := context.Background()
	cfg := DefaultFileSourceConfig()
	cfg.BatchSize = 1
	cfg.Loop = false
	source, err := NewFileSource(ctx, files, cfg)
	require.NoError(t, err)
	for {
		_, err = source.Next(ctx)
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
	_ = source.Close()
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()
	b0, b1 := NewBatch(1), NewBatch(1)
	s := &MemorySource{Batches: []*Batch{b0, b1}}
	got, err := s.Next(ctx)
	require.NoError(t, err)
	require.Same(t, b0, got)
	got, err = s.Next(ctx)
	require.NoError(t, err)
	require.Same(t, b1, got)
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	s = &MemorySource{Batches: []*Batch{b0}, Loop: true}
	for range 3 {
		got, err = s.Next(ctx)
		require.NoError(t, err)
		require.Same(t, b0, got)
	}
}
