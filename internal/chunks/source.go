package chunks

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Source of training batches.
type Source interface {
	// Next returns the next batch. It returns io.EOF when there are no more batches.
	Next(ctx context.Context) (*Batch, error)
}

// MemorySource serves a fixed list of batches.
type MemorySource struct {
	Batches []*Batch

	// Loop over the batches indefinitely.
	Loop bool

	mu   sync.Mutex
	next int
}

var _ Source = (*MemorySource)(nil)

// Next implements Source.
func (s *MemorySource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.Batches) {
		if !s.Loop || len(s.Batches) == 0 {
			return nil, io.EOF
		}
		s.next = 0
	}
	b := s.Batches[s.next]
	s.next++
	return b, nil
}

// FileSourceConfig configures a FileSource.
type FileSourceConfig struct {
	// BatchSize is the number of positions per batch. All batches have the same size: positions
	// that don't fill a last batch are dropped.
	BatchSize int

	// NumWorkers reading chunk files in parallel.
	NumWorkers int

	// ShuffleBuffer is the number of positions kept to shuffle them. 0 or 1 disables shuffling.
	ShuffleBuffer int

	// Loop over the files indefinitely, reshuffling their order at each pass.
	Loop bool

	// Prefetch is the number of batches assembled ahead of consumption.
	Prefetch int

	// Seed for the shuffling of files and positions.
	Seed uint64
}

// DefaultFileSourceConfig returns the default configuration of a FileSource.
func DefaultFileSourceConfig() FileSourceConfig {
	return FileSourceConfig{
		BatchSize:     1024,
		NumWorkers:    1,
		ShuffleBuffer: 1 << 19,
		Loop:          true,
		Prefetch:      4,
	}
}

// FileSource reads batches from chunk files, with a pipeline of goroutines started by NewFileSource:
// the file names are fed to NumWorkers readers, whose records go through a shuffle buffer and are
// then assembled into batches.
//
// Call Close to stop the pipeline.
type FileSource struct {
	files   []string
	cfg     FileSourceConfig
	batches chan *Batch
	cancel  context.CancelFunc
	group   *errgroup.Group
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a FileSource and starts reading the files in the background.
func NewFileSource(ctx context.Context, files []string, cfg FileSourceConfig) (*FileSource, error) {
	if len(files) == 0 {
		return nil, errors.New("no chunk files given")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	cfg.NumWorkers = max(cfg.NumWorkers, 1)
	cfg.Prefetch = max(cfg.Prefetch, 1)
	ctx, cancel := context.WithCancel(ctx)
	s := &FileSource{
		files:   files,
		cfg:     cfg,
		batches: make(chan *Batch, cfg.Prefetch),
		cancel:  cancel,
	}
	s.group, ctx = errgroup.WithContext(ctx)
	s.start(ctx)
	return s, nil
}

func (s *FileSource) start(ctx context.Context) {
	g := s.group
	rng := rand.New(rand.NewPCG(s.cfg.Seed, 0x5eed))
	paths := make(chan string, s.cfg.NumWorkers)
	records := make(chan *Record, 128)

	g.Go(func() error {
		defer close(paths)
		return s.feedFiles(ctx, rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64())), paths)
	})

	var wg sync.WaitGroup
	for range s.cfg.NumWorkers {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return readFiles(ctx, paths, records)
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(records)
		return nil
	})

	g.Go(func() error {
		defer close(s.batches)
		return s.assembleBatches(ctx, rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64())), records)
	})
}

// feedFiles sends the file paths, in random order, once or indefinitely if looping.
func (s *FileSource) feedFiles(ctx context.Context, rng *rand.Rand, paths chan<- string) error {
	files := make([]string, len(s.files))
	copy(files, s.files)
	for pass := 0; pass == 0 || s.cfg.Loop; pass++ {
		rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
		for _, path := range files {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case paths <- path:
			}
		}
		klog.V(2).Infof("Chunk files pass #%d sent", pass)
	}
	return nil
}

// readFiles reads the records of each file received.
func readFiles(ctx context.Context, paths <-chan string, records chan<- *Record) error {
	for path := range paths {
		err := ReadChunk(path, func(r *Record) error {
			if err := r.Validate(); err != nil {
				return errors.WithMessagef(err, "chunk %q", path)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case records <- r:
				return nil
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// assembleBatches shuffles the records with a buffer of ShuffleBuffer records, and groups them
// into batches.
func (s *FileSource) assembleBatches(ctx context.Context, rng *rand.Rand, records <-chan *Record) error {
	bufferSize := max(s.cfg.ShuffleBuffer, 1)
	buffer := make([]*Record, 0, min(bufferSize, 1<<16))
	batch := NewBatch(s.cfg.BatchSize)
	var batchIdx int
	emit := func(r *Record) error {
		batch.Set(batchIdx, r)
		batchIdx++
		if batchIdx < batch.Size {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.batches <- batch:
		}
		batch = NewBatch(s.cfg.BatchSize)
		batchIdx = 0
		return nil
	}

	for r := range records {
		if len(buffer) < bufferSize {
			buffer = append(buffer, r)
			continue
		}
		// Take a random record out of the buffer, and replace it by the new one.
		idx := rng.IntN(len(buffer))
		buffer[idx], r = r, buffer[idx]
		if err := emit(r); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Flush the remaining records.
	rng.Shuffle(len(buffer), func(i, j int) { buffer[i], buffer[j] = buffer[j], buffer[i] })
	for _, r := range buffer {
		if err := emit(r); err != nil {
			return err
		}
	}
	if batchIdx > 0 {
		klog.V(1).Infof("Dropped %d positions that didn't fill a last batch", batchIdx)
	}
	return nil
}

// Next implements Source.
//
// It returns io.EOF when all files have been read (only if not looping), or the error that
// stopped the pipeline.
func (s *FileSource) Next(ctx context.Context) (*Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch, ok := <-s.batches:
		if ok {
			return batch, nil
		}
	}
	if err := s.group.Wait(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close stops the pipeline and waits for its goroutines to finish.
func (s *FileSource) Close() error {
	s.cancel()
	// Drain batches so the assembler is not blocked.
	for range s.batches {
	}
	err := s.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
