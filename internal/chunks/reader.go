package chunks

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ChunkExt is the extension of the chunk files.
const ChunkExt = ".gz"

// ListChunkFiles returns the sorted list of chunk files under dir (recursively).
func ListChunkFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ChunkExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list chunk files in %q", dir)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no chunk files (%q) found in %q", "*"+ChunkExt, dir)
	}
	slices.Sort(files)
	return files, nil
}

// openChunk opens the chunk file for reading its uncompressed contents.
func openChunk(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open chunk %q", path)
	}
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to read chunk %q", path)
	}
	return &chunkReader{Reader: gz, file: f}, nil
}

type chunkReader struct {
	*gzip.Reader
	file *os.File
}

func (r *chunkReader) Close() error {
	err := r.Reader.Close()
	if fileErr := r.file.Close(); err == nil {
		err = fileErr
	}
	return err
}

// ReadChunk calls fn for each record in the chunk file at path, stopping at the first error.
func ReadChunk(path string, fn func(r *Record) error) error {
	reader, err := openChunk(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	buf := make([]byte, RecordSize)
	for idx := 0; ; idx++ {
		_, err = io.ReadFull(reader, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return errors.Errorf("chunk %q is truncated: record #%d is incomplete", path, idx)
			}
			return errors.Wrapf(err, "failed to read record #%d from chunk %q", idx, path)
		}
		record, err := ParseRecord(buf)
		if err != nil {
			return errors.WithMessagef(err, "record #%d of chunk %q", idx, path)
		}
		if err = fn(record); err != nil {
			return err
		}
	}
}

// WriteChunk writes the records to a gzip'ed chunk file at path.
func WriteChunk(path string, records []*Record) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create chunk %q", path)
	}
	gz := gzip.NewWriter(f)
	for _, r := range records {
		data, err := r.MarshalBinary()
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err = gz.Write(data); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write chunk %q", path)
		}
	}
	if err = gz.Close(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write chunk %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close chunk %q", path)
}

// CountPositions returns the total number of positions (records) in the chunk files, reading them with
// numWorkers files in parallel.
func CountPositions(ctx context.Context, files []string, numWorkers int) (int64, error) {
	var total atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(numWorkers, 1))
	for _, path := range files {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			reader, err := openChunk(path)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()
			n, err := io.Copy(io.Discard, reader)
			if err != nil {
				return errors.Wrapf(err, "failed to read chunk %q", path)
			}
			if n%RecordSize != 0 {
				return errors.Errorf("chunk %q has %d bytes, not a multiple of the record size %d", path, n, RecordSize)
			}
			total.Add(n / RecordSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	klog.V(1).Infof("Counted %d positions in %d chunk files", total.Load(), len(files))
	return total.Load(), nil
}
