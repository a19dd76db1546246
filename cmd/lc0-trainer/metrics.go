package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/lc0go/internal/learner"
	"github.com/pkg/errors"
)

const (
	phaseTrain      = "train"
	phaseValidation = "validation"
)

// metricsFloat is encoded as null if not finite, which JSON can't represent.
type metricsFloat float32

func (f metricsFloat) MarshalJSON() ([]byte, error) {
	v := float32(f)
	if math32.IsNaN(v) || math32.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, float64(v), 'g', -1, 32), nil
}

// metricsRecord is one line of the metrics file.
type metricsRecord struct {
	Phase        string       `json:"phase"`
	Epoch        int          `json:"epoch"`
	GlobalStep   int64        `json:"global_step"`
	Policy       metricsFloat `json:"policy"`
	Value        metricsFloat `json:"value"`
	MovesLeft    metricsFloat `json:"moves_left"`
	Total        metricsFloat `json:"total"`
	GradNorm     metricsFloat `json:"grad_norm,omitempty"`
	Skipped      bool         `json:"skipped,omitempty"`
	LearningRate float64      `json:"learning_rate,omitempty"`
	LossScale    float64      `json:"loss_scale,omitempty"`
	Batches      int          `json:"batches,omitempty"`
	Time         time.Time    `json:"time"`
}

// metricsWriter appends metricsRecord lines (JSONL) to a file. A nil *metricsWriter discards everything.
type metricsWriter struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// metricsPath returns the -metrics flag or, if not set, "metrics.jsonl" in the checkpoint directory.
// It returns "" if there is nowhere to write to.
func metricsPath(l *learner.Learner) string {
	if *flagMetrics != "" {
		return *flagMetrics
	}
	if dir := l.CheckpointDir(); dir != "" {
		return filepath.Join(dir, "metrics.jsonl")
	}
	return ""
}

// openMetrics for appending, so a resumed training continues the same file.
// If path is empty it returns a nil (discarding) writer.
func openMetrics(path string) (*metricsWriter, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics file %q", path)
	}
	buf := bufio.NewWriter(f)
	return &metricsWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (m *metricsWriter) write(record *metricsRecord) error {
	if m == nil {
		return nil
	}
	record.Time = time.Now()
	if err := m.enc.Encode(record); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %q", m.f.Name())
	}
	return nil
}

// trainStep records the losses of one training step.
func (m *metricsWriter) trainStep(l *learner.Learner, epoch int, losses learner.Losses) error {
	return m.write(&metricsRecord{
		Phase:        phaseTrain,
		Epoch:        epoch,
		GlobalStep:   l.GlobalStep(),
		Policy:       metricsFloat(losses.Policy),
		Value:        metricsFloat(losses.Value),
		MovesLeft:    metricsFloat(losses.MovesLeft),
		Total:        metricsFloat(losses.Total),
		GradNorm:     metricsFloat(losses.GradNorm),
		Skipped:      losses.Skipped,
		LearningRate: l.LearningRate(),
		LossScale:    l.LossScale(),
	})
}

// validation records the mean losses over numBatches validation batches.
func (m *metricsWriter) validation(l *learner.Learner, epoch int, mean learner.Losses, numBatches int) error {
	return m.write(&metricsRecord{
		Phase:      phaseValidation,
		Epoch:      epoch,
		GlobalStep: l.GlobalStep(),
		Policy:     metricsFloat(mean.Policy),
		Value:      metricsFloat(mean.Value),
		MovesLeft:  metricsFloat(mean.MovesLeft),
		Total:      metricsFloat(mean.Total),
		Batches:    numBatches,
	})
}

// Flush buffered records to the file.
func (m *metricsWriter) Flush() error {
	if m == nil {
		return nil
	}
	return errors.Wrapf(m.buf.Flush(), "failed to flush metrics to %q", m.f.Name())
}

// Close flushes and closes the file.
func (m *metricsWriter) Close() error {
	if m == nil {
		return nil
	}
	err := m.Flush()
	if closeErr := m.f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close metrics file %q", m.f.Name())
	}
	return err
}
