package chunks

import (
	"github.com/chewxy/math32"
	"github.com/janpfeifer/lc0go/internal/network"
	"github.com/pkg/errors"
)

// Batch of training positions: flat float32 slices aligned by the position index.
type Batch struct {
	Size int

	// Inputs shaped [Size, network.InputSize].
	Inputs []float32

	// Policy targets shaped [Size, network.PolicySize].
	Policy []float32

	// WDL targets shaped [Size, network.WDLSize].
	WDL []float32

	// MovesLeft targets (in plies) shaped [Size, 1].
	MovesLeft []float32
}

// NewBatch allocates a Batch for size positions.
func NewBatch(size int) *Batch {
	return &Batch{
		Size:      size,
		Inputs:    make([]float32, size*network.InputSize),
		Policy:    make([]float32, size*network.PolicySize),
		WDL:       make([]float32, size*network.WDLSize),
		MovesLeft: make([]float32, size),
	}
}

// Set the position idx of the batch from the record.
func (b *Batch) Set(idx int, r *Record) {
	r.FillInputs(b.Inputs[idx*network.InputSize : (idx+1)*network.InputSize])
	r.FillPolicy(b.Policy[idx*network.PolicySize : (idx+1)*network.PolicySize])
	wdl := r.WDL()
	copy(b.WDL[idx*network.WDLSize:(idx+1)*network.WDLSize], wdl[:])
	b.MovesLeft[idx] = r.PliesLeft
}

// Validate checks the shapes of the batch and that all its values are finite.
func (b *Batch) Validate() error {
	if b == nil {
		return errors.New("nil batch")
	}
	if b.Size <= 0 {
		return errors.Errorf("invalid batch size %d", b.Size)
	}
	for _, field := range []struct {
		name   string
		values []float32
		width  int
	}{
		{"inputs", b.Inputs, network.InputSize},
		{"policy", b.Policy, network.PolicySize},
		{"wdl", b.WDL, network.WDLSize},
		{"moves_left", b.MovesLeft, 1},
	} {
		if len(field.values) != b.Size*field.width {
			return errors.Errorf("batch %s has %d values, expected %d (batch size %d x %d)",
				field.name, len(field.values), b.Size*field.width, b.Size, field.width)
		}
		for ii, v := range field.values {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return errors.Errorf("batch %s has non-finite value %g for position #%d",
					field.name, v, ii/field.width)
			}
		}
	}
	return nil
}
