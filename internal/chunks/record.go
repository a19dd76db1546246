// Package chunks reads the training data: gzip'ed "chunk" files with lc0 V6 training records, one per
// position, and assembles them into shuffled batches for the learner.
package chunks

import (
	"encoding/binary"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/lc0go/internal/network"
	"github.com/pkg/errors"
)

// RecordSize is the size in bytes of one V6 training record.
const RecordSize = 8356

// NumHistoryPlanes is the number of bit-packed planes stored in the record. The remaining
// network.InputPlanes are derived from the other fields of the record.
const NumHistoryPlanes = 104

// Record is one V6 training record, as stored in the chunk files (little-endian, no padding).
type Record struct {
	Version     uint32
	InputFormat uint32

	// Probabilities of each move, -1 for illegal moves.
	Probabilities [network.PolicySize]float32

	// Planes of the last 8 positions, one bit per square.
	Planes [NumHistoryPlanes]uint64

	CastlingUsOOO, CastlingUsOO, CastlingThemOOO, CastlingThemOO uint8

	// SideToMove is 1 if black is to move.
	SideToMove  uint8
	Rule50Count uint8
	Invariance  uint8
	Dummy       uint8

	RootQ, BestQ, RootD, BestD, RootM, BestM float32

	// PliesLeft in the game from this position.
	PliesLeft float32

	// ResultQ and ResultD are the game result (from the side to move) and the draw probability.
	ResultQ, ResultD float32

	PlayedQ, PlayedD, PlayedM float32
	OrigQ, OrigD, OrigM       float32

	Visits             uint32
	PlayedIdx, BestIdx uint16
	PolicyKLD          float32
	Reserved           uint32
}

// ParseRecord decodes one record from data, which must be exactly RecordSize bytes.
func ParseRecord(data []byte) (*Record, error) {
	if len(data) != RecordSize {
		return nil, errors.Errorf("training record has %d bytes, expected %d", len(data), RecordSize)
	}
	r := &Record{}
	if _, err := binary.Decode(data, binary.LittleEndian, r); err != nil {
		return nil, errors.Wrap(err, "failed to decode training record")
	}
	if r.Version != 6 {
		return nil, errors.Errorf("unsupported training record version %d, only version 6 is supported", r.Version)
	}
	return r, nil
}

// MarshalBinary encodes the record in the chunk file format.
func (r *Record) MarshalBinary() ([]byte, error) {
	data := make([]byte, RecordSize)
	if _, err := binary.Encode(data, binary.LittleEndian, r); err != nil {
		return nil, errors.Wrap(err, "failed to encode training record")
	}
	return data, nil
}

// WDL returns the win/draw/loss probabilities of the game result, from the point of view of the side to move.
func (r *Record) WDL() [network.WDLSize]float32 {
	q, d := r.ResultQ, r.ResultD
	return [network.WDLSize]float32{(1 - d + q) / 2, d, (1 - d - q) / 2}
}

// squareBit returns whether square (0 to 63, rank major) is set in plane.
func squareBit(plane uint64, square int) bool {
	row, col := square/network.BoardSize, square%network.BoardSize
	return (plane>>(8*row+7-col))&1 == 1
}

// FillInputs writes the network.InputPlanes planes of the position in dst, which must have
// network.InputSize elements.
func (r *Record) FillInputs(dst []float32) {
	const planeSize = network.BoardSize * network.BoardSize
	for planeIdx, plane := range r.Planes {
		values := dst[planeIdx*planeSize : (planeIdx+1)*planeSize]
		for square := range values {
			if squareBit(plane, square) {
				values[square] = 1
			} else {
				values[square] = 0
			}
		}
	}
	aux := [network.InputPlanes - NumHistoryPlanes]float32{
		float32(r.CastlingUsOOO),
		float32(r.CastlingUsOO),
		float32(r.CastlingThemOOO),
		float32(r.CastlingThemOO),
		float32(r.SideToMove),
		float32(r.Rule50Count) / 99,
		0,
		1,
	}
	for ii, value := range aux {
		planeIdx := NumHistoryPlanes + ii
		values := dst[planeIdx*planeSize : (planeIdx+1)*planeSize]
		for square := range values {
			values[square] = value
		}
	}
}

// FillPolicy writes the target move probabilities in dst (network.PolicySize elements): illegal moves get 0.
func (r *Record) FillPolicy(dst []float32) {
	for ii, p := range r.Probabilities {
		dst[ii] = max(p, 0)
	}
}

// Validate checks that the targets of the record are finite.
func (r *Record) Validate() error {
	for ii, p := range r.Probabilities {
		if math32.IsNaN(p) || math32.IsInf(p, 0) {
			return errors.Errorf("training record has invalid probability %g for move #%d", p, ii)
		}
	}
	for _, v := range []float32{r.ResultQ, r.ResultD, r.PliesLeft} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Errorf("training record has invalid result (q=%g, d=%g) or plies left (%g)",
				r.ResultQ, r.ResultD, r.PliesLeft)
		}
	}
	return nil
}
