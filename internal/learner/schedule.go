package learner

import "math"

// StepSchedule reduces the learning rate by Factor every EveryNEpochs epochs, down to Min.
type StepSchedule struct {
	Initial      float64
	EveryNEpochs int
	Factor       float64
	Min          float64
}

// LearningRate for the given epoch (starting at 0).
// If EveryNEpochs <= 0, the learning rate is constant.
func (s StepSchedule) LearningRate(epoch int) float64 {
	if s.EveryNEpochs <= 0 || s.Factor <= 0 {
		return s.Initial
	}
	lr := s.Initial / math.Pow(s.Factor, float64(epoch/s.EveryNEpochs))
	return max(lr, s.Min)
}
