package learner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepSchedule(t *testing.T) {
	s := StepSchedule{Initial: 3e-4, EveryNEpochs: 2, Factor: 3, Min: 5e-6}
	want := []float64{3e-4, 3e-4, 1e-4, 1e-4, 1e-4 / 3, 1e-4 / 3, 1e-4 / 9, 1e-4 / 9, 5e-6}
	for epoch, lr := range want {
		assert.InDelta(t, lr, s.LearningRate(epoch), 1e-12, "epoch %d", epoch)
	}
	assert.Equal(t, 5e-6, s.LearningRate(100))

	constant := StepSchedule{Initial: 0.1}
	assert.Equal(t, 0.1, constant.LearningRate(50))
}
