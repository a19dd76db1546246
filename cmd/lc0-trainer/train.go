package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/lc0go/internal/chunks"
	"github.com/janpfeifer/lc0go/internal/learner"
	"github.com/janpfeifer/lc0go/internal/ui/progress"
	"github.com/janpfeifer/lc0go/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

// averageLosses keeps moving averages of the losses of the training steps.
type averageLosses struct {
	learner.Losses
	count, skipped int
}

func (a *averageLosses) update(losses learner.Losses) {
	if losses.Skipped {
		a.skipped++
	}
	if math32.IsNaN(losses.Total) || math32.IsInf(losses.Total, 0) {
		return
	}
	a.count++
	a.Policy = movingAverage(a.Policy, losses.Policy, averageLossDecay, a.count)
	a.Value = movingAverage(a.Value, losses.Value, averageLossDecay, a.count)
	a.MovesLeft = movingAverage(a.MovesLeft, losses.MovesLeft, averageLossDecay, a.count)
	a.Total = movingAverage(a.Total, losses.Total, averageLossDecay, a.count)
	if !losses.Skipped {
		a.GradNorm = movingAverage(a.GradNorm, losses.GradNorm, averageLossDecay, a.count)
	}
}

func (a *averageLosses) String() string {
	return fmt.Sprintf("~loss=%.4f (policy=%.4f, value=%.4f, moves_left=%.4f), ~grad_norm=%.3f",
		a.Total, a.Policy, a.Value, a.MovesLeft, a.GradNorm)
}

// stepsPerEpoch returns the -steps_per_epoch flag or, if not set, the number of batches of the training data.
func stepsPerEpoch(ctx context.Context, files []string, batchSize int) (int, error) {
	if *flagStepsPerEpoch > 0 {
		return *flagStepsPerEpoch, nil
	}
	spinner := spinning.New(ctx, fmt.Sprintf("Counting positions in %d files", len(files)))
	numPositions, err := chunks.CountPositions(ctx, files, max(*flagNumWorkers, 1))
	spinner.Done()
	if err != nil {
		return 0, err
	}
	steps := int(numPositions / int64(batchSize))
	if steps == 0 {
		return 0, errors.Errorf("only %d positions in the training data, not enough for one batch of %d", numPositions, batchSize)
	}
	fmt.Printf("\t- %d positions in %d files: %d steps per epoch\n", numPositions, len(files), steps)
	return steps, nil
}

func fileSourceConfig(batchSize int) chunks.FileSourceConfig {
	cfg := chunks.DefaultFileSourceConfig()
	cfg.BatchSize = batchSize
	cfg.NumWorkers = max(*flagNumWorkers, 1)
	cfg.ShuffleBuffer = *flagShuffleBuffer
	cfg.Seed = *flagSeed
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return cfg
}

// train the learner for -epochs epochs, saving a checkpoint after each epoch.
// If ctx is cancelled (interrupted), it saves the model and returns.
func train(ctx context.Context, l *learner.Learner) error {
	files, err := chunks.ListChunkFiles(*flagData)
	if err != nil {
		return err
	}
	batchSize := l.BatchSize()
	numSteps, err := stepsPerEpoch(ctx, files, batchSize)
	if err != nil {
		return err
	}
	source, err := chunks.NewFileSource(ctx, files, fileSourceConfig(batchSize))
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			klog.Errorf("Failed to close training data source: %+v", err)
		}
	}()

	metrics, err := openMetrics(metricsPath(l))
	if err != nil {
		return err
	}
	defer func() {
		if err := metrics.Close(); err != nil {
			klog.Errorf("Failed to close metrics: %+v", err)
		}
	}()

	schedule := learner.StepSchedule{
		Initial:      l.Config().LearningRate,
		EveryNEpochs: *flagReduceLREveryNEpochs,
		Factor:       *flagReduceLRFactor,
		Min:          *flagMinLearningRate,
	}
	line := progress.New(os.Stdout)
	for epoch := range *flagEpochs {
		lr := schedule.LearningRate(epoch)
		l.SetLearningRate(lr)
		fmt.Printf("\nEpoch #%d - %s - learning rate %g\n", epoch, time.Now().Format("2006-01-02 15:04:05"), lr)
		err = trainEpoch(ctx, l, source, numSteps, line, metrics, epoch)
		line.Done()
		if err != nil {
			return err
		}
		if err = metrics.Flush(); err != nil {
			return err
		}
		if err = l.Save(); err != nil {
			return errors.WithMessagef(err, "failed to save model after epoch %d", epoch)
		}
		if ctx.Err() != nil {
			fmt.Println("Interrupted, model saved.")
			return nil
		}
		if err = validate(ctx, l, metrics, epoch); err != nil {
			return err
		}
	}
	return nil
}

// trainEpoch runs numSteps training steps. It returns early, without error, if ctx is cancelled.
// Each step is recorded in metrics.
func trainEpoch(ctx context.Context, l *learner.Learner, source chunks.Source, numSteps int, line *progress.Line,
	metrics *metricsWriter, epoch int) error {
	var averages averageLosses
	start := time.Now()
	for step := range numSteps {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithMessagef(err, "failed to read batch for step %d", step)
		}
		losses, err := l.TrainStep(batch)
		if err != nil {
			return err
		}
		averages.update(losses)
		if err = metrics.trainStep(l, epoch, losses); err != nil {
			return err
		}
		line.Update(fmt.Sprintf("%d/%d", step+1, numSteps), "%s, skipped=%d, global_step=%d, elapsed=%s",
			&averages, averages.skipped, l.GlobalStep(), time.Since(start).Round(time.Second))
	}
	if lossScale := l.LossScale(); lossScale > 0 {
		klog.V(1).Infof("Loss scale at the end of the epoch: %g", lossScale)
	}
	return nil
}

// validate evaluates -validation_steps batches from -validation_data, if given, and prints and records
// the average losses.
func validate(ctx context.Context, l *learner.Learner, metrics *metricsWriter, epoch int) error {
	if *flagValidationData == "" || *flagValidationSteps <= 0 {
		return nil
	}
	files, err := chunks.ListChunkFiles(*flagValidationData)
	if err != nil {
		return err
	}
	cfg := fileSourceConfig(l.BatchSize())
	cfg.Loop = false
	cfg.Seed = 1
	source, err := chunks.NewFileSource(ctx, files, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	var sum learner.Losses
	var count int
	for range *flagValidationSteps {
		batch, err := source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessage(err, "failed to read validation batch")
		}
		losses, err := l.Loss(batch)
		if err != nil {
			return err
		}
		sum.Policy += losses.Policy
		sum.Value += losses.Value
		sum.MovesLeft += losses.MovesLeft
		sum.Total += losses.Total
		count++
	}
	if count == 0 {
		klog.Warningf("No complete validation batch in %s", *flagValidationData)
		return nil
	}
	n := float32(count)
	mean := learner.Losses{Policy: sum.Policy / n, Value: sum.Value / n, MovesLeft: sum.MovesLeft / n, Total: sum.Total / n}
	fmt.Printf("\t- Validation (%d batches): loss=%.4f (policy=%.4f, value=%.4f, moves_left=%.4f)\n",
		count, mean.Total, mean.Policy, mean.Value, mean.MovesLeft)
	if err = metrics.validation(l, epoch, mean, count); err != nil {
		return err
	}
	return metrics.Flush()
}
