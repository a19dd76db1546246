// lc0-trainer trains a Leela Chess Zero style network (residual tower with squeeze-excite, and
// policy, value and moves-left heads) from lc0 V6 training chunks.
//
// It works by:
//  1. Counting the positions in the training data, to define the number of steps per epoch.
//  2. Training for -epochs epochs, with the learning rate reduced every -reduce_lr_every_n_epochs.
//  3. Saving a checkpoint at the end of each epoch, and when interrupted (Ctrl+C).
//
// The model is configured with -model, use -model=help to list the hyperparameters.
//
// See -help for flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/janpfeifer/lc0go/internal/learner"
	"github.com/janpfeifer/lc0go/internal/parameters"
	"github.com/janpfeifer/lc0go/internal/profilers"
	"github.com/janpfeifer/lc0go/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagModel = flag.String("model", "", "Model configuration, as a list of key=value separated by commas. "+
		"Use -model=help to list the hyperparameters. If a checkpoint exists, its hyperparameters are used, "+
		"except those given here.")

	flagData            = flag.String("data", "", "Directory with the training chunks (*.gz), searched recursively.")
	flagValidationData  = flag.String("validation_data", "", "Optional directory with chunks to evaluate at the end of each epoch.")
	flagValidationSteps = flag.Int("validation_steps", 10, "Number of batches evaluated from -validation_data.")
	flagCheckpoint      = flag.String("checkpoint", "", "Directory where to save the model. If it has a checkpoint, training continues from it.")
	flagKeep            = flag.Int("keep", 10, "Number of checkpoints to keep.")
	flagBatchSize       = flag.Int("batch_size", 0, "Batch size. If 0 it uses the model's \"batch_size\".")
	flagNumWorkers      = flag.Int("workers", 1, "Number of goroutines reading and decoding chunks.")
	flagShuffleBuffer   = flag.Int("shuffle_buffer", 1<<19, "Number of positions held to shuffle the training data.")
	flagEpochs          = flag.Int("epochs", 99, "Number of epochs to train.")
	flagSeed            = flag.Uint64("seed", 0, "Seed for the shuffling of the training data. If 0 a time based seed is used.")

	flagMetrics = flag.String("metrics", "", "File where to append the losses of every step and validation, one JSON "+
		"object per line. If empty, it is \"metrics.jsonl\" in the -checkpoint directory.")

	flagStepsPerEpoch = flag.Int("steps_per_epoch", 0, "Training steps per epoch. If 0, it is the number of positions "+
		"in the training data divided by the batch size.")

	flagReduceLREveryNEpochs = flag.Int("reduce_lr_every_n_epochs", 0, "Divide the learning rate by -reduce_lr_factor "+
		"every so many epochs. If 0 the learning rate is constant.")

	flagReduceLRFactor  = flag.Float64("reduce_lr_factor", 3, "Factor to divide the learning rate by, see -reduce_lr_every_n_epochs.")
	flagMinLearningRate = flag.Float64("min_learning_rate", 5e-6, "Minimum learning rate, see -reduce_lr_every_n_epochs.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 30*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	l, err := createLearner()
	if errors.Is(err, learner.ErrHelpRequested) {
		return
	}
	must.M(err)
	defer l.Finalize()
	fmt.Printf("Model: %s\n", l)
	must.M(train(globalCtx, l))
}

// createLearner from the flags.
func createLearner() (*learner.Learner, error) {
	if *flagData == "" && *flagModel != "help" {
		return nil, errors.New("training data directory must be given with -data")
	}
	params := parameters.NewFromConfigString(*flagModel)
	params["keep"] = strconv.Itoa(*flagKeep)
	if *flagBatchSize > 0 {
		params[learner.ParamBatchSize] = strconv.Itoa(*flagBatchSize)
	}
	l, err := learner.New(*flagCheckpoint, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model with -model=%q", *flagModel)
	}
	if *flagCheckpoint == "" {
		klog.Warningf("No -checkpoint given, the trained model will not be saved")
	}
	return l, nil
}
