package learner

import (
	"bytes"
	"fmt"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/lc0go/internal/generics"
	"github.com/janpfeifer/lc0go/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// extractParams overwrites the context hyperparameters with the values given in params.
// Each key found is removed from params.
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("parameter %q is of unknown type %T", key, defaultValue)
		}
	})
	return err
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func writeHyperparametersHelp(ctx *context.Context) {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model parameters (-model=key1=value1,key2=value2,...):\n")
	values := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		values[key] = value
	})
	for key, value := range generics.SortedKeysAndValues(values) {
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	}
	_, _ = fmt.Fprintf(buf, "\t%q: number of checkpoints to keep, default value is %d\n", paramKeep, defaultKeep)
	klog.Info(buf)
}
