package orchestrator

import (
	"github.com/rs/zerolog"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/metrics"
)

// compensation is one undo action, named after the resource it releases.
type compensation struct {
	name string
	fn   func() error
}

// rollbackStack collects compensations as a provision makes forward
// progress. Only resources created by the current run are pushed; shared
// infrastructure that predates the run is never a candidate for undo.
type rollbackStack struct {
	actions []compensation
	logger  zerolog.Logger
}

func newRollbackStack() *rollbackStack {
	return &rollbackStack{logger: log.WithComponent("rollback")}
}

// push records an undo action for a step that completed.
func (r *rollbackStack) push(name string, fn func() error) {
	r.actions = append(r.actions, compensation{name: name, fn: fn})
}

// execute runs the recorded compensations in reverse order. The first
// failing compensation stops execution: continuing past a failed undo could
// release resources that the failed one still references. The returned
// error carries the original cause, the compensation failure, and the names
// of every action that never ran.
func (r *rollbackStack) execute(cause error) error {
	r.logger.Warn().Err(cause).Int("actions", len(r.actions)).Msg("rolling back")

	for i := len(r.actions) - 1; i >= 0; i-- {
		act := r.actions[i]
		r.logger.Info().Str("action", act.name).Msg("compensating")
		if err := act.fn(); err != nil {
			metrics.RollbackActionsTotal.WithLabelValues("failed").Inc()
			metrics.RollbacksTotal.WithLabelValues("failed").Inc()

			var indeterminate []string
			for j := i; j >= 0; j-- {
				indeterminate = append(indeterminate, r.actions[j].name)
			}
			r.logger.Error().Err(err).Str("action", act.name).
				Strs("indeterminate", indeterminate).
				Msg("compensation failed, manual cleanup required")
			return &errdefs.RollbackError{
				Cause:         cause,
				ActionErr:     err,
				Indeterminate: indeterminate,
			}
		}
		metrics.RollbackActionsTotal.WithLabelValues("succeeded").Inc()
	}

	metrics.RollbacksTotal.WithLabelValues("succeeded").Inc()
	r.logger.Info().Msg("rollback complete")
	return nil
}
