// Package saga runs ordered multi-step writes against systems that offer no
// transactions. Completed steps are journaled; a later run with the same key
// resumes after the last completed step. Nothing is compensated.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/state"
)

// Data carries values between steps and across resumed runs
type Data map[string]string

// StepFunc performs one step. It must be idempotent: a step interrupted
// after its side effect but before the journal write runs again.
type StepFunc func(ctx context.Context, data Data) error

// Step is one named write. A failing Optional step is journaled as skipped
// and the saga carries on.
type Step struct {
	Name     string
	Run      StepFunc
	Optional bool
}

// Saga is an ordered list of steps identified by Key
type Saga struct {
	Kind  state.SagaKind
	Key   string
	Steps []Step
}

// Options configures a Runner
type Options struct {
	Retries int
	Backoff time.Duration
}

// Runner executes sagas against a journal
type Runner struct {
	journal  state.Journal
	opts     Options
	log      logr.Logger
	recorder *metrics.Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner
func NewRunner(journal state.Journal, opts Options, log logr.Logger, rec *metrics.Recorder) *Runner {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Runner{
		journal:  journal,
		opts:     opts,
		log:      log.WithName("saga"),
		recorder: rec,
		sleep:    sleepContext,
	}
}

// Run executes s. When an unfinished record with the same key and step list
// exists, the steps it already completed are skipped and its data restored.
// A required step that still fails after its retries stops the saga; earlier
// steps stay applied.
func (r *Runner) Run(ctx context.Context, s Saga) (Data, error) {
	names := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		names[i] = st.Name
	}

	rec := r.resume(s, names)
	data := Data(rec.Data)
	kind := string(s.Kind)

	for i := range s.Steps {
		step := s.Steps[i]
		if i < rec.NextStep() {
			r.recorder.SagaStep(kind, step.Name, "skipped")
			r.log.V(1).Info("Skipping completed step", "saga", s.Key, "step", step.Name)
			continue
		}

		attempt, err := r.runStep(ctx, kind, s.Key, step, data)
		if err != nil && step.Optional && ctx.Err() == nil {
			r.log.Info("Optional step failed, continuing", "saga", s.Key, "step", step.Name, "error", err.Error())
			if jerr := r.journal.SkipStep(rec, attempt, err); jerr != nil {
				r.log.Error(jerr, "Failed to journal skipped step", "saga", s.Key, "step", step.Name)
			}
			continue
		}
		if err != nil {
			if jerr := r.journal.FailStep(rec, attempt, err); jerr != nil {
				r.log.Error(jerr, "Failed to journal step failure", "saga", s.Key, "step", step.Name)
			}
			return data, &StepError{Saga: s.Key, Step: step.Name, Attempts: attempt, Err: err}
		}

		if jerr := r.journal.CompleteStep(rec, attempt); jerr != nil {
			r.log.Error(jerr, "Failed to journal step completion", "saga", s.Key, "step", step.Name)
		}
	}

	if err := r.journal.Finish(rec); err != nil {
		r.log.Error(err, "Failed to journal saga completion", "saga", s.Key)
	}
	return data, nil
}

// Forget drops the journal record for key so the next run starts fresh
func (r *Runner) Forget(key string) error {
	return r.journal.Delete(key)
}

func (r *Runner) resume(s Saga, names []string) *state.SagaRecord {
	rec, err := r.journal.Load(s.Key)
	switch {
	case err == nil && rec.Status != state.SagaStatusCompleted && rec.Kind == s.Kind && rec.SameSteps(names):
		rec.Runs++
		r.log.Info("Resuming saga", "saga", s.Key, "id", rec.ID, "nextStep", rec.NextStep(), "runs", rec.Runs)
		return rec
	case err != nil && !errors.Is(err, state.ErrNotFound):
		r.log.Error(err, "Failed to load saga journal, starting over", "saga", s.Key)
	}
	return r.journal.Start(s.Kind, s.Key, names)
}

func (r *Runner) runStep(ctx context.Context, kind, key string, step Step, data Data) (int, error) {
	var err error
	attempts := r.opts.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return attempt, cerr
		}

		err = step.Run(ctx, data)
		if err == nil {
			r.recorder.SagaStep(kind, step.Name, "done")
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) || attempt == attempts {
			r.recorder.SagaStep(kind, step.Name, "failed")
			return attempt, err
		}

		r.recorder.SagaStep(kind, step.Name, "retried")
		r.log.V(1).Info("Retrying step", "saga", key, "step", step.Name, "attempt", attempt, "error", err.Error())
		if serr := r.sleep(ctx, r.backoff(attempt)); serr != nil {
			return attempt, serr
		}
	}
	return attempts, err
}

func (r *Runner) backoff(attempt int) time.Duration {
	if r.opts.Backoff <= 0 {
		return 0
	}
	return r.opts.Backoff * time.Duration(1<<(attempt-1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StepError reports the step that stopped a saga
type StepError struct {
	Saga     string
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed after %d attempt(s): %v", e.Saga, e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
