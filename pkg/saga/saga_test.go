package saga

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/state"
)

type recorder struct {
	calls []string
}

func (r *recorder) step(name string, fail int, err error) Step {
	remaining := fail
	return Step{Name: name, Run: func(ctx context.Context, data Data) error {
		r.calls = append(r.calls, name)
		if remaining > 0 {
			remaining--
			return err
		}
		data[name] = "ok"
		return nil
	}}
}

func newTestRunner(j state.Journal, retries int) *Runner {
	r := NewRunner(j, Options{Retries: retries, Backoff: time.Millisecond}, logr.Discard(), nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRun_AllStepsInOrder(t *testing.T) {
	j := state.NewMockJournal()
	rec := &recorder{}
	r := newTestRunner(j, 0)

	data, err := r.Run(context.Background(), Saga{
		Kind:  state.SagaKindLink,
		Key:   "link/42/7",
		Steps: []Step{rec.step("a", 0, nil), rec.step("b", 0, nil), rec.step("c", 0, nil)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rec.calls)
	assert.Equal(t, "ok", data["c"])

	stored, err := j.Load("link/42/7")
	require.NoError(t, err)
	assert.Equal(t, state.SagaStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.LastCompleted)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	j := state.NewMockJournal()
	rec := &recorder{}
	r := newTestRunner(j, 2)

	_, err := r.Run(context.Background(), Saga{
		Kind:  state.SagaKindLink,
		Key:   "link/1/1",
		Steps: []Step{rec.step("a", 2, errors.New("flaky"))},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a", "a"}, rec.calls)

	stored, err := j.Load("link/1/1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.History[0].Attempt)
}

func TestRun_FailureStopsAndResumes(t *testing.T) {
	j := state.NewMockJournal()
	rec := &recorder{}
	r := newTestRunner(j, 1)

	boom := errors.New("boom")
	steps := func(failB int) []Step {
		return []Step{rec.step("a", 0, nil), rec.step("b", failB, boom), rec.step("c", 0, nil)}
	}

	_, err := r.Run(context.Background(), Saga{Kind: state.SagaKindLink, Key: "link/42/7", Steps: steps(5)})
	require.Error(t, err)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "b", stepErr.Step)
	assert.Equal(t, 2, stepErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b", "b"}, rec.calls)

	stored, err := j.Load("link/42/7")
	require.NoError(t, err)
	assert.Equal(t, state.SagaStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.LastCompleted)
	assert.Equal(t, "ok", stored.Data["a"])

	rec.calls = nil
	data, err := r.Run(context.Background(), Saga{Kind: state.SagaKindLink, Key: "link/42/7", Steps: steps(0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, rec.calls)
	assert.Equal(t, "ok", data["a"], "data from the first run is restored")

	stored, err = j.Load("link/42/7")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Runs)
}

func TestRun_CompletedRecordStartsOver(t *testing.T) {
	j := state.NewMockJournal()
	rec := &recorder{}
	r := newTestRunner(j, 0)
	s := Saga{Kind: state.SagaKindLink, Key: "link/42/7", Steps: []Step{rec.step("a", 0, nil)}}

	_, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	first, _ := j.Load("link/42/7")

	_, err = r.Run(context.Background(), s)
	require.NoError(t, err)
	second, _ := j.Load("link/42/7")

	assert.Equal(t, []string{"a", "a"}, rec.calls)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRun_ChangedStepsStartOver(t *testing.T) {
	j := state.NewMockJournal()
	j.Put(&state.SagaRecord{
		Key: "link/42/7", Kind: state.SagaKindLink, Steps: []string{"x", "y"},
		LastCompleted: 0, Status: state.SagaStatusFailed,
	})
	rec := &recorder{}
	r := newTestRunner(j, 0)

	_, err := r.Run(context.Background(), Saga{Kind: state.SagaKindLink, Key: "link/42/7",
		Steps: []Step{rec.step("a", 0, nil), rec.step("b", 0, nil)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.calls)
}

func TestRun_PermanentErrorIsNotRetried(t *testing.T) {
	j := state.NewMockJournal()
	calls := 0
	r := newTestRunner(j, 3)

	_, err := r.Run(context.Background(), Saga{Kind: state.SagaKindCreate, Key: "create/1", Steps: []Step{{
		Name: "create",
		Run: func(context.Context, Data) error {
			calls++
			return Permanent(errors.New("invalid"))
		},
	}}})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRun_OptionalStepFailureContinues(t *testing.T) {
	j := state.NewMockJournal()
	rec := &recorder{}
	r := newTestRunner(j, 1)

	optional := rec.step("b", 5, errors.New("404"))
	optional.Optional = true
	_, err := r.Run(context.Background(), Saga{Kind: state.SagaKindUnlink, Key: "unlink/42/7",
		Steps: []Step{rec.step("a", 0, nil), optional, rec.step("c", 0, nil)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "b", "c"}, rec.calls)

	stored, err := j.Load("unlink/42/7")
	require.NoError(t, err)
	assert.Equal(t, state.SagaStatusCompleted, stored.Status)
	require.Len(t, stored.History, 3)
	assert.Equal(t, state.StepStatusSkipped, stored.History[1].Status)
	assert.Equal(t, "404", stored.History[1].Error)
}

func TestRun_ContextCancelled(t *testing.T) {
	j := state.NewMockJournal()
	rec := &recorder{}
	r := newTestRunner(j, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, Saga{Kind: state.SagaKindLink, Key: "k", Steps: []Step{rec.step("a", 0, nil)}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.calls)
}

func TestRun_JournalFailureDoesNotStopSaga(t *testing.T) {
	j := state.NewMockJournal()
	j.SaveError = errors.New("disk full")
	rec := &recorder{}
	r := newTestRunner(j, 0)

	_, err := r.Run(context.Background(), Saga{Kind: state.SagaKindLink, Key: "k",
		Steps: []Step{rec.step("a", 0, nil), rec.step("b", 0, nil)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.calls)
}

func TestRun_RecordsMetrics(t *testing.T) {
	m := metrics.NewRecorder()
	j := state.NewMockJournal()
	rec := &recorder{}
	r := NewRunner(j, Options{Retries: 1}, logr.Discard(), m)

	_, err := r.Run(context.Background(), Saga{Kind: state.SagaKindUnlink, Key: "unlink/1/1",
		Steps: []Step{rec.step("dissociate", 1, errors.New("flaky"))}})
	require.NoError(t, err)

	expected := `
# HELP storylink_saga_steps_total Saga steps executed by saga kind, step and outcome
# TYPE storylink_saga_steps_total counter
storylink_saga_steps_total{kind="unlink",outcome="done",step="dissociate"} 1
storylink_saga_steps_total{kind="unlink",outcome="retried",step="dissociate"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "storylink_saga_steps_total"))
}

func TestBackoff(t *testing.T) {
	r := NewRunner(state.NewMockJournal(), Options{Backoff: 10 * time.Millisecond, Retries: -1}, logr.Discard(), nil)
	assert.Equal(t, 0, r.opts.Retries)
	assert.Equal(t, 10*time.Millisecond, r.backoff(1))
	assert.Equal(t, 40*time.Millisecond, r.backoff(3))
}
