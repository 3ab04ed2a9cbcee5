package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func recordingStep(name string, order *[]string, mu *sync.Mutex, fail bool) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context, sc *StepContext) error {
			if fail {
				return errors.New(name + " failed")
			}
			mu.Lock()
			*order = append(*order, "execute:"+name)
			mu.Unlock()
			return nil
		},
		Compensate: func(ctx context.Context, sc *StepContext) error {
			mu.Lock()
			*order = append(*order, "compensate:"+name)
			mu.Unlock()
			return nil
		},
	}
}

func TestAllStepsSucceedReachesCompleted(t *testing.T) {
	var order []string
	var mu sync.Mutex
	steps := []Step{
		recordingStep("reserve", &order, &mu, false),
		recordingStep("charge", &order, &mu, false),
		recordingStep("ship", &order, &mu, false),
	}
	c := New(Config{}, steps, nil, testLogger())
	d := &Data{SagaID: "s1"}

	err := c.Execute(context.Background(), d, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, d.State)
	assert.Equal(t, []int{0, 1, 2}, d.ExecutionOrder)
	assert.Equal(t, []string{"execute:reserve", "execute:charge", "execute:ship"}, order)
}

func TestFailedStepCompensatesInReverseOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	steps := []Step{
		recordingStep("reserve", &order, &mu, false),
		recordingStep("charge", &order, &mu, false),
		recordingStep("ship", &order, &mu, true),
	}
	c := New(Config{}, steps, nil, testLogger())
	d := &Data{SagaID: "s2"}

	err := c.Execute(context.Background(), d, ExecuteOptions{})
	require.NoError(t, err) // compensation succeeded, so no error returned
	assert.Equal(t, StateCompensated, d.State)
	assert.Equal(t, "ship", d.FailedStep)
	assert.True(t, d.CompensationSucceeded)
	assert.Equal(t, []string{
		"execute:reserve", "execute:charge",
		"compensate:charge", "compensate:reserve",
	}, order)
}

func TestSkipListViaPredicateAdvancesWithoutRecording(t *testing.T) {
	var order []string
	var mu sync.Mutex
	skipStep := recordingStep("optional", &order, &mu, false)
	skipStep.Predicate = func(sc *StepContext) bool { return false }

	steps := []Step{
		recordingStep("reserve", &order, &mu, false),
		skipStep,
		recordingStep("ship", &order, &mu, false),
	}
	c := New(Config{}, steps, nil, testLogger())
	d := &Data{SagaID: "s3"}

	require.NoError(t, c.Execute(context.Background(), d, ExecuteOptions{}))
	assert.Equal(t, StateCompleted, d.State)
	assert.Equal(t, []int{0, 2}, d.ExecutionOrder)
	assert.NotContains(t, order, "execute:optional")
}

func TestResumeFromCurrentStepSkipsAlreadyExecutedSteps(t *testing.T) {
	var order []string
	var mu sync.Mutex
	steps := []Step{
		recordingStep("reserve", &order, &mu, false),
		recordingStep("charge", &order, &mu, false),
	}
	c := New(Config{}, steps, nil, testLogger())
	d := &Data{SagaID: "s4", CurrentStep: 1, State: StateRunning, ExecutionOrder: []int{0}}

	require.NoError(t, c.Execute(context.Background(), d, ExecuteOptions{}))
	assert.Equal(t, StateCompleted, d.State)
	assert.Equal(t, []string{"execute:charge"}, order)
}

func TestExecuteRefusesTerminalSagaWithoutIdempotentResume(t *testing.T) {
	steps := []Step{{Name: "noop", Execute: func(ctx context.Context, sc *StepContext) error { return nil }}}
	c := New(Config{}, steps, nil, testLogger())
	d := &Data{SagaID: "s5", State: StateCompleted, CurrentStep: 1}

	err := c.Execute(context.Background(), d, ExecuteOptions{})
	assert.Error(t, err)
}

func TestExecuteAllowsTerminalSagaWithIdempotentResumeOptIn(t *testing.T) {
	called := false
	steps := []Step{
		{Name: "done", Execute: func(ctx context.Context, sc *StepContext) error { return nil }},
		{Name: "extra", Execute: func(ctx context.Context, sc *StepContext) error { called = true; return nil }},
	}
	c := New(Config{}, steps, nil, testLogger())
	d := &Data{SagaID: "s6", State: StateCompleted, CurrentStep: 1, ExecutionOrder: []int{0}}

	err := c.Execute(context.Background(), d, ExecuteOptions{IdempotentResume: true})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, StateCompleted, d.State)
}

func TestAutoRetryFailedStepsRetriesBeforeFailing(t *testing.T) {
	attempts := 0
	steps := []Step{
		{
			Name: "flaky",
			Execute: func(ctx context.Context, sc *StepContext) error {
				attempts++
				if attempts < 3 {
					return errors.New("transient")
				}
				return nil
			},
		},
	}
	c := New(Config{AutoRetryFailedSteps: true, MaxRetryAttempts: 5, RetryBaseDelay: time.Millisecond}, steps, nil, testLogger())
	d := &Data{SagaID: "s7"}

	require.NoError(t, c.Execute(context.Background(), d, ExecuteOptions{}))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StateCompleted, d.State)
}

func TestContinueCompensationOnErrorKeepsGoingAfterCompensationFailure(t *testing.T) {
	var order []string
	var mu sync.Mutex
	steps := []Step{
		recordingStep("reserve", &order, &mu, false),
		{
			Name:    "charge",
			Execute: func(ctx context.Context, sc *StepContext) error { return nil },
			Compensate: func(ctx context.Context, sc *StepContext) error {
				return errors.New("refund failed")
			},
		},
		recordingStep("ship", &order, &mu, true),
	}
	c := New(Config{ContinueCompensationOnError: true}, steps, nil, testLogger())
	d := &Data{SagaID: "s8"}

	err := c.Execute(context.Background(), d, ExecuteOptions{})
	assert.Error(t, err)
	assert.Equal(t, StateCompensated, d.State)
	assert.False(t, d.CompensationSucceeded)
	assert.Contains(t, order, "compensate:reserve")
}

func TestStepTimeoutTreatedAsFailure(t *testing.T) {
	steps := []Step{
		{
			Name:    "slow",
			Timeout: 10 * time.Millisecond,
			Execute: func(ctx context.Context, sc *StepContext) error {
				select {
				case <-time.After(time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	}
	c := New(Config{}, steps, nil, testLogger())
	d := &Data{SagaID: "s9"}

	err := c.Execute(context.Background(), d, ExecuteOptions{})
	assert.Error(t, err)
	assert.Equal(t, StateCompensated, d.State)
	assert.Equal(t, "slow", d.FailedStep)
}

func TestAutoPersistSavesToStoreOnEveryTransition(t *testing.T) {
	store := NewMemStore()
	steps := []Step{
		{Name: "a", Execute: func(ctx context.Context, sc *StepContext) error { return nil }},
	}
	c := New(Config{AutoPersist: true}, steps, store, testLogger())
	d := &Data{SagaID: "s10"}

	require.NoError(t, c.Execute(context.Background(), d, ExecuteOptions{}))

	loaded, err := store.Load(context.Background(), "s10")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, loaded.State)
	assert.Greater(t, loaded.Version, 0)
}

func TestHooksFireOnCompletionAndCompensation(t *testing.T) {
	var completedCalled, compensatedCalled bool
	steps := []Step{
		{Name: "ok", Execute: func(ctx context.Context, sc *StepContext) error { return nil }},
	}
	hooks := Hooks{
		OnCompleted:   func(d *Data) { completedCalled = true },
		OnCompensated: func(d *Data) { compensatedCalled = true },
	}
	c := New(Config{Hooks: hooks}, steps, nil, testLogger())
	require.NoError(t, c.Execute(context.Background(), &Data{SagaID: "s11"}, ExecuteOptions{}))
	assert.True(t, completedCalled)
	assert.False(t, compensatedCalled)
}
