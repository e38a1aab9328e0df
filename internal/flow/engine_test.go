package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/types"
)

// confirmHandler is the canonical two-step flow: a confirm form, then done.
func confirmHandler() Steps {
	return Steps{
		InitStep: func(ctx context.Context, input Input) (Result, error) {
			return Form("confirm", nil), nil
		},
		"confirm": func(ctx context.Context, input Input) (Result, error) {
			return CreateEntry("", nil), nil
		},
	}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("flow-%d", n)
	}
}

func TestStartAndAdvance(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(WithIDGenerator(sequentialIDs()))

	res, err := e.Start(ctx, "fake_integration", confirmHandler(), types.Key("fake_integration", "issue_1"))
	require.NoError(t, err)
	assert.Equal(t, ResultForm, res.Type)
	assert.Equal(t, "confirm", res.StepID)
	assert.Equal(t, "flow-1", res.FlowID)
	assert.Equal(t, "fake_integration", res.Handler)
	assert.Equal(t, 1, e.Len())

	res, err = e.Advance(ctx, res.FlowID, Input{})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, "flow-1", res.FlowID)
	assert.Equal(t, 0, e.Len())

	// Late advance on a finished flow.
	_, err = e.Advance(ctx, "flow-1", nil)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestStartRequiresInitStep(t *testing.T) {
	e := NewEngine()
	_, err := e.Start(context.Background(), "x", Steps{"confirm": confirmHandler()["confirm"]}, nil)
	if !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("expected ErrInvalidHandler, got %v", err)
	}
	_, err = e.Start(context.Background(), "x", nil, nil)
	if !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("expected ErrInvalidHandler for nil handler, got %v", err)
	}
	var typedNil *pointerHandler
	_, err = e.Start(context.Background(), "x", typedNil, nil)
	if !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("expected ErrInvalidHandler for typed nil handler, got %v", err)
	}
	if e.Len() != 0 {
		t.Errorf("rejected handler must not create a session")
	}
}

type pointerHandler struct{ steps Steps }

func (h *pointerHandler) Steps() Steps { return h.steps }

func TestAdvanceUnknownFlow(t *testing.T) {
	e := NewEngine()
	_, err := e.Advance(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStepFailuresBecomeAbort(t *testing.T) {
	tests := []struct {
		name   string
		step   StepFunc
		reason string
	}{
		{
			name: "error",
			step: func(ctx context.Context, input Input) (Result, error) {
				return Result{}, errors.New("disk full")
			},
			reason: "disk full",
		},
		{
			name: "panic",
			step: func(ctx context.Context, input Input) (Result, error) {
				panic("boom")
			},
			reason: "panicked: boom",
		},
		{
			name: "form for unknown step",
			step: func(ctx context.Context, input Input) (Result, error) {
				return Form("missing", nil), nil
			},
			reason: `unknown step "missing"`,
		},
		{
			name: "zero result",
			step: func(ctx context.Context, input Input) (Result, error) {
				return Result{}, nil
			},
			reason: "invalid result type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			var finished []Result
			e := NewEngine(WithFinishHook(func(ctx context.Context, info SessionInfo, res Result) {
				finished = append(finished, res)
			}))
			steps := Steps{
				InitStep: func(ctx context.Context, input Input) (Result, error) {
					return Form("next", nil), nil
				},
				"next": tt.step,
			}

			start, err := e.Start(ctx, "d", steps, nil)
			require.NoError(t, err)

			res, err := e.Advance(ctx, start.FlowID, nil)
			require.NoError(t, err, "step failures are results, not errors")
			assert.Equal(t, ResultAbort, res.Type)
			assert.Contains(t, res.Reason, tt.reason)
			require.Len(t, finished, 1)
			assert.Equal(t, res, finished[0])
		})
	}
}

func TestInitFailureFinishesImmediately(t *testing.T) {
	ctx := context.Background()
	calls := 0
	e := NewEngine(WithFinishHook(func(ctx context.Context, info SessionInfo, res Result) { calls++ }))
	res, err := e.Start(ctx, "d", Steps{
		InitStep: func(ctx context.Context, input Input) (Result, error) {
			return Abort("not_applicable"), nil
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, "not_applicable", res.Reason)
	assert.Equal(t, 1, calls)

	_, err = e.Advance(ctx, res.FlowID, nil)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestFormReshownWithErrors(t *testing.T) {
	ctx := context.Background()
	schema := Schema{{Name: "count", Type: FieldInteger, Required: true}}
	steps := Steps{
		InitStep: func(ctx context.Context, input Input) (Result, error) {
			return Form("count", schema), nil
		},
		"count": func(ctx context.Context, input Input) (Result, error) {
			if errs := schema.Validate(input); errs != nil {
				return Form("count", schema).WithErrors(errs), nil
			}
			return CreateEntry("done", input), nil
		},
	}
	e := NewEngine()

	res, err := e.Start(ctx, "d", steps, nil)
	require.NoError(t, err)

	res, err = e.Advance(ctx, res.FlowID, Input{"count": "three"})
	require.NoError(t, err)
	assert.Equal(t, ResultForm, res.Type)
	assert.Equal(t, map[string]string{"count": "expected_integer"}, res.Errors)

	res, err = e.Advance(ctx, res.FlowID, Input{"count": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)
	require.NotNil(t, res.Title)
	assert.Equal(t, "done", *res.Title)
}

func TestConcurrentAdvanceIsBusy(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	e := NewEngine()

	res, err := e.Start(ctx, "d", Steps{
		InitStep: func(ctx context.Context, input Input) (Result, error) {
			return Form("slow", nil), nil
		},
		"slow": func(ctx context.Context, input Input) (Result, error) {
			close(entered)
			<-release
			return CreateEntry("", nil), nil
		},
	}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Advance(ctx, res.FlowID, nil)
		done <- err
	}()
	<-entered

	_, err = e.Advance(ctx, res.FlowID, nil)
	assert.ErrorIs(t, err, types.ErrBusy)
	assert.ErrorIs(t, e.Abort(ctx, res.FlowID), types.ErrBusy)

	// Other flows are unaffected while a step runs.
	other, err := e.Start(ctx, "d", confirmHandler(), nil)
	require.NoError(t, err)
	_, err = e.Advance(ctx, other.FlowID, nil)
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	var got []Result
	var infos []SessionInfo
	e := NewEngine(WithFinishHook(func(ctx context.Context, info SessionInfo, res Result) {
		infos = append(infos, info)
		got = append(got, res)
	}))

	key := types.Key("d", "i")
	res, err := e.Start(ctx, "d", confirmHandler(), key)
	require.NoError(t, err)

	require.NoError(t, e.Abort(ctx, res.FlowID))
	require.Len(t, got, 1)
	assert.Equal(t, ResultAbort, got[0].Type)
	assert.Equal(t, res.FlowID, got[0].FlowID)
	assert.Equal(t, key, infos[0].Context)

	assert.ErrorIs(t, e.Abort(ctx, res.FlowID), types.ErrNotFound)
	_, err = e.Advance(ctx, res.FlowID, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2022, 7, 1, 0, 0, 0, 0, time.UTC)
	var expired []string
	e := NewEngine(
		WithClock(func() time.Time { return clock }),
		WithIdleTimeout(10*time.Minute),
		WithFinishedRetention(time.Minute),
		WithFinishHook(func(ctx context.Context, info SessionInfo, res Result) {
			if res.Type == ResultAbort {
				expired = append(expired, info.FlowID)
			}
		}),
	)

	idle, err := e.Start(ctx, "d", confirmHandler(), nil)
	require.NoError(t, err)
	done, err := e.Start(ctx, "d", confirmHandler(), nil)
	require.NoError(t, err)
	_, err = e.Advance(ctx, done.FlowID, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, e.Sweep(ctx, clock.Add(30*time.Second)))

	// Retention elapsed for the finished flow only.
	assert.Equal(t, 1, e.Sweep(ctx, clock.Add(2*time.Minute)))
	_, err = e.Advance(ctx, done.FlowID, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = e.Current(idle.FlowID)
	require.NoError(t, err)

	assert.Equal(t, 1, e.Sweep(ctx, clock.Add(11*time.Minute)))
	assert.Equal(t, []string{idle.FlowID}, expired)
	_, err = e.Advance(ctx, idle.FlowID, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSweepSkipsBusySessions(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2022, 7, 1, 0, 0, 0, 0, time.UTC)
	entered := make(chan struct{})
	release := make(chan struct{})
	e := NewEngine(WithClock(func() time.Time { return clock }), WithIdleTimeout(time.Minute))

	res, err := e.Start(ctx, "d", Steps{
		InitStep: func(ctx context.Context, input Input) (Result, error) {
			return Form("slow", nil), nil
		},
		"slow": func(ctx context.Context, input Input) (Result, error) {
			close(entered)
			<-release
			return Form("slow", nil), nil
		},
	}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Advance(ctx, res.FlowID, nil)
		done <- err
	}()
	<-entered

	assert.Equal(t, 0, e.Sweep(ctx, clock.Add(time.Hour)))
	close(release)
	require.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine()
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestStepReceivesInput(t *testing.T) {
	ctx := context.Background()
	var seen Input
	e := NewEngine()
	res, err := e.Start(ctx, "d", Steps{
		InitStep: func(ctx context.Context, input Input) (Result, error) {
			if input != nil {
				return Result{}, fmt.Errorf("init got input %v", input)
			}
			return Form("ask", nil), nil
		},
		"ask": func(ctx context.Context, input Input) (Result, error) {
			seen = input
			return CreateEntry("", nil), nil
		},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, ResultForm, res.Type)

	_, err = e.Advance(ctx, res.FlowID, Input{"backup": true})
	require.NoError(t, err)
	assert.Equal(t, Input{"backup": true}, seen)
}

func TestFlowIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		res, err := e.Start(ctx, "d", confirmHandler(), nil)
		require.NoError(t, err)
		if seen[res.FlowID] || strings.TrimSpace(res.FlowID) == "" {
			t.Fatalf("bad or duplicate flow id %q", res.FlowID)
		}
		seen[res.FlowID] = true
	}
}
