package eventbus

import (
	"context"
	"errors"
	"testing"
)

// testHandler is a configurable handler for testing.
type testHandler struct {
	id       string
	handles  []EventType
	priority int
	fn       func(ctx context.Context, event *Event) error
}

func (h *testHandler) ID() string           { return h.id }
func (h *testHandler) Handles() []EventType { return h.handles }
func (h *testHandler) Priority() int        { return h.priority }

func (h *testHandler) Handle(ctx context.Context, event *Event) error {
	if h.fn != nil {
		return h.fn(ctx, event)
	}
	return nil
}

func TestDispatchNilEvent(t *testing.T) {
	bus := New(nil)
	if err := bus.Dispatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestDispatchMatchingHandlers(t *testing.T) {
	bus := New(nil)
	var called []string

	bus.Register(&testHandler{
		id:      "issues",
		handles: IssueEvents,
		fn: func(ctx context.Context, event *Event) error {
			called = append(called, "issues")
			return nil
		},
	})
	bus.Register(&testHandler{
		id:      "flows",
		handles: []EventType{EventFlowStarted},
		fn: func(ctx context.Context, event *Event) error {
			called = append(called, "flows")
			return nil
		},
	})

	ev := &Event{Type: EventIssueCreated, Domain: "test", IssueID: "issue_1"}
	if err := bus.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(called) != 1 || called[0] != "issues" {
		t.Errorf("expected only issues handler, got %v", called)
	}
	if ev.Time.IsZero() {
		t.Error("expected Dispatch to stamp the event time")
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New(nil)
	var order []string

	for _, h := range []struct {
		id       string
		priority int
	}{{"late", 30}, {"early", 10}, {"middle", 20}} {
		bus.Register(&testHandler{
			id:       h.id,
			handles:  []EventType{EventIssueRemoved},
			priority: h.priority,
			fn: func(ctx context.Context, event *Event) error {
				order = append(order, h.id)
				return nil
			},
		})
	}

	if err := bus.Dispatch(context.Background(), &Event{Type: EventIssueRemoved}); err != nil {
		t.Fatal(err)
	}

	want := []string{"early", "middle", "late"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New(nil)
	secondCalled := false

	bus.Register(&testHandler{
		id:       "failing",
		handles:  []EventType{EventIssueUpdated},
		priority: 1,
		fn: func(ctx context.Context, event *Event) error {
			return errors.New("boom")
		},
	})
	bus.Register(&testHandler{
		id:       "second",
		handles:  []EventType{EventIssueUpdated},
		priority: 2,
		fn: func(ctx context.Context, event *Event) error {
			secondCalled = true
			return nil
		},
	})

	if err := bus.Dispatch(context.Background(), &Event{Type: EventIssueUpdated}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !secondCalled {
		t.Error("handler chain stopped after error")
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	bus := New(nil)
	bus.Register(Func("noop", []EventType{EventIssueCreated}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := bus.Dispatch(ctx, &Event{Type: EventIssueCreated}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestUnregister(t *testing.T) {
	bus := New(nil)
	calls := 0
	bus.Register(Func("sub-1", IssueEvents, func(ctx context.Context, event *Event) error {
		calls++
		return nil
	}))
	bus.Register(Func("sub-2", IssueEvents, nil))

	bus.Unregister("sub-1")

	if got := len(bus.Handlers()); got != 1 {
		t.Fatalf("expected 1 handler after unregister, got %d", got)
	}
	_ = bus.Dispatch(context.Background(), &Event{Type: EventIssueCreated})
	if calls != 0 {
		t.Errorf("unregistered handler was called %d times", calls)
	}
}

func TestEventTypeCategories(t *testing.T) {
	for _, et := range IssueEvents {
		if !et.IsIssueEvent() || et.IsFlowEvent() {
			t.Errorf("%s miscategorised", et)
		}
	}
	if !EventFlowFinished.IsFlowEvent() {
		t.Error("flow.finished should be a flow event")
	}
}
