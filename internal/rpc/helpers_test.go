package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/mend/internal/eventbus"
	"github.com/steveyegge/mend/internal/fix"
	"github.com/steveyegge/mend/internal/flow"
	"github.com/steveyegge/mend/internal/issues"
	"github.com/steveyegge/mend/internal/types"
)

const testHostVersion = "2022.7.0"

type testEnv struct {
	registry *issues.Registry
	coord    *fix.Coordinator
	bus      *eventbus.Bus
	gw       *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := eventbus.New(nil)
	registry := issues.New(testHostVersion, issues.WithBus(bus))
	coord := fix.New(registry, fix.WithBus(bus))
	if err := coord.Register("fake_integration", fakeFixFactory); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &testEnv{
		registry: registry,
		coord:    coord,
		bus:      bus,
		gw:       NewGateway(registry, coord, bus),
	}
}

// fakeFixFactory fixes issue_1 with a single confirm step and rejects
// anything else. The confirm step only finishes once input was submitted;
// without user_input it shows the form again.
func fakeFixFactory(ctx context.Context, issueID string) (flow.Handler, error) {
	if issueID != "issue_1" {
		return nil, errors.New("unknown issue")
	}
	return flow.Steps{
		flow.InitStep: func(ctx context.Context, input flow.Input) (flow.Result, error) {
			return flow.Form("confirm", nil), nil
		},
		"confirm": func(ctx context.Context, input flow.Input) (flow.Result, error) {
			if input == nil {
				return flow.Form("confirm", nil), nil
			}
			return flow.CreateEntry("", nil), nil
		},
	}, nil
}

func (e *testEnv) report(t *testing.T, domain, issueID string, fixable bool) {
	t.Helper()
	err := e.registry.Report(context.Background(), domain, issueID, types.IssueReport{
		BreaksInVersion:         types.StringPtr("2022.9"),
		IsFixable:               fixable,
		LearnMoreURL:            types.StringPtr("https://theuselessweb.com"),
		Severity:                types.SeverityError,
		TranslationKey:          "abc_123",
		TranslationPlaceholders: map[string]string{"abc": "123"},
	})
	if err != nil {
		t.Fatalf("report %s/%s: %v", domain, issueID, err)
	}
}
