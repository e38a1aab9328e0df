package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/steveyegge/mend/internal/eventbus"
	"github.com/steveyegge/mend/internal/fix"
	"github.com/steveyegge/mend/internal/issues"
	"github.com/steveyegge/mend/internal/telemetry"
	"github.com/steveyegge/mend/internal/types"
)

const scopeName = "github.com/steveyegge/mend/rpc"

// Gateway decodes commands and dispatches them to the registry and the fix
// coordinator. It is shared by every transport and connection.
type Gateway struct {
	registry *issues.Registry
	coord    *fix.Coordinator
	bus      *eventbus.Bus
	metrics  *Metrics
	logger   *slog.Logger
	rec      *telemetry.Recorder
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger injects a logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics shares a metrics collector with the transports.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// NewGateway creates a gateway. bus may be nil, in which case
// subscribe_issues is rejected.
func NewGateway(registry *issues.Registry, coord *fix.Coordinator, bus *eventbus.Bus, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry: registry,
		coord:    coord,
		bus:      bus,
		metrics:  NewMetrics(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.rec = telemetry.NewRecorder(scopeName, "mend.rpc")
	return g
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Handle executes a stateless command and builds its response. Connection
// scoped commands (ping, subscriptions) are handled by the peer.
func (g *Gateway) Handle(ctx context.Context, req *Request) *Response {
	start := time.Now()
	ctx, op := g.rec.Start(ctx, req.Type, attribute.Int64("mend.request_id", req.ID))

	result, err := g.safeDispatch(ctx, req)

	op.End(err)
	g.metrics.RecordRequest(req.Type, time.Since(start))
	if err != nil {
		g.metrics.RecordError(req.Type)
		return g.errorResponse(req, err)
	}
	return g.resultResponse(req.ID, result)
}

// safeDispatch keeps a panic in one command from taking the connection down
// with it; the client gets unknown_error instead.
func (g *Gateway) safeDispatch(ctx context.Context, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("command panicked", "command", req.Type, "request_id", req.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("command %s panicked: %v", req.Type, r)
		}
	}()
	return g.dispatch(ctx, req)
}

func (g *Gateway) dispatch(ctx context.Context, req *Request) (any, error) {
	// Steps outlive the connection that started them; the idle sweeper
	// reclaims sessions nobody comes back for.
	stepCtx := context.WithoutCancel(ctx)

	switch req.Type {
	case CmdListIssues:
		return g.listIssues(), nil

	case CmdDismissIssue:
		if err := requireFields(map[string]string{"domain": req.Domain, "issue_id": req.IssueID}); err != nil {
			return nil, err
		}
		return nil, g.registry.Dismiss(ctx, req.Domain, req.IssueID)

	case CmdFixIssue:
		if err := requireFields(map[string]string{"domain": req.Domain, "issue_id": req.IssueID}); err != nil {
			return nil, err
		}
		return g.coord.StartFix(stepCtx, req.Domain, req.IssueID)

	case CmdFixIssueConfirm:
		if err := requireFields(map[string]string{"flow_id": req.FlowID}); err != nil {
			return nil, err
		}
		return g.coord.AdvanceFix(stepCtx, req.FlowID, req.UserInput)

	case CmdFixIssueAbort:
		if err := requireFields(map[string]string{"flow_id": req.FlowID}); err != nil {
			return nil, err
		}
		return nil, g.coord.AbortFix(stepCtx, req.FlowID)
	}
	return nil, fmt.Errorf("%w: %q", errUnknownCommand, req.Type)
}

func (g *Gateway) listIssues() ListIssuesResult {
	list := g.registry.List()
	out := ListIssuesResult{Issues: make([]IssueView, 0, len(list))}
	for _, issue := range list {
		out.Issues = append(out.Issues, newIssueView(issue))
	}
	return out
}

func requireFields(fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return &types.ValidationError{Field: name, Reason: "is required"}
		}
	}
	return nil
}

func (g *Gateway) resultResponse(id int64, result any) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		g.logger.Error("marshal result", "id", id, "error", err)
		return &Response{
			ID:    id,
			Type:  MsgResult,
			Error: &ErrorInfo{Code: CodeUnknownError, Message: "failed to encode result"},
		}
	}
	return &Response{ID: id, Type: MsgResult, Success: true, Result: data}
}

func (g *Gateway) errorResponse(req *Request, err error) *Response {
	code := errorCode(err)
	if code == CodeUnknownError {
		g.logger.Error("command failed", "id", req.ID, "type", req.Type, "error", err)
	} else {
		g.logger.Debug("command rejected", "id", req.ID, "type", req.Type, "code", code, "error", err)
	}
	return &Response{
		ID:    req.ID,
		Type:  MsgResult,
		Error: &ErrorInfo{Code: code, Message: err.Error()},
	}
}
