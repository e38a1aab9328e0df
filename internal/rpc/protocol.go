package rpc

import (
	"encoding/json"
	"strings"

	"github.com/steveyegge/mend/internal/eventbus"
	"github.com/steveyegge/mend/internal/flow"
	"github.com/steveyegge/mend/internal/types"
)

// Command names accepted by the gateway.
const (
	CmdListIssues      = "list_issues"
	CmdDismissIssue    = "dismiss_issue"
	CmdFixIssue        = "fix_issue"
	CmdFixIssueConfirm = "fix_issue_confirm"
	CmdFixIssueAbort   = "fix_issue_abort"
	CmdSubscribeIssues = "subscribe_issues"
	CmdUnsubscribe     = "unsubscribe"
	CmdPing            = "ping"
)

// Message types sent by the server.
const (
	MsgResult = "result"
	MsgEvent  = "event"
	MsgPong   = "pong"
)

// Wire error codes.
const (
	CodeNotFound       = "not_found"
	CodeNotSupported   = "not_supported"
	CodeInvalidState   = "invalid_state"
	CodeBusy           = "busy"
	CodeInvalidFormat  = "invalid_format"
	CodeUnknownCommand = "unknown_command"
	CodeUnknownError   = "unknown_error"
)

// Request is a command sent by a client. Which fields are required depends
// on Type.
type Request struct {
	ID           int64      `json:"id"`
	Type         string     `json:"type"`
	Domain       string     `json:"domain,omitempty"`
	IssueID      string     `json:"issue_id,omitempty"`
	FlowID       string     `json:"flow_id,omitempty"`
	UserInput    flow.Input `json:"user_input,omitempty"`
	Subscription int64      `json:"subscription,omitempty"`
}

type wireRequest Request

// MarshalJSON omits user_input only when it is nil. An empty input is sent
// as {} so steps can tell "submitted nothing" from "no submission".
func (r Request) MarshalJSON() ([]byte, error) {
	var input *flow.Input
	if r.UserInput != nil {
		input = &r.UserInput
	}
	return json.Marshal(struct {
		wireRequest
		UserInput *flow.Input `json:"user_input,omitempty"`
	}{wireRequest(r), input})
}

// Response answers exactly one Request.
type Response struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo describes why a command failed.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong answers a ping.
type Pong struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// EventMessage is pushed to a connection for each registry change while a
// subscription is active. ID is the id of the subscribe_issues request.
type EventMessage struct {
	ID    int64      `json:"id"`
	Type  string     `json:"type"`
	Event IssueEvent `json:"event"`
}

// IssueEvent is the payload of an EventMessage.
type IssueEvent struct {
	Action  string `json:"action"`
	Domain  string `json:"domain"`
	IssueID string `json:"issue_id"`
}

func newIssueEvent(ev *eventbus.Event) IssueEvent {
	return IssueEvent{
		Action:  strings.TrimPrefix(string(ev.Type), "issue."),
		Domain:  ev.Domain,
		IssueID: ev.IssueID,
	}
}

// ListIssuesResult is the result of list_issues.
type ListIssuesResult struct {
	Issues []IssueView `json:"issues"`
}

// IssueView is an issue as clients see it. Dismissed is derived from
// DismissedVersion. The first-report time stays server side.
type IssueView struct {
	BreaksInVersion         *string           `json:"breaks_in_version"`
	Dismissed               bool              `json:"dismissed"`
	DismissedVersion        *string           `json:"dismissed_version"`
	Domain                  string            `json:"domain"`
	IsFixable               bool              `json:"is_fixable"`
	IssueID                 string            `json:"issue_id"`
	LearnMoreURL            *string           `json:"learn_more_url"`
	Severity                types.Severity    `json:"severity"`
	TranslationKey          string            `json:"translation_key"`
	TranslationPlaceholders map[string]string `json:"translation_placeholders"`
}

func newIssueView(issue types.Issue) IssueView {
	return IssueView{
		BreaksInVersion:         issue.BreaksInVersion,
		Dismissed:               issue.DismissedVersion != nil,
		DismissedVersion:        issue.DismissedVersion,
		Domain:                  issue.Domain,
		IsFixable:               issue.IsFixable,
		IssueID:                 issue.IssueID,
		LearnMoreURL:            issue.LearnMoreURL,
		Severity:                issue.Severity,
		TranslationKey:          issue.TranslationKey,
		TranslationPlaceholders: issue.TranslationPlaceholders,
	}
}

// HealthResponse is served on /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Issues        int     `json:"issues"`
	ActiveFlows   int     `json:"active_flows"`
	ActiveConns   int32   `json:"active_connections"`
	MaxConns      int     `json:"max_connections"`
}
