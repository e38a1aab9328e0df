package eventbus

import "time"

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// Issue registry events.
	EventIssueCreated   EventType = "issue.created"
	EventIssueUpdated   EventType = "issue.updated"
	EventIssueDismissed EventType = "issue.dismissed"
	EventIssueRemoved   EventType = "issue.removed"

	// Fix flow lifecycle events.
	EventFlowStarted  EventType = "flow.started"
	EventFlowFinished EventType = "flow.finished"
	EventFlowAborted  EventType = "flow.aborted"
)

// IssueEvents lists every registry event type, for handlers that want to
// follow the issue list as a whole.
var IssueEvents = []EventType{
	EventIssueCreated,
	EventIssueUpdated,
	EventIssueDismissed,
	EventIssueRemoved,
}

// IsIssueEvent returns true if the event type belongs to the issue registry
// event category.
func (t EventType) IsIssueEvent() bool {
	switch t {
	case EventIssueCreated, EventIssueUpdated, EventIssueDismissed, EventIssueRemoved:
		return true
	}
	return false
}

// IsFlowEvent returns true if the event type belongs to the fix flow
// lifecycle category.
func (t EventType) IsFlowEvent() bool {
	switch t {
	case EventFlowStarted, EventFlowFinished, EventFlowAborted:
		return true
	}
	return false
}

// Event is a single notification flowing through the bus.
type Event struct {
	Type    EventType `json:"type"`
	Domain  string    `json:"domain"`
	IssueID string    `json:"issue_id"`
	FlowID  string    `json:"flow_id,omitempty"`
	// Outcome is the terminal result type for flow.finished events.
	Outcome string    `json:"outcome,omitempty"`
	Time    time.Time `json:"time"`
}
