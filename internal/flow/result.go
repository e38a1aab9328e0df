package flow

import (
	"encoding/json"
	"fmt"
)

// ResultType tags the variant carried by a Result.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Result is what a step returns and what clients receive. Only the fields of
// the variant named by Type are meaningful; FlowID and Handler are filled in
// by the engine.
type Result struct {
	Type    ResultType
	FlowID  string
	Handler string

	// form
	StepID                  string
	DataSchema              Schema
	Errors                  map[string]string
	DescriptionPlaceholders map[string]string

	// create_entry
	Title *string
	Data  any

	// abort
	Reason string
}

// Form asks the user for input. The next Advance is dispatched to stepID.
func Form(stepID string, schema Schema) Result {
	return Result{Type: ResultForm, StepID: stepID, DataSchema: schema}
}

// CreateEntry ends the flow successfully. An empty title is omitted.
func CreateEntry(title string, data any) Result {
	r := Result{Type: ResultCreateEntry, Data: data}
	if title != "" {
		r.Title = &title
	}
	return r
}

// Abort ends the flow without success.
func Abort(reason string) Result {
	return Result{Type: ResultAbort, Reason: reason}
}

// WithErrors returns a copy of a form result carrying per-field errors, for
// re-showing the same step after bad input.
func (r Result) WithErrors(errs map[string]string) Result {
	r.Errors = errs
	return r
}

// WithPlaceholders returns a copy carrying description placeholders.
func (r Result) WithPlaceholders(p map[string]string) Result {
	r.DescriptionPlaceholders = p
	return r
}

// Terminal reports whether the flow is over once this result is returned.
func (r Result) Terminal() bool {
	return r.Type == ResultCreateEntry || r.Type == ResultAbort
}

type formJSON struct {
	Type                    ResultType        `json:"type"`
	FlowID                  string            `json:"flow_id"`
	Handler                 string            `json:"handler"`
	StepID                  string            `json:"step_id"`
	DataSchema              Schema            `json:"data_schema"`
	Errors                  map[string]string `json:"errors,omitempty"`
	DescriptionPlaceholders map[string]string `json:"description_placeholders,omitempty"`
}

type createEntryJSON struct {
	Type    ResultType `json:"type"`
	FlowID  string     `json:"flow_id"`
	Handler string     `json:"handler"`
	Title   *string    `json:"title,omitempty"`
	Data    any        `json:"data"`
}

type abortJSON struct {
	Type    ResultType `json:"type"`
	FlowID  string     `json:"flow_id"`
	Handler string     `json:"handler"`
	Reason  string     `json:"reason"`
}

// MarshalJSON emits only the fields of the result's variant.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case ResultForm:
		return json.Marshal(formJSON{
			Type:                    r.Type,
			FlowID:                  r.FlowID,
			Handler:                 r.Handler,
			StepID:                  r.StepID,
			DataSchema:              r.DataSchema,
			Errors:                  r.Errors,
			DescriptionPlaceholders: r.DescriptionPlaceholders,
		})
	case ResultCreateEntry:
		return json.Marshal(createEntryJSON{
			Type:    r.Type,
			FlowID:  r.FlowID,
			Handler: r.Handler,
			Title:   r.Title,
			Data:    r.Data,
		})
	case ResultAbort:
		return json.Marshal(abortJSON{
			Type:    r.Type,
			FlowID:  r.FlowID,
			Handler: r.Handler,
			Reason:  r.Reason,
		})
	}
	return nil, fmt.Errorf("flow: cannot marshal result of type %q", r.Type)
}

// UnmarshalJSON decodes any variant. Data of a create_entry is left as the
// generic JSON value.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type                    ResultType        `json:"type"`
		FlowID                  string            `json:"flow_id"`
		Handler                 string            `json:"handler"`
		StepID                  string            `json:"step_id"`
		DataSchema              Schema            `json:"data_schema"`
		Errors                  map[string]string `json:"errors"`
		DescriptionPlaceholders map[string]string `json:"description_placeholders"`
		Title                   *string           `json:"title"`
		Data                    any               `json:"data"`
		Reason                  string            `json:"reason"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case ResultForm, ResultCreateEntry, ResultAbort:
	default:
		return fmt.Errorf("flow: unknown result type %q", raw.Type)
	}
	*r = Result{
		Type:                    raw.Type,
		FlowID:                  raw.FlowID,
		Handler:                 raw.Handler,
		StepID:                  raw.StepID,
		DataSchema:              raw.DataSchema,
		Errors:                  raw.Errors,
		DescriptionPlaceholders: raw.DescriptionPlaceholders,
		Title:                   raw.Title,
		Data:                    raw.Data,
		Reason:                  raw.Reason,
	}
	return nil
}
