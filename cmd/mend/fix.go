package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/debug"
	"github.com/steveyegge/mend/internal/flow"
	"github.com/steveyegge/mend/internal/ui"
)

var fixCmd = &cobra.Command{
	Use:     "fix <domain> <issue-id>",
	GroupID: "issues",
	Short:   "Walk through the fix flow of an issue",
	Long: `Start the fix flow the owning module provides for an issue and answer
its forms.

In a terminal each form step is shown interactively. Without a terminal,
or with --yes, field defaults are submitted; --set name=value overrides
individual fields:

  mend fix mend deprecated_config_key --yes --set backup=false`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		assumeYes, _ := cmd.Flags().GetBool("yes")
		values, _ := cmd.Flags().GetStringToString("set")
		return runFix(cmd.Context(), args[0], args[1], values, assumeYes || !ui.IsInteractive())
	},
}

func init() {
	fixCmd.Flags().BoolP("yes", "y", false, "Submit defaults instead of prompting")
	fixCmd.Flags().StringToString("set", nil, "Field values for form steps (name=value)")
	rootCmd.AddCommand(fixCmd)
}

func runFix(ctx context.Context, domain, issueID string, values map[string]string, nonInteractive bool) error {
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	res, err := client.FixIssue(ctx, domain, issueID)
	if err != nil {
		return err
	}

	for res.Type == flow.ResultForm {
		debug.Logf("flow %s at step %s", res.FlowID, res.StepID)

		var input flow.Input
		if nonInteractive {
			input, err = inputFromValues(res.DataSchema, values)
		} else {
			input, err = promptForm(res)
		}
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				_ = client.FixIssueAbort(ctx, res.FlowID)
				fmt.Fprintln(os.Stderr, "Fix cancelled.")
				return nil
			}
			_ = client.FixIssueAbort(ctx, res.FlowID)
			return err
		}

		next, err := client.FixIssueConfirm(ctx, res.FlowID, input)
		if err != nil {
			return err
		}
		if nonInteractive && next.Type == flow.ResultForm && next.StepID == res.StepID {
			// The same values would be submitted again.
			_ = client.FixIssueAbort(ctx, res.FlowID)
			if len(next.Errors) > 0 {
				return fmt.Errorf("step %s rejected input: %s", res.StepID, formatFieldErrors(next.Errors))
			}
			return fmt.Errorf("step %s did not advance", res.StepID)
		}
		res = next
	}

	return reportOutcome(domain, issueID, res)
}

func reportOutcome(domain, issueID string, res flow.Result) error {
	if jsonOutput {
		outputJSON(res)
		if res.Type == flow.ResultAbort {
			os.Exit(1)
		}
		return nil
	}

	switch res.Type {
	case flow.ResultCreateEntry:
		title := ""
		if res.Title != nil {
			title = ": " + *res.Title
		}
		debug.PrintNormal("%s Fixed %s/%s%s\n", ui.RenderPass(ui.IconPass), domain, issueID, title)
		return nil
	case flow.ResultAbort:
		return fmt.Errorf("fix aborted: %s", res.Reason)
	default:
		return fmt.Errorf("unexpected step result %q", res.Type)
	}
}

// promptForm renders a form step with huh and collects the answers.
func promptForm(res flow.Result) (flow.Input, error) {
	header := fmt.Sprintf("%s (step %s)", res.Handler, res.StepID)
	if len(res.DescriptionPlaceholders) > 0 {
		header += "\n" + formatPlaceholders(res.DescriptionPlaceholders)
	}
	if len(res.Errors) > 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		header += "\n" + yellow(formatFieldErrors(res.Errors))
	}

	strs := make(map[string]*string)
	bools := make(map[string]*bool)
	fields := []huh.Field{huh.NewNote().Title(header)}

	for _, f := range res.DataSchema {
		switch f.Type {
		case flow.FieldBoolean:
			b, _ := f.Default.(bool)
			bools[f.Name] = &b
			fields = append(fields, huh.NewConfirm().Title(f.Name).Value(&b))
		case flow.FieldSelect:
			s := defaultString(f.Default)
			strs[f.Name] = &s
			fields = append(fields, huh.NewSelect[string]().
				Title(f.Name).
				Options(huh.NewOptions(f.Options...)...).
				Value(&s))
		default:
			s := defaultString(f.Default)
			strs[f.Name] = &s
			fields = append(fields, huh.NewInput().
				Title(f.Name).
				Value(&s).
				Validate(func(v string) error {
					_, err := parseFieldValue(f, v)
					return err
				}))
		}
	}

	proceed := true
	if len(res.DataSchema) == 0 {
		fields = append(fields, huh.NewConfirm().Title("Continue?").Affirmative("Continue").Negative("Cancel").Value(&proceed))
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).WithTheme(huh.ThemeDracula()).Run(); err != nil {
		return nil, err
	}
	if !proceed {
		return nil, huh.ErrUserAborted
	}

	input := flow.Input{}
	for name, b := range bools {
		input[name] = *b
	}
	for _, f := range res.DataSchema {
		s, ok := strs[f.Name]
		if !ok || (*s == "" && !f.Required) {
			continue
		}
		v, err := parseFieldValue(f, *s)
		if err != nil {
			return nil, err
		}
		input[f.Name] = v
	}
	return input, nil
}

// inputFromValues builds step input from --set values, falling back to
// field defaults.
func inputFromValues(schema flow.Schema, values map[string]string) (flow.Input, error) {
	input := flow.Input{}
	for _, f := range schema {
		raw, ok := values[f.Name]
		if !ok {
			if f.Default != nil {
				input[f.Name] = f.Default
			}
			continue
		}
		v, err := parseFieldValue(f, raw)
		if err != nil {
			return nil, err
		}
		input[f.Name] = v
	}
	for name := range values {
		if _, ok := schema.Field(name); !ok {
			WarnError("step has no field %q; ignoring", name)
		}
	}
	return input, nil
}

func parseFieldValue(f flow.Field, raw string) (any, error) {
	switch f.Type {
	case flow.FieldBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: expected true or false", f.Name)
		}
		return b, nil
	case flow.FieldInteger:
		if raw == "" && !f.Required {
			return nil, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: expected an integer", f.Name)
		}
		return n, nil
	case flow.FieldSelect:
		for _, opt := range f.Options {
			if opt == raw {
				return raw, nil
			}
		}
		return nil, fmt.Errorf("%s: must be one of %s", f.Name, strings.Join(f.Options, ", "))
	default:
		if f.Required && raw == "" {
			return nil, fmt.Errorf("%s is required", f.Name)
		}
		return raw, nil
	}
}

func defaultString(v any) string {
	if v == nil {
		return ""
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}

func formatPlaceholders(p map[string]string) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", k, p[k]))
	}
	return strings.Join(lines, "\n")
}

func formatFieldErrors(errs map[string]string) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+errs[k])
	}
	return strings.Join(parts, ", ")
}
