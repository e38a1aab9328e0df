package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/debug"
	"github.com/steveyegge/mend/internal/rpc"
	"github.com/steveyegge/mend/internal/types"
	"github.com/steveyegge/mend/internal/ui"
)

var issuesCmd = &cobra.Command{
	Use:     "issues",
	GroupID: "issues",
	Short:   "List, watch and dismiss reported issues",
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reported issues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showDismissed, _ := cmd.Flags().GetBool("all")
		domain, _ := cmd.Flags().GetString("domain")

		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		list, err := client.ListIssues(cmd.Context())
		if err != nil {
			return err
		}
		list = filterIssues(list, domain, showDismissed)

		if jsonOutput {
			outputJSON(list)
			return nil
		}
		if len(list) == 0 {
			debug.PrintNormal("%s No issues\n", ui.RenderPass(ui.IconPass))
			return nil
		}
		fmt.Println(renderIssues(list))
		return nil
	},
}

var issuesDismissCmd = &cobra.Command{
	Use:   "dismiss <domain> <issue-id>",
	Short: "Dismiss an issue until it is reported again with a reset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if err := client.DismissIssue(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]string{"domain": args[0], "issue_id": args[1], "status": "dismissed"})
			return nil
		}
		debug.PrintNormal("%s Dismissed %s/%s\n", ui.RenderPass(ui.IconPass), args[0], args[1])
		return nil
	},
}

var issuesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream issue changes until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if _, err := client.SubscribeIssues(ctx); err != nil {
			return err
		}
		debug.PrintNormal("Watching for changes... (Press Ctrl+C to exit)\n")

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-client.Events():
				if !ok {
					return fmt.Errorf("connection closed")
				}
				if jsonOutput {
					outputJSON(ev.Event)
					continue
				}
				fmt.Printf("%s %-10s %s/%s\n",
					ui.RenderMuted(time.Now().Format("15:04:05")),
					actionColor(ev.Event.Action).Sprint(ev.Event.Action),
					ev.Event.Domain, ev.Event.IssueID)
			}
		}
	},
}

func init() {
	issuesListCmd.Flags().BoolP("all", "a", false, "Include dismissed issues")
	issuesListCmd.Flags().String("domain", "", "Only show issues of this domain")
	issuesCmd.AddCommand(issuesListCmd, issuesDismissCmd, issuesWatchCmd)
	rootCmd.AddCommand(issuesCmd)
}

func connect(ctx context.Context) (*rpc.Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	url := clientURL()
	client, err := rpc.Dial(ctx, url, rpc.WithDialMaxElapsed(3*time.Second))
	if err != nil {
		return nil, fmt.Errorf("%w (is 'mend serve' running at %s?)", err, url)
	}
	return client, nil
}

func filterIssues(list []rpc.IssueView, domain string, showDismissed bool) []rpc.IssueView {
	out := make([]rpc.IssueView, 0, len(list))
	for _, issue := range list {
		if domain != "" && issue.Domain != domain {
			continue
		}
		if issue.Dismissed && !showDismissed {
			continue
		}
		out = append(out, issue)
	}
	return out
}

func renderIssues(list []rpc.IssueView) string {
	sorted := append([]rpc.IssueView(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return severityRank(sorted[i].Severity) < severityRank(sorted[j].Severity)
	})

	rows := make([][]string, 0, len(sorted))
	for _, issue := range sorted {
		flags := []string{}
		if issue.IsFixable {
			flags = append(flags, "fixable")
		}
		if issue.Dismissed {
			flags = append(flags, "dismissed")
		}
		breaks := ""
		if issue.BreaksInVersion != nil {
			breaks = *issue.BreaksInVersion
		}
		rows = append(rows, []string{
			ui.SeverityIcon(issue.Severity) + " " + ui.RenderSeverity(issue.Severity),
			issue.Domain,
			issue.IssueID,
			issue.TranslationKey,
			breaks,
			strings.Join(flags, ","),
		})
	}
	return ui.RenderTable([]string{"severity", "domain", "issue", "key", "breaks in", "flags"}, rows)
}

func severityRank(sev types.Severity) int {
	switch sev {
	case types.SeverityCritical:
		return 0
	case types.SeverityError:
		return 1
	case types.SeverityWarning:
		return 2
	default:
		return 3
	}
}

func actionColor(action string) *color.Color {
	switch action {
	case "created":
		return color.New(color.FgYellow)
	case "dismissed", "removed":
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgCyan)
	}
}
