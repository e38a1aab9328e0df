package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/rpc"
)

var (
	// Version is the current version of mend (overridden by ldflags at build time)
	Version = "0.1.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
	// Commit the git revision the binary was built from (optional ldflag)
	Commit = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		checkServer, _ := cmd.Flags().GetBool("server")
		if checkServer {
			return showServerVersion(cmd.Context())
		}

		commit := resolveCommitHash()
		if jsonOutput {
			result := map[string]string{"version": Version, "build": Build}
			if commit != "" {
				result["commit"] = commit
			}
			outputJSON(result)
			return nil
		}
		if commit != "" {
			fmt.Printf("mend version %s (%s: %s)\n", Version, Build, shortCommit(commit))
		} else {
			fmt.Printf("mend version %s (%s)\n", Version, Build)
		}
		return nil
	},
}

func showServerVersion(ctx context.Context) error {
	health, err := rpc.FetchHealth(ctx, clientURL())
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]interface{}{
			"server_version": health.Version,
			"client_version": Version,
			"server_uptime":  health.UptimeSeconds,
		})
		return nil
	}
	fmt.Printf("Server version: %s\n", health.Version)
	fmt.Printf("Client version: %s\n", Version)
	fmt.Printf("Server uptime: %.1f seconds\n", health.UptimeSeconds)
	return nil
}

func init() {
	versionCmd.Flags().Bool("server", false, "Also query the running server's version")
	rootCmd.AddCommand(versionCmd)
}

func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
