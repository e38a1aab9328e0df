package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/debug"
)

var (
	configFile  string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool
	serverURL   string
)

const defaultServerURL = "http://127.0.0.1:8765"

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./mend.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Server URL for client commands (default: $MEND_URL or "+defaultServerURL+")")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddGroup(&cobra.Group{ID: "server", Title: "Server:"})
	rootCmd.AddGroup(&cobra.Group{ID: "issues", Title: "Working With Issues:"})
}

var rootCmd = &cobra.Command{
	Use:           "mend",
	Short:         "mend - Issue registry and repair flows",
	Long:          `mend collects problems reported by the modules of a host application and walks operators through fixing them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("mend version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)

		if err := config.Initialize(configFile); err != nil {
			return err
		}
		if err := config.BindPFlag(config.KeyJSON, cmd.Flags().Lookup("json")); err != nil {
			return err
		}
		jsonOutput = config.GetBool(config.KeyJSON)
		if used := config.ConfigFileUsed(); used != "" {
			debug.Logf("using config %s", used)
		}
		return nil
	},
}

// clientURL resolves the server URL for client commands: --url, then
// MEND_URL, then the configured listen address.
func clientURL() string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("MEND_URL"); env != "" {
		return env
	}
	if listen := config.GetString(config.KeyListen); listen != "" {
		return "http://" + dialableAddr(listen)
	}
	return defaultServerURL
}

// dialableAddr turns a listen address like ":8765" into one a client can
// connect to.
func dialableAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "127.0.0.1" + listen
	}
	if len(listen) > 8 && listen[:8] == "0.0.0.0:" {
		return "127.0.0.1" + listen[7:]
	}
	return listen
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			outputJSONError(err, errorCode(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
