package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version string

	// Global flags
	flagAPIURL  string
	flagAPIKey  string
	flagOutput  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "ReconPoint scan engine CLI",
	Long: `enginectl drives the ReconPoint scan engine API.

It starts scans and subscans, follows run progress, replays job output
and inspects the stage catalog.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("enginectl %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "Override API URL (env: RECONPOINT_API_URL)")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "Override API key (env: RECONPOINT_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(subscanCmd)
	rootCmd.AddCommand(stagesCmd)
}

func initConfig() {
	if flagAPIURL == "" {
		flagAPIURL = os.Getenv("RECONPOINT_API_URL")
	}
	if flagAPIKey == "" {
		flagAPIKey = os.Getenv("RECONPOINT_API_KEY")
	}
	if flagAPIURL == "" {
		flagAPIURL = "http://localhost:8080"
	}
}

func mustClient() *Client {
	return NewClient(flagAPIURL, flagAPIKey, flagVerbose)
}
