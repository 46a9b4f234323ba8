package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagTargets     []string
	flagProfileFile string
	flagWait        bool

	flagListKind   string
	flagListStatus string
	flagListLimit  int
	flagListOffset int

	flagOutputAfter uint64
	flagOutputLimit int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Manage scan runs",
}

var scanStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a scan run",
	Example: `  enginectl scan start --target example.com
  enginectl scan start --target example.com --target example.org --profile-file deep.yaml --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := readProfile()
		if err != nil {
			return err
		}

		body := map[string]any{
			"targets": flagTargets,
			"profile": profile,
		}
		data, err := mustClient().Post("/api/v1/scans", body)
		if err != nil {
			return err
		}

		var run RunResponse
		if err := unmarshal(data, &run); err != nil {
			return err
		}
		printRun(&run)

		if flagWait {
			return waitForRun(run.ID)
		}
		return nil
	},
}

var scanStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := fetchRun(args[0])
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	},
}

var scanListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if flagListKind != "" {
			q.Set("kind", flagListKind)
		}
		if flagListStatus != "" {
			q.Set("status", flagListStatus)
		}
		q.Set("limit", fmt.Sprintf("%d", flagListLimit))
		q.Set("offset", fmt.Sprintf("%d", flagListOffset))

		data, err := mustClient().Get("/api/v1/scans?" + q.Encode())
		if err != nil {
			return err
		}

		var resp RunListResponse
		if err := unmarshal(data, &resp); err != nil {
			return err
		}

		switch flagOutput {
		case outputJSON:
			printJSON(resp)
			return nil
		case outputYAML:
			printYAML(resp)
			return nil
		}

		if resp.Count == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		t := newTable("RUN ID", "KIND", "STATUS", "TARGETS", "STAGES", "CREATED")
		for _, run := range resp.Data {
			created := run.CreatedAt
			t.AddRow(
				run.ID,
				run.Kind,
				run.Status,
				truncate(strings.Join(run.Targets, ","), 40),
				fmt.Sprintf("%d", run.Stats.Total),
				shortTime(&created),
			)
		}
		t.Flush()
		return nil
	},
}

var scanAbortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort a live run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := mustClient().Delete("/api/v1/scans/" + args[0])
		if err != nil {
			return err
		}

		var run RunResponse
		if err := unmarshal(data, &run); err != nil {
			return err
		}
		printRun(&run)
		return nil
	},
}

var scanOutputCmd = &cobra.Command{
	Use:   "output <run-id> <job-id>",
	Short: "Replay persisted output of a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("after", fmt.Sprintf("%d", flagOutputAfter))
		q.Set("limit", fmt.Sprintf("%d", flagOutputLimit))

		path := fmt.Sprintf("/api/v1/scans/%s/jobs/%s/output?%s", args[0], args[1], q.Encode())
		data, err := mustClient().Get(path)
		if err != nil {
			return err
		}

		var resp ChunkListResponse
		if err := unmarshal(data, &resp); err != nil {
			return err
		}

		switch flagOutput {
		case outputJSON:
			printJSON(resp)
			return nil
		case outputYAML:
			printYAML(resp)
			return nil
		}

		for _, c := range resp.Data {
			if c.ExitCode != nil {
				fmt.Printf("--- exit code %d ---\n", *c.ExitCode)
				continue
			}
			fmt.Print(c.Payload)
			if !strings.HasSuffix(c.Payload, "\n") {
				fmt.Println()
			}
		}
		return nil
	},
}

func init() {
	scanStartCmd.Flags().StringArrayVarP(&flagTargets, "target", "t", nil, "Scan target (repeatable)")
	scanStartCmd.Flags().StringVarP(&flagProfileFile, "profile-file", "f", "", "YAML profile file ('-' for stdin)")
	scanStartCmd.Flags().BoolVarP(&flagWait, "wait", "w", false, "Block until the run settles")
	_ = scanStartCmd.MarkFlagRequired("target")

	scanListCmd.Flags().StringVar(&flagListKind, "kind", "", "Filter by kind: scan, subscan")
	scanListCmd.Flags().StringVar(&flagListStatus, "status", "", "Filter by status, comma separated")
	scanListCmd.Flags().IntVar(&flagListLimit, "limit", 50, "Max results")
	scanListCmd.Flags().IntVar(&flagListOffset, "offset", 0, "Offset")

	scanOutputCmd.Flags().Uint64Var(&flagOutputAfter, "after", 0, "Return chunks after this sequence number")
	scanOutputCmd.Flags().IntVar(&flagOutputLimit, "limit", 1000, "Max chunks")

	scanCmd.AddCommand(scanStartCmd)
	scanCmd.AddCommand(scanStatusCmd)
	scanCmd.AddCommand(scanListCmd)
	scanCmd.AddCommand(scanAbortCmd)
	scanCmd.AddCommand(scanOutputCmd)
}

// readProfile loads the profile file named by --profile-file; empty
// means the server-side defaults.
func readProfile() (string, error) {
	if flagProfileFile == "" {
		return "", nil
	}
	if flagProfileFile == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read profile from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(flagProfileFile)
	if err != nil {
		return "", fmt.Errorf("read profile file: %w", err)
	}
	return string(data), nil
}

func fetchRun(id string) (*RunResponse, error) {
	data, err := mustClient().Get("/api/v1/scans/" + id)
	if err != nil {
		return nil, err
	}
	var run RunResponse
	if err := unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// terminalStatuses are run states that end polling.
var terminalStatuses = map[string]bool{
	"completed":        true,
	"partially_failed": true,
	"failed":           true,
	"aborted":          true,
}

// waitForRun polls the run until it settles, printing status changes.
func waitForRun(id string) error {
	last := ""
	for {
		time.Sleep(2 * time.Second)

		run, err := fetchRun(id)
		if err != nil {
			return err
		}
		if run.Status != last {
			fmt.Printf("run %s: %s (%d/%d succeeded)\n",
				id, run.Status, run.Stats.Succeeded, run.Stats.Total)
			last = run.Status
		}
		if terminalStatuses[run.Status] {
			printRun(run)
			return nil
		}
	}
}
