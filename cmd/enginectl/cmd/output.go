package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Output format constants.
const (
	outputJSON = "json"
	outputYAML = "yaml"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printYAML(v any) {
	data, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal YAML: %v\n", err)
		return
	}
	fmt.Print(string(data))
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

type tableWriter struct {
	w *tabwriter.Writer
}

func newTable(headers ...string) *tableWriter {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	t := &tableWriter{w: w}
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	return t
}

func (t *tableWriter) AddRow(values ...string) {
	fmt.Fprintln(t.w, strings.Join(values, "\t"))
}

func (t *tableWriter) Flush() {
	t.w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func shortTime(t *string) string {
	if t == nil {
		return "-"
	}
	if len(*t) >= 19 {
		return (*t)[:19]
	}
	return *t
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// printRun renders a run in the requested output format.
func printRun(run *RunResponse) {
	switch flagOutput {
	case outputJSON:
		printJSON(run)
		return
	case outputYAML:
		printYAML(run)
		return
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Kind:     %s\n", run.Kind)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Targets:  %s\n", truncate(strings.Join(run.Targets, ", "), 80))
	fmt.Printf("Progress: %d/%d succeeded, %d failed, %d skipped, %d cancelled\n",
		run.Stats.Succeeded, run.Stats.Total,
		run.Stats.Failed, run.Stats.Skipped, run.Stats.Cancelled)
	fmt.Println()

	t := newTable("WAVE", "STAGE", "STATUS", "ATTEMPT", "JOB ID", "ERROR")
	for _, j := range run.Jobs {
		t.AddRow(
			fmt.Sprintf("%d", j.Wave),
			j.Stage,
			j.Status,
			fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts),
			j.ID,
			truncate(j.Error, 40),
		)
	}
	t.Flush()
}
