package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Show the stage catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := mustClient().Get("/api/v1/stages")
		if err != nil {
			return err
		}

		var resp StageListResponse
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

		t := newTable("STAGE", "DEPENDS ON", "STANDALONE", "TOOLS", "DEFAULT")
		for _, s := range resp.Data {
			deps := strings.Join(s.DependsOn, ",")
			if deps == "" {
				deps = "-"
			}
			t.AddRow(
				s.Name,
				deps,
				boolToStr(s.StandaloneEligible),
				strings.Join(s.Tools, ","),
				s.DefaultTool,
			)
		}
		t.Flush()
		fmt.Printf("\n%d stages\n", resp.Count)
		return nil
	},
}
