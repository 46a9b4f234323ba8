package cmd

import (
	"github.com/spf13/cobra"
)

var flagSubscanStage string

var subscanCmd = &cobra.Command{
	Use:   "subscan",
	Short: "Start a single-stage subscan",
	Example: `  enginectl subscan --stage port_scan --target example.com
  enginectl subscan --stage vulnerability_scan --target api.example.com --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := readProfile()
		if err != nil {
			return err
		}

		body := map[string]any{
			"stage":   flagSubscanStage,
			"targets": flagTargets,
			"profile": profile,
		}
		data, err := mustClient().Post("/api/v1/subscans", body)
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

func init() {
	subscanCmd.Flags().StringVarP(&flagSubscanStage, "stage", "s", "", "Stage to run (must be standalone eligible)")
	subscanCmd.Flags().StringArrayVarP(&flagTargets, "target", "t", nil, "Scan target (repeatable)")
	subscanCmd.Flags().StringVarP(&flagProfileFile, "profile-file", "f", "", "YAML profile file ('-' for stdin)")
	subscanCmd.Flags().BoolVarP(&flagWait, "wait", "w", false, "Block until the run settles")
	_ = subscanCmd.MarkFlagRequired("stage")
	_ = subscanCmd.MarkFlagRequired("target")
}
