package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault/internal/health"
)

func newHealthCmd(c *cli) *cobra.Command {
	var asJSON bool
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the catalog, object store, key provider and redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			report := a.healthChecker().Run(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				tw := newTable(out, "CHECK", "STATUS", "DURATION", "ERROR")
				for _, r := range report.Results {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Duration.Round(time.Microsecond), r.Error)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "overall: %s\n", report.Status)
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("storage core is %s", report.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return healthCmd
}
