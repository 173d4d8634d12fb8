package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault/analytics"
)

func newAnalyticsCmd(c *cli) *cobra.Command {
	var (
		since  string
		asJSON bool
	)
	analyticsCmd := &cobra.Command{
		Use:   "analytics <tenant-id>",
		Short: "Summarize the stored objects of a tenant",
		Long: `Summarize the objects of a tenant by category, owner and month of upload,
reading the object store listing in a single pass.

Examples:
  medvault analytics clinic-42
  medvault analytics clinic-42 --since 2024-01 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from *time.Time
			if since != "" {
				t, err := parseTime(since)
				if err != nil {
					return err
				}
				from = &t
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if _, err := a.tenant(cmd.Context(), args[0]); err != nil {
				return err
			}
			summary, err := a.analytics().Aggregate(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			return printSummary(cmd.OutOrStdout(), summary)
		},
	}
	analyticsCmd.Flags().StringVar(&since, "since", "", "only count objects modified since this date")
	analyticsCmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return analyticsCmd
}

func printSummary(w io.Writer, s *analytics.Summary) error {
	fmt.Fprintf(w, "tenant %s: %d objects, %s\n", s.TenantID, s.Objects, formatBytes(s.Bytes))
	if s.Unrecognized > 0 {
		fmt.Fprintf(w, "  %d objects outside the department categories\n", s.Unrecognized)
	}
	for _, key := range s.OrphanSidecars {
		fmt.Fprintf(w, "  orphan sidecar: %s\n", key)
	}

	sections := []struct {
		title   string
		keys    []string
		buckets map[string]*analytics.Bucket
	}{
		{"CATEGORY", s.Categories(), s.ByCategory},
		{"OWNER", s.Owners(), s.ByOwner},
		{"MONTH", s.Months(), s.ByMonth},
	}
	for _, section := range sections {
		if len(section.keys) == 0 {
			continue
		}
		fmt.Fprintln(w)
		tw := newTable(w, section.title, "OBJECTS", "SIZE")
		for _, key := range section.keys {
			b := section.buckets[key]
			fmt.Fprintf(tw, "%s\t%d\t%s\n", key, b.Objects, formatBytes(b.Bytes))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
