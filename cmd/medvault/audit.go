package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/audit"
)

func newAuditCmd(c *cli) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit journal",
	}

	var (
		from, to string
		filter   audit.Filter
		action   string
	)
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print journal entries as JSON lines",
		Long: `Print the journal entries of a day range, oldest first, one JSON object per line.

Examples:
  # Today's entries
  medvault audit show

  # Every access to a tenant's files in January
  medvault audit show --from 2024-01-01 --to 2024-01-31 --tenant clinic-42 --action access`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			start, end := now, now
			var err error
			if from != "" {
				if start, err = parseTime(from); err != nil {
					return err
				}
			}
			if to != "" {
				if end, err = parseTime(to); err != nil {
					return err
				}
			} else if from != "" && start.After(end) {
				end = start
			}
			if end.Before(start) {
				return fmt.Errorf("%w: --to is before --from", medvault.ErrInvalidConfiguration)
			}
			filter.Action = medvault.AuditAction(action)

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			entries, err := audit.NewReader(a.cfg.AuditDir).ReadRange(start, end, filter)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	showCmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD (default today)")
	showCmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (default today)")
	showCmd.Flags().StringVar(&filter.TenantID, "tenant", "", "only entries of this tenant")
	showCmd.Flags().StringVar(&filter.ActorID, "actor-id", "", "only entries of this actor")
	showCmd.Flags().StringVar(&filter.ResourceType, "resource-type", "", "only entries about this kind of resource (tenant, owner, stored_object, key)")
	showCmd.Flags().StringVar(&filter.ResourceID, "resource", "", "only entries about this resource")
	showCmd.Flags().StringVar(&action, "action", "", "only entries of this action")
	auditCmd.AddCommand(showCmd)

	return auditCmd
}
