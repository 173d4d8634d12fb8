package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/reconcile"
)

func newReconcileCmd(c *cli) *cobra.Command {
	var (
		all    bool
		dryRun bool
		every  time.Duration
		asJSON bool
	)
	reconcileCmd := &cobra.Command{
		Use:   "reconcile [tenant-id...]",
		Short: "Align the catalog with the object store",
		Long: `Compare the payloads listed in the object store with the catalog records.

Payloads without a record are recovered from their metadata sidecar, records
without a payload are removed. Payloads without a sidecar and sidecars without
a payload are reported for manual review.

Examples:
  # Preview the changes for one tenant
  medvault reconcile clinic-42 --dry-run

  # Reconcile every active tenant once an hour
  medvault reconcile --all --every 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("%w: pass tenant ids or --all", medvault.ErrInvalidConfiguration)
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			opts := reconcile.Options{DryRun: dryRun, ActorID: c.actor}

			run := func(ctx context.Context) error {
				ids := args
				if all {
					if ids, err = reconcilableTenants(ctx, a); err != nil {
						return err
					}
				}
				return printOutcomes(cmd.OutOrStdout(), a.reconciler().ReconcileAll(ctx, ids, opts), asJSON)
			}

			if every <= 0 {
				return run(cmd.Context())
			}
			return runEvery(cmd.Context(), a, every, run)
		},
	}
	reconcileCmd.Flags().BoolVar(&all, "all", false, "reconcile every active or suspended tenant of the department")
	reconcileCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the differences without changing the catalog")
	reconcileCmd.Flags().DurationVar(&every, "every", 0, "keep running, reconciling at this interval")
	reconcileCmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return reconcileCmd
}

// reconcilableTenants returns the non-archived tenants of the configured department.
func reconcilableTenants(ctx context.Context, a *app) ([]string, error) {
	tenants, err := a.catalog.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	dept := a.ns.Department().Name
	var ids []string
	for _, t := range tenants {
		if t.Department == dept && t.Status != medvault.TenantArchived {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func printOutcomes(w io.Writer, outcomes []reconcile.Outcome, asJSON bool) error {
	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(w, "tenant %s: %v\n", o.TenantID, o.Err)
			continue
		}
		if len(o.Report.Failures) > 0 {
			failed++
		}
		if asJSON {
			if err := printJSON(w, o.Report); err != nil {
				return err
			}
			continue
		}
		printReport(w, o.Report)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants did not reconcile cleanly", failed, len(outcomes))
	}
	return nil
}

func printReport(w io.Writer, r *reconcile.Report) {
	fmt.Fprintln(w, r.String())
	verb := "created"
	if r.DryRun {
		verb = "would create"
	}
	for _, key := range r.Created {
		fmt.Fprintf(w, "  %s: %s\n", verb, key)
	}
	if r.DryRun {
		for _, key := range r.MissingInDB {
			fmt.Fprintf(w, "  missing in catalog: %s\n", key)
		}
		for _, key := range r.MissingInStore {
			fmt.Fprintf(w, "  would remove: %s\n", key)
		}
	}
	for _, key := range r.Removed {
		fmt.Fprintf(w, "  removed: %s\n", key)
	}
	for _, key := range r.OrphanPayloads {
		fmt.Fprintf(w, "  orphan payload: %s\n", key)
	}
	for _, key := range r.OrphanSidecars {
		fmt.Fprintf(w, "  orphan sidecar: %s\n", key)
	}
	for _, key := range r.FailedKeys() {
		fmt.Fprintf(w, "  failed: %s: %v\n", key, r.Failures[key])
	}
}

// runEvery runs fn at every tick until ctx is done. A failed run is logged and
// the next tick still fires.
func runEvery(ctx context.Context, a *app, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error().Err(err).Msg("scheduled reconciliation failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
