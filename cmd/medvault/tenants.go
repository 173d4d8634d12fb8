package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/provision"
)

func newProvisionCmd(c *cli) *cobra.Command {
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Create tenant and owner folder hierarchies",
		Long: `Create the category folders and the directory metadata of a tenant or an owner.

Provisioning is idempotent: running it again completes a partial run.

Examples:
  # Register a tenant in the catalog and create its folders
  medvault provision tenant clinic-42 --name "Clinique du Parc" --quota 10737418240

  # Register a patient, sealing the department's sensitive fields
  medvault provision owner clinic-42 P1 --field address="1 rue de la Paix" --field blood_type=A+`,
	}

	var (
		name  string
		quota int64
	)
	tenantCmd := &cobra.Command{
		Use:   "tenant <tenant-id>",
		Short: "Provision a tenant, registering it when unknown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			return runProvisionTenant(cmd, a, c.actor, args[0], name, quota)
		},
	}
	tenantCmd.Flags().StringVar(&name, "name", "", "display name of a new tenant (default the id)")
	tenantCmd.Flags().Int64Var(&quota, "quota", 0, "storage quota in bytes of a new tenant, 0 for unlimited")
	provisionCmd.AddCommand(tenantCmd)

	var fields map[string]string
	ownerCmd := &cobra.Command{
		Use:   "owner <tenant-id> <owner-id>",
		Short: "Register an owner and provision its folders",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if _, err := a.tenant(cmd.Context(), args[0]); err != nil {
				return err
			}
			result, err := a.provisioner().RegisterOwner(cmd.Context(), args[0], args[1], fields, c.actor)
			printResult(cmd.OutOrStdout(), "owner "+args[1], result)
			return err
		},
	}
	ownerCmd.Flags().StringToStringVar(&fields, "field", nil, "initial owner field as name=value, repeatable")
	provisionCmd.AddCommand(ownerCmd)

	return provisionCmd
}

func runProvisionTenant(cmd *cobra.Command, a *app, actor, id, name string, quota int64) error {
	ctx := cmd.Context()
	tenant, err := a.tenant(ctx, id)
	switch {
	case errors.Is(err, medvault.ErrNotFound):
		if _, err := a.ns.TenantPrefix(id); err != nil {
			return err
		}
		if name == "" {
			name = id
		}
		tenant = medvault.Tenant{
			ID:         id,
			Name:       name,
			Department: a.ns.Department().Name,
			QuotaBytes: quota,
			Status:     medvault.TenantActive,
			CreatedAt:  time.Now().UTC(),
		}
		if err := a.catalog.CreateTenant(ctx, tenant); err != nil {
			return err
		}
		a.journal.Record(ctx, medvault.ActionCreate, "tenant", id, id, actor, map[string]any{
			"name":       tenant.Name,
			"department": tenant.Department,
			"quotaBytes": tenant.QuotaBytes,
		})
	case err != nil:
		return err
	}

	result, err := a.provisioner().ProvisionTenant(ctx, tenant, actor)
	printResult(cmd.OutOrStdout(), "tenant "+id, result)
	return err
}

func printResult(w io.Writer, entity string, r provision.Result) {
	fmt.Fprintf(w, "%s: %s, %d folders created, %d failed\n", entity, r.Status, r.FoldersCreated, r.FoldersFailed)
	if r.Prefix != "" {
		fmt.Fprintf(w, "  prefix: %s\n", r.Prefix)
	}
	for _, key := range r.Failed {
		fmt.Fprintf(w, "  failed: %s\n", key)
	}
}

func newTenantCmd(c *cli) *cobra.Command {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Inspect and manage tenants",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tenants with their usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			tenants, err := a.catalog.Tenants(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "DEPARTMENT", "STATUS", "USAGE", "QUOTA")
			for _, t := range tenants {
				usage, err := a.catalog.Usage(cmd.Context(), t.ID)
				if err != nil {
					return err
				}
				quota := "unlimited"
				if t.QuotaBytes > 0 {
					quota = formatBytes(t.QuotaBytes)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Department, t.Status, formatBytes(usage), quota)
			}
			return tw.Flush()
		},
	}
	tenantCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:       "status <tenant-id> <active|suspended|archived>",
		Short:     "Change the lifecycle status of a tenant",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(medvault.TenantActive), string(medvault.TenantSuspended), string(medvault.TenantArchived)},
		RunE: func(cmd *cobra.Command, args []string) error {
			status := medvault.TenantStatus(args[1])
			switch status {
			case medvault.TenantActive, medvault.TenantSuspended, medvault.TenantArchived:
			default:
				return fmt.Errorf("%w: unknown tenant status '%s'", medvault.ErrInvalidConfiguration, args[1])
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if err := a.catalog.SetTenantStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}
			a.logger.Info().Str("tenant_id", args[0]).Str("status", string(status)).Str("actor_id", c.actor).Msg("tenant status changed")
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s is now %s\n", args[0], status)
			return nil
		},
	}
	tenantCmd.AddCommand(statusCmd)

	return tenantCmd
}

func newOwnerCmd(c *cli) *cobra.Command {
	ownerCmd := &cobra.Command{
		Use:   "owner",
		Short: "Inspect and remove owners",
	}

	var reveal bool
	showCmd := &cobra.Command{
		Use:   "show <tenant-id> <owner-id>",
		Short: "Show an owner, optionally decrypting its sensitive fields",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			owner, err := a.catalog.Owner(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "owner %s of tenant %s, %s since %s\n", owner.ID, owner.TenantID, owner.Status, owner.CreatedAt.Format(time.RFC3339))
			for _, name := range sortedNames(owner.Fields) {
				fmt.Fprintf(out, "  %s: %s\n", name, owner.Fields[name])
			}
			for _, name := range sortedNames(owner.Sensitive) {
				if !reveal {
					fmt.Fprintf(out, "  %s: <sealed, key version %d>\n", name, owner.Sensitive[name].KeyVersion)
					continue
				}
				value, err := a.envelope.OpenField(ctx, owner, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %s: %s\n", name, value)
			}
			if reveal && len(owner.Sensitive) > 0 {
				a.journal.Record(ctx, medvault.ActionAccess, "owner", owner.ID, owner.TenantID, c.actor, map[string]any{
					"fields": sortedNames(owner.Sensitive),
				})
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&reveal, "reveal", false, "decrypt sensitive fields, recorded in the audit journal")
	ownerCmd.AddCommand(showCmd)

	deleteCmd := &cobra.Command{
		Use:     "delete <tenant-id> <owner-id>",
		Aliases: []string{"rm"},
		Short:   "Soft-delete an owner, keeping its files",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if err := a.catalog.SoftDeleteOwner(cmd.Context(), args[0], args[1], time.Now().UTC()); err != nil {
				return err
			}
			a.journal.Record(cmd.Context(), medvault.ActionDelete, "owner", args[1], args[0], c.actor, nil)
			fmt.Fprintf(cmd.OutOrStdout(), "owner %s deleted\n", args[1])
			return nil
		},
	}
	ownerCmd.AddCommand(deleteCmd)

	return ownerCmd
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
