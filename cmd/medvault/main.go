// medvault administers the clinical record storage core: tenant and owner
// provisioning, file upload and retrieval, reconciliation, analytics, key
// rotation and the audit journal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/internal/logging"
	"github.com/hengadev/medvault/objectstore"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// cli holds the root flags and the lazily built application.
type cli struct {
	envFiles  []string
	logLevel  string
	logFormat string
	actor     string

	// store replaces the configured object store when set.
	store objectstore.Client

	app *app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cli{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "medvault",
		Short: "medvault - multi-tenant clinical record storage",
		Long: `medvault stores clinical files per tenant and owner in an object store,
encrypts sensitive content with versioned keys, and keeps a catalog and an
audit journal alongside.

Configuration is read from MEDVAULT_* environment variables and an optional
.env file.

QUICK START:

  # Create a tenant and its category folders
  medvault provision tenant clinic-42 --name "Clinique du Parc"

  # Register a patient with encrypted contact fields
  medvault provision owner clinic-42 P1 --field address="1 rue de la Paix"

  # Store and read back a file
  medvault upload clinic-42 scan.pdf --owner P1 --category medical_record
  medvault open clinic-42 <key> -o scan.pdf

  # Align the catalog with the object store
  medvault reconcile --all --dry-run

For more help on any command, use: medvault <command> --help`,
		SilenceUsage: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	rootCmd.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "", "log level, overrides MEDVAULT_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format json or console, overrides MEDVAULT_LOG_FORMAT")
	rootCmd.PersistentFlags().StringVar(&c.actor, "actor", defaultActor(), "actor recorded in the audit journal")

	rootCmd.AddCommand(newProvisionCmd(c))
	rootCmd.AddCommand(newTenantCmd(c))
	rootCmd.AddCommand(newOwnerCmd(c))
	rootCmd.AddCommand(newUploadCmd(c))
	rootCmd.AddCommand(newOpenCmd(c))
	rootCmd.AddCommand(newPresignCmd(c))
	rootCmd.AddCommand(newDeleteCmd(c))
	rootCmd.AddCommand(newObjectsCmd(c))
	rootCmd.AddCommand(newReconcileCmd(c))
	rootCmd.AddCommand(newAnalyticsCmd(c))
	rootCmd.AddCommand(newKeysCmd(c))
	rootCmd.AddCommand(newAuditCmd(c))
	rootCmd.AddCommand(newHealthCmd(c))

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "medvault %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit: %s\n", Commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "medvault-cli"
}

// open loads the configuration and builds the application on first use.
func (c *cli) open(cmd *cobra.Command) (*app, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := medvault.LoadConfigFromEnvironment(c.envFiles...)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		cfg.LogFormat = c.logFormat
	}

	logger := logging.New(logging.Config{
		Level:     cfg.LogLevel,
		Format:    logging.Format(cfg.LogFormat),
		Output:    cmd.ErrOrStderr(),
		Component: "cli",
	})

	a, err := newApp(cmd.Context(), cfg, logger, c.store)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}
