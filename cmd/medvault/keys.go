package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/envelope"
)

func newKeysCmd(c *cli) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and rotate data encryption keys",
		Long: `Inspect and rotate the versioned data keys of the encryption envelope.

Rotation makes a new version current for new writes. Older versions stay
readable, so existing files and fields need no re-encryption.

With MEDVAULT_KMS=static, a rotated key only lives in this process: add a new
version:secret pair to MEDVAULT_ENCRYPTION_KEYS instead.`,
	}

	currentCmd := &cobra.Command{
		Use:   "current",
		Short: "Print the key version used for new encryptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			keys, err := requireKeys(a)
			if err != nil {
				return err
			}
			version, err := keys.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
	keysCmd.AddCommand(currentCmd)

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the key versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			keys, err := requireKeys(a)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch k := keys.(type) {
			case *envelope.SQLKeyring:
				versions, err := k.Versions(cmd.Context())
				if err != nil {
					return err
				}
				tw := newTable(out, "VERSION", "ALIAS", "KMS KEY", "CREATED", "STATE")
				for _, v := range versions {
					state := "current"
					if v.IsDeprecated {
						state = "deprecated"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.Version, v.Alias, v.KMSKeyID, v.CreatedAt.Format(time.RFC3339), state)
				}
				return tw.Flush()
			case *envelope.StaticKeyring:
				for _, v := range k.Versions() {
					fmt.Fprintln(out, v)
				}
				return nil
			default:
				return fmt.Errorf("%w: key provider %T cannot list its versions", medvault.ErrInvalidConfiguration, keys)
			}
		},
	}
	keysCmd.AddCommand(listCmd)

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Make a new key version current",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			keys, err := requireKeys(a)
			if err != nil {
				return err
			}
			previous, err := keys.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			version, err := keys.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			a.journal.Record(cmd.Context(), medvault.ActionRotateKey, "key", strconv.Itoa(version), "", c.actor, map[string]any{
				"previousVersion": previous,
				"alias":           a.cfg.KMSKeyAlias,
				"provider":        a.cfg.KMS,
			})
			if _, ok := keys.(*envelope.StaticKeyring); ok {
				a.logger.Warn().Int("version", version).Msg("static keyring rotated in memory only, add the key to MEDVAULT_ENCRYPTION_KEYS")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated from version %d to %d\n", previous, version)
			return nil
		},
	}
	keysCmd.AddCommand(rotateCmd)

	return keysCmd
}

func requireKeys(a *app) (envelope.KeyProvider, error) {
	if a.keys == nil {
		return nil, fmt.Errorf("%w: no key provider configured, the envelope runs in pass-through mode", medvault.ErrInvalidConfiguration)
	}
	return a.keys, nil
}
