package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/medvault/files"
	"github.com/hengadev/medvault/namespace"
)

func newUploadCmd(c *cli) *cobra.Command {
	var (
		owner       string
		category    string
		contentType string
		tags        map[string]string
		encrypt     bool
	)
	uploadCmd := &cobra.Command{
		Use:   "upload <tenant-id> <file>",
		Short: "Store a file for a tenant or one of its owners",
		Long: `Store a file under the category folder of a tenant or an owner.

Categories the department marks as sensitive are encrypted with the current
key version; --encrypt forces encryption of any other category.

Examples:
  medvault upload clinic-42 scan.pdf --owner P1 --category medical_record
  medvault upload clinic-42 protocol.pdf --category consultation_note --tag source=intranet`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if _, err := a.tenant(cmd.Context(), args[0]); err != nil {
				return err
			}
			if contentType == "" {
				contentType = http.DetectContentType(data)
			}
			obj, err := a.files().Upload(cmd.Context(), files.UploadRequest{
				TenantID:    args[0],
				OwnerID:     owner,
				Category:    namespace.Category(category),
				Filename:    filepath.Base(args[1]),
				ContentType: contentType,
				Data:        data,
				ActorID:     c.actor,
				Tags:        tags,
				Encrypt:     encrypt,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), obj)
		},
	}
	uploadCmd.Flags().StringVar(&owner, "owner", "", "owner id, empty for a tenant-level file")
	uploadCmd.Flags().StringVar(&category, "category", "", "file category")
	uploadCmd.Flags().StringVar(&contentType, "content-type", "", "content type (default detected from the content)")
	uploadCmd.Flags().StringToStringVar(&tags, "tag", nil, "tag stored in the metadata sidecar as name=value, repeatable")
	uploadCmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt even if the category is stored in clear")
	_ = uploadCmd.MarkFlagRequired("category")
	return uploadCmd
}

func newOpenCmd(c *cli) *cobra.Command {
	var output string
	openCmd := &cobra.Command{
		Use:   "open <tenant-id> <key>",
		Short: "Read a file, decrypting and verifying it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			data, _, err := a.files().Open(cmd.Context(), args[0], args[1], c.actor)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	openCmd.Flags().StringVarP(&output, "output", "o", "", "write the content to a file instead of stdout")
	return openCmd
}

func newPresignCmd(c *cli) *cobra.Command {
	var ttl time.Duration
	presignCmd := &cobra.Command{
		Use:   "presign <tenant-id> <key>",
		Short: "Issue a time-limited download URL for a file stored in clear",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			url, err := a.files().Presign(cmd.Context(), args[0], args[1], ttl, c.actor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	presignCmd.Flags().DurationVar(&ttl, "ttl", 0, "URL lifetime (default 15m)")
	return presignCmd
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <tenant-id> <key>",
		Aliases: []string{"rm"},
		Short:   "Delete a file, its metadata sidecar and its catalog record",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if err := a.files().Delete(cmd.Context(), args[0], args[1], c.actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[1])
			return nil
		},
	}
}

func newObjectsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "objects <tenant-id>",
		Short: "List the catalog records of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			objects, err := a.catalog.Objects(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "KEY", "CATEGORY", "OWNER", "SIZE", "ENCRYPTED", "CREATED")
			for _, o := range objects {
				encrypted := "no"
				if o.Encrypted {
					encrypted = fmt.Sprintf("v%d", o.KeyVersion)
				}
				owner := o.OwnerID
				if owner == "" {
					owner = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", o.Key, o.Category, owner, formatBytes(o.Size), encrypted, o.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}
