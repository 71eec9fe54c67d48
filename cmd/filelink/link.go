package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tdenzel/filelink/internal/signing"
)

// newLinkCmd groups the link subcommands, which issue and check signed
// download links against the same FILELINK_HMAC_KEY the server uses.
func newLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Issue and verify signed download links",
	}
	cmd.AddCommand(
		newLinkSignCmd(),
		newLinkVerifyCmd(),
	)
	return cmd
}

func newLinkSignCmd() *cobra.Command {
	var folder string
	var name string
	var derived bool
	var permanent bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Issue a signed download link for a stored file",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := signerFromEnv()
			if err != nil {
				return err
			}
			loc := signing.FileLocation{Folder: folder, FileName: name, Derived: derived}
			link := signer.DownloadURL(loc, ttl)
			if permanent {
				link = signer.PermanentDownloadURL(loc)
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "Folder key the file is stored under")
	cmd.Flags().StringVar(&name, "name", "", "File name within the folder")
	cmd.Flags().BoolVar(&derived, "derived", false, "Link the derived artifact instead of the source file")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Issue a link that never expires")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "How long the link stays valid")
	_ = cmd.MarkFlagRequired("folder")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newLinkVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <link>",
		Short: "Check a download link's signature and expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := signerFromEnv()
			if err != nil {
				return err
			}
			u, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse link: %w", err)
			}
			if !strings.HasPrefix(u.Path, signing.DownloadPrefix) {
				return fmt.Errorf("not a download link: %s", u.Path)
			}
			encoded := strings.TrimPrefix(u.Path, signing.DownloadPrefix)
			filePath, ok := signer.VerifyDownloadURL(encoded, u.Query().Get(signing.SigParam))
			if !ok {
				return fmt.Errorf("link is invalid or expired")
			}
			fmt.Fprintln(cmd.OutOrStdout(), filePath)
			return nil
		},
	}
}

func signerFromEnv() (*signing.Signer, error) {
	key := os.Getenv("FILELINK_HMAC_KEY")
	signer, err := signing.New([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("FILELINK_HMAC_KEY must be set")
	}
	return signer, nil
}
