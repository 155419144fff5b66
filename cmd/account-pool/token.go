package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/account-pool/internal/auth"
)

// adminTokenCmd creates (or reuses) an admin signing key and mints a bearer token
// for the /admin routes. The public key file is what admin_keys_file points at.
func adminTokenCmd() *cobra.Command {
	var (
		keyDir  string
		subject string
		scope   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an RS256 admin token, generating the signing key on first use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath := filepath.Join(keyDir, "admin.key")
			pubPath := filepath.Join(keyDir, "admin.pem")

			var kp auth.KeyPair
			data, err := os.ReadFile(privPath)
			switch {
			case err == nil:
				kp, err = auth.LoadPrivateKey(data)
				if err != nil {
					return fmt.Errorf("%s: %w", privPath, err)
				}
			case os.IsNotExist(err):
				kp, err = auth.GenerateKeyPair()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(keyDir, 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(privPath, kp.PrivatePEM, 0o600); err != nil {
					return err
				}
				if err := os.WriteFile(pubPath, kp.PublicPEM, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote admin keys -> %s, %s (kid=%s)\n", privPath, pubPath, kp.KID)
			default:
				return err
			}

			token, err := auth.MintToken(kp, subject, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyDir, "key-dir", "certs", "Directory holding admin.key and admin.pem")
	cmd.Flags().StringVar(&subject, "sub", "operator", "Token subject")
	cmd.Flags().StringVar(&scope, "scope", "pool:admin", "Scope claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "Token lifetime")
	return cmd
}
