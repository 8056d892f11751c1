package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var (
		outDir string
		name   string
		bits   int
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for signing audit entries",
		Long: `Generate an RSA key pair for RSA-PSS signatures over chain hashes.

The private key is written with mode 0600 as <name>.pem and the public key
with mode 0644 as <name>.pub.pem. Point signing.private_key_path and
signing.public_key_path at them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPath := filepath.Join(outDir, name+".pem")
			pubPath := filepath.Join(outDir, name+".pub.pem")
			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					}
				}
			}

			privPEM, pubPEM, err := auditchain.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return fmt.Errorf("create key directory: %w", err)
			}
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private key: %s\n", privPath)
			fmt.Fprintf(out, "public key:  %s\n", pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "keys", "directory to write the key pair to")
	cmd.Flags().StringVar(&name, "name", "ledger-signing", "base file name for the key pair")
	cmd.Flags().IntVar(&bits, "bits", auditchain.DefaultKeyBits, "RSA key size in bits (minimum 2048)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing key files")
	return cmd
}
