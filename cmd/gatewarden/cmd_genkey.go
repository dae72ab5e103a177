package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/wgkernel"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new WireGuard private key",
	Long: `Generate a new Curve25519 private key suitable for WireGuard.
The private key is printed to stdout as base64; the corresponding
public key goes to stderr.

Example:
  gatewarden genkey                 # print both keys
  gatewarden genkey 2>/dev/null     # private key only (pipe-friendly)`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	priv, pub, err := wgkernel.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Println(priv)
	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", pub)
	return nil
}
