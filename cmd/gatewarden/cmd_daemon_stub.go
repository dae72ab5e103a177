//go:build !linux

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

// The control plane drives kernel WireGuard, nftables, and netlink; only
// key and config management work off-box.

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane (linux only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.New("serve requires linux (kernel WireGuard and nftables)")
	},
}

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Run one reconciliation sweep and exit (linux only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.New("heal requires linux (kernel WireGuard and nftables)")
	},
}
