//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/config"
	"github.com/kuuji/gatewarden/internal/confstore"
	"github.com/kuuji/gatewarden/internal/reconcile"
	"github.com/kuuji/gatewarden/internal/registry"
	"github.com/kuuji/gatewarden/internal/wgkernel"
)

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Run one reconciliation sweep and exit",
	Long: `Restores agreement between the registry, the tunnel config file,
and the kernel peer table, then exits. Useful after manual edits or a
crashed control plane; the running daemon performs the same sweep
periodically.`,
	RunE: runHeal,
}

func runHeal(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	log := globalLogger

	device := wgkernel.New(cfg.Network.Interface, log)
	if !device.Exists() {
		return fmt.Errorf("%w: bring up %s with wg-quick first",
			wgkernel.ErrInterfaceMissing, cfg.Network.Interface)
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer reg.Close()

	store := confstore.New(cfg.WireGuard.ConfigPath, device, log)
	rec := reconcile.New(reg, device, store, cfg.WireGuard.PersistentKeepalive, log)

	res, err := rec.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "active peers:     %d\n", res.ActivePeers)
	fmt.Fprintf(os.Stdout, "zombies removed:  %d\n", len(res.ZombiesRemoved))
	for _, pub := range res.ZombiesRemoved {
		fmt.Fprintf(os.Stdout, "  %s\n", pub)
	}
	fmt.Fprintf(os.Stdout, "file rewritten:   %v\n", res.FileRewritten)
	return nil
}
