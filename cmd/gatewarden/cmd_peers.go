package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/config"
	"github.com/kuuji/gatewarden/internal/registry"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List registered peers",
	RunE:  runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer reg.Close()

	peers, err := reg.ListPeers(cmd.Context())
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(os.Stderr, styleDim.Render("no peers registered"))
		return nil
	}

	fmt.Fprintln(os.Stdout, styleHeader.Render(fmt.Sprintf("%-20s %-16s %-10s %-14s %-12s %s",
		"HANDLE", "ADDRESS", "STATUS", "PROFILE", "TRAFFIC", "LAST SEEN")))
	for _, p := range peers {
		status := styleActive.Render(p.Status)
		if !p.Active() {
			status = styleDisabled.Render(p.Status)
		}
		lastSeen := styleDim.Render("never")
		if p.LastLogin > 0 {
			lastSeen = time.Unix(p.LastLogin, 0).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(os.Stdout, "%-20s %-16s %-10s %-14s %-12s %s\n",
			styleKey.Render(p.Username),
			p.AssignedIP,
			status,
			p.ACLProfile,
			humanBytes(p.TotalRx+p.TotalTx),
			lastSeen)
	}
	return nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
