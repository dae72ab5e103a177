package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/auth"
	"github.com/kuuji/gatewarden/internal/clientconf"
	"github.com/kuuji/gatewarden/internal/config"
	"github.com/kuuji/gatewarden/internal/confstore"
	"github.com/kuuji/gatewarden/internal/registry"
	"github.com/kuuji/gatewarden/internal/wgkernel"
)

var qrCmd = &cobra.Command{
	Use:   "qr <handle>",
	Short: "Display a peer's tunnel config as a terminal QR code",
	Long: `Renders a peer's client configuration as an ASCII QR code for
scanning with a mobile WireGuard app. Requires the peer's private key
to be stored (admin.store_private_keys); otherwise fetch a fresh
artifact through the dashboard, which rotates the keys.`,
	Args: cobra.ExactArgs(1),
	RunE: runQR,
}

var interfacePrivateKeyRe = regexp.MustCompile(`(?m)^\s*PrivateKey\s*=\s*(\S+)`)

func runQR(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	if cfg.Admin.SessionSecret == "" {
		return errors.New("admin.session_secret is not set (or GATEWARDEN_SESSION_SECRET)")
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer reg.Close()

	peer, err := reg.PeerByUsername(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if peer.PrivateKey == "" {
		return fmt.Errorf("no stored private key for %s; rotate through the dashboard", peer.Username)
	}
	priv, err := auth.NewKeyVault(cfg.Admin.SessionSecret).Open(peer.PrivateKey)
	if err != nil {
		return err
	}

	serverPub, err := serverPublicKey(cfg.WireGuard.ConfigPath)
	if err != nil {
		return err
	}

	conf, err := clientconf.Render(clientconf.Params{
		PrivateKey:      priv,
		Address:         peer.AssignedIP,
		ServerPublicKey: serverPub,
		Endpoint:        cfg.Network.Endpoint,
		DNS:             cfg.WireGuard.ClientDNS,
		MTU:             cfg.WireGuard.ClientMTU,
		Keepalive:       cfg.WireGuard.PersistentKeepalive,
		ClientOS:        peer.ClientOS,
	})
	if err != nil {
		return err
	}

	qr, err := qrcode.New(conf, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}
	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Peer: %s (%s)\n", peer.Username, peer.AssignedIP)
	return nil
}

// serverPublicKey derives the interface's public key from the private
// key in the tunnel config file, so the command works without talking
// to the kernel.
func serverPublicKey(confPath string) (string, error) {
	raw, err := os.ReadFile(confPath)
	if err != nil {
		return "", fmt.Errorf("reading tunnel config: %w", err)
	}
	interfaceBlock, _ := confstore.ParseSections(string(raw))
	m := interfacePrivateKeyRe.FindStringSubmatch(interfaceBlock)
	if m == nil {
		return "", fmt.Errorf("no PrivateKey in %s", confPath)
	}
	return wgkernel.DerivePublicKey(m[1])
}
