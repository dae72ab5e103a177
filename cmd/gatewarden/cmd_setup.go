package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/config"
)

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively create the gatewarden configuration",
	Long: `Walks through the deployment-specific settings (public endpoint,
admin credentials) and writes the configuration file. Network defaults
(subnet, host range, intervals) come from the built-in defaults and can
be edited in the file afterwards.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing config file")
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	if _, err := os.Stat(cfgPath); err == nil && !setupForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
	}

	cfg := config.DefaultConfig()
	var adminPassword string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Public endpoint").
				Description("host:port clients connect to, e.g. vpn.example.com:51820").
				Value(&cfg.Network.Endpoint).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),
			huh.NewInput().
				Title("Tunnel interface").
				Value(&cfg.Network.Interface),
			huh.NewInput().
				Title("Admin username").
				Value(&cfg.Admin.BootstrapUser),
			huh.NewInput().
				Title("Admin password").
				EchoMode(huh.EchoModePassword).
				Value(&adminPassword).
				Validate(func(s string) error {
					if len(s) < 8 {
						return fmt.Errorf("at least 8 characters")
					}
					return nil
				}),
		),
	).WithTheme(formTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Admin.BootstrapPassword = adminPassword
	secret, err := randomSecret()
	if err != nil {
		return err
	}
	cfg.Admin.SessionSecret = secret

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, styleHeader.Render("Configuration written to "+cfgPath))
	fmt.Fprintln(os.Stderr, styleDim.Render("Bring up the interface with wg-quick, then run: gatewarden serve"))
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
