package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/auth"
	"github.com/kuuji/gatewarden/internal/config"
	"github.com/kuuji/gatewarden/internal/registry"
)

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password",
	Short: "Reset the admin password",
	Long: `Prompts for a new admin password and writes its hash to the
registry, replacing the existing credentials. Run on the host where
the registry lives.`,
	RunE: runResetPassword,
}

func runResetPassword(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer reg.Close()

	username := cfg.Admin.BootstrapUser
	if admin, err := reg.GetAdmin(cmd.Context()); err == nil {
		username = admin.Username
	}

	var password, confirm string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("New password for %q", username)).
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					if len(s) < 8 {
						return fmt.Errorf("at least 8 characters")
					}
					return nil
				}),
			huh.NewInput().
				Title("Confirm password").
				EchoMode(huh.EchoModePassword).
				Value(&confirm),
		),
	).WithTheme(formTheme())
	if err := form.Run(); err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := reg.UpsertAdmin(cmd.Context(), username, hash); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, styleHeader.Render("Password updated"))
	return nil
}
