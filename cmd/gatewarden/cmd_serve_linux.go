//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/audit"
	"github.com/kuuji/gatewarden/internal/auth"
	"github.com/kuuji/gatewarden/internal/config"
	"github.com/kuuji/gatewarden/internal/confstore"
	"github.com/kuuji/gatewarden/internal/firewall"
	"github.com/kuuji/gatewarden/internal/ipalloc"
	"github.com/kuuji/gatewarden/internal/manager"
	"github.com/kuuji/gatewarden/internal/reconcile"
	"github.com/kuuji/gatewarden/internal/registry"
	"github.com/kuuji/gatewarden/internal/telemetry"
	"github.com/kuuji/gatewarden/internal/web"
	"github.com/kuuji/gatewarden/internal/wgkernel"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Runs the gatewarden control plane: the admin HTTP API, the telemetry
poller, and the periodic reconciler. Requires the WireGuard interface
to exist (bring it up with wg-quick first) and CAP_NET_ADMIN.`,
	RunE: runServe,
}

// kernelKeys satisfies manager.KeySource with real key generation.
type kernelKeys struct{}

func (kernelKeys) GenerateKeypair() (string, string, error) {
	return wgkernel.GenerateKeypair()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	if cfg.Admin.SessionSecret == "" {
		return errors.New("admin.session_secret is not set (or GATEWARDEN_SESSION_SECRET)")
	}
	if cfg.Network.Endpoint == "" {
		return errors.New("network.endpoint is not set (or GATEWARDEN_ENDPOINT)")
	}
	log := globalLogger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device := wgkernel.New(cfg.Network.Interface, log)
	if !device.Exists() {
		return fmt.Errorf("%w: bring up %s with wg-quick first",
			wgkernel.ErrInterfaceMissing, cfg.Network.Interface)
	}
	serverPub, err := device.PublicKey()
	if err != nil {
		return err
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer reg.Close()

	// Sessions left open by a previous process cannot still be live.
	if err := reg.CloseAllOpenSessions(ctx, time.Now().Unix()); err != nil {
		return err
	}
	if err := bootstrapAdmin(ctx, reg, cfg); err != nil {
		return err
	}

	store := confstore.New(cfg.WireGuard.ConfigPath, device, log)

	fw := firewall.New(cfg.Network.Interface, cfg.SubnetPrefix(), cfg.ServerAddr(), log)
	uplink, err := wgkernel.UplinkInterface()
	if err != nil {
		return fmt.Errorf("detecting uplink interface: %w", err)
	}
	if err := fw.Setup(uplink); err != nil {
		return err
	}

	alloc, err := ipalloc.New(cfg.SubnetPrefix(), cfg.Network.HostStart, cfg.Network.HostEnd)
	if err != nil {
		return err
	}

	mgr := manager.New(reg, store, fw, alloc, kernelKeys{}, auth.NewKeyVault(cfg.Admin.SessionSecret),
		manager.Options{
			Endpoint:         cfg.Network.Endpoint,
			ServerPublicKey:  serverPub,
			DNS:              cfg.WireGuard.ClientDNS,
			MTU:              cfg.WireGuard.ClientMTU,
			Keepalive:        cfg.WireGuard.PersistentKeepalive,
			StorePrivateKeys: cfg.Admin.StorePrivateKeys,
		}, log)

	rec := reconcile.New(reg, device, store, cfg.WireGuard.PersistentKeepalive, log)
	if _, err := rec.Run(ctx); err != nil {
		log.Error("startup reconcile failed", "error", err)
	}
	if err := mgr.ApplyProfiles(ctx); err != nil {
		log.Warn("startup acl application incomplete", "error", err)
	}

	bcast := telemetry.NewBroadcaster(log)
	poller := telemetry.NewPoller(device, reg, bcast, telemetry.Intervals{
		Poll:     cfg.Telemetry.Poll(),
		Idle:     cfg.Telemetry.Idle(),
		DBSync:   cfg.Telemetry.DBSync(),
		Liveness: cfg.Telemetry.Liveness(),
	}, log)

	auditLog, err := audit.Open(cfg.Admin.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	srv := web.NewServer(cfg.Admin.ListenAddr, mgr, reg, rec, bcast,
		auth.NewTokens(cfg.Admin.SessionSecret), auditLog, log)
	if err := srv.Start(); err != nil {
		return err
	}

	go poller.Run(ctx)
	go rec.RunLoop(ctx, cfg.Reconcile.Every())

	log.Info("gatewarden running",
		"iface", cfg.Network.Interface,
		"subnet", cfg.Network.Subnet,
		"listen", srv.Addr())

	<-ctx.Done()
	log.Info("shutting down")
	return srv.Stop()
}

// bootstrapAdmin seeds the admin row on first start. The configured
// password is ignored once a row exists; use reset-password after that.
func bootstrapAdmin(ctx context.Context, reg *registry.Registry, cfg *config.Config) error {
	_, err := reg.GetAdmin(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if cfg.Admin.BootstrapPassword == "" {
		return errors.New("no admin account exists and admin.bootstrap_password is not set")
	}
	hash, err := auth.HashPassword(cfg.Admin.BootstrapPassword)
	if err != nil {
		return err
	}
	return reg.UpsertAdmin(ctx, cfg.Admin.BootstrapUser, hash)
}
