package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/discovery"
	"github.com/tcriess/lightspeed-lan/globals"
	"github.com/tcriess/lightspeed-lan/persistence"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tcriess/lightspeed-lan/watchdog"
	"github.com/tcriess/lightspeed-lan/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `serve runs the chat server under a watchdog that restarts it with a growing backoff when it fails.
With discovery enabled a beacon announces the server on the local network.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	lock, err := persistence.LockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		return err
	}
	defer persister.Close()
	blobs, err := persistence.NewBlobStore(cfg.FilesDir())
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.TLSConfig.Enabled {
		ca, err := security.LoadOrCreateCA(cfg.TLSConfig.PKIDir)
		if err != nil {
			return err
		}
		leaf, err := ca.LoadOrIssue(security.RoleServer, "server", cfg.TLSConfig.Hosts)
		if err != nil {
			return err
		}
		tlsConfig = security.ServerTLSConfig(ca, leaf, cfg.TLSConfig.RequireClientCert)
	}

	server, err := ws.NewServer(cfg, persister, blobs, tlsConfig)
	if err != nil {
		return err
	}

	wg := sync.WaitGroup{}
	if cfg.DiscoveryConfig.Enabled {
		var signer *security.BeaconSigner
		if cfg.SecurityConfig.SignBeacons {
			signer, err = security.LoadOrCreateBeaconSigner(filepath.Join(cfg.TLSConfig.PKIDir, security.BeaconKeyFile))
			if err != nil {
				return err
			}
			globals.AppLogger.Info("signing beacons", "key", signer.PublicKeyString())
		}
		beacon, err := discovery.NewBeacon(discovery.BeaconConfig{
			Target:   fmt.Sprintf("255.255.255.255:%d", cfg.DiscoveryConfig.Port),
			Interval: cfg.DiscoveryConfig.Interval,
			Signer:   signer,
			Status: func() (string, int, int) {
				return cfg.ServerName, cfg.Port, server.RoomCount()
			},
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = watchdog.Run(ctx, beacon.Run, watchdog.OptionsFromConfig("beacon", cfg.WatchdogConfig))
		}()
	}

	globals.AppLogger.Info("starting", "server_name", cfg.ServerName, "port", cfg.Port, "data_dir", cfg.DataDir)
	err = watchdog.Run(ctx, server.Run, watchdog.OptionsFromConfig("server", cfg.WatchdogConfig))
	wg.Wait()
	globals.AppLogger.Info("bye")
	return err
}
