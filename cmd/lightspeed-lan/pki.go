package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-lan/security"
)

func pkiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pki",
		Short: "Manage the local certificate authority",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the CA and the beacon signing key if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := security.LoadOrCreateCA(cfg.TLSConfig.PKIDir); err != nil {
				return err
			}
			signer, err := security.LoadOrCreateBeaconSigner(filepath.Join(cfg.TLSConfig.PKIDir, security.BeaconKeyFile))
			if err != nil {
				return err
			}
			fmt.Printf("pki ready in %s\nbeacon key: %s\n", cfg.TLSConfig.PKIDir, signer.PublicKeyString())
			return nil
		},
	}

	var role, name string
	var hosts []string
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a server or client certificate signed by the CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := security.Role(role)
			if r != security.RoleServer && r != security.RoleClient {
				return fmt.Errorf("role must be %q or %q", security.RoleServer, security.RoleClient)
			}
			if len(hosts) == 0 && r == security.RoleServer {
				hosts = cfg.TLSConfig.Hosts
			}
			ca, err := security.LoadOrCreateCA(cfg.TLSConfig.PKIDir)
			if err != nil {
				return err
			}
			certPath, keyPath, err := ca.IssueToFiles(r, name, hosts)
			if err != nil {
				return err
			}
			fmt.Printf("certificate: %s\nkey: %s\n", certPath, keyPath)
			return nil
		},
	}
	issueCmd.Flags().StringVar(&role, "role", string(security.RoleClient), "server or client")
	issueCmd.Flags().StringVar(&name, "name", "client", "certificate name, also the file name")
	issueCmd.Flags().StringSliceVar(&hosts, "hosts", nil, "DNS names / IPs of a server certificate")

	cmd.AddCommand(initCmd, issueCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token minted from the shared secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Token == "" {
				return fmt.Errorf("no shared token configured")
			}
			fmt.Println(security.MintToken([]byte(cfg.Token), time.Now()))
			return nil
		},
	}
}
