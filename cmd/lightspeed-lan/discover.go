package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-lan/discovery"
)

func discoverCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List chat servers announcing themselves on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			servers, err := discovery.DiscoverServers(cmd.Context(), discovery.ScannerConfig{
				ListenAddr:    fmt.Sprintf(":%d", cfg.DiscoveryConfig.Port),
				TTL:           cfg.DiscoveryConfig.TTL,
				RequireSigned: cfg.DiscoveryConfig.RequireSigned,
				TrustedKeys:   cfg.DiscoveryConfig.TrustedKeys,
			}, wait)
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				fmt.Println("no servers found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tROOMS\tSIGNED")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", s.Name, s.Addr(), s.Rooms, s.Signed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to listen for beacons")
	return cmd
}
