package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/globals"
)

var (
	configPath string
	flagSet    *pflag.FlagSet
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flagSet = config.GetFlagSet()
	rootCmd := &cobra.Command{
		Use:           "lightspeed-lan",
		Short:         "LAN group chat server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	rootCmd.AddCommand(serveCmd(), discoverCmd(), chatCmd(), pkiCmd(), tokenCmd())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		globals.AppLogger.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		return nil, err
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	return cfg, nil
}
