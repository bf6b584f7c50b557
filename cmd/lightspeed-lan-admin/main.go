package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/globals"
	"github.com/tcriess/lightspeed-lan/persistence"
	"github.com/tcriess/lightspeed-lan/types"
)

// A very simple CLI tool for the administration of the lightspeed-lan store. Read commands work next to a running
// server, commands that write need the data directory lock and therefore a stopped server.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	var persister persistence.Persister
	var lock *flock.Flock
	open := func(write bool) error {
		cfg, err := config.ReadConfiguration(*configPath, flagSet)
		if err != nil {
			return err
		}
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
		if write {
			lock, err = persistence.LockDataDir(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("%w (stop the server first)", err)
			}
		}
		persister, err = persistence.NewPersister(cfg)
		return err
	}
	closeStore := func() {
		if persister != nil {
			_ = persister.Close()
		}
		if lock != nil {
			_ = lock.Unlock()
		}
	}
	defer closeStore()

	printJSON := func(v interface{}) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	var cmdRooms = &cobra.Command{
		Use:   "rooms",
		Short: "List rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(false); err != nil {
				return err
			}
			rooms, err := persister.GetRooms()
			if err != nil {
				return err
			}
			return printJSON(rooms)
		},
	}
	var cmdHistory = &cobra.Command{
		Use:   "history [room id] [count]",
		Short: "Show the last messages of a room",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 50
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid count %q", args[1])
				}
				count = n
			}
			if err := open(false); err != nil {
				return err
			}
			events, err := persister.GetEventHistory(args[0], count)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	var cmdFiles = &cobra.Command{
		Use:   "files [room id]",
		Short: "List the files uploaded to a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(false); err != nil {
				return err
			}
			files, err := persister.GetFiles(args[0])
			if err != nil {
				return err
			}
			return printJSON(files)
		},
	}
	var cmdBans = &cobra.Command{
		Use:   "bans [room id]",
		Short: "List the bans of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(false); err != nil {
				return err
			}
			bans, err := persister.GetBans(args[0])
			if err != nil {
				return err
			}
			return printJSON(bans)
		},
	}
	var reason string
	var cmdBan = &cobra.Command{
		Use:   "ban [room id] [username]",
		Short: "Ban a username from a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(true); err != nil {
				return err
			}
			room := types.Room{Id: args[0]}
			if err := persister.GetRoom(&room); err != nil {
				return err
			}
			return persister.StoreBan(types.Ban{
				RoomId:    room.Id,
				Identity:  args[1],
				IssuedBy:  "admin",
				Reason:    types.Sanitise(reason, types.MaxTopicLen),
				CreatedAt: time.Now().UTC(),
			})
		},
	}
	cmdBan.Flags().StringVar(&reason, "reason", "", "reason shown to the banned user")
	var cmdUnban = &cobra.Command{
		Use:   "unban [room id] [username]",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(true); err != nil {
				return err
			}
			return persister.DeleteBan(types.Ban{RoomId: args[0], Identity: args[1]})
		},
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "delete-room [room id]",
		Short: "Delete a room with its history, file records and bans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(true); err != nil {
				return err
			}
			room := types.Room{Id: args[0]}
			if err := persister.GetRoom(&room); err != nil {
				return err
			}
			if err := persister.DeleteRoom(&room); err != nil {
				return err
			}
			globals.AppLogger.Info("room deleted", "room", room.Id)
			return nil
		},
	}

	var rootCmd = &cobra.Command{Use: "lightspeed-lan-admin", SilenceUsage: true}
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)
	rootCmd.AddCommand(cmdRooms, cmdHistory, cmdFiles, cmdBans, cmdBan, cmdUnban, cmdDeleteRoom)
	if err := rootCmd.Execute(); err != nil {
		closeStore()
		os.Exit(1)
	}
}
