package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-lan/client"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tcriess/lightspeed-lan/types"
)

const chatHelp = `commands:
  /rooms                   list rooms
  /create <name> [pw]      create a room and enter it
  /join <room id> [pw]     join a room and make it the current one
  /leave                   leave the current room
  /history [n]             show the last n messages
  /topic <text>            set the topic (owners)
  /kick|/ban|/unban|/promote <user>
  /users                   member count and your role
  /files                   list files of the current room
  /send <path>             upload a file
  /get <file id> [dest]    download a file
  /quit
anything else is sent to the current room`

func chatCmd() *cobra.Command {
	var host, certName string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Minimal line based chat client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return chat(cmd.Context(), cfg, host, certName)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().StringVar(&certName, "cert", "client", "name of the client certificate in the PKI dir (TLS only)")
	return cmd
}

func chat(ctx context.Context, cfg *config.Config, host, certName string) error {
	creds := client.Credentials{
		Username:      cfg.Username,
		Token:         cfg.Token,
		Bearer:        cfg.SecurityConfig.RequireBearer,
		EncryptFrames: cfg.SecurityConfig.EncryptFrames,
	}
	if cfg.TLSConfig.Enabled {
		tlsConfig, err := clientTLS(cfg, host, certName)
		if err != nil {
			return err
		}
		creds.TLSConfig = tlsConfig
	}

	var current atomic.Value
	current.Store("")
	c := client.New(client.EventSinkFunc(func(f *types.Frame) {
		printEvent(f)
	}))
	c.Handle(types.WireMessageTypeRoomJoined, func(f *types.Frame) bool {
		current.Store(f.RoomId)
		return true
	})
	if err := c.Connect(ctx, host, cfg.Port, creds); err != nil {
		return err
	}
	defer c.Disconnect()
	fmt.Printf("connected as %s, /help for commands\n", c.Username())

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !c.IsConnected() {
				return fmt.Errorf("connection lost")
			}
			quit, err := runLine(ctx, c, current.Load().(string), strings.TrimSpace(line))
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func runLine(ctx context.Context, c *client.Client, room, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if room == "" {
			return false, fmt.Errorf("join a room first")
		}
		return false, c.SendMessage(room, line)
	}
	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/help":
		fmt.Println(chatHelp)
		return false, nil
	case "/rooms":
		return false, c.ListRooms()
	case "/create":
		return false, c.CreateRoom(arg(1), arg(2), true)
	case "/join":
		return false, c.JoinRoom(arg(1), arg(2))
	case "/leave":
		return false, c.LeaveRoom(room)
	case "/history":
		n, _ := strconv.Atoi(arg(1))
		return false, c.History(room, n)
	case "/topic":
		return false, c.SetTopic(room, strings.TrimSpace(strings.TrimPrefix(line, "/topic")))
	case "/kick":
		return false, c.Kick(room, arg(1))
	case "/ban":
		return false, c.Ban(room, arg(1), strings.Join(fields[min(2, len(fields)):], " "))
	case "/unban":
		return false, c.Unban(room, arg(1))
	case "/promote":
		return false, c.Promote(room, arg(1))
	case "/users":
		return false, c.Users(room)
	case "/files":
		return false, c.ListFiles(room)
	case "/send":
		id, err := c.SendFile(ctx, room, arg(1))
		if err == nil {
			fmt.Println("upload", id, "started")
		}
		return false, err
	case "/get":
		return false, c.DownloadFile(room, arg(1), arg(2))
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}

func printEvent(f *types.Frame) {
	switch f.Type {
	case types.WireMessageTypeMessage:
		ev := types.ChatEvent{}
		if f.Unmarshal(&ev) == nil {
			fmt.Printf("[%s] %s <%s> %s\n", ev.RoomId, ev.Timestamp.Local().Format("15:04:05"), ev.Sender, ev.Text)
			return
		}
	case types.WireMessageTypeRoomJoined:
		joined := types.RoomJoined{}
		if f.Unmarshal(&joined) == nil {
			fmt.Printf("joined %s (%s) as %s, topic: %s\n", joined.Name, joined.RoomId, joined.Role, joined.Topic)
			for _, ev := range joined.History {
				fmt.Printf("[%s] %s <%s> %s\n", ev.RoomId, ev.Timestamp.Local().Format("15:04:05"), ev.Sender, ev.Text)
			}
			return
		}
	case types.WireMessageTypeFileReceived:
		received := types.FileReceived{}
		if f.Unmarshal(&received) == nil {
			fmt.Printf("received %s (%d bytes, sha256 %s) %s\n", received.Name, received.Size, received.Hash, received.Path)
			return
		}
	}
	fmt.Printf("%s %s\n", f.Type, string(f.Content))
}

func clientTLS(cfg *config.Config, host, certName string) (*tls.Config, error) {
	ca, err := security.LoadOrCreateCA(cfg.TLSConfig.PKIDir)
	if err != nil {
		return nil, err
	}
	var cert *tls.Certificate
	if certName != "" {
		leaf, err := ca.LoadOrIssue(security.RoleClient, certName, nil)
		if err != nil {
			return nil, err
		}
		cert = &leaf
	}
	return security.ClientTLSConfig(ca, cert, host), nil
}
