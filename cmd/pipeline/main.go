// Pipeline - CLI entry point.
//
// Sends a single file directly to another peer over a WebRTC DataChannel.
// A small WebSocket relay pairs the two peers by room id; the file itself
// never passes through it.
//
//	pipeline relay --addr :3001
//	pipeline send report.pdf --server ws://relay.example:3001/ws
//	pipeline receive a1b2c3d4 --out ~/Downloads
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/1ureka/pipeline/internal/config"
	"github.com/1ureka/pipeline/internal/util"
)

var version = "dev"

func main() {
	// Root context - cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	cfg.ApplyEnv()

	var debug bool

	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Peer-to-peer file transfer over WebRTC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				util.EnableDebug()
			}
			serverURL, err := normalizeWSURL(cfg.ServerURL)
			if err != nil {
				return err
			}
			cfg.ServerURL = serverURL
			return cfg.Validate()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "signaling relay URL (env "+config.EnvServerURL+")")
	pf.StringSliceVar(&cfg.STUNServers, "stun", cfg.STUNServers, "STUN servers (env "+config.EnvSTUN+")")
	pf.BoolVar(&cfg.Trickle, "trickle", cfg.Trickle, "relay ICE candidates as they are gathered")
	pf.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "gather mDNS (.local) host candidates")
	pf.BoolVar(&cfg.StrictFraming, "strict-framing", cfg.StrictFraming, "never inspect binary messages for control frames")
	pf.BoolVar(&cfg.WakeLock, "wake-lock", cfg.WakeLock, "keep the machine awake while transferring")
	pf.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "bytes per DataChannel message when sending")
	pf.BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newRelayCmd(cfg), newSendCmd(cfg), newReceiveCmd(cfg))
	return root
}

func newRelayCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay that pairs peers by room id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), cfg.RelayAddr)
		},
	}
	cmd.Flags().StringVar(&cfg.RelayAddr, "addr", cfg.RelayAddr, "listen address")
	return cmd
}

func newSendCmd(cfg *config.Config) *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Create a room and offer a file to whoever joins it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if room == "" {
				room = util.NewRoomID()
			}
			return runSend(cmd.Context(), cfg, args[0], util.NormalizeRoomID(room))
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room id to create (random when empty)")
	return cmd
}

func newReceiveCmd(cfg *config.Config) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "receive <room>",
		Short: "Join a room and receive the offered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room := util.NormalizeRoomID(args[0])
			if room == "" {
				return fmt.Errorf("invalid room id %q", args[0])
			}
			return runReceive(cmd.Context(), cfg, room, yes)
		},
	}
	cmd.Flags().StringVar(&cfg.DownloadDir, "out", cfg.DownloadDir, "directory to save into (env "+config.EnvDownloadDir+")")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept the offer without asking")
	return cmd
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay address and turns it into a WebSocket
// URL ending in /ws. http(s) schemes map to ws(s); a bare host gets wss.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
