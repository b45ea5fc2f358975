// Package config holds the runtime configuration shared by the CLI commands.
package config

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Role represents which side of a transfer this process plays.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvServerURL   = "PIPELINE_SERVER_URL"
	EnvSTUN        = "PIPELINE_STUN"
	EnvDownloadDir = "PIPELINE_DOWNLOAD_DIR"
)

// Chunk size bounds.
const (
	DefaultChunkSize = 16 * 1024
	MinChunkSize     = 4 * 1024
	MaxChunkSize     = 256 * 1024
)

// Backpressure defaults.
const (
	DefaultHighWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	DefaultLowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	DefaultPollInterval  = 10 * time.Millisecond
)

// DefaultSTUNServers are used for public address discovery. No TURN: the
// data path is direct or it does not exist.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// Config stores every tunable gathered from defaults, environment and flags.
type Config struct {
	ServerURL   string   // signaling relay WebSocket URL
	RelayAddr   string   // listen address for `pipeline relay`
	STUNServers []string // ICE servers used for candidate gathering

	Trickle bool // relay ICE candidates one by one instead of waiting for gathering
	MDNS    bool // gather and resolve .local host candidates

	ChunkSize     int
	HighWaterMark int
	LowWaterMark  int
	PollInterval  time.Duration

	DownloadDir   string // receiver: destination directory
	StrictFraming bool   // binary DataChannel messages are never sniffed for control frames
	WakeLock      bool   // keep the machine awake while transferring
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ServerURL:     "ws://localhost:3001/ws",
		RelayAddr:     ":3001",
		STUNServers:   append([]string(nil), DefaultSTUNServers...),
		ChunkSize:     DefaultChunkSize,
		HighWaterMark: DefaultHighWaterMark,
		LowWaterMark:  DefaultLowWaterMark,
		PollInterval:  DefaultPollInterval,
		DownloadDir:   ".",
		StrictFraming: true,
		WakeLock:      true,
	}
}

// ApplyEnv overlays values found in the process environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServerURL)); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSTUN)); v != "" {
		c.STUNServers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDownloadDir)); v != "" {
		c.DownloadDir = v
	}
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return errors.New("chunk size must be between 4 KiB and 256 KiB")
	}
	if c.LowWaterMark <= 0 {
		return errors.New("low water mark must be positive")
	}
	if c.HighWaterMark < c.LowWaterMark {
		return errors.New("high water mark cannot be less than low water mark")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.DownloadDir == "" {
		return errors.New("download directory cannot be empty")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
