// Package config holds the relay configuration and loads it from .env files
// and LANRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Service names a single relay the unified server can run.
type Service string

const (
	ServiceVideo  Service = "video"
	ServiceAudio  Service = "audio"
	ServiceChat   Service = "chat"
	ServiceFile   Service = "file"
	ServiceScreen Service = "screen"
)

// AllServices lists every relay in start order.
var AllServices = []Service{ServiceVideo, ServiceAudio, ServiceChat, ServiceFile, ServiceScreen}

// Default ports and limits.
const (
	DefaultVideoPort     = 5001
	DefaultAudioPort     = 5002
	DefaultChatPort      = 5003
	DefaultFilePort      = 5004
	DefaultScreenPort    = 5005
	DefaultDiscoveryPort = 5006
	DefaultMonitorPort   = 5080

	DefaultStorageDir  = "server_files"
	DefaultMaxFileSize = 100 * 1024 * 1024
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "LANRELAY_"

// Config stores every parameter of a relay process.
type Config struct {
	Host string // bind address, empty means all interfaces

	VideoPort     int
	AudioPort     int
	ChatPort      int
	FilePort      int
	ScreenPort    int
	DiscoveryPort int // 0 disables the discovery responder
	MonitorPort   int // 0 disables the HTTP monitor

	StorageDir    string
	MaxFileSize   int64
	StatsInterval time.Duration
	Debug         bool

	Services []Service
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		VideoPort:     DefaultVideoPort,
		AudioPort:     DefaultAudioPort,
		ChatPort:      DefaultChatPort,
		FilePort:      DefaultFilePort,
		ScreenPort:    DefaultScreenPort,
		DiscoveryPort: DefaultDiscoveryPort,
		MonitorPort:   DefaultMonitorPort,
		StorageDir:    DefaultStorageDir,
		MaxFileSize:   DefaultMaxFileSize,
		StatsInterval: 10 * time.Second,
		Services:      append([]Service(nil), AllServices...),
	}
}

// Load starts from Default, merges the given .env files (or ./.env when none
// are named and it exists) into the process environment, then applies
// LANRELAY_* variables. Variables already set in the environment win over
// .env entries.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", strings.Join(envFiles, ", "), err)
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"VIDEO_PORT":     &c.VideoPort,
		"AUDIO_PORT":     &c.AudioPort,
		"CHAT_PORT":      &c.ChatPort,
		"FILE_PORT":      &c.FilePort,
		"SCREEN_PORT":    &c.ScreenPort,
		"DISCOVERY_PORT": &c.DiscoveryPort,
		"MONITOR_PORT":   &c.MonitorPort,
	}
	for key, dst := range ints {
		raw, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = v
	}

	if raw, ok := lookup(envPrefix + "HOST"); ok {
		c.Host = strings.TrimSpace(raw)
	}
	if raw, ok := lookup(envPrefix + "STORAGE_DIR"); ok && strings.TrimSpace(raw) != "" {
		c.StorageDir = strings.TrimSpace(raw)
	}
	if raw, ok := lookup(envPrefix + "MAX_FILE_SIZE"); ok {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_FILE_SIZE: %w", envPrefix, err)
		}
		c.MaxFileSize = v
	}
	if raw, ok := lookup(envPrefix + "DEBUG"); ok {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%sDEBUG: %w", envPrefix, err)
		}
		c.Debug = v
	}
	if raw, ok := lookup(envPrefix + "SERVICES"); ok && strings.TrimSpace(raw) != "" {
		svcs, err := ParseServices(raw)
		if err != nil {
			return err
		}
		c.Services = svcs
	}
	return nil
}

// ParseServices parses a comma separated service list. "all" selects every
// relay.
func ParseServices(raw string) ([]Service, error) {
	var out []Service
	seen := make(map[Service]bool)

	for _, part := range strings.Split(raw, ",") {
		name := Service(strings.ToLower(strings.TrimSpace(part)))
		if name == "" {
			continue
		}
		if name == "all" {
			return append([]Service(nil), AllServices...), nil
		}
		if !name.valid() {
			return nil, fmt.Errorf("unknown service %q (want all, video, audio, chat, file or screen)", name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	if len(out) == 0 {
		return nil, errors.New("no service selected")
	}
	return out, nil
}

func (s Service) valid() bool {
	for _, known := range AllServices {
		if s == known {
			return true
		}
	}
	return false
}

// Port returns the configured port of a relay service.
func (c Config) Port(s Service) int {
	switch s {
	case ServiceVideo:
		return c.VideoPort
	case ServiceAudio:
		return c.AudioPort
	case ServiceChat:
		return c.ChatPort
	case ServiceFile:
		return c.FilePort
	case ServiceScreen:
		return c.ScreenPort
	}
	return 0
}

// Enabled reports whether s is among the selected services.
func (c Config) Enabled(s Service) bool {
	for _, svc := range c.Services {
		if svc == s {
			return true
		}
	}
	return false
}

// Validate checks ports and limits.
func (c Config) Validate() error {
	for _, s := range AllServices {
		if p := c.Port(s); p < 0 || p > 65535 {
			return fmt.Errorf("invalid %s port %d: must be 0~65535", s, p)
		}
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery port %d", c.DiscoveryPort)
	}
	if c.MonitorPort < 0 || c.MonitorPort > 65535 {
		return fmt.Errorf("invalid monitor port %d", c.MonitorPort)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("invalid max file size %d", c.MaxFileSize)
	}
	if c.StorageDir == "" {
		return errors.New("storage directory must not be empty")
	}
	if len(c.Services) == 0 {
		return errors.New("no service selected")
	}
	return nil
}
