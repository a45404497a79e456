// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/busybox42/capstone/pkg/crypto"
	"github.com/busybox42/capstone/pkg/network"
	"github.com/busybox42/capstone/pkg/process"
	"github.com/sirupsen/logrus"
)

// Config is everything a node needs to start.
type Config struct {
	Listen   string
	Connect  []string
	Password string
	KeyDir   string

	MaxConnections   int
	MaxFrameBytes    uint32
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	MailboxCapacity int
	MailboxPolicy   process.Policy

	LumpDir          string
	RegistryReadOnly bool
	FSRoot           string

	UseTor     bool
	TorDataDir string

	LogLevel logrus.Level
	LogJSON  bool
}

type fileConfig struct {
	Listen           string   `toml:"listen"`
	Connect          []string `toml:"connect"`
	Password         string   `toml:"password"`
	KeyDir           string   `toml:"key_dir"`
	MaxConnections   int      `toml:"max_connections"`
	MaxFrameBytes    int64    `toml:"max_frame_bytes"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	IdleTimeout      string   `toml:"idle_timeout"`
	MailboxCapacity  int      `toml:"mailbox_capacity"`
	MailboxPolicy    string   `toml:"mailbox_policy"`
	LumpDir          string   `toml:"lump_dir"`
	RegistryReadOnly bool     `toml:"registry_read_only"`
	FSRoot           string   `toml:"fs_root"`
	UseTor           bool     `toml:"use_tor"`
	TorDataDir       string   `toml:"tor_data_dir"`
	LogLevel         string   `toml:"log_level"`
	LogJSON          bool     `toml:"log_json"`
}

func Default() Config {
	nc := network.DefaultConfig()
	mb := process.DefaultMailboxOptions()
	return Config{
		Listen:           "127.0.0.1:7420",
		MaxConnections:   nc.MaxConns,
		MaxFrameBytes:    nc.MaxFrameSize,
		HandshakeTimeout: nc.HandshakeTimeout,
		MailboxCapacity:  mb.Capacity,
		MailboxPolicy:    mb.Policy,
		LogLevel:         logrus.InfoLevel,
	}
}

// Load reads a TOML file over Default. Keys absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("connect") {
		cfg.Connect = normalizeAddrs(raw.Connect)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("key_dir") {
		cfg.KeyDir = strings.TrimSpace(raw.KeyDir)
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("max_frame_bytes") {
		if raw.MaxFrameBytes <= 0 || raw.MaxFrameBytes > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("max_frame_bytes %d out of range", raw.MaxFrameBytes)
		}
		cfg.MaxFrameBytes = uint32(raw.MaxFrameBytes)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("mailbox_capacity") {
		cfg.MailboxCapacity = raw.MailboxCapacity
	}
	if meta.IsDefined("mailbox_policy") {
		p, err := process.ParsePolicy(strings.TrimSpace(raw.MailboxPolicy))
		if err != nil {
			return Config{}, fmt.Errorf("parse mailbox_policy: %w", err)
		}
		cfg.MailboxPolicy = p
	}
	if meta.IsDefined("lump_dir") {
		cfg.LumpDir = strings.TrimSpace(raw.LumpDir)
	}
	if meta.IsDefined("registry_read_only") {
		cfg.RegistryReadOnly = raw.RegistryReadOnly
	}
	if meta.IsDefined("fs_root") {
		cfg.FSRoot = strings.TrimSpace(raw.FSRoot)
	}
	if meta.IsDefined("use_tor") {
		cfg.UseTor = raw.UseTor
	}
	if meta.IsDefined("tor_data_dir") {
		cfg.TorDataDir = strings.TrimSpace(raw.TorDataDir)
	}
	if meta.IsDefined("log_level") {
		lvl, err := logrus.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("log_json") {
		cfg.LogJSON = raw.LogJSON
	}

	return cfg, nil
}

func normalizeAddrs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		v := strings.TrimSpace(a)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			errs = append(errs, fmt.Errorf("listen %q: %w", c.Listen, err))
		}
	}
	for _, a := range c.Connect {
		if _, _, err := net.SplitHostPort(a); err != nil {
			errs = append(errs, fmt.Errorf("connect %q: %w", a, err))
		}
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections))
	}
	if c.MaxFrameBytes == 0 {
		errs = append(errs, errors.New("max_frame_bytes must be positive"))
	} else if c.MaxFrameBytes > network.MaxFrameLimit {
		errs = append(errs, fmt.Errorf("max_frame_bytes %d exceeds %d", c.MaxFrameBytes, network.MaxFrameLimit))
	}
	if c.MailboxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("mailbox_capacity must be positive, got %d", c.MailboxCapacity))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle_timeout must not be negative"))
	}
	if c.FSRoot != "" {
		info, err := os.Stat(c.FSRoot)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("fs_root: %w", err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("fs_root %q is not a directory", c.FSRoot))
		}
	}
	return errors.Join(errs...)
}

func (c Config) Mailbox() process.MailboxOptions {
	return process.MailboxOptions{Capacity: c.MailboxCapacity, Policy: c.MailboxPolicy}
}

// Network builds the transport settings for the given identity.
func (c Config) Network(kp *crypto.KeyPair, logger logrus.FieldLogger) network.Config {
	nc := network.DefaultConfig()
	nc.Password = []byte(c.Password)
	nc.KeyPair = kp
	nc.MaxFrameSize = c.MaxFrameBytes
	nc.MaxConns = c.MaxConnections
	nc.HandshakeTimeout = c.HandshakeTimeout
	nc.IdleTimeout = c.IdleTimeout
	nc.Logger = logger
	return nc
}

// NewLogger returns a logger with the configured level and format.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if c.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	log.SetOutput(os.Stdout)
	log.SetLevel(c.LogLevel)
	return log
}
