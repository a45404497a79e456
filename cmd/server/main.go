package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/busybox42/capstone/internal/config"
	"github.com/busybox42/capstone/pkg/server"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func initLogger(cfg config.Config) {
	log = cfg.NewLogger()
}

func loadConfig(path, listen, connect, password, fsRoot string, useTor bool) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if connect != "" {
		for _, addr := range strings.Split(connect, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Connect = append(cfg.Connect, addr)
			}
		}
	}
	if password != "" {
		cfg.Password = password
	} else if cfg.Password == "" {
		cfg.Password = os.Getenv("CAPSTONE_PASSWORD")
	}
	if fsRoot != "" {
		cfg.FSRoot = fsRoot
	}
	if useTor {
		cfg.UseTor = true
	}
	return cfg, cfg.Validate()
}

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	listen := flag.String("listen", "", "Address to listen on (overrides config)")
	connect := flag.String("connect", "", "Comma-separated peers to connect to at startup")
	password := flag.String("password", "", "Shared network password (or CAPSTONE_PASSWORD)")
	fsRoot := flag.String("fs", "", "Directory to serve through the file provider")
	useTor := flag.Bool("tor", false, "Dial through Tor and publish an onion service")
	interactive := flag.Bool("i", false, "Run the interactive prompt")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *listen, *connect, *password, *fsRoot, *useTor)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	initLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := server.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	defer node.Shutdown()

	if cfg.Listen != "" {
		addr, err := node.Listen(ctx)
		if err != nil {
			log.Fatalf("Failed to listen: %v", err)
		}
		log.WithFields(logrus.Fields{"addr": addr, "peer": node.PeerID().Hex()}).Info("Node is running")
		if onion := node.OnionAddr(); onion != "" {
			log.WithField("onion", onion).Info("Reachable over Tor")
		}
	}

	for _, addr := range cfg.Connect {
		conn, err := node.Connect(ctx, addr)
		if err != nil {
			log.WithError(err).WithField("remote", addr).Error("Failed to connect")
			continue
		}
		log.WithFields(logrus.Fields{"remote": addr, "peer": conn.RemotePeer()}).Info("Connected")
	}

	if *interactive {
		if err := newNodeCLI(node, os.Stdout).run(ctx, os.Stdin); err != nil {
			log.WithError(err).Error("Prompt failed")
		}
		return
	}
	<-ctx.Done()
	log.Info("Signal received")
}
