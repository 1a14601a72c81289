// Command bridge-ws runs the WebSocket gateway that bridges streaming
// clients onto local CLI assistants and an HTTP-streamed model server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jeffnash/bridge-ws/internal/config"
	"github.com/jeffnash/bridge-ws/internal/logging"
	"github.com/jeffnash/bridge-ws/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bridge-ws %s\n", version)
		return
	}

	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port > 0 {
		cfg.Port = *port
	}

	logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	log.WithFields(log.Fields{
		"version": version,
		"agent":   cfg.Agent(),
		"host":    cfg.Host,
		"port":    cfg.Port,
	}).Info("bridge-ws starting")

	srv := server.New(cfg, server.Factories{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		return config.Watch(groupCtx, *configPath, srv.ApplyConfig)
	})

	if err := group.Wait(); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("bridge-ws exited with error")
		os.Exit(1)
	}
	log.Info("bridge-ws stopped")
}
