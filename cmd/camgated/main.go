// camgated is the face authentication daemon. It owns the cameras and
// models and answers requests on a local unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camgate/camgate/pkg/config"
	"github.com/camgate/camgate/pkg/engine"
	"github.com/camgate/camgate/pkg/logging"
	"github.com/camgate/camgate/pkg/proto"
	"github.com/camgate/camgate/pkg/server"
	"github.com/camgate/camgate/pkg/store"
	"github.com/camgate/camgate/pkg/vision"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "configuration file")
	logLevel := flag.String("log-level", "", "override configured log level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camgated %s\n", proto.Version)
		return
	}

	if err := run(*configPath, *logLevel); err != nil {
		logging.WithError(err).Error("Daemon failed")
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		logging.Infof("No config at %s, using defaults with camera auto-detection", configPath)
		cfg = config.DefaultConfig()
	}
	cfg.ExpandPaths()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	st, err := store.New(cfg.Paths.UsersDir, cfg.Auth.MaxEmbeddings, cfg.Storage.EncryptionEnabled)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	models := vision.New(
		cfg.DetectionModelPath(),
		cfg.RecognitionModelPath(),
		cfg.Auth.DetectionThreshold,
		cfg.Hardware.ProviderPriority,
	)

	eng := engine.New(cfg, st, models)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Infof("camgated %s starting (policy %s, keep-alive %s)",
		proto.Version, cfg.Auth.Policy,
		time.Duration(cfg.Performance.ModelKeepAliveSec)*time.Second)

	srv := server.New(eng, st)
	if err := srv.Serve(ctx, cfg.Paths.SocketPath); err != nil {
		return err
	}
	logging.Info("Shutting down")
	return nil
}
