package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pulseops/pulse-engine/internal/engine"
	"github.com/pulseops/pulse-engine/internal/engine/api"
	"github.com/pulseops/pulse-engine/internal/engine/config"
	"github.com/pulseops/pulse-engine/pkg/env"
	"github.com/pulseops/pulse-engine/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

var (
	version = "dev"
	commit  = "none"
)

func main() {
	app := &cli.App{
		Name:  "pulse-engine",
		Usage: "Real-time event and stream processing engine",
		Commands: []*cli.Command{
			serveCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln("Application failed. Message:", err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine and its HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Usage:   "HTTP API port",
				EnvVars: []string{"ENGINE_API_PORT"},
			},
			&cli.StringFlag{
				Name:    "provisioning",
				Usage:   "YAML file of streams and tasks to create at startup",
				EnvVars: []string{"PROVISIONING_FILE"},
			},
		},
		Action: runEngine,
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Display version information",
		Action: displayVersion,
	}
}

func displayVersion(c *cli.Context) error {
	fmt.Println("Pulse Engine")
	fmt.Printf("Version:      %s\n", version)
	fmt.Printf("Commit:       %s\n", commit)
	return nil
}

func runEngine(c *cli.Context) error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	logConfig := logging.LoggerConfig{
		LogDir:      logging.BaseDataDir,
		ProcessName: logging.EngineProcess,
		Environment: getEnvironment(),
	}
	if err := logging.InitServiceLogger(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := logging.GetServiceLogger()

	port := c.String("port")
	if port == "" {
		port = config.GetAPIPort()
	}
	if !env.IsValidPort(port) {
		return fmt.Errorf("invalid api port: %s", port)
	}

	logger.Info("Starting engine service...",
		"mode", getEnvironment(),
		"port", port,
	)
	defer func() {
		logger.Info("Engine service stopped")
		logging.Shutdown()
	}()

	eng, err := engine.New(engine.FromEnv(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if path := provisioningPath(c); path != "" {
		p, err := config.LoadProvisioning(path)
		if err != nil {
			eng.Stop()
			return err
		}
		if err := eng.Provision(p); err != nil {
			eng.Stop()
			return err
		}
		logger.Infof("Provisioned %d streams and %d tasks from %s", len(p.Streams), len(p.Tasks), path)
	}

	server := api.NewServer(api.Config{Port: port}, api.Dependencies{
		Logger: logger,
		Engine: eng,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("API server listening on port %s", port)
		return server.Start()
	})
	g.Go(func() error {
		// Runs on signal or on server failure, whichever comes first.
		<-gctx.Done()
		performGracefulShutdown(server, eng, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error received", "error", err)
		return err
	}
	return nil
}

// provisioningPath prefers the flag (which also covers the raw environment
// variable) and falls back to the config value, which sees .env files too.
func provisioningPath(c *cli.Context) string {
	if path := c.String("provisioning"); path != "" {
		return path
	}
	return config.GetProvisioningFile()
}

func performGracefulShutdown(server *api.Server, eng *engine.Engine, logger logging.Logger) {
	logger.Info("Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	eng.Stop()

	logger.Info("Shutdown complete")
}

func getEnvironment() logging.LogLevel {
	if config.IsDevMode() {
		return logging.Development
	}
	return logging.Production
}
