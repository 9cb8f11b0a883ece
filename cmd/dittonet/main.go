package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/config"
	promMetrics "github.com/marmos91/dittonet/pkg/metrics/prometheus"
	"github.com/marmos91/dittonet/pkg/server"
)

var version = "dev"

const usage = `DittoNet - Network Endpoint Server

Usage:
  dittonet <command> [flags]

Commands:
  init      Create a sample configuration file
  start     Start the server
  config    Print the default configuration path
  version   Print the version

Run 'dittonet <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:])
	case "config":
		fmt.Println(config.GetDefaultConfigPath())
	case "version":
		fmt.Printf("dittonet %s\n", version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path of the configuration file to create (default: "+config.GetDefaultConfigPath()+")")
	force := fs.Bool("force", false, "Overwrite an existing configuration file")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at %s\n", path)
	fmt.Println("Edit it to declare your endpoints, then run 'dittonet start'.")
	return nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file (default: "+config.GetDefaultConfigPath()+")")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return err
	}

	fmt.Println("DittoNet - Network Endpoint Server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	if *configPath == "" && !config.ConfigExists() {
		logger.Info("No configuration file found, using defaults")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsResult := config.InitializeMetrics(cfg)

	srv, err := server.FromConfig(ctx, cfg, server.Options{
		EndpointMetrics: metricsResult.EndpointMetrics,
		KeystoreMetrics: metricsResult.KeystoreMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	if metricsResult.Server != nil {
		if err := promMetrics.Register(srv); err != nil {
			return fmt.Errorf("failed to register endpoint collector: %w", err)
		}
		metricsResult.Server.SetSource(srv)

		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	logger.Info("Server is running with %d endpoint(s). Press Ctrl+C to stop.", len(srv.Endpoints()))

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}
