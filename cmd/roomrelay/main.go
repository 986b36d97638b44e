package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"roomrelay/internal/app"
	"roomrelay/internal/config"
)

var version = "dev"

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	host        string
	port        int
	dbPath      string
	logLevel    string
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("roomrelay", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv("ROOMRELAY_CONFIG_FILE"), "path to a YAML or JSON(C) config file")
	flagSet.StringVar(&opts.host, "host", "", "listen host (overrides config)")
	flagSet.IntVarP(&opts.port, "port", "p", 0, "listen port (overrides config)")
	flagSet.StringVar(&opts.dbPath, "db", "", "SQLite membership database path (overrides config)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &opts, flagSet, nil
}

// loadConfig applies command-line overrides on top of defaults < environment < file
func loadConfig(opts *options, flagSet *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return nil, err
	}

	if flagSet.Changed("host") {
		cfg.HTTP.Host = opts.host
	}
	if flagSet.Changed("port") {
		cfg.HTTP.Port = opts.port
	}
	if flagSet.Changed("db") {
		cfg.Database.Path = opts.dbPath
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// The relay runs until ctx is cancelled or the HTTP server fails
func run(ctx context.Context, args []string, stderr io.Writer) error {
	// STEP 1: Parse flags and load configuration
	opts, flagSet, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stderr, "roomrelay %s\n", version)
		return nil
	}

	cfg, err := loadConfig(opts, flagSet)
	if err != nil {
		return err
	}

	log, err := config.NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}

	// STEP 2: Create and start the application
	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 3: Wait for shutdown signal or server failure
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case err, ok := <-application.Errors():
		if ok {
			serveErr = err
		}
	}

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	return errors.Join(serveErr, application.Stop(shutdownCtx))
}
