package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/verbose"
)

var (
	configPath = flag.StringP("config", "c", "config.yaml", "Configuration file path")
	version    = flag.BoolP("version", "v", false, "Show version information")
	addr       = flag.String("addr", "", "Listen address, overrides web.bind_address and web.port (host:port)")
)

const (
	Version = "0.1.0-dev"
	Build   = "development"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("k4d version %s (%s)\n", Version, Build)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging.InitGlobalLogger(cfg); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.CloseGlobalLogger()

	verbose.Configure(cfg.Trace)

	logging.Info(logging.CompMain, fmt.Sprintf("k4d version %s starting...", Version))

	daemon, err := NewK4Daemon(cfg, *addr)
	if err != nil {
		logging.Error(logging.CompMain, fmt.Sprintf("Failed to create daemon: %v", err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := daemon.Start(); err != nil {
		logging.Error(logging.CompMain, fmt.Sprintf("Failed to start daemon: %v", err))
		os.Exit(1)
	}

	logging.Info(logging.CompMain, "k4d started successfully", map[string]interface{}{
		"web": daemon.Addr(),
	})

	<-sigChan
	logging.Info(logging.CompMain, "Shutting down...")

	if err := daemon.Stop(); err != nil {
		logging.Error(logging.CompMain, fmt.Sprintf("Error during shutdown: %v", err))
	}

	logging.Info(logging.CompMain, "k4d stopped")
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !flag.CommandLine.Changed("config") {
		log.Printf("No %s found, using defaults", path)
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}
