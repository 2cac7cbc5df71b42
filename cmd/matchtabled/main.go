package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matchtable/switchcore/internal/runtime"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if env := os.Getenv("SWITCHCORE_CONFIG_FILE"); env != "" {
			configFile = env
		} else {
			configFile = "/etc/switchcore/config.yaml"
		}
	}

	fmt.Printf("Using configuration file: %s\n", configFile)

	rt, err := runtime.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize runtime: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Runtime error: %v\n", err)
		os.Exit(1)
	}
}
