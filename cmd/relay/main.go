// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nishisan-dev/grelay/internal/config"
	"github.com/nishisan-dev/grelay/internal/logging"
	"github.com/nishisan-dev/grelay/internal/relay"
)

func main() {
	configPath := flag.String("config", "/etc/grelay/relay.yaml", "path to relay config file")
	flag.Parse()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// relay.Run owns all signal handling (SIGTERM/SIGINT to stop,
	// SIGHUP to reload destinations), so main just blocks on it.
	if err := relay.Run(context.Background(), *configPath, cfg, logger); err != nil {
		logger.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
}
