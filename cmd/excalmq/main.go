/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
excalmq Server - Main Entry Point.

USAGE:
======

	excalmq [options]

OPTIONS:
========

	-config string    Path to configuration file (TOML or JSON)
	-env-file string  Environment file loaded before reading EXCALMQ_* (default: .env)
	-quiet            Skip banner and config display
	-version          Show version information

STARTUP SEQUENCE:
=================
1. Load .env, configuration file, environment and flags
2. Initialize logging
3. Load the token store and build the credential verifier
4. Start the queue registry sweeper and the MTP listener
5. Start optional WebSocket gateway, metrics, health and mDNS advertising
6. Wait for SIGINT/SIGTERM, then drain connections
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"excalmq/internal/auth"
	"excalmq/internal/banner"
	"excalmq/internal/broker"
	"excalmq/internal/config"
	"excalmq/internal/discovery"
	"excalmq/internal/health"
	"excalmq/internal/logging"
	"excalmq/internal/metrics"
	"excalmq/internal/protocol"
	"excalmq/internal/registry"
	"excalmq/internal/server"
	"excalmq/internal/server/ws"
	"excalmq/internal/transport"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func printHelp() {
	banner.PrintTo(os.Stdout, "Server")
	fmt.Println("\033[1;36mUsage:\033[0m")
	fmt.Println("  excalmq [options]")
	fmt.Println()
	fmt.Println("\033[1;36mOptions:\033[0m")
	fmt.Println("  -config string     Path to configuration file (TOML or JSON)")
	fmt.Println("  -env-file string   Environment file to load (default: .env)")
	fmt.Println("  -bind string       Override the MTP bind address")
	fmt.Println("  -log-level string  Override the log level")
	fmt.Println("  -quiet             Skip banner and config display, output logs only")
	fmt.Println("  -version           Show version information")
	fmt.Println("  -help, -h          Show this help message")
	fmt.Println()
	fmt.Println("\033[1;36mEnvironment Variables:\033[0m")
	fmt.Println("  EXCALMQ_BIND_ADDR               MTP bind address (default: :7878)")
	fmt.Println("  EXCALMQ_ADVERTISE_ADDR          Address reported to clients")
	fmt.Println("  EXCALMQ_LOG_LEVEL               Log level: debug, info, warn, error")
	fmt.Println("  EXCALMQ_LOG_JSON                Enable JSON log output")
	fmt.Println("  EXCALMQ_LIMITS_MAX_BODY_BYTES   Largest accepted body section")
	fmt.Println("  EXCALMQ_LIMITS_SEND_TIMEOUT     Bound on writing one response")
	fmt.Println("  EXCALMQ_AUTH_REQUIRE            Reject unauthenticated requests")
	fmt.Println("  EXCALMQ_AUTH_TOKEN_FILE         Local token store")
	fmt.Println("  EXCALMQ_WS_ENABLED              Enable the WebSocket gateway")
	fmt.Println("  EXCALMQ_METRICS_ENABLED         Enable the Prometheus endpoint")
	fmt.Println("  EXCALMQ_HEALTH_ENABLED          Enable the gRPC health service")
	fmt.Println("  EXCALMQ_DISCOVERY_ENABLED       Advertise over mDNS")
	fmt.Println()
	fmt.Println("\033[1;36mExamples:\033[0m")
	fmt.Println("  # Start with default settings")
	fmt.Println("  excalmq")
	fmt.Println()
	fmt.Println("  # Start with a config file and JSON logs")
	fmt.Println("  EXCALMQ_LOG_JSON=true excalmq -config /etc/excalmq/excalmq.toml")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" || arg == "-help" || arg == "help" {
			printHelp()
			return
		}
	}

	configPath := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Environment file to load")
	bindAddr := flag.String("bind", "", "Override the MTP bind address")
	logLevel := flag.String("log-level", "", "Override the log level")
	quietMode := flag.Bool("quiet", false, "Skip banner and config display, output logs only")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = printHelp
	flag.Parse()

	if *showVersion {
		banner.PrintTo(os.Stdout, "Server")
		return
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if !*quietMode {
		banner.PrintServerWithConfigTo(os.Stdout, cfg)
	}

	logging.Configure(logging.Config{
		Level:    logging.ParseLevel(cfg.LogLevel),
		Output:   os.Stdout,
		JSONMode: cfg.LogJSON,
	})
	logger := logging.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// loadConfig applies, in increasing precedence, defaults, the config file
// (explicit or found in a default location), the env file and EXCALMQ_*
// variables.
func loadConfig(path, envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("env file %s: %w", envFile, err)
		}
	}

	mgr := config.Global()
	if path == "" {
		path, _ = config.FindConfigFile()
	}
	if path != "" {
		if err := mgr.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := mgr.LoadFromEnv(); err != nil {
		return nil, err
	}
	return mgr.Get(), nil
}

func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	var store *auth.TokenStore
	if cfg.Auth.TokenFile != "" {
		store = auth.NewTokenStore(cfg.Auth.TokenFile)
		if err := store.Load(); err != nil {
			return nil, fmt.Errorf("token store: %w", err)
		}
	}
	var external auth.Verifier
	if cfg.Auth.AcceptExternal {
		external = auth.ClaimVerifier{}
	}
	return auth.NewMethodVerifier(store, external), nil
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Starting excalmq", "version", banner.Version, "bind", cfg.BindAddr)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Options{
		MaxBacklog:        cfg.Limits.MaxBacklog,
		GCInterval:        cfg.Queues.GCInterval.Std(),
		GCGrace:           cfg.Queues.GCGrace.Std(),
		DepartedRetention: cfg.Queues.DepartedRetention.Std(),
	})

	m := metrics.New()
	m.WatchQueues(reg)

	engine := broker.NewEngine(reg, verifier, broker.Options{
		RequireAuth: cfg.Auth.Require,
		Address:     cfg.GetAdvertiseAddr(),
		Observer:    m,
	})

	srvCfg := server.DefaultConfig()
	srvCfg.Limits = protocol.Limits{
		MaxHeaderBytes: cfg.Limits.MaxHeaderBytes,
		MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
	}
	srvCfg.SendTimeout = cfg.Limits.SendTimeout.Std()
	srvCfg.IdleTimeout = cfg.Limits.IdleTimeout.Std()
	srvCfg.RateLimit = cfg.Limits.RateLimit
	srvCfg.RateBurst = cfg.Limits.RateBurst
	srvCfg.MaxConnections = cfg.Limits.MaxConnections
	srv := server.New(srvCfg, engine)

	lis, err := transport.Listen(ctx, cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
	}
	logger.Info("MTP listener ready", "addr", lis.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, lis) })

	if cfg.WS.Enabled {
		gw := ws.NewGateway(ws.Config{
			Addr:           cfg.WS.Addr,
			Path:           cfg.WS.Path,
			AllowedOrigins: cfg.WS.AllowedOrigins,
		}, srv)
		g.Go(func() error { return gw.Run(gctx) })
	}

	if cfg.Observability.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Observability.Metrics.Addr, m)
		g.Go(func() error { return ms.Run(gctx) })
	}

	if cfg.Observability.Health.Enabled {
		checker := health.NewChecker(banner.Version)
		checker.RegisterCheck("connections", health.CapacityCheck(cfg.Limits.MaxConnections, srv.ActiveConnections))
		checker.RegisterCheck("memory", health.MemoryCheck(2<<30, health.HeapInUse))
		if cfg.Auth.TokenFile != "" {
			checker.RegisterCheck("token_store", health.ErrorCheck(func() error {
				return auth.NewTokenStore(cfg.Auth.TokenFile).Load()
			}))
		}
		hs := health.NewServer(checker, 10*time.Second)
		g.Go(func() error { return hs.Run(gctx, cfg.Observability.Health.Addr) })
	}

	if cfg.Discovery.Enabled {
		// The mDNS library logs recoverable IPv6 errors through the
		// standard logger.
		log.SetOutput(io.Discard)
		dc := discovery.Config{
			Instance: cfg.Discovery.Instance,
			Addr:     cfg.GetAdvertiseAddr(),
			Version:  banner.Version,
		}
		g.Go(func() error {
			if err := discovery.Advertise(gctx, dc); err != nil {
				logger.Warn("mDNS advertising disabled", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
