// Command trader runs the options trading runtime and its operator
// subcommands.
//
//	trader run        start the engine
//	trader auth       verify the broker session
//	trader status     print runtime status from the local API
//	trader signals    print today's signals
//	trader positions  print open positions
//	trader stop       ask a running engine to shut down gracefully
//
// Exit codes: 0 ok, 1 runtime error, 2 auth required, 3 invalid config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/config"
	"github.com/karanvir/opttrader/internal/engine"
	"github.com/karanvir/opttrader/internal/marketcal"
)

const (
	exitOK = iota
	exitRuntime
	exitAuth
	exitConfig
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	fs := flag.NewFlagSet("trader", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cmd := "run"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	logger := newLogger(cfg.Logging)

	switch cmd {
	case "run":
		return runEngine(cfg, logger)
	case "auth":
		return checkAuth(cfg, logger)
	case "status":
		return apiCall(cfg, http.MethodGet, "/status")
	case "signals":
		return apiCall(cfg, http.MethodGet, "/signals")
	case "positions":
		return apiCall(cfg, http.MethodGet, "/positions")
	case "stop":
		return apiCall(cfg, http.MethodPost, "/stop")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want run, auth, status, signals, positions or stop)\n", cmd)
		return exitConfig
	}
}

func newLogger(lc config.Logging) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runEngine(cfg *config.Config, logger *slog.Logger) int {
	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, engine.ErrAuthRequired) {
			fmt.Fprintln(os.Stderr, "broker session invalid; run `trader auth` after refreshing the access token")
			return exitAuth
		}
		logger.Error("engine failed", "error", err)
		return exitRuntime
	}
	return exitOK
}

func checkAuth(cfg *config.Config, logger *slog.Logger) int {
	client := broker.NewKiteClient(broker.KiteConfig{
		BaseURL:           cfg.Broker.BaseURL,
		APIKey:            cfg.Broker.APIKey,
		AccessToken:       cfg.Broker.AccessToken,
		RequestsPerSecond: cfg.Broker.RateLimitPerSec,
	}, marketcal.NewSystemClock(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Authenticate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "authentication failed: %v\n", err)
		return exitAuth
	}
	valid, err := client.SessionValid(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session check failed: %v\n", err)
		return exitRuntime
	}
	if !valid {
		fmt.Fprintln(os.Stderr, "session expired; refresh the access token")
		return exitAuth
	}
	fmt.Println("broker session valid")
	return exitOK
}

// apiCall hits one endpoint of the local status API and prints the raw
// JSON, so the output stays pipeable into jq.
func apiCall(cfg *config.Config, method, path string) int {
	if cfg.API.Addr == "off" {
		fmt.Fprintln(os.Stderr, "status api is disabled (api.addr: off)")
		return exitConfig
	}
	client := resty.New().SetBaseURL("http://" + cfg.API.Addr)
	if cfg.API.AuthToken != "" {
		client.SetHeader("X-Auth-Token", cfg.API.AuthToken)
	}

	resp, err := client.R().Execute(method, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status api unreachable at %s: %v (is `trader run` active?)\n", cfg.API.Addr, err)
		return exitRuntime
	}
	if resp.IsError() {
		fmt.Fprintf(os.Stderr, "status api returned %s\n", resp.Status())
		return exitRuntime
	}
	fmt.Println(resp.String())
	return exitOK
}
