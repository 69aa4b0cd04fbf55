package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tipledger/native/settlement"
	"tipledger/observability"
)

const configEnv = "TIPLEDGER_CONFIG"

type command struct {
	summary string
	// opens is false for commands that run before the data directory exists.
	opens bool
	run   func(ctx context.Context, a *app, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"init":      {summary: "Create keystores and initialise the settlement engine", run: runInit},
	"keygen":    {summary: "Generate a user keystore", run: runKeygen},
	"status":    {summary: "Show engine state and account balances", opens: true, run: runStatus},
	"onramp":    {summary: "Mint stable tokens to an account (operator)", opens: true, run: runOnRamp},
	"transfer":  {summary: "Transfer tokens between accounts", opens: true, run: runTransfer},
	"delegate":  {summary: "Sign and store a delegation for the engine", opens: true, run: runDelegate},
	"revoke":    {summary: "Revoke a stored delegation", opens: true, run: runRevoke},
	"clap":      {summary: "Submit a clap intent paying a creator in reward tokens", opens: true, run: runClap},
	"gift":      {summary: "Submit a gift intent paying a creator in stable tokens", opens: true, run: runGift},
	"cancel":    {summary: "Cancel an unsettled intent", opens: true, run: runCancel},
	"accrue":    {summary: "Commit accrual up to now", opens: true, run: runAccrue},
	"credit":    {summary: "Credit pending rebates to accounts", opens: true, run: runCredit},
	"approve":   {summary: "Approve or reject intents (operator)", opens: true, run: runApprove},
	"settle":    {summary: "Settle an epoch (operator)", opens: true, run: runSettle},
	"set-param": {summary: "Change a governance parameter (owner)", opens: true, run: runSetParam},
	"pause":     {summary: "Pause or resume the engine (owner)", opens: true, run: runPause},
	"set-actor": {summary: "Assign an actor type on the reward ledger (owner)", opens: true, run: runSetActor},
	"export":    {summary: "Write the engine snapshot as JSON", opens: true, run: runExport},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tipledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	defaultConfig := os.Getenv(configEnv)
	if defaultConfig == "" {
		defaultConfig = "tipledger.toml"
	}
	var opts globalOptions
	fs.StringVar(&opts.configPath, "config", defaultConfig, "path to the TOML configuration")
	fs.Int64Var(&opts.now, "now", 0, "override the clock with a unix timestamp")
	fs.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", name)
		fmt.Fprintln(stderr, usage())
		return 1
	}

	a, err := loadConfig(opts, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	stopMetrics := serveMetrics(a.cfg.MetricsAddress, a.logger)
	defer stopMetrics()

	started := time.Now()
	err = execute(ctx, a, cmd, fs.Args()[1:], stdout)
	class := settlement.Classify(err)
	observability.Commands().Observe(name, class, time.Since(started))
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		a.logger.Error("command failed",
			slog.String("command", name),
			slog.String("class", class),
			slog.Any("error", err))
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	a.logger.Info("command completed",
		slog.String("command", name),
		slog.Duration("duration", time.Since(started)))
	return 0
}

func execute(ctx context.Context, a *app, cmd command, args []string, stdout io.Writer) (err error) {
	if cmd.opens {
		if err := a.open(ctx); err != nil {
			_ = a.close(ctx)
			return err
		}
	}
	defer func() {
		if closeErr := a.close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return cmd.run(ctx, a, args, stdout)
}

// serveMetrics exposes the Prometheus registry for the lifetime of the run
// when an address is configured.
func serveMetrics(addr string, logger *slog.Logger) func() {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return func() {}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Warn("metrics listener unavailable", slog.String("addr", addr), slog.Any("error", err))
		return func() {}
	}
	srv := &http.Server{Handler: metricsRouter(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()
	logger.Debug("metrics listening", slog.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return otelhttp.NewHandler(r, "tipledger.metrics")
}

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Usage:\n  tipledger [--config path] [--now unix] [--log-level level] <command> [flags]\n\nCommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-10s %s\n", name, commands[name].summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
