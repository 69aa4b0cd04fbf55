package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"tipledger/cmd/internal/passphrase"
	"tipledger/config"
	"tipledger/core/events"
	"tipledger/core/state"
	"tipledger/native/delegation"
	"tipledger/native/settlement"
	"tipledger/native/token"
	"tipledger/observability"
	"tipledger/observability/logging"
	"tipledger/observability/metrics"
	tipotel "tipledger/observability/otel"
	"tipledger/storage"
)

const serviceName = "tipledger"

// app bundles one command run: the loaded configuration, the opened data
// directory and every wired component.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	now        func() int64

	db       storage.Database
	state    *state.Manager
	stable   *token.Ledger
	reward   *token.Ledger
	registry *delegation.Registry
	engine   *settlement.Engine

	owner    [20]byte
	operator [20]byte
	address  [20]byte

	shutdown tipotel.ShutdownFunc
	pass     *passphrase.Source
}

type globalOptions struct {
	configPath string
	now        int64
	logLevel   string
}

func (o globalOptions) clock() func() int64 {
	if o.now > 0 {
		fixed := o.now
		return func() int64 { return fixed }
	}
	return func() int64 { return time.Now().Unix() }
}

// loadConfig reads and validates the configuration and installs logging.
func loadConfig(opts globalOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", opts.configPath, err)
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.logLevel) != "" {
		level = opts.logLevel
	}
	logger, err := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      level,
		Format:     cfg.Logging.Format,
		Output:     stderr,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		configPath: opts.configPath,
		cfg:        cfg,
		logger:     logger.With(slog.String("run_id", uuid.NewString())),
		now:        opts.clock(),
		shutdown:   func(context.Context) error { return nil },
		pass:       passphrase.NewSource(cfg.PassphraseEnv, "keystore"),
	}, nil
}

// open wires the data directory. The owner and operator keystores must exist.
func (a *app) open(ctx context.Context) error {
	var err error
	if a.owner, err = a.cfg.OwnerAddress(); err != nil {
		return fmt.Errorf("%w (run init first)", err)
	}
	if a.operator, err = a.cfg.OperatorAddress(); err != nil {
		return fmt.Errorf("%w (run init first)", err)
	}
	if a.address, err = a.cfg.Engine(); err != nil {
		return err
	}
	params, err := a.cfg.Settlement.Params()
	if err != nil {
		return err
	}

	shutdown, err := tipotel.Init(ctx, a.cfg.Telemetry.OTel(serviceName, a.cfg.Environment))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.shutdown = shutdown

	db, err := storage.Open(a.cfg.StorageBackend, a.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir %s: %w", a.cfg.DataDir, err)
	}
	a.db = db

	a.state = state.NewManager(db)
	a.state.SetEventSink(observability.Events().Counting(a.eventLogger()))

	a.stable = token.NewLedger(a.cfg.StableSymbol, a.owner)
	a.reward = token.NewLedger(a.cfg.RewardSymbol, a.owner)
	for _, ledger := range []*token.Ledger{a.stable, a.reward} {
		ledger.SetState(a.state)
		ledger.SetEmitter(a.state.Emitter())
		if err := ledger.SetOperator(a.owner, a.address); err != nil {
			return err
		}
	}

	a.registry = delegation.NewRegistry(a.address)
	a.registry.SetState(a.state)
	a.registry.SetEmitter(a.state.Emitter())
	a.registry.SetNowFunc(a.now)
	a.registry.SetStoreRate(a.cfg.Delegation.StoreRatePerMinute, a.cfg.Delegation.StoreBurst)

	a.engine = settlement.NewEngine()
	a.engine.SetState(a.state)
	a.engine.SetEmitter(a.state.Emitter())
	a.engine.SetNowFunc(a.now)
	a.engine.SetAddress(a.address)
	a.engine.SetLedgers(a.stable, a.reward)
	a.engine.SetActorRegistry(a.reward)
	a.engine.SetValidator(a.registry)
	a.engine.SetLogger(a.logger.With("module", "settlement"))
	a.engine.SetMetrics(metrics.Settlement())
	a.engine.SetTracer(otel.Tracer("tipledger/settlement"))
	for _, ledger := range []*token.Ledger{a.stable, a.reward} {
		symbol := ledger.Symbol()
		ledger.SetTransferHook(func(ctx context.Context, from, to [20]byte, amount *big.Int) error {
			return a.engine.CheckTransfer(ctx, symbol, from, to, amount)
		})
	}

	a.logger.Debug("data directory opened",
		slog.String("path", a.cfg.DataDir),
		slog.String("stable", a.cfg.StableSymbol),
		slog.String("reward", a.cfg.RewardSymbol),
		slog.Uint64("rebate_bps", params.RebateMonthlyBps))
	return nil
}

func (a *app) eventLogger() events.Emitter {
	return events.FuncEmitter(func(evt events.Event) {
		attrs := []any{slog.String("type", evt.EventType())}
		if payload, ok := evt.(events.Payload); ok {
			if rendered := payload.Event(); rendered != nil {
				group := make([]any, 0, len(rendered.Attributes))
				for k, v := range rendered.Attributes {
					group = append(group, slog.String(k, v))
				}
				attrs = append(attrs, slog.Group("attributes", group...))
			}
		}
		a.logger.Debug("event committed", attrs...)
	})
}

// identity resolves --as owner|operator against the configured keystores.
func (a *app) identity(role string) ([20]byte, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "owner":
		return a.owner, nil
	case "", "operator":
		return a.operator, nil
	default:
		return [20]byte{}, fmt.Errorf("unknown role %q (want owner or operator)", role)
	}
}

func (a *app) ledger(symbol string) (*token.Ledger, error) {
	switch {
	case strings.TrimSpace(symbol) == "" || strings.EqualFold(symbol, a.stable.Symbol()):
		return a.stable, nil
	case strings.EqualFold(symbol, a.reward.Symbol()):
		return a.reward, nil
	default:
		return nil, fmt.Errorf("unknown token %q", symbol)
	}
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.state != nil {
		if err := a.state.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush state: %w", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
