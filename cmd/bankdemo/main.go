// Command bankdemo runs the bank-account example end to end against a
// configurable event store: a scripted command sequence, live deposit
// notifications, and a graceful shutdown on interrupt.
//
// Configuration comes from eventfold.yaml (or -config) with
// EVENTFOLD_-prefixed environment overrides, e.g.:
//
//	EVENTFOLD_EVENT_STORE_TYPE=redis \
//	EVENTFOLD_EVENT_STORE_SPEC=redis://localhost:6379 bankdemo
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/eventfold/eventfold/examples/bankaccount"
	"github.com/eventfold/eventfold/pkg/config"
	"github.com/eventfold/eventfold/pkg/credentials"
	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/idgen"
	"github.com/eventfold/eventfold/pkg/observability"
	"github.com/eventfold/eventfold/pkg/runner"
	"github.com/eventfold/eventfold/pkg/sourcing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "configuration file (default: search for eventfold.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "bankdemo:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tel, err := initTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	reg := sourcing.NewRegistry()
	bankaccount.Register(reg)

	printer := message.NewPrinter(language.English)
	bankaccount.RegisterDepositNotify(reg, func(ctx context.Context, evt eventlog.Event) error {
		amount, _ := evt.Data["amount"].(float64)
		printer.Printf("   >> deposit-notify: %.2f landed on %v\n", amount, evt.Data["account-id"])
		return nil
	})

	var app *sourcing.App
	services := []runner.Service{
		runner.ServiceFunc("event-store",
			func(ctx context.Context) error {
				started, err := reg.StartApplication(ctx, cfg.App.Name, sourcing.Options{
					EventStore: storeOptions(cfg),
					Logger:     logger,
				})
				if err != nil {
					return err
				}
				app = started
				return nil
			},
			func(ctx context.Context) error {
				if app == nil {
					return nil
				}
				return app.Stop()
			}),
		runner.ServiceFunc("demo-script",
			func(ctx context.Context) error {
				return script(ctx, observability.NewDispatcher(reg, tel), app, cfg.App.Name, printer)
			},
			nil),
	}

	logger.Info("bankdemo starting",
		"version", version,
		"application", cfg.App.Name,
		"event_store", cfg.EventStore.Type)

	return runner.New(services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(10*time.Second),
	).Run(ctx)
}

// script drives the scripted part of the demo through the instrumented
// dispatcher. The process then stays up serving the deposit-notify
// subscription until interrupted.
func script(ctx context.Context, d *observability.Dispatcher, app *sourcing.App, appName string, p *message.Printer) error {
	accountID := idgen.NewID()

	fmt.Println()
	fmt.Println("1) opening a checking account", accountID)
	if _, err := d.Dispatch(ctx, bankaccount.CommandOpen, map[string]any{
		"account-id":   accountID,
		"account-type": "checking",
	}); err != nil {
		return fmt.Errorf("open account: %w", err)
	}

	fmt.Println("2) making two deposits")
	for _, amount := range []float64{1234.56, 8765.27} {
		if _, err := d.Dispatch(ctx, bankaccount.CommandDeposit, map[string]any{
			"account-id": accountID,
			"amount":     amount,
		}); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
	}
	if err := printBalance(ctx, d, p, accountID); err != nil {
		return err
	}

	fmt.Println("3) withdrawing 999.83")
	if _, err := d.Dispatch(ctx, bankaccount.CommandWithdraw, map[string]any{
		"account-id": accountID,
		"amount":     999.83,
	}); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if err := printBalance(ctx, d, p, accountID); err != nil {
		return err
	}

	fmt.Println("4) trying to overdraw")
	_, err := d.Dispatch(ctx, bankaccount.CommandWithdraw, map[string]any{
		"account-id": accountID,
		"amount":     1000000.0,
	})
	var rule *sourcing.RuleError
	switch {
	case errors.As(err, &rule):
		fmt.Printf("   rejected: %s\n", rule.Message)
	case err != nil:
		return fmt.Errorf("withdraw: %w", err)
	default:
		return errors.New("overdraw unexpectedly succeeded")
	}

	fmt.Println("5) switching the account to savings, twice")
	events, err := d.Dispatch(ctx, bankaccount.CommandChangeType, map[string]any{
		"account-id":   accountID,
		"account-type": "savings",
	})
	if err != nil {
		return fmt.Errorf("change type: %w", err)
	}
	fmt.Printf("   first change emitted %d event(s)\n", len(events))
	events, err = d.Dispatch(ctx, bankaccount.CommandChangeType, map[string]any{
		"account-id":   accountID,
		"account-type": "savings",
	})
	if err != nil {
		return fmt.Errorf("change type: %w", err)
	}
	fmt.Printf("   repeating it emitted %d event(s): a no-op never touches the log\n", len(events))

	meta, err := app.Log().StreamMeta(ctx, sourcing.StreamID(appName, bankaccount.Aggregate, accountID))
	if err != nil {
		return fmt.Errorf("stream meta: %w", err)
	}
	fmt.Printf("6) the account stream is at version %s\n", meta.CurrentVersion)

	// Let the asynchronous deposit notifications drain before going
	// quiet.
	time.Sleep(200 * time.Millisecond)
	fmt.Println()
	fmt.Println("running; press Ctrl-C to exit")
	return nil
}

func printBalance(ctx context.Context, d *observability.Dispatcher, p *message.Printer, accountID string) error {
	state, err := d.GetAggregate(ctx, bankaccount.Aggregate, accountID)
	if err != nil {
		return fmt.Errorf("get aggregate: %w", err)
	}
	balance, _ := state["balance"].(float64)
	p.Printf("   balance is now %.2f\n", balance)
	return nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func initTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*observability.Telemetry, error) {
	obsCfg := observability.Config{
		ServiceName:    "bankdemo",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		Logger:         logger,
	}
	if cfg.Telemetry.Enabled {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		obsCfg.TraceExporter = traceExporter
		obsCfg.TraceSampleRate = cfg.Telemetry.SampleRate
		obsCfg.MetricReader = sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(10*time.Second))
	}
	return observability.Init(ctx, obsCfg)
}

func storeOptions(cfg *config.Config) sourcing.EventStoreOptions {
	opts := sourcing.EventStoreOptions{
		Type: cfg.EventStore.Type,
		Spec: cfg.EventStore.Spec,
		Pool: cfg.EventStore.Pool,
	}
	if cfg.EventStore.UsernameEnv != "" || cfg.EventStore.PasswordEnv != "" {
		opts.Credentials = credentials.NewEnv(cfg.EventStore.UsernameEnv, cfg.EventStore.PasswordEnv)
	}
	return opts
}
