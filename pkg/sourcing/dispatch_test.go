package sourcing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/memory"
	"github.com/eventfold/eventfold/pkg/schema"
	"github.com/eventfold/eventfold/pkg/sourcing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startMemoryApp runs the registry on a fresh in-memory log; the app
// is stopped when the test ends.
func startMemoryApp(t *testing.T, reg *sourcing.Registry) *sourcing.App {
	t.Helper()
	log := memory.New(
		memory.WithPollInterval(5*time.Millisecond),
		memory.WithLogger(discardLogger()),
	)
	app, err := reg.StartApplication(context.Background(), "bank", sourcing.Options{
		Log:    log,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("StartApplication: %v", err)
	}
	t.Cleanup(func() { app.Stop() })
	return app
}

// newAccountRegistry defines a small account aggregate: open, deposit
// with a summing reducer, and withdraw guarded by a balance rule.
func newAccountRegistry() *sourcing.Registry {
	reg := sourcing.NewRegistry()
	reg.DefineAggregate(sourcing.AggregateConf{
		Name:    "account",
		IDField: "account-id",
	})
	reg.DefineCommand(sourcing.CommandConf{
		Name:      "open",
		Aggregate: "account",
		Events:    []sourcing.EventConf{{Name: "opened"}},
		Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
			return sourcing.One("opened", map[string]any{
				"account-id": data["account-id"],
				"balance":    0.0,
			}), nil
		},
	})
	reg.DefineCommand(sourcing.CommandConf{
		Name:      "deposit",
		Aggregate: "account",
		Events:    []sourcing.EventConf{{Name: "deposited"}},
		Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
			return sourcing.One("deposited", map[string]any{
				"account-id": data["account-id"],
				"amount":     data["amount"],
			}), nil
		},
	})
	reg.DefineCommand(sourcing.CommandConf{
		Name:      "withdraw",
		Aggregate: "account",
		Events:    []sourcing.EventConf{{Name: "withdrawn"}},
		Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
			account, _ := state["account"].(map[string]any)
			balance, _ := account["balance"].(float64)
			amount, _ := data["amount"].(float64)
			if amount > balance {
				return nil, sourcing.NewRuleError("insufficient-funds",
					"withdrawal exceeds balance",
					map[string]any{"balance": balance, "amount": amount})
			}
			return sourcing.One("withdrawn", map[string]any{
				"account-id": data["account-id"],
				"amount":     amount,
			}), nil
		},
	})
	sum := func(sign float64) sourcing.Reducer {
		return func(state, data map[string]any) map[string]any {
			next := make(map[string]any, len(state))
			for k, v := range state {
				next[k] = v
			}
			balance, _ := next["balance"].(float64)
			amount, _ := data["amount"].(float64)
			next["balance"] = balance + sign*amount
			return next
		}
	}
	reg.RegisterReducer("deposited", sum(1))
	reg.RegisterReducer("withdrawn", sum(-1))
	return reg
}

func TestDispatchGates(t *testing.T) {
	t.Run("RequiresRunningApplication", func(t *testing.T) {
		reg := newAccountRegistry()
		_, err := reg.Dispatch(context.Background(), "open", map[string]any{"account-id": "a1"})
		if !errors.Is(err, sourcing.ErrApplicationNotStarted) {
			t.Fatalf("err = %v, want ErrApplicationNotStarted", err)
		}
	})

	t.Run("ChecksApplicationBeforeCommand", func(t *testing.T) {
		reg := newAccountRegistry()
		_, err := reg.Dispatch(context.Background(), "no-such-command", nil)
		if !errors.Is(err, sourcing.ErrApplicationNotStarted) {
			t.Fatalf("err = %v, want ErrApplicationNotStarted", err)
		}
	})

	t.Run("RejectsUnknownCommand", func(t *testing.T) {
		reg := newAccountRegistry()
		startMemoryApp(t, reg)

		_, err := reg.Dispatch(context.Background(), "close", map[string]any{"account-id": "a1"})
		if !errors.Is(err, sourcing.ErrCommandUnknown) {
			t.Fatalf("err = %v, want ErrCommandUnknown", err)
		}
		var unknown *sourcing.CommandUnknownError
		if !errors.As(err, &unknown) || unknown.Command != "close" {
			t.Fatalf("err = %#v, want CommandUnknownError for close", err)
		}
	})

	t.Run("RejectsDataFailingCommandSchema", func(t *testing.T) {
		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "deposit",
			Aggregate: "account",
			Schema: schema.Func(func(doc map[string]any) *schema.Result {
				if _, ok := doc["amount"].(float64); !ok {
					return schema.Fail(schema.FieldError{Field: "amount", Description: "amount must be a number"})
				}
				return schema.OK()
			}),
			Events: []sourcing.EventConf{{Name: "deposited"}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return sourcing.One("deposited", data), nil
			},
		})
		startMemoryApp(t, reg)

		_, err := reg.Dispatch(context.Background(), "deposit", map[string]any{"account-id": "a1"})
		if !errors.Is(err, sourcing.ErrCommandInvalid) {
			t.Fatalf("err = %v, want ErrCommandInvalid", err)
		}
		var invalid *sourcing.CommandInvalidError
		if !errors.As(err, &invalid) {
			t.Fatalf("err = %#v, want CommandInvalidError", err)
		}
		if invalid.Explain == nil {
			t.Fatal("expected a validation explanation")
		}
	})

	t.Run("RequiresAggregateID", func(t *testing.T) {
		reg := newAccountRegistry()
		startMemoryApp(t, reg)

		_, err := reg.Dispatch(context.Background(), "open", map[string]any{"balance": 1.0})
		var invalid *sourcing.CommandInvalidError
		if !errors.As(err, &invalid) {
			t.Fatalf("err = %v, want CommandInvalidError", err)
		}
	})

	t.Run("NilDataBehavesAsEmpty", func(t *testing.T) {
		reg := newAccountRegistry()
		startMemoryApp(t, reg)

		_, err := reg.Dispatch(context.Background(), "open", nil)
		if !errors.Is(err, sourcing.ErrCommandInvalid) {
			t.Fatalf("err = %v, want ErrCommandInvalid", err)
		}
	})
}

func TestDispatch(t *testing.T) {
	t.Run("AppendsWithSequencedVersions", func(t *testing.T) {
		reg := newAccountRegistry()
		startMemoryApp(t, reg)
		ctx := context.Background()

		events, err := reg.Dispatch(ctx, "open", map[string]any{"account-id": "a1"})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if len(events) != 1 || events[0].Type != "opened" {
			t.Fatalf("unexpected events %+v", events)
		}
		if events[0].Meta.Version != eventlog.Version("1-0") {
			t.Fatalf("version = %s, want 1-0", events[0].Meta.Version)
		}
		if events[0].Meta.TS == 0 {
			t.Fatal("expected an assigned timestamp")
		}

		events, err = reg.Dispatch(ctx, "deposit", map[string]any{"account-id": "a1", "amount": 5.0})
		if err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if events[0].Meta.Version != eventlog.Version("2-0") {
			t.Fatalf("version = %s, want 2-0", events[0].Meta.Version)
		}

		state, err := reg.GetAggregate(ctx, "account", "a1")
		if err != nil {
			t.Fatalf("GetAggregate: %v", err)
		}
		if state["balance"] != 5.0 {
			t.Fatalf("balance = %v, want 5", state["balance"])
		}
	})

	t.Run("NoOpCommandLeavesLogUntouched", func(t *testing.T) {
		reg := newAccountRegistry()
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "poke",
			Aggregate: "account",
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return nil, nil
			},
		})
		app := startMemoryApp(t, reg)
		ctx := context.Background()

		events, err := reg.Dispatch(ctx, "poke", map[string]any{"account-id": "a1"})
		if err != nil {
			t.Fatalf("poke: %v", err)
		}
		if events == nil || len(events) != 0 {
			t.Fatalf("events = %v, want empty", events)
		}

		meta, err := app.Log().StreamMeta(ctx, sourcing.StreamID("bank", "account", "a1"))
		if err != nil {
			t.Fatalf("StreamMeta: %v", err)
		}
		if meta.CurrentVersion != eventlog.ZeroVersion {
			t.Fatalf("version = %s, want untouched stream", meta.CurrentVersion)
		}
	})

	t.Run("PassesRuleErrorsThrough", func(t *testing.T) {
		reg := newAccountRegistry()
		startMemoryApp(t, reg)
		ctx := context.Background()

		mustDispatch(t, reg, "open", map[string]any{"account-id": "a1"})
		mustDispatch(t, reg, "deposit", map[string]any{"account-id": "a1", "amount": 10.0})

		_, err := reg.Dispatch(ctx, "withdraw", map[string]any{"account-id": "a1", "amount": 25.0})
		if !errors.Is(err, sourcing.ErrRuleViolation) {
			t.Fatalf("err = %v, want ErrRuleViolation", err)
		}
		var rule *sourcing.RuleError
		if !errors.As(err, &rule) {
			t.Fatalf("err = %#v, want RuleError", err)
		}
		if rule.Code != "insufficient-funds" {
			t.Fatalf("code = %q, want insufficient-funds", rule.Code)
		}
		if rule.Details["balance"] != 10.0 {
			t.Fatalf("details = %v", rule.Details)
		}
		if want := "withdrawal exceeds balance (code: insufficient-funds)"; err.Error() != want {
			t.Fatalf("message = %q, want %q", err.Error(), want)
		}
	})

	t.Run("WrapsPlainHandlerErrors", func(t *testing.T) {
		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		cause := errors.New("ledger service unavailable")
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "open",
			Aggregate: "account",
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return nil, cause
			},
		})
		startMemoryApp(t, reg)

		_, err := reg.Dispatch(context.Background(), "open", map[string]any{"account-id": "a1"})
		if !errors.Is(err, cause) {
			t.Fatalf("err = %v, want wrapped cause", err)
		}
		if !strings.Contains(err.Error(), "command handler failed") {
			t.Fatalf("message = %q", err.Error())
		}
	})

	t.Run("RecoversHandlerPanics", func(t *testing.T) {
		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "open",
			Aggregate: "account",
			Events:    []sourcing.EventConf{{Name: "opened"}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				if data["explode"] == true {
					panic("ledger corrupted")
				}
				return sourcing.One("opened", map[string]any{"account-id": data["account-id"]}), nil
			},
		})
		startMemoryApp(t, reg)
		ctx := context.Background()

		_, err := reg.Dispatch(ctx, "open", map[string]any{"account-id": "a1", "explode": true})
		if err == nil || !strings.Contains(err.Error(), "command handler panicked") {
			t.Fatalf("err = %v, want recovered panic", err)
		}

		// The dispatcher survives the panic.
		if _, err := reg.Dispatch(ctx, "open", map[string]any{"account-id": "a1"}); err != nil {
			t.Fatalf("dispatch after panic: %v", err)
		}
	})

	t.Run("RejectsUndeclaredEvent", func(t *testing.T) {
		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "open",
			Aggregate: "account",
			Events:    []sourcing.EventConf{{Name: "opened"}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return sourcing.One("ghost-event", map[string]any{}), nil
			},
		})
		startMemoryApp(t, reg)

		_, err := reg.Dispatch(context.Background(), "open", map[string]any{"account-id": "a1"})
		if !errors.Is(err, sourcing.ErrEventMalformed) {
			t.Fatalf("err = %v, want ErrEventMalformed", err)
		}
		var malformed *sourcing.EventMalformedError
		if !errors.As(err, &malformed) || malformed.Event != "ghost-event" {
			t.Fatalf("err = %#v", err)
		}
	})

	t.Run("RejectsEventDataFailingSchema", func(t *testing.T) {
		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "deposit",
			Aggregate: "account",
			Events: []sourcing.EventConf{{
				Name: "deposited",
				Schema: schema.Func(func(doc map[string]any) *schema.Result {
					if _, ok := doc["amount"].(float64); !ok {
						return schema.Fail(schema.FieldError{Field: "amount", Description: "amount must be a number"})
					}
					return schema.OK()
				}),
			}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return sourcing.One("deposited", map[string]any{"amount": "a lot"}), nil
			},
		})
		app := startMemoryApp(t, reg)
		ctx := context.Background()

		_, err := reg.Dispatch(ctx, "deposit", map[string]any{"account-id": "a1"})
		var malformed *sourcing.EventMalformedError
		if !errors.As(err, &malformed) {
			t.Fatalf("err = %v, want EventMalformedError", err)
		}
		if malformed.Explain == nil {
			t.Fatal("expected a validation explanation")
		}

		meta, _ := app.Log().StreamMeta(ctx, sourcing.StreamID("bank", "account", "a1"))
		if meta.CurrentVersion != eventlog.ZeroVersion {
			t.Fatal("malformed event must not reach the log")
		}
	})

	t.Run("GuardsFoldedStateWithAggregateSchema", func(t *testing.T) {
		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{
			Name:    "account",
			IDField: "account-id",
			Schema: schema.Func(func(doc map[string]any) *schema.Result {
				if balance, ok := doc["balance"].(float64); ok && balance < 0 {
					return schema.Fail(schema.FieldError{Field: "balance", Description: "balance must not be negative"})
				}
				return schema.OK()
			}),
		})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "adjust",
			Aggregate: "account",
			Events:    []sourcing.EventConf{{Name: "adjusted"}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return sourcing.One("adjusted", map[string]any{
					"account-id": data["account-id"],
					"balance":    data["balance"],
				}), nil
			},
		})
		app := startMemoryApp(t, reg)
		ctx := context.Background()

		_, err := reg.Dispatch(ctx, "adjust", map[string]any{"account-id": "a1", "balance": -5.0})
		if !errors.Is(err, sourcing.ErrAggregateInvalid) {
			t.Fatalf("err = %v, want ErrAggregateInvalid", err)
		}
		var invalid *sourcing.AggregateInvalidError
		if !errors.As(err, &invalid) {
			t.Fatalf("err = %#v", err)
		}
		if invalid.StreamID != sourcing.StreamID("bank", "account", "a1") {
			t.Fatalf("stream id = %q", invalid.StreamID)
		}

		meta, _ := app.Log().StreamMeta(ctx, invalid.StreamID)
		if meta.CurrentVersion != eventlog.ZeroVersion {
			t.Fatal("rejected batch must not reach the log")
		}

		// A valid adjustment still passes.
		if _, err := reg.Dispatch(ctx, "adjust", map[string]any{"account-id": "a1", "balance": 7.0}); err != nil {
			t.Fatalf("valid adjust: %v", err)
		}
	})

	t.Run("SurfacesConcurrencyConflicts", func(t *testing.T) {
		reg := newAccountRegistry()
		raced := false
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "contested-deposit",
			Aggregate: "account",
			Events:    []sourcing.EventConf{{Name: "interest-credited"}},
			Interceptors: []sourcing.Interceptor{{
				Name: "racer",
				Enter: func(ctx context.Context, ec *sourcing.ExecContext) error {
					if raced {
						return nil
					}
					raced = true
					// A competing writer lands between rehydration and
					// the closing append.
					_, err := ec.Log.Append(ctx, ec.StreamID, "racer-txn",
						ec.Meta["account"].Version,
						[]eventlog.Event{{Type: "deposited", Data: map[string]any{"amount": 1.0}}})
					return err
				},
			}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return sourcing.One("interest-credited", map[string]any{
					"account-id": data["account-id"],
				}), nil
			},
		})
		startMemoryApp(t, reg)
		ctx := context.Background()

		mustDispatch(t, reg, "open", map[string]any{"account-id": "a1"})

		_, err := reg.Dispatch(ctx, "contested-deposit", map[string]any{"account-id": "a1"})
		if !errors.Is(err, eventlog.ErrConcurrencyConflict) {
			t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
		}
		var conflict *eventlog.ConcurrencyError
		if !errors.As(err, &conflict) {
			t.Fatalf("err = %#v", err)
		}
		if conflict.Expected != eventlog.Version("1-0") || conflict.Actual != eventlog.Version("2-0") {
			t.Fatalf("conflict = %+v", conflict)
		}

		// A retry rehydrates past the competing write and succeeds.
		events, err := reg.Dispatch(ctx, "contested-deposit", map[string]any{"account-id": "a1"})
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if events[0].Meta.Version != eventlog.Version("3-0") {
			t.Fatalf("version = %s, want 3-0", events[0].Meta.Version)
		}
	})
}

func mustDispatch(t *testing.T, reg *sourcing.Registry, command string, data map[string]any) []eventlog.Event {
	t.Helper()
	events, err := reg.Dispatch(context.Background(), command, data)
	if err != nil {
		t.Fatalf("dispatch %s: %v", command, err)
	}
	return events
}

func TestInterceptors(t *testing.T) {
	t.Run("EntersInOrderLeavesReversed", func(t *testing.T) {
		var trace []string
		phase := func(name, phase string) func(context.Context, *sourcing.ExecContext) error {
			return func(ctx context.Context, ec *sourcing.ExecContext) error {
				trace = append(trace, name+"."+phase)
				return nil
			}
		}

		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "open",
			Aggregate: "account",
			Interceptors: []sourcing.Interceptor{
				{Name: "audit", Enter: phase("audit", "enter"), Leave: phase("audit", "leave")},
				{Name: "quota", Enter: phase("quota", "enter"), Leave: phase("quota", "leave")},
			},
			Events: []sourcing.EventConf{{Name: "opened"}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				trace = append(trace, "handler")
				return sourcing.One("opened", map[string]any{"account-id": data["account-id"]}), nil
			},
		})
		startMemoryApp(t, reg)

		mustDispatch(t, reg, "open", map[string]any{"account-id": "a1"})

		want := []string{"audit.enter", "quota.enter", "handler", "quota.leave", "audit.leave"}
		if len(trace) != len(want) {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
		for i := range want {
			if trace[i] != want[i] {
				t.Fatalf("trace = %v, want %v", trace, want)
			}
		}
	})

	t.Run("EnterSeesRehydratedState", func(t *testing.T) {
		reg := newAccountRegistry()
		var seen float64
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "audit-balance",
			Aggregate: "account",
			Interceptors: []sourcing.Interceptor{{
				Name: "peek",
				Enter: func(ctx context.Context, ec *sourcing.ExecContext) error {
					account, _ := ec.State["account"].(map[string]any)
					seen, _ = account["balance"].(float64)
					return nil
				},
			}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return nil, nil
			},
		})
		startMemoryApp(t, reg)

		mustDispatch(t, reg, "open", map[string]any{"account-id": "a1"})
		mustDispatch(t, reg, "deposit", map[string]any{"account-id": "a1", "amount": 4.5})
		mustDispatch(t, reg, "audit-balance", map[string]any{"account-id": "a1"})

		if seen != 4.5 {
			t.Fatalf("interceptor saw balance %v, want 4.5", seen)
		}
	})

	t.Run("EnterErrorShortCircuits", func(t *testing.T) {
		var trace []string
		deny := errors.New("caller not permitted")

		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "open",
			Aggregate: "account",
			Interceptors: []sourcing.Interceptor{
				{
					Name:  "gate",
					Enter: func(ctx context.Context, ec *sourcing.ExecContext) error { return deny },
					Leave: func(ctx context.Context, ec *sourcing.ExecContext) error {
						trace = append(trace, "gate.leave")
						return nil
					},
				},
				{
					Name: "after",
					Enter: func(ctx context.Context, ec *sourcing.ExecContext) error {
						trace = append(trace, "after.enter")
						return nil
					},
				},
			},
			Events: []sourcing.EventConf{{Name: "opened"}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				trace = append(trace, "handler")
				return sourcing.One("opened", map[string]any{"account-id": data["account-id"]}), nil
			},
		})
		app := startMemoryApp(t, reg)
		ctx := context.Background()

		_, err := reg.Dispatch(ctx, "open", map[string]any{"account-id": "a1"})
		if !errors.Is(err, deny) {
			t.Fatalf("err = %v, want gate error", err)
		}
		if len(trace) != 0 {
			t.Fatalf("trace = %v, want nothing after the failing enter", trace)
		}

		meta, _ := app.Log().StreamMeta(ctx, sourcing.StreamID("bank", "account", "a1"))
		if meta.CurrentVersion != eventlog.ZeroVersion {
			t.Fatal("aborted dispatch must not append")
		}
	})

	t.Run("ValuesCarryBetweenPhases", func(t *testing.T) {
		var elapsedSet bool
		reg := sourcing.NewRegistry()
		reg.DefineAggregate(sourcing.AggregateConf{Name: "account", IDField: "account-id"})
		reg.DefineCommand(sourcing.CommandConf{
			Name:      "open",
			Aggregate: "account",
			Interceptors: []sourcing.Interceptor{{
				Name: "timing",
				Enter: func(ctx context.Context, ec *sourcing.ExecContext) error {
					ec.Values["started"] = time.Now()
					return nil
				},
				Leave: func(ctx context.Context, ec *sourcing.ExecContext) error {
					_, elapsedSet = ec.Values["started"].(time.Time)
					return nil
				},
			}},
			Events: []sourcing.EventConf{{Name: "opened"}},
			Handler: func(ctx context.Context, state, data map[string]any) ([]sourcing.Emit, error) {
				return sourcing.One("opened", map[string]any{"account-id": data["account-id"]}), nil
			},
		})
		startMemoryApp(t, reg)

		mustDispatch(t, reg, "open", map[string]any{"account-id": "a1"})
		if !elapsedSet {
			t.Fatal("leave phase did not see the enter phase's value")
		}
	})
}
