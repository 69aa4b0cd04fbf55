package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tipledger/core/events"
	"tipledger/native/common"
	"tipledger/native/delegation"
	"tipledger/native/token"
	"tipledger/observability/metrics"
)

const moduleName = "settlement"

type engineState interface {
	SettlementParamsGet() (*Params, bool, error)
	SettlementParamsPut(params *Params) error
	SettlementRolesGet() (*Roles, bool, error)
	SettlementRolesPut(roles *Roles) error
	SettlementStatusGet() (*Status, bool, error)
	SettlementStatusPut(status *Status) error
	SettlementAccrualGet() (*GlobalAccrual, bool, error)
	SettlementAccrualPut(acc *GlobalAccrual) error
	SettlementAccountIndexGet(account [20]byte) (*big.Int, bool, error)
	SettlementAccountIndexPut(account [20]byte, index *big.Int) error
	SettlementAccounts() ([][20]byte, error)
	SettlementReservedGet(account [20]byte, token string) (*big.Int, error)
	SettlementReservedPut(account [20]byte, token string, amount *big.Int) error
	SettlementReservations() ([]ReservationKey, error)
	SettlementIntentCount() (uint64, error)
	SettlementIntentGet(id uint64) (*Intent, bool, error)
	// SettlementIntentPut stores the intent. An ID equal to the current count
	// appends to the sequence.
	SettlementIntentPut(intent *Intent) error
	SettlementQuotaGet(account [20]byte) (*common.QuotaNow, bool, error)
	SettlementQuotaPut(account [20]byte, usage *common.QuotaNow) error
}

// Ledger is the part of a token ledger the engine drives. Privileged calls are
// made with the engine's own address as caller.
type Ledger interface {
	Symbol() string
	BalanceOf(ctx context.Context, account [20]byte) (*big.Int, error)
	Mint(ctx context.Context, caller, to [20]byte, amount *big.Int) error
	Burn(ctx context.Context, caller, from [20]byte, amount *big.Int) error
	OperatorTransfer(ctx context.Context, caller, from, to [20]byte, amount *big.Int) error
}

// ActorRegistry classifies accounts as users or creators.
type ActorRegistry interface {
	ActorType(ctx context.Context, account [20]byte) (token.ActorType, error)
}

// Journal is implemented by state whose writes can be rolled back. The engine
// opens a savepoint on every distinct journal for the duration of a mutating
// call.
type Journal interface {
	Begin() int
	Rollback(id int)
	Commit(id int) error
}

type callKey struct{}

// Engine runs accrual, intent reservation and epoch settlement. Every entry
// point is serialised on a single mutex and runs to completion or not at all.
type Engine struct {
	mu        sync.Mutex
	state     engineState
	emitter   events.Emitter
	nowFn     func() int64
	address   [20]byte
	stable    Ledger
	reward    Ledger
	actors    ActorRegistry
	validator delegation.Validator
	journals  []Journal
	logger    *slog.Logger
	metrics   *metrics.SettlementMetrics
	tracer    trace.Tracer
}

// NewEngine constructs a settlement engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer("tipledger/settlement"),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetAddress configures the identity the engine presents to the ledgers. It
// must be the ledgers' operator and the delegate named in delegations.
func (e *Engine) SetAddress(addr [20]byte) { e.address = addr }

// Address returns the engine identity.
func (e *Engine) Address() [20]byte { return e.address }

// SetLedgers configures the stable (TK) and reward (TKI) token ledgers.
func (e *Engine) SetLedgers(stable, reward Ledger) {
	e.stable = stable
	e.reward = reward
}

// SetActorRegistry configures the registry used to recognise creators.
func (e *Engine) SetActorRegistry(actors ActorRegistry) { e.actors = actors }

// SetValidator configures the delegation validator.
func (e *Engine) SetValidator(v delegation.Validator) { e.validator = v }

// AttachJournal registers additional state that must commit or roll back with
// the engine. The engine state and any collaborator implementing Journal are
// picked up automatically.
func (e *Engine) AttachJournal(j Journal) {
	if j != nil {
		e.journals = append(e.journals, j)
	}
}

// SetLogger configures structured logging. A nil logger discards output.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.logger = logger.With(slog.String("module", moduleName))
}

// SetMetrics configures the Prometheus collectors. Nil disables metrics.
func (e *Engine) SetMetrics(m *metrics.SettlementMetrics) { e.metrics = m }

// SetTracer overrides the tracer used for settlement spans.
func (e *Engine) SetTracer(tracer trace.Tracer) {
	if tracer == nil {
		tracer = otel.Tracer("tipledger/settlement")
	}
	e.tracer = tracer
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

type call struct {
	ctx    context.Context
	now    int64
	events []events.Event
}

func (c *call) emit(evt events.Event) {
	if evt != nil {
		c.events = append(c.events, evt)
	}
}

func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if marker, ok := ctx.Value(callKey{}).(*Engine); ok && marker == e {
		return nil, ErrReentrantCall
	}
	e.mu.Lock()
	return context.WithValue(ctx, callKey{}, e), nil
}

func (e *Engine) ready() error {
	if e.state == nil {
		return ErrNilState
	}
	if e.stable == nil || e.reward == nil {
		return fmt.Errorf("%w: token ledgers", ErrMissingCollaborator)
	}
	if e.actors == nil {
		return fmt.Errorf("%w: actor registry", ErrMissingCollaborator)
	}
	if e.validator == nil {
		return fmt.Errorf("%w: delegation validator", ErrMissingCollaborator)
	}
	return nil
}

func (e *Engine) openJournals() []Journal {
	candidates := []interface{}{e.state, e.stable, e.reward, e.actors, e.validator}
	var out []Journal
	add := func(j Journal) {
		for _, existing := range out {
			if existing == j {
				return
			}
		}
		out = append(out, j)
	}
	for _, candidate := range candidates {
		if j, ok := candidate.(Journal); ok {
			add(j)
		}
	}
	for _, j := range e.journals {
		add(j)
	}
	return out
}

// mutate runs fn atomically. Events are published only after every journal
// has committed.
func (e *Engine) mutate(ctx context.Context, op string, fn func(c *call) error) error {
	inner, err := e.enter(ctx)
	if err != nil {
		e.observeError(op, err)
		return err
	}
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		e.observeError(op, err)
		return err
	}
	c := &call{ctx: inner, now: e.now()}
	journals := e.openJournals()
	savepoints := make([]int, len(journals))
	for i, j := range journals {
		savepoints[i] = j.Begin()
	}
	if err := fn(c); err != nil {
		for i := len(journals) - 1; i >= 0; i-- {
			journals[i].Rollback(savepoints[i])
		}
		e.observeError(op, err)
		return err
	}
	for i := len(journals) - 1; i >= 0; i-- {
		if err := journals[i].Commit(savepoints[i]); err != nil {
			for k := i - 1; k >= 0; k-- {
				journals[k].Rollback(savepoints[k])
			}
			err = fmt.Errorf("settlement: commit %s: %w", op, err)
			e.observeError(op, err)
			return err
		}
	}
	for _, evt := range c.events {
		e.emitter.Emit(evt)
	}
	return nil
}

// view runs fn under the engine lock without opening savepoints.
func (e *Engine) view(ctx context.Context, fn func(c *call) error) error {
	inner, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	return fn(&call{ctx: inner, now: e.now()})
}

func (e *Engine) observeError(op string, err error) {
	class := Classify(err)
	e.metrics.ObserveError(op, class)
	if e.logger != nil {
		e.logger.Debug("engine call rejected", slog.String("operation", op), slog.String("class", class), slog.Any("error", err))
	}
}

func (e *Engine) loadParams() (Params, error) {
	params, ok, err := e.state.SettlementParamsGet()
	if err != nil {
		return Params{}, err
	}
	if !ok || params == nil {
		return Params{}, ErrNotInitialized
	}
	return params.Clone(), nil
}

func (e *Engine) loadRoles() (*Roles, error) {
	roles, ok, err := e.state.SettlementRolesGet()
	if err != nil {
		return nil, err
	}
	if !ok || roles == nil {
		return nil, ErrNotInitialized
	}
	return roles, nil
}

func (e *Engine) loadStatus() (*Status, error) {
	status, ok, err := e.state.SettlementStatusGet()
	if err != nil {
		return nil, err
	}
	if !ok || status == nil {
		return nil, ErrNotInitialized
	}
	return status, nil
}

func (e *Engine) loadAccrual() (*GlobalAccrual, error) {
	acc, ok, err := e.state.SettlementAccrualGet()
	if err != nil {
		return nil, err
	}
	if !ok || acc == nil {
		return nil, ErrNotInitialized
	}
	if acc.Index == nil {
		acc.Index = big.NewInt(0)
	}
	return acc, nil
}

func (e *Engine) requireOwner(caller [20]byte) error {
	roles, err := e.loadRoles()
	if err != nil {
		return err
	}
	if caller != roles.Owner {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) requirePrivileged(caller [20]byte) error {
	roles, err := e.loadRoles()
	if err != nil {
		return err
	}
	if !roles.Privileged(caller) {
		return ErrNotPrivileged
	}
	return nil
}

func (e *Engine) guard() error {
	status, err := e.loadStatus()
	if err != nil {
		return err
	}
	return common.Guard(common.PauseSet{moduleName: status.Paused}, moduleName)
}

func (e *Engine) requireCreator(ctx context.Context, account [20]byte) error {
	actor, err := e.actors.ActorType(ctx, account)
	if err != nil {
		return err
	}
	if actor != token.ActorCreator {
		return fmt.Errorf("%w: %x", ErrNotCreator, account)
	}
	return nil
}

func (e *Engine) ledgerFor(kind IntentKind) (Ledger, error) {
	switch kind {
	case IntentClap:
		return e.reward, nil
	case IntentGift:
		return e.stable, nil
	default:
		return nil, fmt.Errorf("settlement: unknown intent kind %d", kind)
	}
}

func (e *Engine) loadIntent(id uint64) (*Intent, error) {
	intent, ok, err := e.state.SettlementIntentGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || intent == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIntent, id)
	}
	if intent.Amount == nil {
		intent.Amount = big.NewInt(0)
	}
	return intent, nil
}

func (e *Engine) reserved(account [20]byte, symbol string) (*big.Int, error) {
	amount, err := e.state.SettlementReservedGet(account, symbol)
	if err != nil {
		return nil, err
	}
	return positiveOrZero(amount), nil
}

// unreserved returns the part of balance not backing open intents, floored
// at zero.
func (e *Engine) unreserved(account [20]byte, symbol string, balance *big.Int) (*big.Int, error) {
	held, err := e.reserved(account, symbol)
	if err != nil {
		return nil, err
	}
	free := new(big.Int).Sub(positiveOrZero(balance), held)
	return positiveOrZero(free), nil
}

func (e *Engine) adjustReserved(account [20]byte, symbol string, delta *big.Int) error {
	current, err := e.reserved(account, symbol)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return errors.New("settlement: reservation underflow")
	}
	return e.state.SettlementReservedPut(account, symbol, next)
}
