package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"tipledger/core/events"
	"tipledger/crypto"
	"tipledger/native/common"
	"tipledger/native/delegation"
	"tipledger/native/token"
)

type mockState struct {
	params   *Params
	roles    *Roles
	status   *Status
	accrual  *GlobalAccrual
	indexes  map[[20]byte]*big.Int
	accounts [][20]byte
	reserved map[ReservationKey]*big.Int
	intents  []*Intent
	quotas   map[[20]byte]common.QuotaNow

	balances map[string]map[[20]byte]*big.Int
	supply   map[string]*big.Int
	actors   map[[20]byte]uint8
}

func newMockState() *mockState {
	return &mockState{
		indexes:  make(map[[20]byte]*big.Int),
		reserved: make(map[ReservationKey]*big.Int),
		quotas:   make(map[[20]byte]common.QuotaNow),
		balances: make(map[string]map[[20]byte]*big.Int),
		supply:   make(map[string]*big.Int),
		actors:   make(map[[20]byte]uint8),
	}
}

func (m *mockState) SettlementParamsGet() (*Params, bool, error) {
	if m.params == nil {
		return nil, false, nil
	}
	p := m.params.Clone()
	return &p, true, nil
}

func (m *mockState) SettlementParamsPut(params *Params) error {
	p := params.Clone()
	m.params = &p
	return nil
}

func (m *mockState) SettlementRolesGet() (*Roles, bool, error) {
	if m.roles == nil {
		return nil, false, nil
	}
	return &Roles{Owner: m.roles.Owner, Operators: append([][20]byte(nil), m.roles.Operators...)}, true, nil
}

func (m *mockState) SettlementRolesPut(roles *Roles) error {
	m.roles = &Roles{Owner: roles.Owner, Operators: append([][20]byte(nil), roles.Operators...)}
	return nil
}

func (m *mockState) SettlementStatusGet() (*Status, bool, error) {
	if m.status == nil {
		return nil, false, nil
	}
	s := *m.status
	return &s, true, nil
}

func (m *mockState) SettlementStatusPut(status *Status) error {
	s := *status
	m.status = &s
	return nil
}

func (m *mockState) SettlementAccrualGet() (*GlobalAccrual, bool, error) {
	if m.accrual == nil {
		return nil, false, nil
	}
	return &GlobalAccrual{Index: copyBig(m.accrual.Index), LastAccrualAt: m.accrual.LastAccrualAt}, true, nil
}

func (m *mockState) SettlementAccrualPut(acc *GlobalAccrual) error {
	m.accrual = &GlobalAccrual{Index: copyBig(acc.Index), LastAccrualAt: acc.LastAccrualAt}
	return nil
}

func (m *mockState) SettlementAccountIndexGet(account [20]byte) (*big.Int, bool, error) {
	index, ok := m.indexes[account]
	if !ok {
		return nil, false, nil
	}
	return copyBig(index), true, nil
}

func (m *mockState) SettlementAccountIndexPut(account [20]byte, index *big.Int) error {
	if _, ok := m.indexes[account]; !ok {
		m.accounts = append(m.accounts, account)
	}
	m.indexes[account] = copyBig(index)
	return nil
}

func (m *mockState) SettlementAccounts() ([][20]byte, error) {
	return append([][20]byte(nil), m.accounts...), nil
}

func (m *mockState) SettlementReservedGet(account [20]byte, symbol string) (*big.Int, error) {
	return copyBig(m.reserved[ReservationKey{Account: account, Token: symbol}]), nil
}

func (m *mockState) SettlementReservedPut(account [20]byte, symbol string, amount *big.Int) error {
	m.reserved[ReservationKey{Account: account, Token: symbol}] = copyBig(amount)
	return nil
}

func (m *mockState) SettlementReservations() ([]ReservationKey, error) {
	out := make([]ReservationKey, 0, len(m.reserved))
	for key := range m.reserved {
		out = append(out, key)
	}
	return out, nil
}

func (m *mockState) SettlementIntentCount() (uint64, error) { return uint64(len(m.intents)), nil }

func (m *mockState) SettlementIntentGet(id uint64) (*Intent, bool, error) {
	if id >= uint64(len(m.intents)) {
		return nil, false, nil
	}
	return m.intents[id].Clone(), true, nil
}

func (m *mockState) SettlementIntentPut(intent *Intent) error {
	switch {
	case intent.ID == uint64(len(m.intents)):
		m.intents = append(m.intents, intent.Clone())
	case intent.ID < uint64(len(m.intents)):
		m.intents[intent.ID] = intent.Clone()
	default:
		return errors.New("intent beyond sequence end")
	}
	return nil
}

func (m *mockState) SettlementQuotaGet(account [20]byte) (*common.QuotaNow, bool, error) {
	usage, ok := m.quotas[account]
	if !ok {
		return nil, false, nil
	}
	return &usage, true, nil
}

func (m *mockState) SettlementQuotaPut(account [20]byte, usage *common.QuotaNow) error {
	m.quotas[account] = *usage
	return nil
}

func (m *mockState) TokenBalanceGet(symbol string, addr [20]byte) (*big.Int, error) {
	if bal, ok := m.balances[symbol][addr]; ok {
		return copyBig(bal), nil
	}
	return nil, nil
}

func (m *mockState) TokenBalancePut(symbol string, addr [20]byte, amount *big.Int) error {
	if m.balances[symbol] == nil {
		m.balances[symbol] = make(map[[20]byte]*big.Int)
	}
	m.balances[symbol][addr] = copyBig(amount)
	return nil
}

func (m *mockState) TokenSupplyGet(symbol string) (*big.Int, error) {
	if s, ok := m.supply[symbol]; ok {
		return copyBig(s), nil
	}
	return nil, nil
}

func (m *mockState) TokenSupplyPut(symbol string, amount *big.Int) error {
	m.supply[symbol] = copyBig(amount)
	return nil
}

func (m *mockState) TokenActorGet(addr [20]byte) (uint8, error) { return m.actors[addr], nil }

func (m *mockState) TokenActorPut(addr [20]byte, actor uint8) error {
	m.actors[addr] = actor
	return nil
}

// stubValidator accepts every payload unless told otherwise.
type stubValidator struct {
	invalid   map[string]bool
	redeemed  map[string]bool
	err       error
	redeemErr error
	onCheck   func(ctx context.Context) error
}

func newStubValidator() *stubValidator {
	return &stubValidator{invalid: make(map[string]bool), redeemed: make(map[string]bool)}
}

func (v *stubValidator) IsDelegationValid(ctx context.Context, _ [20]byte, _ string, _ delegation.Selector, amount *big.Int, payload []byte) (bool, error) {
	if v.onCheck != nil {
		if err := v.onCheck(ctx); err != nil {
			return false, err
		}
	}
	if v.err != nil {
		return false, v.err
	}
	key := string(payload)
	return len(payload) > 0 && !v.invalid[key] && !v.redeemed[key], nil
}

func (v *stubValidator) HashDelegation(payload []byte) ([32]byte, error) {
	return crypto.Keccak256(payload), nil
}

func (v *stubValidator) RedeemDelegation(_ context.Context, payload []byte) error {
	if v.redeemErr != nil {
		return v.redeemErr
	}
	if v.redeemed[string(payload)] {
		return delegation.ErrAlreadyRedeemed
	}
	v.redeemed[string(payload)] = true
	return nil
}

func (v *stubValidator) RedeemDelegations(ctx context.Context, payloads [][]byte) error {
	for _, payload := range payloads {
		if err := v.RedeemDelegation(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

var (
	ownerAddr    = addr(0xA0)
	operatorAddr = addr(0xA1)
	engineAddr   = addr(0xEE)
	alice        = addr(0x01)
	bob          = addr(0x02)
	creatorAddr  = addr(0xC1)
	otherCreator = addr(0xC2)
)

const (
	genesisTime = int64(1_700_000_000)
	month       = int64(2_592_000)
	hour        = int64(3_600)
	week        = int64(604_800)
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	engine    *Engine
	state     *mockState
	stable    *token.Ledger
	reward    *token.Ledger
	validator *stubValidator
	recorder  *events.Recorder
	now       int64
}

func newFixture(t *testing.T, adjust func(*Params)) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), state: newMockState(), validator: newStubValidator(), recorder: &events.Recorder{}, now: genesisTime}

	f.stable = token.NewLedger("TK", ownerAddr)
	f.stable.SetState(f.state)
	f.reward = token.NewLedger("TKI", ownerAddr)
	f.reward.SetState(f.state)
	for _, ledger := range []*token.Ledger{f.stable, f.reward} {
		if err := ledger.SetOperator(ownerAddr, engineAddr); err != nil {
			t.Fatalf("set ledger operator: %v", err)
		}
	}
	for _, c := range [][20]byte{creatorAddr, otherCreator} {
		if err := f.reward.SetActorType(f.ctx, ownerAddr, c, token.ActorCreator); err != nil {
			t.Fatalf("set creator: %v", err)
		}
	}

	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetLedgers(f.stable, f.reward)
	f.engine.SetActorRegistry(f.reward)
	f.engine.SetValidator(f.validator)
	f.engine.SetAddress(engineAddr)
	f.engine.SetEmitter(f.recorder)
	f.engine.SetNowFunc(func() int64 { return f.now })

	params := DefaultParams()
	if adjust != nil {
		adjust(&params)
	}
	if err := f.engine.Genesis(f.ctx, ownerAddr, params, operatorAddr); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return f
}

func (f *fixture) advance(seconds int64) { f.now += seconds }

func (f *fixture) onRamp(account [20]byte, amount int64) {
	f.t.Helper()
	if err := f.engine.OnRamp(f.ctx, operatorAddr, account, big.NewInt(amount)); err != nil {
		f.t.Fatalf("onramp: %v", err)
	}
}

func (f *fixture) balance(ledger *token.Ledger, account [20]byte) int64 {
	f.t.Helper()
	bal, err := ledger.BalanceOf(f.ctx, account)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) reservedOf(account [20]byte, symbol string) int64 {
	f.t.Helper()
	amount, err := f.engine.Reserved(f.ctx, account, symbol)
	if err != nil {
		f.t.Fatalf("reserved: %v", err)
	}
	return amount.Int64()
}

func (f *fixture) intent(id uint64) *Intent {
	f.t.Helper()
	intent, err := f.engine.Intent(f.ctx, id)
	if err != nil {
		f.t.Fatalf("intent %d: %v", id, err)
	}
	return intent
}

func (f *fixture) clap(from, to [20]byte, amount int64, payload string) uint64 {
	f.t.Helper()
	id, err := f.engine.SubmitClap(f.ctx, from, to, big.NewInt(amount), []byte(payload))
	if err != nil {
		f.t.Fatalf("submit clap: %v", err)
	}
	return id
}

func (f *fixture) approve(ids ...uint64) {
	f.t.Helper()
	flags := make([]bool, len(ids))
	for i := range flags {
		flags[i] = true
	}
	if err := f.engine.ApproveIntents(f.ctx, operatorAddr, ids, flags); err != nil {
		f.t.Fatalf("approve: %v", err)
	}
}

// fundWithReward gives alice 100 TK and one month of accrual, which credits
// 200 TKI at the default 2% rate and 100:1 ratio.
func (f *fixture) fundWithReward() {
	f.t.Helper()
	f.onRamp(alice, 100)
	f.advance(month)
	if _, err := f.engine.CreditAccount(f.ctx, alice); err != nil {
		f.t.Fatalf("credit: %v", err)
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.CurrentIndex(context.Background()); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
	engine.SetState(newMockState())
	if err := engine.CommitAccrual(context.Background()); !errors.Is(err, ErrMissingCollaborator) {
		t.Fatalf("expected ErrMissingCollaborator, got %v", err)
	}
}

func TestEngineRejectsBeforeGenesis(t *testing.T) {
	f := newFixture(t, nil)
	fresh := NewEngine()
	fresh.SetState(newMockState())
	fresh.SetLedgers(f.stable, f.reward)
	fresh.SetActorRegistry(f.reward)
	fresh.SetValidator(f.validator)
	if err := fresh.CommitAccrual(f.ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := f.engine.Genesis(f.ctx, ownerAddr, DefaultParams()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestEngineRejectsReentrantCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.fundWithReward()
	var inner error
	f.validator.onCheck = func(ctx context.Context) error {
		_, inner = f.engine.IntentCount(ctx)
		return inner
	}
	_, err := f.engine.SubmitClap(f.ctx, alice, creatorAddr, big.NewInt(10), []byte("d1"))
	if !errors.Is(err, ErrReentrantCall) || !errors.Is(inner, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v (inner %v)", err, inner)
	}
	f.validator.onCheck = nil
	if count, err := f.engine.IntentCount(f.ctx); err != nil || count != 0 {
		t.Fatalf("engine should remain usable, count=%d err=%v", count, err)
	}
}

func TestEventsPublishedOnlyOnSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.fundWithReward()
	f.recorder.Reset()

	f.validator.invalid["bad"] = true
	if _, err := f.engine.SubmitClap(f.ctx, alice, creatorAddr, big.NewInt(10), []byte("bad")); !errors.Is(err, ErrInvalidDelegation) {
		t.Fatalf("expected ErrInvalidDelegation, got %v", err)
	}
	if got := len(f.recorder.Events()); got != 0 {
		t.Fatalf("failed call published %d events", got)
	}
	f.clap(alice, creatorAddr, 10, "good")
	if got := len(f.recorder.OfType(EventTypeIntentSubmitted)); got != 1 {
		t.Fatalf("expected one submitted event, have %d", got)
	}
}

func TestClassify(t *testing.T) {
	cases := map[error]string{
		nil:                                ClassNone,
		ErrNotOwner:                        ClassAuthorization,
		ErrNotIntentOwner:                  ClassAuthorization,
		ErrEpochNotReady:                   ClassPrecondition,
		common.ErrModulePaused:             ClassPrecondition,
		ErrInsufficientCapacity:            ClassEconomic,
		common.ErrQuotaRequestsExceeded:    ClassEconomic,
		ErrNotCreator:                      ClassEconomic,
		ErrInvalidDelegation:               ClassEconomic,
		ErrInvalidParameter:                ClassParameter,
		errors.New("disk on fire"):         ClassInternal,
		fmt.Errorf("wrap: %w", ErrTooSoon): ClassPrecondition,
	}
	for err, want := range cases {
		if got := Classify(err); got != want {
			t.Fatalf("Classify(%v) = %q, want %q", err, got, want)
		}
	}
}
