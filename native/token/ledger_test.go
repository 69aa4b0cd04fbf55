package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tipledger/core/events"
)

type mockState struct {
	balances map[string]map[[20]byte]*big.Int
	supply   map[string]*big.Int
	actors   map[[20]byte]uint8
}

func newMockState() *mockState {
	return &mockState{
		balances: make(map[string]map[[20]byte]*big.Int),
		supply:   make(map[string]*big.Int),
		actors:   make(map[[20]byte]uint8),
	}
}

func (m *mockState) TokenBalanceGet(symbol string, addr [20]byte) (*big.Int, error) {
	if bal, ok := m.balances[symbol][addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return nil, nil
}

func (m *mockState) TokenBalancePut(symbol string, addr [20]byte, amount *big.Int) error {
	if m.balances[symbol] == nil {
		m.balances[symbol] = make(map[[20]byte]*big.Int)
	}
	m.balances[symbol][addr] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) TokenSupplyGet(symbol string) (*big.Int, error) {
	if s, ok := m.supply[symbol]; ok {
		return new(big.Int).Set(s), nil
	}
	return nil, nil
}

func (m *mockState) TokenSupplyPut(symbol string, amount *big.Int) error {
	m.supply[symbol] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) TokenActorGet(addr [20]byte) (uint8, error) { return m.actors[addr], nil }

func (m *mockState) TokenActorPut(addr [20]byte, actor uint8) error {
	m.actors[addr] = actor
	return nil
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

var (
	owner    = addr(0xAA)
	operator = addr(0xBB)
	alice    = addr(0x01)
	bob      = addr(0x02)
)

func newTestLedger(t *testing.T) (*Ledger, *events.Recorder) {
	t.Helper()
	ledger := NewLedger(" tk ", owner)
	ledger.SetState(newMockState())
	rec := &events.Recorder{}
	ledger.SetEmitter(rec)
	require.NoError(t, ledger.SetOperator(owner, operator))
	return ledger, rec
}

func TestLedgerMintBurnTransfer(t *testing.T) {
	ctx := context.Background()
	ledger, rec := newTestLedger(t)
	require.Equal(t, "TK", ledger.Symbol())

	require.NoError(t, ledger.Mint(ctx, operator, alice, big.NewInt(100)))
	require.NoError(t, ledger.Transfer(ctx, alice, bob, big.NewInt(30)))
	require.NoError(t, ledger.OperatorTransfer(ctx, operator, bob, alice, big.NewInt(10)))
	require.NoError(t, ledger.Burn(ctx, operator, alice, big.NewInt(5)))

	aliceBal, err := ledger.BalanceOf(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(75), aliceBal.Int64())
	bobBal, err := ledger.BalanceOf(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, int64(20), bobBal.Int64())
	supply, err := ledger.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(95), supply.Int64())

	require.Len(t, rec.OfType(EventTypeMinted), 1)
	require.Len(t, rec.OfType(EventTypeBurned), 1)
	transfers := rec.OfType(EventTypeTransferred)
	require.Len(t, transfers, 2)
	require.False(t, transfers[0].(Transferred).Operator)
	require.True(t, transfers[1].(Transferred).Operator)
}

func TestLedgerPrivilegedCallsRequireOperator(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	require.ErrorIs(t, ledger.Mint(ctx, alice, alice, big.NewInt(1)), ErrUnauthorized)
	require.ErrorIs(t, ledger.Burn(ctx, owner, alice, big.NewInt(1)), ErrUnauthorized)
	require.ErrorIs(t, ledger.OperatorTransfer(ctx, alice, alice, bob, big.NewInt(1)), ErrUnauthorized)
	require.ErrorIs(t, ledger.SetOperator(alice, alice), ErrUnauthorized)
}

func TestLedgerRejectsInvalidMovements(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	require.NoError(t, ledger.Mint(ctx, operator, alice, big.NewInt(10)))

	require.ErrorIs(t, ledger.Transfer(ctx, alice, bob, big.NewInt(11)), ErrInsufficientFunds)
	require.ErrorIs(t, ledger.Transfer(ctx, alice, alice, big.NewInt(1)), ErrSelfTransfer)
	require.ErrorIs(t, ledger.Transfer(ctx, alice, bob, big.NewInt(0)), ErrInvalidAmount)
	require.ErrorIs(t, ledger.Burn(ctx, operator, bob, big.NewInt(1)), ErrInsufficientFunds)

	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	require.ErrorIs(t, ledger.Mint(ctx, operator, bob, huge), ErrBalanceOverflow)
}

func TestLedgerTransferHook(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	require.NoError(t, ledger.Mint(ctx, operator, alice, big.NewInt(10)))

	var calls [][2][20]byte
	var amounts []int64
	ledger.SetTransferHook(func(_ context.Context, from, to [20]byte, amount *big.Int) error {
		calls = append(calls, [2][20]byte{from, to})
		amounts = append(amounts, amount.Int64())
		return nil
	})
	require.NoError(t, ledger.Transfer(ctx, alice, bob, big.NewInt(4)))
	require.Equal(t, [][2][20]byte{{alice, bob}}, calls)
	require.Equal(t, []int64{4}, amounts)

	// Operator transfers bypass the hook.
	require.NoError(t, ledger.OperatorTransfer(ctx, operator, bob, alice, big.NewInt(1)))
	require.Len(t, calls, 1)

	hookErr := errors.New("hook failed")
	ledger.SetTransferHook(func(context.Context, [20]byte, [20]byte, *big.Int) error { return hookErr })
	require.ErrorIs(t, ledger.Transfer(ctx, alice, bob, big.NewInt(1)), hookErr)
	bal, err := ledger.BalanceOf(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(7), bal.Int64())
}

func TestLedgerActorRegistry(t *testing.T) {
	ctx := context.Background()
	ledger, rec := newTestLedger(t)

	actor, err := ledger.ActorType(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, ActorUnset, actor)

	require.ErrorIs(t, ledger.SetActorType(ctx, operator, alice, ActorCreator), ErrUnauthorized)
	require.ErrorIs(t, ledger.SetActorType(ctx, owner, alice, ActorType(9)), ErrInvalidActorType)
	require.NoError(t, ledger.SetActorType(ctx, owner, alice, ActorCreator))

	actor, err = ledger.ActorType(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, ActorCreator, actor)
	require.Len(t, rec.OfType(EventTypeActorSet), 1)

	parsed, err := ParseActorType(" Creator ")
	require.NoError(t, err)
	require.Equal(t, ActorCreator, parsed)
	_, err = ParseActorType("admin")
	require.Error(t, err)
}
