package delegation

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tipledger/core/events"
	"tipledger/crypto"
)

type mockState struct {
	records map[[32]byte]*Record
}

func (m *mockState) DelegationRecordGet(hash [32]byte) (*Record, bool, error) {
	rec, ok := m.records[hash]
	if !ok {
		return nil, false, nil
	}
	clone := *rec
	return &clone, true, nil
}

func (m *mockState) DelegationRecordPut(hash [32]byte, record *Record) error {
	clone := *record
	m.records[hash] = &clone
	return nil
}

var engineAddr = [20]byte{0xEE}

type fixture struct {
	registry *Registry
	recorder *events.Recorder
	key      *crypto.PrivateKey
	signer   [20]byte
	now      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f := &fixture{key: key, signer: key.PubKey().Address().Array(), now: 1_000}
	f.registry = NewRegistry(engineAddr)
	f.registry.SetState(&mockState{records: make(map[[32]byte]*Record)})
	f.recorder = &events.Recorder{}
	f.registry.SetEmitter(f.recorder)
	f.registry.SetNowFunc(func() int64 { return f.now })
	return f
}

func (f *fixture) signed(t *testing.T, maxAmount int64, salt uint64) []byte {
	t.Helper()
	d := &Delegation{
		Delegator: f.signer,
		Delegate:  engineAddr,
		Token:     "TKI",
		Selector:  OperatorTransferSelector,
		MaxAmount: big.NewInt(maxAmount),
		Expiry:    2_000,
		Salt:      salt,
	}
	require.NoError(t, d.Sign(f.key))
	payload, err := Encode(d)
	require.NoError(t, err)
	return payload
}

func TestDelegationSignAndDecode(t *testing.T) {
	f := newFixture(t)
	payload := f.signed(t, 50, 1)
	d, err := Decode(payload)
	require.NoError(t, err)
	require.NoError(t, d.VerifySignature())
	require.Equal(t, f.signer, d.Delegator)

	d.MaxAmount = big.NewInt(51)
	require.ErrorIs(t, d.VerifySignature(), ErrInvalidSignature)

	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.ErrorIs(t, d.Sign(other), ErrInvalidSignature)

	_, err = Decode([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRegistryStoreAndValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := f.signed(t, 50, 1)

	ok, err := f.registry.IsDelegationValid(ctx, f.signer, "TKI", OperatorTransferSelector, big.NewInt(10), payload)
	require.NoError(t, err)
	require.False(t, ok, "unstored delegation must not validate")

	_, err = f.registry.Store(ctx, engineAddr, payload)
	require.ErrorIs(t, err, ErrUnauthorized)

	hash, err := f.registry.Store(ctx, f.signer, payload)
	require.NoError(t, err)
	_, err = f.registry.Store(ctx, f.signer, payload)
	require.ErrorIs(t, err, ErrAlreadyStored)
	require.Len(t, f.recorder.OfType(EventTypeStored), 1)

	computed, err := f.registry.HashDelegation(payload)
	require.NoError(t, err)
	require.Equal(t, hash, computed)

	ok, err = f.registry.IsDelegationValid(ctx, f.signer, "tki", OperatorTransferSelector, big.NewInt(50), payload)
	require.NoError(t, err)
	require.True(t, ok)

	cases := []struct {
		name      string
		delegator [20]byte
		token     string
		selector  Selector
		amount    int64
	}{
		{"amount above max", f.signer, "TKI", OperatorTransferSelector, 51},
		{"zero amount", f.signer, "TKI", OperatorTransferSelector, 0},
		{"wrong token", f.signer, "TK", OperatorTransferSelector, 10},
		{"wrong selector", f.signer, "TKI", SelectorOf("mint(address,uint256)"), 10},
		{"wrong delegator", engineAddr, "TKI", OperatorTransferSelector, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := f.registry.IsDelegationValid(ctx, tc.delegator, tc.token, tc.selector, big.NewInt(tc.amount), payload)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}

	f.now = 2_000
	ok, err = f.registry.IsDelegationValid(ctx, f.signer, "TKI", OperatorTransferSelector, big.NewInt(10), payload)
	require.NoError(t, err)
	require.False(t, ok, "expired delegation must not validate")
}

func TestRegistryRedeemOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := f.signed(t, 50, 1)
	_, err := f.registry.Store(ctx, f.signer, payload)
	require.NoError(t, err)

	require.NoError(t, f.registry.RedeemDelegation(ctx, payload))
	require.ErrorIs(t, f.registry.RedeemDelegation(ctx, payload), ErrAlreadyRedeemed)

	ok, err := f.registry.IsDelegationValid(ctx, f.signer, "TKI", OperatorTransferSelector, big.NewInt(10), payload)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, f.recorder.OfType(EventTypeRedeemed), 1)
}

func TestRegistryRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := f.signed(t, 50, 1)
	hash, err := f.registry.Store(ctx, f.signer, payload)
	require.NoError(t, err)

	require.ErrorIs(t, f.registry.RevokeDelegation(ctx, engineAddr, hash), ErrUnauthorized)
	require.NoError(t, f.registry.RevokeDelegation(ctx, f.signer, hash))
	revoked, err := f.registry.IsRevoked(ctx, hash)
	require.NoError(t, err)
	require.True(t, revoked)

	require.ErrorIs(t, f.registry.RedeemDelegation(ctx, payload), ErrRevoked)
	require.ErrorIs(t, f.registry.RevokeDelegation(ctx, f.signer, [32]byte{1}), ErrNotFound)
}

func TestRegistryStoreThrottle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registry.SetStoreRate(1, 2)

	_, err := f.registry.Store(ctx, f.signer, f.signed(t, 10, 1))
	require.NoError(t, err)
	_, err = f.registry.Store(ctx, f.signer, f.signed(t, 10, 2))
	require.NoError(t, err)
	_, err = f.registry.Store(ctx, f.signer, f.signed(t, 10, 3))
	require.ErrorIs(t, err, ErrStoreRateExceeded)

	f.now += 120
	_, err = f.registry.Store(ctx, f.signer, f.signed(t, 10, 3))
	require.NoError(t, err)
}

func TestSignatureValidator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := f.signed(t, 50, 1)
	v := NewSignatureValidator(engineAddr, func() int64 { return f.now })

	ok, err := v.IsDelegationValid(ctx, f.signer, "TKI", OperatorTransferSelector, big.NewInt(50), payload)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.IsDelegationValid(ctx, f.signer, "TKI", OperatorTransferSelector, big.NewInt(50), []byte("junk"))
	require.NoError(t, err)
	require.False(t, ok)
}
