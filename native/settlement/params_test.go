package settlement

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tipledger/native/common"
)

func TestParamSettersRequireOwner(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.engine.SetRebateMonthlyBps(f.ctx, operatorAddr, 100), ErrNotOwner)
	require.ErrorIs(t, f.engine.SetParam(f.ctx, alice, ParamSettlementPeriod, "60"), ErrNotOwner)

	params, err := f.engine.Params(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(200), params.RebateMonthlyBps)
	require.Equal(t, uint64(604_800), params.SettlementPeriod)
}

func TestParamBounds(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name  string
		value string
		err   error
	}{
		{ParamRebateMonthlyBps, "1001", ErrInvalidParameter},
		{ParamMaxRebateMonthlyBps, "10001", ErrInvalidParameter},
		{ParamMaxRebateMonthlyBps, "199", ErrInvalidParameter},
		{ParamSecondsPerMonth, "0", ErrInvalidParameter},
		{ParamAccrualInterval, "0", ErrInvalidParameter},
		{ParamSettlementPeriod, "0", ErrInvalidParameter},
		{ParamTkiPerTkRatio, "0", ErrInvalidParameter},
		{ParamTkiPerTkRatio, "abc", ErrInvalidParameter},
		{ParamOnRampRewardPerStable, "-1", ErrInvalidParameter},
		{ParamConversionMode, "sometimes", ErrInvalidParameter},
		{ParamRebateMonthlyBps, "-5", ErrInvalidParameter},
		{"bogus", "1", ErrUnknownParameter},
	}
	for _, tc := range cases {
		t.Run(tc.name+"="+tc.value, func(t *testing.T) {
			require.ErrorIs(t, f.engine.SetParam(f.ctx, ownerAddr, tc.name, tc.value), tc.err)
		})
	}
	params, err := f.engine.Params(f.ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultParams().RebateMonthlyBps, params.RebateMonthlyBps)
	require.Equal(t, int64(100), params.TkiPerTkRatio.Int64())
}

func TestSetParamTextual(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.engine.SetParam(f.ctx, ownerAddr, ParamMaxRebateMonthlyBps, "2000"))
	require.NoError(t, f.engine.SetParam(f.ctx, ownerAddr, ParamRebateMonthlyBps, "1500"))
	require.NoError(t, f.engine.SetParam(f.ctx, ownerAddr, ParamTkiPerTkRatio, "250"))
	require.NoError(t, f.engine.SetParam(f.ctx, ownerAddr, ParamConversionMode, "settled-only"))
	require.NoError(t, f.engine.SetParam(f.ctx, ownerAddr, ParamQuotaMaxRequests, "5"))
	require.NoError(t, f.engine.SetParam(f.ctx, ownerAddr, ParamQuotaWindowSeconds, "60"))

	params, err := f.engine.Params(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), params.RebateMonthlyBps)
	require.Equal(t, uint64(2000), params.MaxRebateMonthlyBps)
	require.Equal(t, int64(250), params.TkiPerTkRatio.Int64())
	require.Equal(t, ConvertSettledOnly, params.ConversionMode)
	require.Equal(t, uint32(5), params.Quota.MaxRequestsPerWindow)
	require.Equal(t, uint32(60), params.Quota.WindowSeconds)

	changes := f.recorder.OfType(EventTypeParamChanged)
	require.Len(t, changes, 6)
	first := changes[0].(ParamChanged)
	require.Equal(t, ParamMaxRebateMonthlyBps, first.Name)
	require.Equal(t, "1000", first.Old)
	require.Equal(t, "2000", first.New)
}

func TestRateChangeCommitsAccrualFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.onRamp(alice, 100)
	f.advance(month / 2)

	// Inside the accrual interval would be ErrTooSoon for a plain commit; the
	// rate change must still fold in the elapsed half month at the old rate.
	require.NoError(t, f.engine.SetRebateMonthlyBps(f.ctx, ownerAddr, 400))
	acc, err := f.engine.GlobalAccrual(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(f.now), acc.LastAccrualAt)
	require.Equal(t, "10000000000000000", acc.Index.String())

	f.advance(month / 2)
	minted, err := f.engine.CreditAccount(f.ctx, alice)
	require.NoError(t, err)
	// Half a month at 2% plus half a month at 4%.
	require.Equal(t, int64(300), minted.Int64())
}

func TestRolesManagement(t *testing.T) {
	f := newFixture(t, nil)

	require.ErrorIs(t, f.engine.SetOperator(f.ctx, operatorAddr, bob, true), ErrNotOwner)
	require.NoError(t, f.engine.SetOperator(f.ctx, ownerAddr, bob, true))
	require.NoError(t, f.engine.SetOperator(f.ctx, ownerAddr, operatorAddr, false))

	roles, err := f.engine.Roles(f.ctx)
	require.NoError(t, err)
	require.True(t, roles.IsOperator(bob))
	require.False(t, roles.IsOperator(operatorAddr))
	require.ErrorIs(t, f.engine.OnRamp(f.ctx, operatorAddr, alice, big.NewInt(1)), ErrNotPrivileged)
	require.NoError(t, f.engine.OnRamp(f.ctx, bob, alice, big.NewInt(1)))

	var zero [20]byte
	require.ErrorIs(t, f.engine.TransferOwnership(f.ctx, ownerAddr, zero), ErrInvalidParameter)
	require.NoError(t, f.engine.TransferOwnership(f.ctx, ownerAddr, alice))
	require.ErrorIs(t, f.engine.SetPaused(f.ctx, ownerAddr, true), ErrNotOwner)
	require.NoError(t, f.engine.SetPaused(f.ctx, alice, true))

	paused, err := f.engine.Paused(f.ctx)
	require.NoError(t, err)
	require.True(t, paused)
	require.Len(t, f.recorder.OfType(EventTypeRoleChanged), 3)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		p.OnRampRewardPerStable = big.NewInt(2)
		p.Quota = common.Quota{MaxRequestsPerWindow: 5, WindowSeconds: 3_600}
	})
	f.fundWithReward()
	first := f.clap(alice, creatorAddr, 120, "d1")
	f.clap(alice, otherCreator, 30, "d2")
	f.approve(first)

	snap, err := f.engine.Snapshot(f.ctx)
	require.NoError(t, err)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	fresh := NewEngine()
	fresh.SetState(newMockState())
	fresh.SetLedgers(f.stable, f.reward)
	fresh.SetActorRegistry(f.reward)
	fresh.SetValidator(f.validator)
	fresh.SetAddress(engineAddr)
	fresh.SetNowFunc(func() int64 { return f.now })
	require.NoError(t, fresh.Restore(f.ctx, &decoded))
	require.ErrorIs(t, fresh.Restore(f.ctx, &decoded), ErrAlreadyInitialized)

	again, err := fresh.Snapshot(f.ctx)
	require.NoError(t, err)
	require.Equal(t, snap, again)
	require.Len(t, again.Intents, 2)
	require.True(t, again.Intents[0].Approved)
	require.Equal(t, "150", again.Reservations[0].Amount)
	require.Equal(t, "2", again.Params.OnRampRewardPerStable)
	require.Len(t, again.Quotas, 1)
	require.Equal(t, uint32(2), again.Quotas[0].Requests)

	// The restored window keeps counting from the exported usage.
	for i := 0; i < 3; i++ {
		_, err := fresh.SubmitClap(f.ctx, alice, creatorAddr, big.NewInt(1), []byte{byte('x'), byte(i)})
		require.NoError(t, err)
	}
	_, err = fresh.SubmitClap(f.ctx, alice, creatorAddr, big.NewInt(1), []byte("over"))
	require.ErrorIs(t, err, common.ErrQuotaRequestsExceeded)
}
