package settlement

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexDeltaMonthlyRate(t *testing.T) {
	require.Equal(t, "20000000000000000", indexDelta(200, uint64(month), uint64(month)).String())
	require.Equal(t, 0, indexDelta(0, uint64(month), uint64(month)).Sign())
	require.Equal(t, 0, indexDelta(200, 0, uint64(month)).Sign())
	// 200 * 1 * 1e18 / 2.592e10 truncates.
	require.Equal(t, "7716049382", indexDelta(200, 1, uint64(month)).String())
}

func TestRewardTruncatesBeforeRatio(t *testing.T) {
	gap := indexDelta(200, uint64(week), uint64(month))
	require.Equal(t, 0, rewardFor(big.NewInt(100), gap, big.NewInt(100)).Sign())
	require.Equal(t, "400", rewardFor(big.NewInt(1000), gap, big.NewInt(100)).String())
}

func TestConvertibleSplitsResidual(t *testing.T) {
	out, burned, residual := convertible(big.NewInt(120), big.NewInt(100))
	require.Equal(t, int64(1), out.Int64())
	require.Equal(t, int64(100), burned.Int64())
	require.Equal(t, int64(20), residual.Int64())

	out, burned, residual = convertible(big.NewInt(99), big.NewInt(100))
	require.Zero(t, out.Sign())
	require.Zero(t, burned.Sign())
	require.Equal(t, int64(99), residual.Int64())
}

func TestCommitAccrualInterval(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.engine.CommitAccrual(f.ctx), "zero elapsed is a no-op")

	f.advance(10)
	require.ErrorIs(t, f.engine.CommitAccrual(f.ctx), ErrTooSoon)

	f.advance(hour - 10)
	require.NoError(t, f.engine.CommitAccrual(f.ctx))
	acc, err := f.engine.GlobalAccrual(f.ctx)
	require.NoError(t, err)
	require.Equal(t, indexDelta(200, uint64(hour), uint64(month)).String(), acc.Index.String())
	require.Equal(t, uint64(f.now), acc.LastAccrualAt)

	require.NoError(t, f.engine.CommitAccrual(f.ctx))
	require.Len(t, f.recorder.OfType(EventTypeAccrualCommitted), 1)
}

func TestCreditAccountMintsMonthlyRebate(t *testing.T) {
	f := newFixture(t, nil)
	f.onRamp(alice, 100)
	f.advance(month)

	pending, err := f.engine.PendingReward(f.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(200), pending.Int64())

	minted, err := f.engine.CreditAccount(f.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(200), minted.Int64())
	require.Equal(t, int64(200), f.balance(f.reward, alice))

	again, err := f.engine.CreditAccount(f.ctx, alice)
	require.NoError(t, err)
	require.Zero(t, again.Sign())

	pending, err = f.engine.PendingReward(f.ctx, alice)
	require.NoError(t, err)
	require.Zero(t, pending.Sign())
}

func TestCreditAdvancesIndexWhenRewardRoundsToZero(t *testing.T) {
	f := newFixture(t, nil)
	f.onRamp(alice, 1)
	f.advance(hour)

	minted, err := f.engine.CreditAccount(f.ctx, alice)
	require.NoError(t, err)
	require.Zero(t, minted.Sign())

	global, err := f.engine.GlobalAccrual(f.ctx)
	require.NoError(t, err)
	index, ok, err := f.engine.AccountIndex(f.ctx, alice)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, global.Index.String(), index.String())
}

func TestFirstCreditStartsAtCurrentIndex(t *testing.T) {
	f := newFixture(t, nil)
	f.advance(month)
	require.NoError(t, f.engine.CommitAccrual(f.ctx))

	minted, err := f.engine.CreditAccount(f.ctx, bob)
	require.NoError(t, err)
	require.Zero(t, minted.Sign())

	global, err := f.engine.GlobalAccrual(f.ctx)
	require.NoError(t, err)
	index, ok, err := f.engine.AccountIndex(f.ctx, bob)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, global.Index.String(), index.String())
	require.Zero(t, f.balance(f.reward, bob))
}

func TestGlobalIndexIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	f.onRamp(alice, 500)
	last := big.NewInt(0)
	for _, step := range []int64{1, hour - 1, 17, hour, 3 * hour, week, 0, month} {
		f.advance(step)
		projected, err := f.engine.CurrentIndex(f.ctx)
		require.NoError(t, err)
		require.True(t, projected.Cmp(last) >= 0, "projected index went backwards at +%d", step)

		_, err = f.engine.CreditAccount(f.ctx, alice)
		require.NoError(t, err)
		committed, err := f.engine.GlobalAccrual(f.ctx)
		require.NoError(t, err)
		require.True(t, committed.Index.Cmp(last) >= 0)
		require.True(t, committed.Index.Cmp(projected) <= 0)
		last = committed.Index
	}
}

func TestCreditAccountsDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	f.onRamp(alice, 100)
	f.onRamp(bob, 100)
	f.advance(month)
	f.recorder.Reset()

	require.NoError(t, f.engine.CreditAccounts(f.ctx, alice, bob, alice))
	require.Equal(t, int64(200), f.balance(f.reward, alice))
	require.Equal(t, int64(200), f.balance(f.reward, bob))
	require.Len(t, f.recorder.OfType(EventTypeAccountCredited), 2)
}

func TestOnRampCreditsBeforeMinting(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.OnRampRewardPerStable = big.NewInt(3) })
	f.onRamp(alice, 100)
	require.Equal(t, int64(300), f.balance(f.reward, alice))

	f.advance(month)
	// The new 100 TK must not earn for the month that already passed.
	f.onRamp(alice, 100)
	require.Equal(t, int64(100+100), f.balance(f.stable, alice))
	require.Equal(t, int64(300+200+300), f.balance(f.reward, alice))

	require.ErrorIs(t, f.engine.OnRamp(f.ctx, alice, alice, big.NewInt(1)), ErrNotPrivileged)
	require.ErrorIs(t, f.engine.OnRamp(f.ctx, operatorAddr, alice, big.NewInt(0)), ErrInvalidAmount)
}
