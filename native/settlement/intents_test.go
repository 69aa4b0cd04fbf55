package settlement

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tipledger/native/common"
)

func TestSubmitClapReservesCapacity(t *testing.T) {
	f := newFixture(t, nil)
	f.onRamp(alice, 100)
	f.advance(month)

	// Accrued but uncredited reward already counts as capacity.
	capacity, err := f.engine.FreeCapacity(f.ctx, IntentClap, alice)
	require.NoError(t, err)
	require.Equal(t, int64(200), capacity.Int64())

	id := f.clap(alice, creatorAddr, 120, "d1")
	require.Equal(t, uint64(0), id)
	require.Equal(t, int64(200), f.balance(f.reward, alice), "submit credits the sender")
	require.Equal(t, int64(120), f.reservedOf(alice, "TKI"))

	capacity, err = f.engine.FreeCapacity(f.ctx, IntentClap, alice)
	require.NoError(t, err)
	require.Equal(t, int64(80), capacity.Int64())

	intent := f.intent(id)
	require.Equal(t, alice, intent.From)
	require.Equal(t, creatorAddr, intent.To)
	require.Equal(t, "TKI", intent.Token)
	require.Equal(t, IntentClap, intent.Kind)
	require.Equal(t, uint64(f.now), intent.CreatedAt)
	require.False(t, intent.Approved)
	require.False(t, intent.Settled)
	require.Len(t, f.recorder.OfType(EventTypeIntentSubmitted), 1)
}

func TestSubmitCapacityBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.fundWithReward()

	f.clap(alice, creatorAddr, 150, "d1")
	f.clap(alice, otherCreator, 50, "d2")

	_, err := f.engine.SubmitClap(f.ctx, alice, creatorAddr, big.NewInt(1), []byte("d3"))
	require.ErrorIs(t, err, ErrInsufficientCapacity)
	require.Equal(t, int64(200), f.reservedOf(alice, "TKI"))

	count, err := f.engine.IntentCount(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, nil)
	f.fundWithReward()
	f.validator.invalid["revoked"] = true

	cases := []struct {
		name    string
		from    [20]byte
		to      [20]byte
		amount  *big.Int
		payload string
		err     error
	}{
		{"zero amount", alice, creatorAddr, big.NewInt(0), "d", ErrInvalidAmount},
		{"nil amount", alice, creatorAddr, nil, "d", ErrInvalidAmount},
		{"self", creatorAddr, creatorAddr, big.NewInt(1), "d", ErrSelfIntent},
		{"not creator", alice, bob, big.NewInt(1), "d", ErrNotCreator},
		{"invalid delegation", alice, creatorAddr, big.NewInt(1), "revoked", ErrInvalidDelegation},
		{"empty delegation", alice, creatorAddr, big.NewInt(1), "", ErrInvalidDelegation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.SubmitClap(f.ctx, tc.from, tc.to, tc.amount, []byte(tc.payload))
			require.ErrorIs(t, err, tc.err)
		})
	}
	require.Zero(t, f.reservedOf(alice, "TKI"))
}

func TestSubmitGiftUsesStableBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.onRamp(alice, 100)
	f.advance(month)

	_, err := f.engine.SubmitGift(f.ctx, alice, creatorAddr, big.NewInt(101), []byte("g1"))
	require.ErrorIs(t, err, ErrInsufficientCapacity)

	id, err := f.engine.SubmitGift(f.ctx, alice, creatorAddr, big.NewInt(100), []byte("g1"))
	require.NoError(t, err)
	intent := f.intent(id)
	require.Equal(t, "TK", intent.Token)
	require.Equal(t, IntentGift, intent.Kind)
	require.Equal(t, int64(100), f.reservedOf(alice, "TK"))
	require.Zero(t, f.reservedOf(alice, "TKI"))
}

func TestCancelIntentReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.fundWithReward()
	id := f.clap(alice, creatorAddr, 120, "d1")

	require.ErrorIs(t, f.engine.CancelIntent(f.ctx, bob, id), ErrNotIntentOwner)
	require.ErrorIs(t, f.engine.CancelIntent(f.ctx, alice, 42), ErrUnknownIntent)

	require.NoError(t, f.engine.CancelIntent(f.ctx, alice, id))
	require.Zero(t, f.reservedOf(alice, "TKI"))
	intent := f.intent(id)
	require.True(t, intent.Cancelled())
	require.Zero(t, intent.Amount.Sign())

	require.NoError(t, f.engine.CancelIntent(f.ctx, alice, id), "second cancel is a no-op")
	require.Len(t, f.recorder.OfType(EventTypeIntentCancelled), 1)

	capacity, err := f.engine.FreeCapacity(f.ctx, IntentClap, alice)
	require.NoError(t, err)
	require.Equal(t, int64(200), capacity.Int64())
}

func TestApproveIntents(t *testing.T) {
	f := newFixture(t, nil)
	f.fundWithReward()
	first := f.clap(alice, creatorAddr, 10, "d1")
	second := f.clap(alice, creatorAddr, 10, "d2")
	require.NoError(t, f.engine.CancelIntent(f.ctx, alice, second))

	require.ErrorIs(t, f.engine.ApproveIntents(f.ctx, alice, []uint64{first}, []bool{true}), ErrNotPrivileged)
	require.ErrorIs(t, f.engine.ApproveIntents(f.ctx, operatorAddr, []uint64{first}, nil), ErrLengthMismatch)

	// An unknown id rejects the whole batch.
	err := f.engine.ApproveIntents(f.ctx, operatorAddr, []uint64{first, 9}, []bool{true, true})
	require.ErrorIs(t, err, ErrUnknownIntent)
	require.False(t, f.intent(first).Approved)

	require.NoError(t, f.engine.ApproveIntents(f.ctx, ownerAddr, []uint64{first, second}, []bool{true, true}))
	require.True(t, f.intent(first).Approved)
	require.False(t, f.intent(second).Approved, "cancelled intents stay unapproved")

	require.NoError(t, f.engine.ApproveIntents(f.ctx, operatorAddr, []uint64{first}, []bool{false}))
	require.False(t, f.intent(first).Approved)
}

func TestSubmitQuota(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		p.Quota = common.Quota{MaxRequestsPerWindow: 1, WindowSeconds: uint32(hour)}
	})
	f.fundWithReward()

	f.clap(alice, creatorAddr, 10, "d1")
	_, err := f.engine.SubmitClap(f.ctx, alice, creatorAddr, big.NewInt(10), []byte("d2"))
	require.ErrorIs(t, err, common.ErrQuotaRequestsExceeded)
	require.Equal(t, int64(10), f.reservedOf(alice, "TKI"))

	f.advance(hour)
	f.clap(alice, creatorAddr, 10, "d2")
}

func TestPauseBlocksSubmissionButNotCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.fundWithReward()
	id := f.clap(alice, creatorAddr, 10, "d1")

	require.ErrorIs(t, f.engine.SetPaused(f.ctx, operatorAddr, true), ErrNotOwner)
	require.NoError(t, f.engine.SetPaused(f.ctx, ownerAddr, true))

	_, err := f.engine.SubmitClap(f.ctx, alice, creatorAddr, big.NewInt(10), []byte("d2"))
	require.ErrorIs(t, err, common.ErrModulePaused)
	require.ErrorIs(t, f.engine.ApproveIntents(f.ctx, operatorAddr, []uint64{id}, []bool{true}), common.ErrModulePaused)
	require.NoError(t, f.engine.CancelIntent(f.ctx, alice, id))

	require.NoError(t, f.engine.SetPaused(f.ctx, ownerAddr, false))
	f.clap(alice, creatorAddr, 10, "d2")
}
