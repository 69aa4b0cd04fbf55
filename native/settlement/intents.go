package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"tipledger/native/common"
	"tipledger/native/delegation"
)

// SubmitClap reserves reward token for a creator and records a clap intent.
// The caller's accrual is credited first so freshly earned reward counts
// towards capacity.
func (e *Engine) SubmitClap(ctx context.Context, caller, creator [20]byte, amount *big.Int, payload []byte) (uint64, error) {
	return e.submit(ctx, "submit_clap", IntentClap, caller, creator, amount, payload)
}

// SubmitGift reserves stable token for a creator and records a gift intent.
func (e *Engine) SubmitGift(ctx context.Context, caller, creator [20]byte, amount *big.Int, payload []byte) (uint64, error) {
	return e.submit(ctx, "submit_gift", IntentGift, caller, creator, amount, payload)
}

func (e *Engine) submit(ctx context.Context, op string, kind IntentKind, caller, creator [20]byte, amount *big.Int, payload []byte) (uint64, error) {
	var id uint64
	err := e.mutate(ctx, op, func(c *call) error {
		if err := e.guard(); err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if caller == creator {
			return ErrSelfIntent
		}
		if err := e.requireCreator(c.ctx, creator); err != nil {
			return err
		}
		ledger, err := e.ledgerFor(kind)
		if err != nil {
			return err
		}
		if kind == IntentClap {
			if err := e.accrueIfDue(c); err != nil {
				return err
			}
			if _, err := e.creditAccount(c, caller); err != nil {
				return err
			}
		}
		symbol := ledger.Symbol()
		valid, err := e.validator.IsDelegationValid(c.ctx, caller, symbol, delegation.OperatorTransferSelector, amount, payload)
		if err != nil {
			return err
		}
		if !valid {
			return ErrInvalidDelegation
		}
		hash, err := e.validator.HashDelegation(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
		}
		capacity, err := e.freeCapacity(c, kind, caller)
		if err != nil {
			return err
		}
		if amount.Cmp(capacity) > 0 {
			return fmt.Errorf("%w: requested %s, free %s", ErrInsufficientCapacity, amount, capacity)
		}
		if err := e.consumeQuota(c, caller, amount); err != nil {
			return err
		}
		if err := e.adjustReserved(caller, symbol, amount); err != nil {
			return err
		}
		count, err := e.state.SettlementIntentCount()
		if err != nil {
			return err
		}
		intent := &Intent{
			ID:             count,
			From:           caller,
			To:             creator,
			Token:          symbol,
			Amount:         new(big.Int).Set(amount),
			Kind:           kind,
			DelegationHash: hash,
			Delegation:     append([]byte(nil), payload...),
			CreatedAt:      uint64(c.now),
		}
		if err := e.state.SettlementIntentPut(intent); err != nil {
			return err
		}
		c.emit(IntentSubmitted{Intent: intent.Clone()})
		id = intent.ID
		return nil
	})
	if err == nil {
		e.metrics.ObserveIntentSubmitted(kind.String())
	}
	return id, err
}

func (e *Engine) consumeQuota(c *call, account [20]byte, amount *big.Int) error {
	params, err := e.loadParams()
	if err != nil {
		return err
	}
	if !params.Quota.Enabled() {
		return nil
	}
	value := uint64(0)
	if amount.IsUint64() {
		value = amount.Uint64()
	} else if params.Quota.MaxValuePerWindow > 0 {
		return common.ErrQuotaValueCapExceeded
	}
	prev, ok, err := e.state.SettlementQuotaGet(account)
	if err != nil {
		return err
	}
	if !ok || prev == nil {
		prev = &common.QuotaNow{}
	}
	next, err := common.CheckQuota(params.Quota, params.Quota.WindowAt(c.now), *prev, 1, value)
	if err != nil {
		return err
	}
	return e.state.SettlementQuotaPut(account, &next)
}

// freeCapacity is live balance plus creditable reward (claps only) minus what
// is already reserved.
func (e *Engine) freeCapacity(c *call, kind IntentKind, account [20]byte) (*big.Int, error) {
	ledger, err := e.ledgerFor(kind)
	if err != nil {
		return nil, err
	}
	live, err := ledger.BalanceOf(c.ctx, account)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Set(positiveOrZero(live))
	if kind == IntentClap {
		gap, err := e.creditableGap(c, account)
		if err != nil {
			return nil, err
		}
		pending, err := e.pendingFor(c, account, gap)
		if err != nil {
			return nil, err
		}
		total.Add(total, pending)
	}
	reserved, err := e.reserved(account, ledger.Symbol())
	if err != nil {
		return nil, err
	}
	return positiveOrZero(total.Sub(total, reserved)), nil
}

// ApproveIntents sets the approval flag of each listed intent. Every id is
// checked before anything is written. Settled intents are left untouched and
// cancelled intents cannot be approved.
func (e *Engine) ApproveIntents(ctx context.Context, caller [20]byte, ids []uint64, approved []bool) error {
	return e.mutate(ctx, "approve_intents", func(c *call) error {
		if err := e.requirePrivileged(caller); err != nil {
			return err
		}
		if err := e.guard(); err != nil {
			return err
		}
		if len(ids) != len(approved) {
			return ErrLengthMismatch
		}
		count, err := e.state.SettlementIntentCount()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id >= count {
				return fmt.Errorf("%w: %d", ErrUnknownIntent, id)
			}
		}
		for i, id := range ids {
			intent, err := e.loadIntent(id)
			if err != nil {
				return err
			}
			if intent.Settled {
				continue
			}
			flag := approved[i]
			if intent.Cancelled() {
				flag = false
			}
			intent.Approved = flag
			if err := e.state.SettlementIntentPut(intent); err != nil {
				return err
			}
			c.emit(IntentApproved{ID: id, Approved: flag})
		}
		return nil
	})
}

// CancelIntent withdraws an unsettled intent and releases its reservation.
// Cancelling an intent twice is a no-op.
func (e *Engine) CancelIntent(ctx context.Context, caller [20]byte, id uint64) error {
	return e.mutate(ctx, "cancel_intent", func(c *call) error {
		intent, err := e.loadIntent(id)
		if err != nil {
			return err
		}
		if intent.Settled {
			return fmt.Errorf("%w: %d", ErrAlreadySettled, id)
		}
		if intent.From != caller {
			return ErrNotIntentOwner
		}
		if intent.Cancelled() {
			return nil
		}
		released := new(big.Int).Set(intent.Amount)
		if err := e.release(intent); err != nil {
			return err
		}
		intent.Amount = big.NewInt(0)
		intent.Approved = false
		if err := e.state.SettlementIntentPut(intent); err != nil {
			return err
		}
		c.emit(IntentCancelled{ID: id, From: caller, Released: released})
		return nil
	})
}

// release returns the intent's amount to its sender's free capacity,
// saturating at zero.
func (e *Engine) release(intent *Intent) error {
	current, err := e.reserved(intent.From, intent.Token)
	if err != nil {
		return err
	}
	next := new(big.Int).Sub(current, intent.Amount)
	return e.state.SettlementReservedPut(intent.From, intent.Token, positiveOrZero(next))
}

// CheckTransfer vets an owner-consented transfer before the ledger moves
// funds. Both sides are credited first, then the sender must keep enough live
// balance to back its open intents in that token.
func (e *Engine) CheckTransfer(ctx context.Context, symbol string, from, to [20]byte, amount *big.Int) error {
	return e.mutate(ctx, "check_transfer", func(c *call) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		var ledger Ledger
		switch {
		case strings.EqualFold(symbol, e.stable.Symbol()):
			ledger = e.stable
		case strings.EqualFold(symbol, e.reward.Symbol()):
			ledger = e.reward
		default:
			return fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
		}
		if err := e.accrueIfDue(c); err != nil {
			return err
		}
		if err := e.creditAccounts(c, [][20]byte{from, to}); err != nil {
			return err
		}
		live, err := ledger.BalanceOf(c.ctx, from)
		if err != nil {
			return err
		}
		free, err := e.unreserved(from, ledger.Symbol(), live)
		if err != nil {
			return err
		}
		if amount.Cmp(free) > 0 {
			return fmt.Errorf("%w: transfer of %s %s, unreserved %s", ErrInsufficientCapacity, amount, ledger.Symbol(), free)
		}
		return nil
	})
}

// FreeCapacity reports how much more the account could commit to new intents
// of the given kind right now.
func (e *Engine) FreeCapacity(ctx context.Context, kind IntentKind, account [20]byte) (*big.Int, error) {
	var out *big.Int
	err := e.view(ctx, func(c *call) error {
		capacity, err := e.freeCapacity(c, kind, account)
		out = capacity
		return err
	})
	return out, err
}

// Reserved returns the account's reservation on the token ledger.
func (e *Engine) Reserved(ctx context.Context, account [20]byte, symbol string) (*big.Int, error) {
	var out *big.Int
	err := e.view(ctx, func(*call) error {
		amount, err := e.reserved(account, symbol)
		out = amount
		return err
	})
	return out, err
}

// Intent returns a copy of the intent.
func (e *Engine) Intent(ctx context.Context, id uint64) (*Intent, error) {
	var out *Intent
	err := e.view(ctx, func(*call) error {
		intent, err := e.loadIntent(id)
		out = intent.Clone()
		return err
	})
	return out, err
}

// IntentCount returns the length of the intent sequence.
func (e *Engine) IntentCount(ctx context.Context) (uint64, error) {
	var out uint64
	err := e.view(ctx, func(*call) error {
		count, err := e.state.SettlementIntentCount()
		out = count
		return err
	})
	return out, err
}
