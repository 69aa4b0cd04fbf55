package settlement

import (
	"context"
	"log/slog"
	"math/big"

	"tipledger/crypto"
)

// commitAccrual folds the elapsed delta into the global index. With force set
// the accrual interval is ignored; governance uses this before a rate change.
func (e *Engine) commitAccrual(c *call, force bool) error {
	params, err := e.loadParams()
	if err != nil {
		return err
	}
	acc, err := e.loadAccrual()
	if err != nil {
		return err
	}
	elapsed := elapsedSince(acc.LastAccrualAt, c.now)
	if elapsed == 0 {
		return nil
	}
	if elapsed < params.AccrualInterval && !force {
		return ErrTooSoon
	}
	delta := indexDelta(params.RebateMonthlyBps, elapsed, params.SecondsPerMonth)
	acc.Index = new(big.Int).Add(acc.Index, delta)
	acc.LastAccrualAt = uint64(c.now)
	if err := e.state.SettlementAccrualPut(acc); err != nil {
		return err
	}
	c.emit(AccrualCommitted{Delta: delta, Index: new(big.Int).Set(acc.Index), At: c.now})
	e.metrics.ObserveAccrual(indexToFloat(acc.Index))
	return nil
}

// accrueIfDue commits accrual only when the interval has elapsed.
func (e *Engine) accrueIfDue(c *call) error {
	params, err := e.loadParams()
	if err != nil {
		return err
	}
	acc, err := e.loadAccrual()
	if err != nil {
		return err
	}
	if elapsedSince(acc.LastAccrualAt, c.now) < params.AccrualInterval {
		return nil
	}
	return e.commitAccrual(c, false)
}

// creditAccount mints the reward owed for the account's index gap and moves
// its index up to the global index. Accounts seen for the first time start at
// the current index and receive nothing.
func (e *Engine) creditAccount(c *call, account [20]byte) (*big.Int, error) {
	acc, err := e.loadAccrual()
	if err != nil {
		return nil, err
	}
	userIndex, ok, err := e.state.SettlementAccountIndexGet(account)
	if err != nil {
		return nil, err
	}
	if !ok || userIndex == nil {
		return big.NewInt(0), e.state.SettlementAccountIndexPut(account, acc.Index)
	}
	gap := new(big.Int).Sub(acc.Index, userIndex)
	if gap.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	params, err := e.loadParams()
	if err != nil {
		return nil, err
	}
	balance, err := e.stable.BalanceOf(c.ctx, account)
	if err != nil {
		return nil, err
	}
	reward := rewardFor(balance, gap, params.TkiPerTkRatio)
	if err := e.state.SettlementAccountIndexPut(account, acc.Index); err != nil {
		return nil, err
	}
	if reward.Sign() > 0 {
		if err := e.reward.Mint(c.ctx, e.address, account, reward); err != nil {
			return nil, err
		}
		e.metrics.ObserveRewardMinted(bigToFloat(reward))
		e.logger.Debug("account credited", slog.String("account", crypto.FormatAddress(account)), slog.String("reward", reward.String()))
	}
	c.emit(AccountCredited{Account: account, Gap: gap, Reward: reward, Index: new(big.Int).Set(acc.Index)})
	return reward, nil
}

func (e *Engine) creditAccounts(c *call, accounts [][20]byte) error {
	seen := make(map[[20]byte]struct{}, len(accounts))
	for _, account := range accounts {
		if _, dup := seen[account]; dup {
			continue
		}
		seen[account] = struct{}{}
		if _, err := e.creditAccount(c, account); err != nil {
			return err
		}
	}
	return nil
}

// creditableGap is the index gap a credit issued now would pay out, including
// the delta an auto-commit would fold in first.
func (e *Engine) creditableGap(c *call, account [20]byte) (*big.Int, error) {
	params, err := e.loadParams()
	if err != nil {
		return nil, err
	}
	acc, err := e.loadAccrual()
	if err != nil {
		return nil, err
	}
	index := acc.Index
	if elapsedSince(acc.LastAccrualAt, c.now) >= params.AccrualInterval {
		index = projectIndex(acc, params, c.now)
	}
	return e.gapAt(account, index)
}

func (e *Engine) gapAt(account [20]byte, index *big.Int) (*big.Int, error) {
	userIndex, ok, err := e.state.SettlementAccountIndexGet(account)
	if err != nil {
		return nil, err
	}
	if !ok || userIndex == nil {
		return big.NewInt(0), nil
	}
	return positiveOrZero(new(big.Int).Sub(index, userIndex)), nil
}

func (e *Engine) pendingFor(c *call, account [20]byte, gap *big.Int) (*big.Int, error) {
	if gap.Sign() == 0 {
		return big.NewInt(0), nil
	}
	params, err := e.loadParams()
	if err != nil {
		return nil, err
	}
	balance, err := e.stable.BalanceOf(c.ctx, account)
	if err != nil {
		return nil, err
	}
	return rewardFor(balance, gap, params.TkiPerTkRatio), nil
}

// CurrentIndex projects the global index to now without committing.
func (e *Engine) CurrentIndex(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := e.view(ctx, func(c *call) error {
		params, err := e.loadParams()
		if err != nil {
			return err
		}
		acc, err := e.loadAccrual()
		if err != nil {
			return err
		}
		out = projectIndex(acc, params, c.now)
		return nil
	})
	return out, err
}

// GlobalAccrual returns the committed accrual state.
func (e *Engine) GlobalAccrual(ctx context.Context) (*GlobalAccrual, error) {
	var out *GlobalAccrual
	err := e.view(ctx, func(*call) error {
		acc, err := e.loadAccrual()
		if err != nil {
			return err
		}
		out = &GlobalAccrual{Index: new(big.Int).Set(acc.Index), LastAccrualAt: acc.LastAccrualAt}
		return nil
	})
	return out, err
}

// CommitAccrual advances the global index. It fails with ErrTooSoon when some
// time but less than the accrual interval has passed since the last commit.
func (e *Engine) CommitAccrual(ctx context.Context) error {
	return e.mutate(ctx, "commit_accrual", func(c *call) error {
		return e.commitAccrual(c, false)
	})
}

// CreditAccount commits accrual if due and mints the account's outstanding
// reward.
func (e *Engine) CreditAccount(ctx context.Context, account [20]byte) (*big.Int, error) {
	var minted *big.Int
	err := e.mutate(ctx, "credit_account", func(c *call) error {
		if err := e.accrueIfDue(c); err != nil {
			return err
		}
		reward, err := e.creditAccount(c, account)
		if err != nil {
			return err
		}
		minted = reward
		return nil
	})
	return minted, err
}

// CreditAccounts credits each distinct account once.
func (e *Engine) CreditAccounts(ctx context.Context, accounts ...[20]byte) error {
	return e.mutate(ctx, "credit_accounts", func(c *call) error {
		if err := e.accrueIfDue(c); err != nil {
			return err
		}
		return e.creditAccounts(c, accounts)
	})
}

// PendingReward projects the reward the account would receive if accrual were
// committed and credited now.
func (e *Engine) PendingReward(ctx context.Context, account [20]byte) (*big.Int, error) {
	var out *big.Int
	err := e.view(ctx, func(c *call) error {
		params, err := e.loadParams()
		if err != nil {
			return err
		}
		acc, err := e.loadAccrual()
		if err != nil {
			return err
		}
		gap, err := e.gapAt(account, projectIndex(acc, params, c.now))
		if err != nil {
			return err
		}
		out, err = e.pendingFor(c, account, gap)
		return err
	})
	return out, err
}

// AccountIndex returns the account's last credited index.
func (e *Engine) AccountIndex(ctx context.Context, account [20]byte) (*big.Int, bool, error) {
	var (
		out   *big.Int
		found bool
	)
	err := e.view(ctx, func(*call) error {
		index, ok, err := e.state.SettlementAccountIndexGet(account)
		if err != nil {
			return err
		}
		found = ok
		if ok && index != nil {
			out = new(big.Int).Set(index)
		}
		return nil
	})
	return out, found, err
}
