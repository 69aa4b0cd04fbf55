package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"tipledger/native/common"
)

// Parameter names accepted by SetParam.
const (
	ParamRebateMonthlyBps      = "rebateMonthlyBps"
	ParamMaxRebateMonthlyBps   = "maxRebateMonthlyBps"
	ParamSecondsPerMonth       = "secondsPerMonth"
	ParamAccrualInterval       = "accrualInterval"
	ParamSettlementPeriod      = "settlementPeriod"
	ParamTkiPerTkRatio         = "tkiPerTkRatio"
	ParamOnRampRewardPerStable = "onRampRewardPerStable"
	ParamConversionMode        = "conversionMode"
	ParamQuotaMaxRequests      = "quotaMaxRequests"
	ParamQuotaMaxValue         = "quotaMaxValue"
	ParamQuotaWindowSeconds    = "quotaWindowSeconds"
)

// ParamNames lists every settable parameter.
func ParamNames() []string {
	return []string{
		ParamRebateMonthlyBps,
		ParamMaxRebateMonthlyBps,
		ParamSecondsPerMonth,
		ParamAccrualInterval,
		ParamSettlementPeriod,
		ParamTkiPerTkRatio,
		ParamOnRampRewardPerStable,
		ParamConversionMode,
		ParamQuotaMaxRequests,
		ParamQuotaMaxValue,
		ParamQuotaWindowSeconds,
	}
}

// Genesis initialises an empty store. The accrual and settlement clocks start
// at the current time.
func (e *Engine) Genesis(ctx context.Context, owner [20]byte, params Params, operators ...[20]byte) error {
	return e.mutate(ctx, "genesis", func(c *call) error {
		if _, ok, err := e.state.SettlementParamsGet(); err != nil {
			return err
		} else if ok {
			return ErrAlreadyInitialized
		}
		var zero [20]byte
		if owner == zero {
			return fmt.Errorf("%w: owner required", ErrInvalidParameter)
		}
		if err := params.Validate(); err != nil {
			return err
		}
		stored := params.Clone()
		if err := e.state.SettlementParamsPut(&stored); err != nil {
			return err
		}
		roles := &Roles{Owner: owner}
		for _, op := range dedupeAccounts(operators) {
			if op != zero {
				roles.Operators = append(roles.Operators, op)
			}
		}
		if err := e.state.SettlementRolesPut(roles); err != nil {
			return err
		}
		if err := e.state.SettlementStatusPut(&Status{LastSettlementAt: uint64(c.now)}); err != nil {
			return err
		}
		if err := e.state.SettlementAccrualPut(&GlobalAccrual{Index: big.NewInt(0), LastAccrualAt: uint64(c.now)}); err != nil {
			return err
		}
		c.emit(Initialized{Owner: owner, At: c.now})
		return nil
	})
}

// Params returns the current parameter set.
func (e *Engine) Params(ctx context.Context) (Params, error) {
	var out Params
	err := e.view(ctx, func(*call) error {
		params, err := e.loadParams()
		out = params
		return err
	})
	return out, err
}

// Roles returns the owner and operator set.
func (e *Engine) Roles(ctx context.Context) (*Roles, error) {
	var out *Roles
	err := e.view(ctx, func(*call) error {
		roles, err := e.loadRoles()
		if err != nil {
			return err
		}
		out = &Roles{Owner: roles.Owner, Operators: append([][20]byte(nil), roles.Operators...)}
		return nil
	})
	return out, err
}

// Paused reports whether the engine is halted.
func (e *Engine) Paused(ctx context.Context) (bool, error) {
	var out bool
	err := e.view(ctx, func(*call) error {
		status, err := e.loadStatus()
		if err != nil {
			return err
		}
		out = status.Paused
		return nil
	})
	return out, err
}

// updateParams applies change to a copy of the parameters, validates the
// result and stores it. Rate changes commit accrual first so the new rate is
// never applied to time that already passed.
func (e *Engine) updateParams(ctx context.Context, caller [20]byte, name string, change func(p *Params) error) error {
	return e.mutate(ctx, "set_param", func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if name == ParamRebateMonthlyBps || name == ParamSecondsPerMonth {
			if err := e.commitAccrual(c, true); err != nil {
				return err
			}
		}
		current, err := e.loadParams()
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := change(&next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		if err := e.state.SettlementParamsPut(&next); err != nil {
			return err
		}
		c.emit(ParamChanged{Name: name, Old: paramValue(current, name), New: paramValue(next, name)})
		return nil
	})
}

// SetRebateMonthlyBps changes the monthly rebate rate. It may not exceed the
// configured maximum.
func (e *Engine) SetRebateMonthlyBps(ctx context.Context, caller [20]byte, bps uint64) error {
	return e.updateParams(ctx, caller, ParamRebateMonthlyBps, func(p *Params) error {
		p.RebateMonthlyBps = bps
		return nil
	})
}

// SetMaxRebateMonthlyBps changes the rebate ceiling. It must stay at or above
// the current rate and at or below 10 000 bps.
func (e *Engine) SetMaxRebateMonthlyBps(ctx context.Context, caller [20]byte, bps uint64) error {
	return e.updateParams(ctx, caller, ParamMaxRebateMonthlyBps, func(p *Params) error {
		p.MaxRebateMonthlyBps = bps
		return nil
	})
}

func (e *Engine) SetSecondsPerMonth(ctx context.Context, caller [20]byte, seconds uint64) error {
	return e.updateParams(ctx, caller, ParamSecondsPerMonth, func(p *Params) error {
		p.SecondsPerMonth = seconds
		return nil
	})
}

func (e *Engine) SetAccrualInterval(ctx context.Context, caller [20]byte, seconds uint64) error {
	return e.updateParams(ctx, caller, ParamAccrualInterval, func(p *Params) error {
		p.AccrualInterval = seconds
		return nil
	})
}

func (e *Engine) SetSettlementPeriod(ctx context.Context, caller [20]byte, seconds uint64) error {
	return e.updateParams(ctx, caller, ParamSettlementPeriod, func(p *Params) error {
		p.SettlementPeriod = seconds
		return nil
	})
}

func (e *Engine) SetTkiPerTkRatio(ctx context.Context, caller [20]byte, ratio *big.Int) error {
	return e.updateParams(ctx, caller, ParamTkiPerTkRatio, func(p *Params) error {
		if ratio == nil {
			return fmt.Errorf("%w: ratio required", ErrInvalidParameter)
		}
		p.TkiPerTkRatio = new(big.Int).Set(ratio)
		return nil
	})
}

func (e *Engine) SetOnRampRewardPerStable(ctx context.Context, caller [20]byte, reward *big.Int) error {
	return e.updateParams(ctx, caller, ParamOnRampRewardPerStable, func(p *Params) error {
		p.OnRampRewardPerStable = copyBig(reward)
		return nil
	})
}

func (e *Engine) SetConversionMode(ctx context.Context, caller [20]byte, mode ConversionMode) error {
	return e.updateParams(ctx, caller, ParamConversionMode, func(p *Params) error {
		p.ConversionMode = mode
		return nil
	})
}

// SetQuota replaces the per-account submission quota. Zero limits disable it.
func (e *Engine) SetQuota(ctx context.Context, caller [20]byte, quota common.Quota) error {
	return e.updateParams(ctx, caller, "quota", func(p *Params) error {
		p.Quota = quota
		return nil
	})
}

// SetParam sets a parameter from its textual form, as used by the CLI.
func (e *Engine) SetParam(ctx context.Context, caller [20]byte, name, raw string) error {
	raw = strings.TrimSpace(raw)
	parseUint := func() (uint64, error) {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, name, err)
		}
		return v, nil
	}
	parseUint32 := func() (uint32, error) {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, name, err)
		}
		return uint32(v), nil
	}
	parseBig := func() (*big.Int, error) {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %s: invalid integer %q", ErrInvalidParameter, name, raw)
		}
		return v, nil
	}
	switch name {
	case ParamRebateMonthlyBps, ParamMaxRebateMonthlyBps, ParamSecondsPerMonth, ParamAccrualInterval, ParamSettlementPeriod, ParamQuotaMaxValue:
		v, err := parseUint()
		if err != nil {
			return err
		}
		switch name {
		case ParamRebateMonthlyBps:
			return e.SetRebateMonthlyBps(ctx, caller, v)
		case ParamMaxRebateMonthlyBps:
			return e.SetMaxRebateMonthlyBps(ctx, caller, v)
		case ParamSecondsPerMonth:
			return e.SetSecondsPerMonth(ctx, caller, v)
		case ParamAccrualInterval:
			return e.SetAccrualInterval(ctx, caller, v)
		case ParamSettlementPeriod:
			return e.SetSettlementPeriod(ctx, caller, v)
		default:
			return e.updateParams(ctx, caller, name, func(p *Params) error {
				p.Quota.MaxValuePerWindow = v
				return nil
			})
		}
	case ParamQuotaMaxRequests, ParamQuotaWindowSeconds:
		v, err := parseUint32()
		if err != nil {
			return err
		}
		return e.updateParams(ctx, caller, name, func(p *Params) error {
			if name == ParamQuotaMaxRequests {
				p.Quota.MaxRequestsPerWindow = v
			} else {
				p.Quota.WindowSeconds = v
			}
			return nil
		})
	case ParamTkiPerTkRatio, ParamOnRampRewardPerStable:
		v, err := parseBig()
		if err != nil {
			return err
		}
		if name == ParamTkiPerTkRatio {
			return e.SetTkiPerTkRatio(ctx, caller, v)
		}
		return e.SetOnRampRewardPerStable(ctx, caller, v)
	case ParamConversionMode:
		mode, err := ParseConversionMode(raw)
		if err != nil {
			return err
		}
		return e.SetConversionMode(ctx, caller, mode)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
}

func paramValue(p Params, name string) string {
	switch name {
	case ParamRebateMonthlyBps:
		return strconv.FormatUint(p.RebateMonthlyBps, 10)
	case ParamMaxRebateMonthlyBps:
		return strconv.FormatUint(p.MaxRebateMonthlyBps, 10)
	case ParamSecondsPerMonth:
		return strconv.FormatUint(p.SecondsPerMonth, 10)
	case ParamAccrualInterval:
		return strconv.FormatUint(p.AccrualInterval, 10)
	case ParamSettlementPeriod:
		return strconv.FormatUint(p.SettlementPeriod, 10)
	case ParamTkiPerTkRatio:
		return formatAmount(p.TkiPerTkRatio)
	case ParamOnRampRewardPerStable:
		return formatAmount(p.OnRampRewardPerStable)
	case ParamConversionMode:
		return p.ConversionMode.String()
	case ParamQuotaMaxRequests:
		return strconv.FormatUint(uint64(p.Quota.MaxRequestsPerWindow), 10)
	case ParamQuotaMaxValue:
		return strconv.FormatUint(p.Quota.MaxValuePerWindow, 10)
	case ParamQuotaWindowSeconds:
		return strconv.FormatUint(uint64(p.Quota.WindowSeconds), 10)
	default:
		return fmt.Sprintf("%d/%d/%d", p.Quota.MaxRequestsPerWindow, p.Quota.MaxValuePerWindow, p.Quota.WindowSeconds)
	}
}

// TransferOwnership hands governance to a new owner.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner [20]byte) error {
	return e.mutate(ctx, "transfer_ownership", func(c *call) error {
		roles, err := e.loadRoles()
		if err != nil {
			return err
		}
		if caller != roles.Owner {
			return ErrNotOwner
		}
		var zero [20]byte
		if newOwner == zero {
			return fmt.Errorf("%w: owner required", ErrInvalidParameter)
		}
		roles.Owner = newOwner
		if err := e.state.SettlementRolesPut(roles); err != nil {
			return err
		}
		c.emit(RoleChanged{Role: "owner", Account: newOwner, Enabled: true})
		return nil
	})
}

// SetOperator grants or revokes the approval and settlement role.
func (e *Engine) SetOperator(ctx context.Context, caller, operator [20]byte, enabled bool) error {
	return e.mutate(ctx, "set_operator", func(c *call) error {
		roles, err := e.loadRoles()
		if err != nil {
			return err
		}
		if caller != roles.Owner {
			return ErrNotOwner
		}
		var zero [20]byte
		if operator == zero {
			return fmt.Errorf("%w: operator required", ErrInvalidParameter)
		}
		filtered := roles.Operators[:0]
		for _, op := range roles.Operators {
			if op != operator {
				filtered = append(filtered, op)
			}
		}
		roles.Operators = filtered
		if enabled {
			roles.Operators = append(roles.Operators, operator)
		}
		if err := e.state.SettlementRolesPut(roles); err != nil {
			return err
		}
		c.emit(RoleChanged{Role: "operator", Account: operator, Enabled: enabled})
		return nil
	})
}

// SetPaused halts or resumes submissions, approvals, settlement and on-ramp.
// Cancellation, crediting and views keep working while paused.
func (e *Engine) SetPaused(ctx context.Context, caller [20]byte, paused bool) error {
	return e.mutate(ctx, "set_paused", func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		status, err := e.loadStatus()
		if err != nil {
			return err
		}
		if status.Paused == paused {
			return nil
		}
		status.Paused = paused
		if err := e.state.SettlementStatusPut(status); err != nil {
			return err
		}
		c.emit(PauseChanged{Paused: paused})
		return nil
	})
}

// OnRamp mints stable token to an account on behalf of the fiat gateway,
// plus the configured reward bonus. Accrual is credited first so the new
// balance earns only from now on.
func (e *Engine) OnRamp(ctx context.Context, caller, to [20]byte, amount *big.Int) error {
	return e.mutate(ctx, "onramp", func(c *call) error {
		if err := e.requirePrivileged(caller); err != nil {
			return err
		}
		if err := e.guard(); err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		params, err := e.loadParams()
		if err != nil {
			return err
		}
		if err := e.accrueIfDue(c); err != nil {
			return err
		}
		if _, err := e.creditAccount(c, to); err != nil {
			return err
		}
		if err := e.stable.Mint(c.ctx, e.address, to, amount); err != nil {
			return err
		}
		bonus := new(big.Int).Mul(amount, positiveOrZero(params.OnRampRewardPerStable))
		if bonus.Sign() > 0 {
			if err := e.reward.Mint(c.ctx, e.address, to, bonus); err != nil {
				return err
			}
		}
		c.emit(OnRamped{To: to, Stable: new(big.Int).Set(amount), RewardBonus: bonus})
		return nil
	})
}
