package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"tipledger/native/common"
)

// IntentKind distinguishes reward pledges from stable gifts.
type IntentKind uint8

const (
	// IntentClap pledges reward token (TKI) to a creator.
	IntentClap IntentKind = iota
	// IntentGift spends stable token (TK) on a creator.
	IntentGift
)

func (k IntentKind) String() string {
	switch k {
	case IntentClap:
		return "clap"
	case IntentGift:
		return "gift"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ConversionMode selects how much of a creator's reward balance is converted
// during settlement.
type ConversionMode uint8

const (
	// ConvertEntireBalance converts every whole multiple of the ratio held by
	// the creator. The remainder stays on the reward ledger.
	ConvertEntireBalance ConversionMode = iota
	// ConvertSettledOnly converts only reward received through intents settled
	// in the same epoch.
	ConvertSettledOnly
)

func (m ConversionMode) String() string {
	switch m {
	case ConvertEntireBalance:
		return "entire-balance"
	case ConvertSettledOnly:
		return "settled-only"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether the mode is known.
func (m ConversionMode) Valid() bool { return m <= ConvertSettledOnly }

// ParseConversionMode maps the textual form back onto a ConversionMode.
func ParseConversionMode(raw string) (ConversionMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "entire-balance", "entire":
		return ConvertEntireBalance, nil
	case "settled-only", "settled":
		return ConvertSettledOnly, nil
	default:
		return 0, fmt.Errorf("%w: conversion mode %q", ErrInvalidParameter, raw)
	}
}

// Params is the owner-mutable parameter set.
type Params struct {
	RebateMonthlyBps      uint64
	MaxRebateMonthlyBps   uint64
	SecondsPerMonth       uint64
	AccrualInterval       uint64
	SettlementPeriod      uint64
	TkiPerTkRatio         *big.Int
	OnRampRewardPerStable *big.Int
	ConversionMode        ConversionMode
	Quota                 common.Quota
}

// DefaultParams returns a 2% monthly rebate at a 100:1 conversion ratio with
// hourly accrual and weekly settlement.
func DefaultParams() Params {
	return Params{
		RebateMonthlyBps:      200,
		MaxRebateMonthlyBps:   1_000,
		SecondsPerMonth:       2_592_000,
		AccrualInterval:       3_600,
		SettlementPeriod:      604_800,
		TkiPerTkRatio:         big.NewInt(100),
		OnRampRewardPerStable: big.NewInt(0),
		ConversionMode:        ConvertEntireBalance,
	}
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	out := p
	out.TkiPerTkRatio = copyBig(p.TkiPerTkRatio)
	out.OnRampRewardPerStable = copyBig(p.OnRampRewardPerStable)
	return out
}

// Validate checks every bound enforced by the individual setters.
func (p Params) Validate() error {
	if p.MaxRebateMonthlyBps > maxBps {
		return fmt.Errorf("%w: max rebate %d exceeds %d bps", ErrInvalidParameter, p.MaxRebateMonthlyBps, maxBps)
	}
	if p.RebateMonthlyBps > p.MaxRebateMonthlyBps {
		return fmt.Errorf("%w: rebate %d exceeds max %d bps", ErrInvalidParameter, p.RebateMonthlyBps, p.MaxRebateMonthlyBps)
	}
	if p.SecondsPerMonth == 0 {
		return fmt.Errorf("%w: seconds per month must be positive", ErrInvalidParameter)
	}
	if p.AccrualInterval == 0 {
		return fmt.Errorf("%w: accrual interval must be positive", ErrInvalidParameter)
	}
	if p.SettlementPeriod == 0 {
		return fmt.Errorf("%w: settlement period must be positive", ErrInvalidParameter)
	}
	if p.TkiPerTkRatio == nil || p.TkiPerTkRatio.Sign() <= 0 {
		return fmt.Errorf("%w: conversion ratio must be positive", ErrInvalidParameter)
	}
	if p.OnRampRewardPerStable != nil && p.OnRampRewardPerStable.Sign() < 0 {
		return fmt.Errorf("%w: on-ramp reward must not be negative", ErrInvalidParameter)
	}
	if !p.ConversionMode.Valid() {
		return fmt.Errorf("%w: conversion mode %d", ErrInvalidParameter, p.ConversionMode)
	}
	return nil
}

// Roles records who may govern and operate the engine.
type Roles struct {
	Owner     [20]byte
	Operators [][20]byte
}

// IsOperator reports whether addr holds the operator role.
func (r *Roles) IsOperator(addr [20]byte) bool {
	if r == nil {
		return false
	}
	for _, op := range r.Operators {
		if op == addr {
			return true
		}
	}
	return false
}

// Privileged reports whether addr may approve, settle and on-ramp.
func (r *Roles) Privileged(addr [20]byte) bool {
	if r == nil {
		return false
	}
	return addr == r.Owner || r.IsOperator(addr)
}

// Status holds engine-wide bookkeeping outside the parameter set.
type Status struct {
	LastSettlementAt uint64
	Paused           bool
}

// GlobalAccrual is the committed global index and when it was last advanced.
type GlobalAccrual struct {
	Index         *big.Int
	LastAccrualAt uint64
}

// Intent is a pending or completed transfer request.
type Intent struct {
	ID             uint64
	From           [20]byte
	To             [20]byte
	Token          string
	Amount         *big.Int
	Kind           IntentKind
	DelegationHash [32]byte
	Delegation     []byte
	CreatedAt      uint64
	Approved       bool
	Settled        bool
}

// Clone returns a deep copy of the intent.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	out := *i
	out.Amount = copyBig(i.Amount)
	out.Delegation = append([]byte(nil), i.Delegation...)
	return &out
}

// Cancelled reports whether the intent was withdrawn by its sender.
func (i *Intent) Cancelled() bool {
	return i != nil && !i.Settled && (i.Amount == nil || i.Amount.Sign() == 0)
}

// ReservationKey addresses a reservation ledger entry.
type ReservationKey struct {
	Account [20]byte
	Token   string
}

// Skip reasons reported in EpochReport and intent.skipped events.
const (
	SkipUnknown             = "unknown"
	SkipSettled             = "settled"
	SkipNotApproved         = "not_approved"
	SkipCancelled           = "cancelled"
	SkipInvalidDelegation   = "invalid_delegation"
	SkipRedeemFailed        = "redeem_failed"
	SkipInsufficientBalance = "insufficient_balance"
)

// SkippedIntent records why an intent was passed over during settlement.
type SkippedIntent struct {
	ID     uint64
	Reason string
}

// Conversion records a creator's reward-to-stable conversion.
type Conversion struct {
	Creator      [20]byte
	RewardBurned *big.Int
	StableMinted *big.Int
}

// EpochReport summarises one SettleEpoch call.
type EpochReport struct {
	SettledAt   int64
	Settled     []uint64
	Skipped     []SkippedIntent
	Conversions []Conversion
}

// CreatorPayout previews what settlement would pay a creator right now.
type CreatorPayout struct {
	RewardBalance *big.Int
	RewardBurned  *big.Int
	StableOut     *big.Int
	Residual      *big.Int
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
