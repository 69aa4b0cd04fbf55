package settlement

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"tipledger/core/types"
	"tipledger/crypto"
)

const (
	EventTypeInitialized      = "settlement.initialized"
	EventTypeAccrualCommitted = "settlement.accrual.committed"
	EventTypeAccountCredited  = "settlement.account.credited"
	EventTypeIntentSubmitted  = "settlement.intent.submitted"
	EventTypeIntentApproved   = "settlement.intent.approved"
	EventTypeIntentCancelled  = "settlement.intent.cancelled"
	EventTypeIntentSettled    = "settlement.intent.settled"
	EventTypeIntentSkipped    = "settlement.intent.skipped"
	EventTypeCreatorConverted = "settlement.creator.converted"
	EventTypeEpochSettled     = "settlement.epoch.settled"
	EventTypeParamChanged     = "settlement.param.changed"
	EventTypeRoleChanged      = "settlement.role.changed"
	EventTypePauseChanged     = "settlement.pause.changed"
	EventTypeOnRamped         = "settlement.onramp"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

type Initialized struct {
	Owner [20]byte
	At    int64
}

func (Initialized) EventType() string { return EventTypeInitialized }

func (e Initialized) Event() *types.Event {
	return &types.Event{
		Type: EventTypeInitialized,
		Attributes: map[string]string{
			"owner": crypto.FormatAddress(e.Owner),
			"at":    strconv.FormatInt(e.At, 10),
		},
	}
}

type AccrualCommitted struct {
	Delta *big.Int
	Index *big.Int
	At    int64
}

func (AccrualCommitted) EventType() string { return EventTypeAccrualCommitted }

func (e AccrualCommitted) Event() *types.Event {
	return &types.Event{
		Type: EventTypeAccrualCommitted,
		Attributes: map[string]string{
			"delta": formatAmount(e.Delta),
			"index": formatAmount(e.Index),
			"at":    strconv.FormatInt(e.At, 10),
		},
	}
}

type AccountCredited struct {
	Account [20]byte
	Gap     *big.Int
	Reward  *big.Int
	Index   *big.Int
}

func (AccountCredited) EventType() string { return EventTypeAccountCredited }

func (e AccountCredited) Event() *types.Event {
	return &types.Event{
		Type: EventTypeAccountCredited,
		Attributes: map[string]string{
			"account": crypto.FormatAddress(e.Account),
			"gap":     formatAmount(e.Gap),
			"reward":  formatAmount(e.Reward),
			"index":   formatAmount(e.Index),
		},
	}
}

type IntentSubmitted struct {
	Intent *Intent
}

func (IntentSubmitted) EventType() string { return EventTypeIntentSubmitted }

func (e IntentSubmitted) Event() *types.Event {
	attrs := map[string]string{}
	if e.Intent != nil {
		attrs["id"] = formatID(e.Intent.ID)
		attrs["kind"] = e.Intent.Kind.String()
		attrs["from"] = crypto.FormatAddress(e.Intent.From)
		attrs["to"] = crypto.FormatAddress(e.Intent.To)
		attrs["token"] = e.Intent.Token
		attrs["amount"] = formatAmount(e.Intent.Amount)
		attrs["delegationHash"] = hex.EncodeToString(e.Intent.DelegationHash[:])
		attrs["createdAt"] = strconv.FormatUint(e.Intent.CreatedAt, 10)
	}
	return &types.Event{Type: EventTypeIntentSubmitted, Attributes: attrs}
}

type IntentApproved struct {
	ID       uint64
	Approved bool
}

func (IntentApproved) EventType() string { return EventTypeIntentApproved }

func (e IntentApproved) Event() *types.Event {
	return &types.Event{
		Type: EventTypeIntentApproved,
		Attributes: map[string]string{
			"id":       formatID(e.ID),
			"approved": strconv.FormatBool(e.Approved),
		},
	}
}

type IntentCancelled struct {
	ID       uint64
	From     [20]byte
	Released *big.Int
}

func (IntentCancelled) EventType() string { return EventTypeIntentCancelled }

func (e IntentCancelled) Event() *types.Event {
	return &types.Event{
		Type: EventTypeIntentCancelled,
		Attributes: map[string]string{
			"id":       formatID(e.ID),
			"from":     crypto.FormatAddress(e.From),
			"released": formatAmount(e.Released),
		},
	}
}

type IntentSettled struct {
	ID     uint64
	Kind   IntentKind
	From   [20]byte
	To     [20]byte
	Token  string
	Amount *big.Int
}

func (IntentSettled) EventType() string { return EventTypeIntentSettled }

func (e IntentSettled) Event() *types.Event {
	return &types.Event{
		Type: EventTypeIntentSettled,
		Attributes: map[string]string{
			"id":     formatID(e.ID),
			"kind":   e.Kind.String(),
			"from":   crypto.FormatAddress(e.From),
			"to":     crypto.FormatAddress(e.To),
			"token":  e.Token,
			"amount": formatAmount(e.Amount),
		},
	}
}

type IntentSkipped struct {
	ID     uint64
	Reason string
}

func (IntentSkipped) EventType() string { return EventTypeIntentSkipped }

func (e IntentSkipped) Event() *types.Event {
	return &types.Event{
		Type: EventTypeIntentSkipped,
		Attributes: map[string]string{
			"id":     formatID(e.ID),
			"reason": e.Reason,
		},
	}
}

type CreatorConverted struct {
	Creator      [20]byte
	RewardBurned *big.Int
	StableMinted *big.Int
	Residual     *big.Int
}

func (CreatorConverted) EventType() string { return EventTypeCreatorConverted }

func (e CreatorConverted) Event() *types.Event {
	return &types.Event{
		Type: EventTypeCreatorConverted,
		Attributes: map[string]string{
			"creator":      crypto.FormatAddress(e.Creator),
			"rewardBurned": formatAmount(e.RewardBurned),
			"stableMinted": formatAmount(e.StableMinted),
			"residual":     formatAmount(e.Residual),
		},
	}
}

type EpochSettled struct {
	At          int64
	Settled     int
	Skipped     int
	Conversions int
}

func (EpochSettled) EventType() string { return EventTypeEpochSettled }

func (e EpochSettled) Event() *types.Event {
	return &types.Event{
		Type: EventTypeEpochSettled,
		Attributes: map[string]string{
			"at":          strconv.FormatInt(e.At, 10),
			"settled":     strconv.Itoa(e.Settled),
			"skipped":     strconv.Itoa(e.Skipped),
			"conversions": strconv.Itoa(e.Conversions),
		},
	}
}

type ParamChanged struct {
	Name string
	Old  string
	New  string
}

func (ParamChanged) EventType() string { return EventTypeParamChanged }

func (e ParamChanged) Event() *types.Event {
	return &types.Event{
		Type: EventTypeParamChanged,
		Attributes: map[string]string{
			"name": e.Name,
			"old":  e.Old,
			"new":  e.New,
		},
	}
}

type RoleChanged struct {
	Role    string
	Account [20]byte
	Enabled bool
}

func (RoleChanged) EventType() string { return EventTypeRoleChanged }

func (e RoleChanged) Event() *types.Event {
	return &types.Event{
		Type: EventTypeRoleChanged,
		Attributes: map[string]string{
			"role":    e.Role,
			"account": crypto.FormatAddress(e.Account),
			"enabled": strconv.FormatBool(e.Enabled),
		},
	}
}

type PauseChanged struct {
	Paused bool
}

func (PauseChanged) EventType() string { return EventTypePauseChanged }

func (e PauseChanged) Event() *types.Event {
	return &types.Event{
		Type:       EventTypePauseChanged,
		Attributes: map[string]string{"paused": strconv.FormatBool(e.Paused)},
	}
}

type OnRamped struct {
	To          [20]byte
	Stable      *big.Int
	RewardBonus *big.Int
}

func (OnRamped) EventType() string { return EventTypeOnRamped }

func (e OnRamped) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOnRamped,
		Attributes: map[string]string{
			"to":          crypto.FormatAddress(e.To),
			"stable":      formatAmount(e.Stable),
			"rewardBonus": formatAmount(e.RewardBonus),
		},
	}
}
