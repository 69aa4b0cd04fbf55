package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"tipledger/crypto"
	"tipledger/native/common"
)

// Snapshot is a JSON-serialisable export of the engine's state.
type Snapshot struct {
	Params           SnapshotParams        `json:"params"`
	Owner            string                `json:"owner"`
	Operators        []string              `json:"operators,omitempty"`
	Paused           bool                  `json:"paused"`
	LastSettlementAt uint64                `json:"lastSettlementAt"`
	GlobalIndex      string                `json:"globalIndex"`
	LastAccrualAt    uint64                `json:"lastAccrualAt"`
	Accounts         []SnapshotAccount     `json:"accounts"`
	Reservations     []SnapshotReservation `json:"reservations"`
	Intents          []SnapshotIntent      `json:"intents"`
	Quotas           []SnapshotQuota       `json:"quotas,omitempty"`
}

type SnapshotParams struct {
	RebateMonthlyBps      uint64 `json:"rebateMonthlyBps"`
	MaxRebateMonthlyBps   uint64 `json:"maxRebateMonthlyBps"`
	SecondsPerMonth       uint64 `json:"secondsPerMonth"`
	AccrualInterval       uint64 `json:"accrualInterval"`
	SettlementPeriod      uint64 `json:"settlementPeriod"`
	TkiPerTkRatio         string `json:"tkiPerTkRatio"`
	OnRampRewardPerStable string `json:"onRampRewardPerStable"`
	ConversionMode        string `json:"conversionMode"`
	QuotaMaxRequests      uint32 `json:"quotaMaxRequests,omitempty"`
	QuotaMaxValue         uint64 `json:"quotaMaxValue,omitempty"`
	QuotaWindowSeconds    uint32 `json:"quotaWindowSeconds,omitempty"`
}

type SnapshotAccount struct {
	Address string `json:"address"`
	Index   string `json:"index"`
}

type SnapshotReservation struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

// SnapshotQuota is an account's usage in its current submission window.
type SnapshotQuota struct {
	Address   string `json:"address"`
	Requests  uint32 `json:"requests"`
	ValueUsed uint64 `json:"valueUsed"`
	WindowID  uint64 `json:"windowId"`
}

type SnapshotIntent struct {
	ID             uint64 `json:"id"`
	Kind           string `json:"kind"`
	From           string `json:"from"`
	To             string `json:"to"`
	Token          string `json:"token"`
	Amount         string `json:"amount"`
	DelegationHash string `json:"delegationHash"`
	Delegation     string `json:"delegation"`
	CreatedAt      uint64 `json:"createdAt"`
	Approved       bool   `json:"approved"`
	Settled        bool   `json:"settled"`
}

// Snapshot exports params, roles, accrual, account indexes, reservations,
// quota usage and the full intent sequence.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	var out *Snapshot
	err := e.view(ctx, func(*call) error {
		snap, err := e.snapshot()
		out = snap
		return err
	})
	return out, err
}

func (e *Engine) snapshot() (*Snapshot, error) {
	params, err := e.loadParams()
	if err != nil {
		return nil, err
	}
	roles, err := e.loadRoles()
	if err != nil {
		return nil, err
	}
	status, err := e.loadStatus()
	if err != nil {
		return nil, err
	}
	acc, err := e.loadAccrual()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Params: SnapshotParams{
			RebateMonthlyBps:      params.RebateMonthlyBps,
			MaxRebateMonthlyBps:   params.MaxRebateMonthlyBps,
			SecondsPerMonth:       params.SecondsPerMonth,
			AccrualInterval:       params.AccrualInterval,
			SettlementPeriod:      params.SettlementPeriod,
			TkiPerTkRatio:         formatAmount(params.TkiPerTkRatio),
			OnRampRewardPerStable: formatAmount(params.OnRampRewardPerStable),
			ConversionMode:        params.ConversionMode.String(),
			QuotaMaxRequests:      params.Quota.MaxRequestsPerWindow,
			QuotaMaxValue:         params.Quota.MaxValuePerWindow,
			QuotaWindowSeconds:    params.Quota.WindowSeconds,
		},
		Owner:            crypto.FormatAddress(roles.Owner),
		Paused:           status.Paused,
		LastSettlementAt: status.LastSettlementAt,
		GlobalIndex:      formatAmount(acc.Index),
		LastAccrualAt:    acc.LastAccrualAt,
	}
	for _, op := range roles.Operators {
		snap.Operators = append(snap.Operators, crypto.FormatAddress(op))
	}

	accounts, err := e.state.SettlementAccounts()
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		index, ok, err := e.state.SettlementAccountIndexGet(account)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		snap.Accounts = append(snap.Accounts, SnapshotAccount{Address: crypto.FormatAddress(account), Index: formatAmount(index)})
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].Address < snap.Accounts[j].Address })

	keys, err := e.state.SettlementReservations()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		amount, err := e.reserved(key.Account, key.Token)
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			continue
		}
		snap.Reservations = append(snap.Reservations, SnapshotReservation{
			Address: crypto.FormatAddress(key.Account),
			Token:   key.Token,
			Amount:  amount.String(),
		})
	}
	sort.Slice(snap.Reservations, func(i, j int) bool {
		a, b := snap.Reservations[i], snap.Reservations[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.Token < b.Token
	})

	count, err := e.state.SettlementIntentCount()
	if err != nil {
		return nil, err
	}
	for id := uint64(0); id < count; id++ {
		intent, err := e.loadIntent(id)
		if err != nil {
			return nil, err
		}
		snap.Intents = append(snap.Intents, SnapshotIntent{
			ID:             intent.ID,
			Kind:           intent.Kind.String(),
			From:           crypto.FormatAddress(intent.From),
			To:             crypto.FormatAddress(intent.To),
			Token:          intent.Token,
			Amount:         formatAmount(intent.Amount),
			DelegationHash: hex.EncodeToString(intent.DelegationHash[:]),
			Delegation:     hex.EncodeToString(intent.Delegation),
			CreatedAt:      intent.CreatedAt,
			Approved:       intent.Approved,
			Settled:        intent.Settled,
		})
		accounts = append(accounts, intent.From)
	}

	seen := make(map[[20]byte]struct{}, len(accounts))
	for _, account := range accounts {
		if _, dup := seen[account]; dup {
			continue
		}
		seen[account] = struct{}{}
		usage, ok, err := e.state.SettlementQuotaGet(account)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		snap.Quotas = append(snap.Quotas, SnapshotQuota{
			Address:   crypto.FormatAddress(account),
			Requests:  usage.ReqCount,
			ValueUsed: usage.ValueUsed,
			WindowID:  usage.WindowID,
		})
	}
	sort.Slice(snap.Quotas, func(i, j int) bool { return snap.Quotas[i].Address < snap.Quotas[j].Address })
	return snap, nil
}

// Restore loads a snapshot into an uninitialised store.
func (e *Engine) Restore(ctx context.Context, snap *Snapshot) error {
	return e.mutate(ctx, "restore", func(c *call) error {
		if snap == nil {
			return fmt.Errorf("%w: nil snapshot", ErrInvalidParameter)
		}
		if _, ok, err := e.state.SettlementParamsGet(); err != nil {
			return err
		} else if ok {
			return ErrAlreadyInitialized
		}
		params, err := snap.Params.decode()
		if err != nil {
			return err
		}
		if err := params.Validate(); err != nil {
			return err
		}
		owner, err := parseAddress(snap.Owner)
		if err != nil {
			return err
		}
		roles := &Roles{Owner: owner}
		for _, raw := range snap.Operators {
			op, err := parseAddress(raw)
			if err != nil {
				return err
			}
			roles.Operators = append(roles.Operators, op)
		}
		index, err := parseAmount(snap.GlobalIndex)
		if err != nil {
			return err
		}
		if err := e.state.SettlementParamsPut(&params); err != nil {
			return err
		}
		if err := e.state.SettlementRolesPut(roles); err != nil {
			return err
		}
		if err := e.state.SettlementStatusPut(&Status{LastSettlementAt: snap.LastSettlementAt, Paused: snap.Paused}); err != nil {
			return err
		}
		if err := e.state.SettlementAccrualPut(&GlobalAccrual{Index: index, LastAccrualAt: snap.LastAccrualAt}); err != nil {
			return err
		}
		for _, account := range snap.Accounts {
			addr, err := parseAddress(account.Address)
			if err != nil {
				return err
			}
			userIndex, err := parseAmount(account.Index)
			if err != nil {
				return err
			}
			if userIndex.Cmp(index) > 0 {
				return fmt.Errorf("%w: account index above global index", ErrInvalidParameter)
			}
			if err := e.state.SettlementAccountIndexPut(addr, userIndex); err != nil {
				return err
			}
		}
		for _, res := range snap.Reservations {
			addr, err := parseAddress(res.Address)
			if err != nil {
				return err
			}
			amount, err := parseAmount(res.Amount)
			if err != nil {
				return err
			}
			if err := e.state.SettlementReservedPut(addr, res.Token, amount); err != nil {
				return err
			}
		}
		for i, raw := range snap.Intents {
			intent, err := raw.decode()
			if err != nil {
				return err
			}
			if intent.ID != uint64(i) {
				return fmt.Errorf("%w: intent %d out of sequence", ErrInvalidParameter, intent.ID)
			}
			if err := e.state.SettlementIntentPut(intent); err != nil {
				return err
			}
		}
		for _, quota := range snap.Quotas {
			addr, err := parseAddress(quota.Address)
			if err != nil {
				return err
			}
			usage := &common.QuotaNow{ReqCount: quota.Requests, ValueUsed: quota.ValueUsed, WindowID: quota.WindowID}
			if err := e.state.SettlementQuotaPut(addr, usage); err != nil {
				return err
			}
		}
		c.emit(Initialized{Owner: owner, At: c.now})
		return nil
	})
}

func (p SnapshotParams) decode() (Params, error) {
	ratio, err := parseAmount(p.TkiPerTkRatio)
	if err != nil {
		return Params{}, err
	}
	onRamp, err := parseAmount(p.OnRampRewardPerStable)
	if err != nil {
		return Params{}, err
	}
	mode, err := ParseConversionMode(p.ConversionMode)
	if err != nil {
		return Params{}, err
	}
	return Params{
		RebateMonthlyBps:      p.RebateMonthlyBps,
		MaxRebateMonthlyBps:   p.MaxRebateMonthlyBps,
		SecondsPerMonth:       p.SecondsPerMonth,
		AccrualInterval:       p.AccrualInterval,
		SettlementPeriod:      p.SettlementPeriod,
		TkiPerTkRatio:         ratio,
		OnRampRewardPerStable: onRamp,
		ConversionMode:        mode,
		Quota: common.Quota{
			MaxRequestsPerWindow: p.QuotaMaxRequests,
			MaxValuePerWindow:    p.QuotaMaxValue,
			WindowSeconds:        p.QuotaWindowSeconds,
		},
	}, nil
}

func (s SnapshotIntent) decode() (*Intent, error) {
	from, err := parseAddress(s.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(s.To)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(s.Amount)
	if err != nil {
		return nil, err
	}
	var kind IntentKind
	switch s.Kind {
	case IntentClap.String():
		kind = IntentClap
	case IntentGift.String():
		kind = IntentGift
	default:
		return nil, fmt.Errorf("%w: intent kind %q", ErrInvalidParameter, s.Kind)
	}
	hashBytes, err := hex.DecodeString(s.DelegationHash)
	if err != nil || len(hashBytes) != 32 {
		return nil, fmt.Errorf("%w: delegation hash", ErrInvalidParameter)
	}
	payload, err := hex.DecodeString(s.Delegation)
	if err != nil {
		return nil, fmt.Errorf("%w: delegation payload", ErrInvalidParameter)
	}
	intent := &Intent{
		ID:         s.ID,
		From:       from,
		To:         to,
		Token:      s.Token,
		Amount:     amount,
		Kind:       kind,
		Delegation: payload,
		CreatedAt:  s.CreatedAt,
		Approved:   s.Approved,
		Settled:    s.Settled,
	}
	copy(intent.DelegationHash[:], hashBytes)
	return intent, nil
}

func parseAddress(raw string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: address %q: %v", ErrInvalidParameter, raw, err)
	}
	return addr.Array(), nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidParameter, raw)
	}
	return v, nil
}
