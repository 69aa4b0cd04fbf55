package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"tipledger/config"
	"tipledger/crypto"
	"tipledger/native/delegation"
	"tipledger/native/settlement"
	"tipledger/native/token"
	"tipledger/observability/logging"
)

const defaultDelegationLifetime = 30 * 24 * time.Hour

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected positional arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

func required(flagName, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("--%s is required", flagName)
	}
	return value, nil
}

func parseAddress(raw string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr.Array(), nil
}

func parseAddressList(raw string) ([][20]byte, error) {
	var out [][20]byte
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		addr, err := parseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func parseIDs(raw string) ([]uint64, error) {
	var out []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid intent id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

// keyAccount resolves the account of a keystore without decrypting it.
func keyAccount(path string) ([20]byte, error) {
	path, err := required("key", path)
	if err != nil {
		return [20]byte{}, err
	}
	addr, err := crypto.KeystoreAddress(path)
	if err != nil {
		return [20]byte{}, fmt.Errorf("keystore %s: %w", path, err)
	}
	return addr, nil
}

func formatAddr(addr [20]byte) string { return crypto.FormatAddress(addr) }

func runInit(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("init", stdout)
	actorsPath := fs.String("actors", a.cfg.ActorsFile, "YAML file of genesis actor assignments")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	var actors []config.Actor
	if path := strings.TrimSpace(*actorsPath); path != "" {
		var err error
		if actors, err = config.LoadActors(path); err != nil {
			return err
		}
	}
	created, err := a.cfg.EnsureKeystores(a.configPath, a.pass.Get)
	if err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}
	params, err := a.cfg.Settlement.Params()
	if err != nil {
		return err
	}
	if err := a.engine.Genesis(ctx, a.owner, params, a.operator); err != nil {
		return err
	}
	for _, actor := range actors {
		if err := a.reward.SetActorType(ctx, a.owner, actor.Account, actor.Type); err != nil {
			return fmt.Errorf("seed actor %s: %w", formatAddr(actor.Account), err)
		}
	}
	a.logger.Info("engine initialised",
		slog.String("owner", formatAddr(a.owner)),
		slog.String("operator", formatAddr(a.operator)),
		slog.Int("actors", len(actors)))
	return writeJSON(stdout, map[string]any{
		"owner":     formatAddr(a.owner),
		"operator":  formatAddr(a.operator),
		"engine":    crypto.NewAddress(crypto.ServicePrefix, a.address[:]).String(),
		"keystores": created,
		"actors":    len(actors),
	})
}

func runKeygen(_ context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("keygen", stdout)
	out := fs.String("out", "", "path of the keystore to create")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	path, err := required("out", *out)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("keystore %s already exists", path)
	}
	pass, err := a.pass.Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"address":  key.PubKey().Address().String(),
		"keystore": path,
	})
}

type accountStatus struct {
	Address       string `json:"address"`
	Actor         string `json:"actor"`
	Stable        string `json:"stable"`
	Reward        string `json:"reward"`
	ReservedTK    string `json:"reservedStable"`
	ReservedTKI   string `json:"reservedReward"`
	PendingReward string `json:"pendingReward"`
	ClapCapacity  string `json:"clapCapacity"`
	GiftCapacity  string `json:"giftCapacity"`
}

type engineStatus struct {
	Owner            string          `json:"owner"`
	Operators        []string        `json:"operators"`
	Paused           bool            `json:"paused"`
	Params           map[string]any  `json:"params"`
	GlobalIndex      string          `json:"globalIndex"`
	LastAccrualAt    uint64          `json:"lastAccrualAt"`
	LastSettlementAt int64           `json:"lastSettlementAt"`
	Intents          uint64          `json:"intents"`
	Accounts         []accountStatus `json:"accounts,omitempty"`
}

func runStatus(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("status", stdout)
	accountsRaw := fs.String("accounts", "", "comma-separated addresses to report on")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	accounts, err := parseAddressList(*accountsRaw)
	if err != nil {
		return err
	}

	roles, err := a.engine.Roles(ctx)
	if err != nil {
		return err
	}
	params, err := a.engine.Params(ctx)
	if err != nil {
		return err
	}
	paused, err := a.engine.Paused(ctx)
	if err != nil {
		return err
	}
	accrual, err := a.engine.GlobalAccrual(ctx)
	if err != nil {
		return err
	}
	lastSettlement, err := a.engine.LastSettlementAt(ctx)
	if err != nil {
		return err
	}
	count, err := a.engine.IntentCount(ctx)
	if err != nil {
		return err
	}
	status := engineStatus{
		Owner:            formatAddr(roles.Owner),
		Operators:        make([]string, 0, len(roles.Operators)),
		Paused:           paused,
		GlobalIndex:      accrual.Index.String(),
		LastAccrualAt:    accrual.LastAccrualAt,
		LastSettlementAt: lastSettlement,
		Intents:          count,
		Params: map[string]any{
			settlement.ParamRebateMonthlyBps:      params.RebateMonthlyBps,
			settlement.ParamMaxRebateMonthlyBps:   params.MaxRebateMonthlyBps,
			settlement.ParamSecondsPerMonth:       params.SecondsPerMonth,
			settlement.ParamAccrualInterval:       params.AccrualInterval,
			settlement.ParamSettlementPeriod:      params.SettlementPeriod,
			settlement.ParamTkiPerTkRatio:         params.TkiPerTkRatio.String(),
			settlement.ParamOnRampRewardPerStable: params.OnRampRewardPerStable.String(),
			settlement.ParamConversionMode:        params.ConversionMode.String(),
			settlement.ParamQuotaMaxRequests:      params.Quota.MaxRequestsPerWindow,
			settlement.ParamQuotaMaxValue:         params.Quota.MaxValuePerWindow,
			settlement.ParamQuotaWindowSeconds:    params.Quota.WindowSeconds,
		},
	}
	for _, op := range roles.Operators {
		status.Operators = append(status.Operators, formatAddr(op))
	}
	for _, account := range accounts {
		row, err := a.accountStatus(ctx, account)
		if err != nil {
			return err
		}
		status.Accounts = append(status.Accounts, row)
	}
	return writeJSON(stdout, status)
}

func (a *app) accountStatus(ctx context.Context, account [20]byte) (accountStatus, error) {
	var row accountStatus
	actor, err := a.reward.ActorType(ctx, account)
	if err != nil {
		return row, err
	}
	stable, err := a.stable.BalanceOf(ctx, account)
	if err != nil {
		return row, err
	}
	reward, err := a.reward.BalanceOf(ctx, account)
	if err != nil {
		return row, err
	}
	reservedStable, err := a.engine.Reserved(ctx, account, a.stable.Symbol())
	if err != nil {
		return row, err
	}
	reservedReward, err := a.engine.Reserved(ctx, account, a.reward.Symbol())
	if err != nil {
		return row, err
	}
	pending, err := a.engine.PendingReward(ctx, account)
	if err != nil {
		return row, err
	}
	clapCap, err := a.engine.FreeCapacity(ctx, settlement.IntentClap, account)
	if err != nil {
		return row, err
	}
	giftCap, err := a.engine.FreeCapacity(ctx, settlement.IntentGift, account)
	if err != nil {
		return row, err
	}
	return accountStatus{
		Address:       formatAddr(account),
		Actor:         actor.String(),
		Stable:        stable.String(),
		Reward:        reward.String(),
		ReservedTK:    reservedStable.String(),
		ReservedTKI:   reservedReward.String(),
		PendingReward: pending.String(),
		ClapCapacity:  clapCap.String(),
		GiftCapacity:  giftCap.String(),
	}, nil
}

func runOnRamp(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("onramp", stdout)
	as := fs.String("as", "operator", "caller role: owner or operator")
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "stable amount to mint")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	caller, err := a.identity(*as)
	if err != nil {
		return err
	}
	recipient, err := parseAddress(*to)
	if err != nil {
		return err
	}
	value, err := parseAmount(*amount)
	if err != nil {
		return err
	}
	if err := a.engine.OnRamp(ctx, caller, recipient, value); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{"to": formatAddr(recipient), "amount": value.String()})
}

func runTransfer(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("transfer", stdout)
	key := fs.String("key", "", "sender keystore")
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "amount to transfer")
	symbol := fs.String("token", "", "token symbol (defaults to the stable token)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	from, err := keyAccount(*key)
	if err != nil {
		return err
	}
	recipient, err := parseAddress(*to)
	if err != nil {
		return err
	}
	value, err := parseAmount(*amount)
	if err != nil {
		return err
	}
	ledger, err := a.ledger(*symbol)
	if err != nil {
		return err
	}
	if err := ledger.Transfer(ctx, from, recipient, value); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"from":   formatAddr(from),
		"to":     formatAddr(recipient),
		"token":  ledger.Symbol(),
		"amount": value.String(),
	})
}

func runDelegate(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("delegate", stdout)
	keyPath := fs.String("key", "", "delegator keystore")
	symbol := fs.String("token", "", "token the delegation covers")
	maxAmount := fs.String("max", "", "maximum amount the engine may move")
	expiry := fs.Int64("expiry", 0, "unix expiry (defaults to 30 days from now)")
	salt := fs.Uint64("salt", 0, "salt distinguishing otherwise identical delegations")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	path, err := required("key", *keyPath)
	if err != nil {
		return err
	}
	ledger, err := a.ledger(*symbol)
	if err != nil {
		return err
	}
	limit, err := parseAmount(*maxAmount)
	if err != nil {
		return err
	}
	now := a.now()
	if *expiry == 0 {
		*expiry = now + int64(defaultDelegationLifetime/time.Second)
	}
	if *expiry <= now {
		return fmt.Errorf("expiry %d is not in the future", *expiry)
	}
	if *salt == 0 {
		*salt = uint64(time.Now().UnixNano())
	}

	pass, err := a.pass.Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", path, err)
	}
	d := &delegation.Delegation{
		Delegator: key.PubKey().Address().Array(),
		Delegate:  a.address,
		Token:     ledger.Symbol(),
		Selector:  delegation.OperatorTransferSelector,
		MaxAmount: limit,
		Expiry:    uint64(*expiry),
		Salt:      *salt,
	}
	if err := d.Sign(key); err != nil {
		return err
	}
	payload, err := delegation.Encode(d)
	if err != nil {
		return err
	}
	hash, err := a.registry.Store(ctx, d.Delegator, payload)
	if err != nil {
		return err
	}
	a.logger.Info("delegation stored",
		slog.String("account", formatAddr(d.Delegator)),
		slog.String("token", d.Token),
		logging.Fingerprint("payload", payload))
	return writeJSON(stdout, map[string]any{
		"hash":       "0x" + hex.EncodeToString(hash[:]),
		"delegation": hex.EncodeToString(payload),
		"expiry":     d.Expiry,
	})
}

func runRevoke(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("revoke", stdout)
	key := fs.String("key", "", "delegator keystore")
	hashRaw := fs.String("hash", "", "delegation hash")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	caller, err := keyAccount(*key)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*hashRaw), "0x"))
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("invalid delegation hash %q", *hashRaw)
	}
	var hash [32]byte
	copy(hash[:], raw)
	if err := a.registry.RevokeDelegation(ctx, caller, hash); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{"revoked": "0x" + hex.EncodeToString(hash[:])})
}

func runClap(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	return submitIntent(ctx, a, "clap", args, stdout, a.engine.SubmitClap)
}

func runGift(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	return submitIntent(ctx, a, "gift", args, stdout, a.engine.SubmitGift)
}

type submitFunc func(ctx context.Context, caller, creator [20]byte, amount *big.Int, payload []byte) (uint64, error)

func submitIntent(ctx context.Context, a *app, name string, args []string, stdout io.Writer, submit submitFunc) error {
	fs := newFlagSet(name, stdout)
	key := fs.String("key", "", "sender keystore")
	creatorRaw := fs.String("creator", "", "creator address")
	amount := fs.String("amount", "", "amount to pledge")
	delegationHex := fs.String("delegation", "", "hex delegation payload from the delegate command")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	caller, err := keyAccount(*key)
	if err != nil {
		return err
	}
	creator, err := parseAddress(*creatorRaw)
	if err != nil {
		return err
	}
	value, err := parseAmount(*amount)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*delegationHex), "0x"))
	if err != nil {
		return fmt.Errorf("invalid delegation payload: %w", err)
	}
	id, err := submit(ctx, caller, creator, value, payload)
	if err != nil {
		return err
	}
	a.logger.Info("intent submitted",
		slog.String("operation", name),
		slog.Uint64("id", id),
		logging.MaskField("delegation", hex.EncodeToString(payload)))
	return writeJSON(stdout, map[string]any{"id": id, "kind": name, "amount": value.String()})
}

func runCancel(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("cancel", stdout)
	key := fs.String("key", "", "intent owner keystore")
	id := fs.Uint64("id", 0, "intent id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	caller, err := keyAccount(*key)
	if err != nil {
		return err
	}
	if err := a.engine.CancelIntent(ctx, caller, *id); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{"cancelled": *id})
}

func runAccrue(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("accrue", stdout)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.engine.CommitAccrual(ctx); err != nil {
		return err
	}
	accrual, err := a.engine.GlobalAccrual(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{"globalIndex": accrual.Index.String(), "lastAccrualAt": accrual.LastAccrualAt})
}

func runCredit(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("credit", stdout)
	accountsRaw := fs.String("accounts", "", "comma-separated addresses to credit")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	accounts, err := parseAddressList(*accountsRaw)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return errors.New("--accounts is required")
	}
	if err := a.engine.CreditAccounts(ctx, accounts...); err != nil {
		return err
	}
	balances := make(map[string]string, len(accounts))
	for _, account := range accounts {
		bal, err := a.reward.BalanceOf(ctx, account)
		if err != nil {
			return err
		}
		balances[formatAddr(account)] = bal.String()
	}
	return writeJSON(stdout, map[string]any{"rewardBalances": balances})
}

func runApprove(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("approve", stdout)
	as := fs.String("as", "operator", "caller role: owner or operator")
	idsRaw := fs.String("ids", "", "comma-separated intent ids")
	reject := fs.Bool("reject", false, "clear approval instead of granting it")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	caller, err := a.identity(*as)
	if err != nil {
		return err
	}
	ids, err := parseIDs(*idsRaw)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("--ids is required")
	}
	flags := make([]bool, len(ids))
	for i := range flags {
		flags[i] = !*reject
	}
	if err := a.engine.ApproveIntents(ctx, caller, ids, flags); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{"ids": ids, "approved": !*reject})
}

type conversionReport struct {
	Creator      string `json:"creator"`
	RewardBurned string `json:"rewardBurned"`
	StableMinted string `json:"stableMinted"`
}

type skipReport struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

func runSettle(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("settle", stdout)
	as := fs.String("as", "operator", "caller role: owner or operator")
	idsRaw := fs.String("ids", "", "comma-separated intent ids")
	creatorsRaw := fs.String("creators", "", "comma-separated creator addresses to credit and convert")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	caller, err := a.identity(*as)
	if err != nil {
		return err
	}
	ids, err := parseIDs(*idsRaw)
	if err != nil {
		return err
	}
	creators, err := parseAddressList(*creatorsRaw)
	if err != nil {
		return err
	}
	report, err := a.engine.SettleEpoch(ctx, caller, ids, creators)
	if err != nil {
		return err
	}
	out := struct {
		SettledAt   int64              `json:"settledAt"`
		Settled     []uint64           `json:"settled"`
		Skipped     []skipReport       `json:"skipped"`
		Conversions []conversionReport `json:"conversions"`
	}{SettledAt: report.SettledAt, Settled: report.Settled}
	for _, s := range report.Skipped {
		out.Skipped = append(out.Skipped, skipReport{ID: s.ID, Reason: s.Reason})
	}
	for _, c := range report.Conversions {
		out.Conversions = append(out.Conversions, conversionReport{
			Creator:      formatAddr(c.Creator),
			RewardBurned: c.RewardBurned.String(),
			StableMinted: c.StableMinted.String(),
		})
	}
	return writeJSON(stdout, out)
}

func runSetParam(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("set-param", stdout)
	name := fs.String("name", "", "parameter name: "+strings.Join(settlement.ParamNames(), ", "))
	value := fs.String("value", "", "new value")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	param, err := required("name", *name)
	if err != nil {
		return err
	}
	if err := a.engine.SetParam(ctx, a.owner, param, *value); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{"name": param, "value": strings.TrimSpace(*value)})
}

func runPause(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("pause", stdout)
	resume := fs.Bool("off", false, "resume instead of pausing")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.engine.SetPaused(ctx, a.owner, !*resume); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]bool{"paused": !*resume})
}

func runSetActor(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("set-actor", stdout)
	accountRaw := fs.String("account", "", "account address")
	actorRaw := fs.String("type", "", "actor type: user or creator")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	account, err := parseAddress(*accountRaw)
	if err != nil {
		return err
	}
	actor, err := token.ParseActorType(*actorRaw)
	if err != nil {
		return err
	}
	if err := a.reward.SetActorType(ctx, a.owner, account, actor); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{"account": formatAddr(account), "type": actor.String()})
}

func runExport(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("export", stdout)
	out := fs.String("out", "", "write the snapshot to this file instead of stdout")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	snap, err := a.engine.Snapshot(ctx)
	if err != nil {
		return err
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		return writeJSON(stdout, snap)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeJSON(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
