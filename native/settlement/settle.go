package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tipledger/crypto"
	"tipledger/native/delegation"
)

// SettleEpoch executes approved intents and converts creator reward into
// stable token. It fails with ErrEpochNotReady before the settlement period
// has passed. Intents that cannot be executed are skipped and reported; any
// other error aborts the whole batch.
func (e *Engine) SettleEpoch(ctx context.Context, caller [20]byte, intentIDs []uint64, creators [][20]byte) (*EpochReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := e.tracer.Start(ctx, "settlement.SettleEpoch", trace.WithAttributes(
		attribute.Int("intents", len(intentIDs)),
		attribute.Int("creators", len(creators)),
	))
	defer span.End()

	started := time.Now()
	var report *EpochReport
	err := e.mutate(ctx, "settle_epoch", func(c *call) error {
		r, err := e.settle(c, caller, intentIDs, creators)
		report = r
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("settled", len(report.Settled)),
		attribute.Int("skipped", len(report.Skipped)),
		attribute.Int("conversions", len(report.Conversions)),
	)
	e.metrics.ObserveEpoch(time.Since(started))
	for _, skip := range report.Skipped {
		e.metrics.ObserveIntentSkipped(skip.Reason)
	}
	for _, conv := range report.Conversions {
		e.metrics.ObserveConversion(bigToFloat(conv.StableMinted))
	}
	e.logger.Info("epoch settled",
		slog.Int64("at", report.SettledAt),
		slog.Int("settled", len(report.Settled)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("conversions", len(report.Conversions)))
	return report, nil
}

func (e *Engine) settle(c *call, caller [20]byte, intentIDs []uint64, creators [][20]byte) (*EpochReport, error) {
	if err := e.requirePrivileged(caller); err != nil {
		return nil, err
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	params, err := e.loadParams()
	if err != nil {
		return nil, err
	}
	status, err := e.loadStatus()
	if err != nil {
		return nil, err
	}
	if uint64(c.now) < status.LastSettlementAt+params.SettlementPeriod {
		return nil, fmt.Errorf("%w: next epoch at %d", ErrEpochNotReady, status.LastSettlementAt+params.SettlementPeriod)
	}

	unique := dedupeAccounts(creators)
	for _, creator := range unique {
		if err := e.requireCreator(c.ctx, creator); err != nil {
			return nil, err
		}
	}
	if err := e.accrueIfDue(c); err != nil {
		return nil, err
	}
	if err := e.creditAccounts(c, unique); err != nil {
		return nil, err
	}

	report := &EpochReport{SettledAt: c.now}
	received := make(map[[20]byte]*big.Int)
	for _, id := range intentIDs {
		reason, err := e.settleIntent(c, id, received)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", id, err)
		}
		if reason != "" {
			report.Skipped = append(report.Skipped, SkippedIntent{ID: id, Reason: reason})
			c.emit(IntentSkipped{ID: id, Reason: reason})
			e.logger.Debug("intent skipped", slog.Uint64("id", id), slog.String("reason", reason))
			continue
		}
		report.Settled = append(report.Settled, id)
	}

	for _, creator := range unique {
		conv, err := e.convert(c, creator, params, received[creator])
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", crypto.FormatAddress(creator), err)
		}
		if conv != nil {
			report.Conversions = append(report.Conversions, *conv)
		}
	}

	status.LastSettlementAt = uint64(c.now)
	if err := e.state.SettlementStatusPut(status); err != nil {
		return nil, err
	}
	c.emit(EpochSettled{
		At:          c.now,
		Settled:     len(report.Settled),
		Skipped:     len(report.Skipped),
		Conversions: len(report.Conversions),
	})
	return report, nil
}

// settleIntent executes one intent. A non-empty reason means the intent was
// skipped and nothing was written for it.
func (e *Engine) settleIntent(c *call, id uint64, received map[[20]byte]*big.Int) (string, error) {
	intent, err := e.loadIntent(id)
	if errors.Is(err, ErrUnknownIntent) {
		return SkipUnknown, nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case intent.Settled:
		return SkipSettled, nil
	case intent.Cancelled():
		return SkipCancelled, nil
	case !intent.Approved:
		return SkipNotApproved, nil
	}
	ledger, err := e.ledgerFor(intent.Kind)
	if err != nil {
		return "", err
	}
	valid, err := e.validator.IsDelegationValid(c.ctx, intent.From, intent.Token, delegation.OperatorTransferSelector, intent.Amount, intent.Delegation)
	if err != nil {
		return "", err
	}
	if !valid {
		return SkipInvalidDelegation, nil
	}
	if err := e.creditAccounts(c, [][20]byte{intent.From, intent.To}); err != nil {
		return "", err
	}
	balance, err := ledger.BalanceOf(c.ctx, intent.From)
	if err != nil {
		return "", err
	}
	if balance.Cmp(intent.Amount) < 0 {
		return SkipInsufficientBalance, nil
	}
	if redeemer, ok := e.validator.(delegation.Redeemer); ok {
		if err := redeemer.RedeemDelegation(c.ctx, intent.Delegation); err != nil {
			if delegation.IsInvalid(err) {
				return SkipRedeemFailed, nil
			}
			return "", err
		}
	}
	if err := ledger.OperatorTransfer(c.ctx, e.address, intent.From, intent.To, intent.Amount); err != nil {
		return "", err
	}
	if err := e.release(intent); err != nil {
		return "", err
	}
	intent.Settled = true
	if err := e.state.SettlementIntentPut(intent); err != nil {
		return "", err
	}
	if intent.Kind == IntentClap {
		total, ok := received[intent.To]
		if !ok {
			total = big.NewInt(0)
			received[intent.To] = total
		}
		total.Add(total, intent.Amount)
	}
	c.emit(IntentSettled{
		ID:     intent.ID,
		Kind:   intent.Kind,
		From:   intent.From,
		To:     intent.To,
		Token:  intent.Token,
		Amount: new(big.Int).Set(intent.Amount),
	})
	e.metrics.ObserveIntentSettled(intent.Kind.String())
	return "", nil
}

// convert burns whole multiples of the ratio from the creator's reward
// balance and mints the matching stable amount. In ConvertSettledOnly mode
// only reward received in this batch is eligible.
func (e *Engine) convert(c *call, creator [20]byte, params Params, received *big.Int) (*Conversion, error) {
	balance, err := e.reward.BalanceOf(c.ctx, creator)
	if err != nil {
		return nil, err
	}
	eligible, err := e.unreserved(creator, e.reward.Symbol(), balance)
	if err != nil {
		return nil, err
	}
	if params.ConversionMode == ConvertSettledOnly {
		eligible = minBig(eligible, positiveOrZero(received))
	}
	if eligible.Sign() == 0 {
		return nil, nil
	}
	out, burned, _ := convertible(eligible, params.TkiPerTkRatio)
	if out.Sign() == 0 {
		return nil, nil
	}
	// The creator's stable balance is about to change.
	if _, err := e.creditAccount(c, creator); err != nil {
		return nil, err
	}
	if err := e.reward.Burn(c.ctx, e.address, creator, burned); err != nil {
		return nil, err
	}
	if err := e.stable.Mint(c.ctx, e.address, creator, out); err != nil {
		return nil, err
	}
	residual := new(big.Int).Sub(balance, burned)
	c.emit(CreatorConverted{Creator: creator, RewardBurned: burned, StableMinted: out, Residual: residual})
	return &Conversion{Creator: creator, RewardBurned: new(big.Int).Set(burned), StableMinted: new(big.Int).Set(out)}, nil
}

// PreviewCreatorPayout projects what converting the creator's reward would
// yield now, counting reward not yet credited.
func (e *Engine) PreviewCreatorPayout(ctx context.Context, creator [20]byte) (*CreatorPayout, error) {
	var out *CreatorPayout
	err := e.view(ctx, func(c *call) error {
		params, err := e.loadParams()
		if err != nil {
			return err
		}
		acc, err := e.loadAccrual()
		if err != nil {
			return err
		}
		live, err := e.reward.BalanceOf(c.ctx, creator)
		if err != nil {
			return err
		}
		gap, err := e.gapAt(creator, projectIndex(acc, params, c.now))
		if err != nil {
			return err
		}
		pending, err := e.pendingFor(c, creator, gap)
		if err != nil {
			return err
		}
		total := new(big.Int).Add(positiveOrZero(live), pending)
		eligible, err := e.unreserved(creator, e.reward.Symbol(), total)
		if err != nil {
			return err
		}
		stableOut, burned, _ := convertible(eligible, params.TkiPerTkRatio)
		residual := new(big.Int).Sub(total, burned)
		out = &CreatorPayout{RewardBalance: total, RewardBurned: burned, StableOut: stableOut, Residual: residual}
		return nil
	})
	return out, err
}

// LastSettlementAt returns when the last epoch settled.
func (e *Engine) LastSettlementAt(ctx context.Context) (int64, error) {
	var out int64
	err := e.view(ctx, func(*call) error {
		status, err := e.loadStatus()
		if err != nil {
			return err
		}
		out = int64(status.LastSettlementAt)
		return nil
	})
	return out, err
}

func dedupeAccounts(accounts [][20]byte) [][20]byte {
	seen := make(map[[20]byte]struct{}, len(accounts))
	out := make([][20]byte, 0, len(accounts))
	for _, account := range accounts {
		if _, ok := seen[account]; ok {
			continue
		}
		seen[account] = struct{}{}
		out = append(out, account)
	}
	return out
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
