package settlement

import "math/big"

const maxBps = 10_000

var (
	basisPoints = big.NewInt(maxBps)
	indexScale  = mustBigInt("1000000000000000000") // 1e18 index precision
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// indexDelta is rateBps * elapsed * 1e18 / (10_000 * secondsPerMonth),
// truncated.
func indexDelta(rateBps, elapsed, secondsPerMonth uint64) *big.Int {
	if rateBps == 0 || elapsed == 0 || secondsPerMonth == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).SetUint64(rateBps)
	numerator.Mul(numerator, new(big.Int).SetUint64(elapsed))
	numerator.Mul(numerator, indexScale)
	denominator := new(big.Int).Mul(basisPoints, new(big.Int).SetUint64(secondsPerMonth))
	return numerator.Quo(numerator, denominator)
}

func elapsedSince(last uint64, now int64) uint64 {
	if now <= 0 || uint64(now) <= last {
		return 0
	}
	return uint64(now) - last
}

// projectIndex returns the committed index plus any uncommitted delta up to
// now.
func projectIndex(acc *GlobalAccrual, params Params, now int64) *big.Int {
	index := copyBig(acc.Index)
	elapsed := elapsedSince(acc.LastAccrualAt, now)
	return index.Add(index, indexDelta(params.RebateMonthlyBps, elapsed, params.SecondsPerMonth))
}

// rewardFor is balance * gap / 1e18 * ratio. The scale division truncates
// before the ratio is applied.
func rewardFor(balance, gap, ratio *big.Int) *big.Int {
	if balance == nil || gap == nil || ratio == nil || balance.Sign() <= 0 || gap.Sign() <= 0 || ratio.Sign() <= 0 {
		return big.NewInt(0)
	}
	reward := new(big.Int).Mul(balance, gap)
	reward.Quo(reward, indexScale)
	return reward.Mul(reward, ratio)
}

// convertible splits a reward balance into the stable amount it converts to,
// the reward burned for it and the residual left behind.
func convertible(balance, ratio *big.Int) (out, burned, residual *big.Int) {
	if balance == nil || balance.Sign() <= 0 || ratio == nil || ratio.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0), copyBig(balance)
	}
	out, residual = new(big.Int).QuoRem(balance, ratio, new(big.Int))
	burned = new(big.Int).Mul(out, ratio)
	return out, burned, residual
}

func positiveOrZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func indexToFloat(index *big.Int) float64 {
	if index == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(index, indexScale).Float64()
	return f
}
