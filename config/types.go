package config

import (
	"fmt"
	"math/big"
	"strings"

	"tipledger/native/common"
	"tipledger/native/settlement"
	"tipledger/observability/otel"
)

// Settlement mirrors settlement.Params in file form. Big amounts are decimal
// strings.
type Settlement struct {
	RebateMonthlyBps      uint64 `toml:"RebateMonthlyBps"`
	MaxRebateMonthlyBps   uint64 `toml:"MaxRebateMonthlyBps"`
	SecondsPerMonth       uint64 `toml:"SecondsPerMonth"`
	AccrualInterval       uint64 `toml:"AccrualInterval"`
	SettlementPeriod      uint64 `toml:"SettlementPeriod"`
	TkiPerTkRatio         string `toml:"TkiPerTkRatio"`
	OnRampRewardPerStable string `toml:"OnRampRewardPerStable"`
	ConversionMode        string `toml:"ConversionMode"`
	Quota                 Quota  `toml:"quota"`
}

// Quota limits intent submissions per account. Zero values disable a limit.
type Quota struct {
	MaxRequestsPerWindow uint32 `toml:"MaxRequestsPerWindow"`
	MaxValuePerWindow    uint64 `toml:"MaxValuePerWindow"`
	WindowSeconds        uint32 `toml:"WindowSeconds"`
}

// Delegation configures the delegation registry.
type Delegation struct {
	// StoreRatePerMinute caps how often one delegator may store delegations.
	// Zero disables the throttle.
	StoreRatePerMinute float64 `toml:"StoreRatePerMinute"`
	StoreBurst         int     `toml:"StoreBurst"`
}

// Logging selects the log level, encoding and destination. An empty File logs
// to stderr.
type Logging struct {
	Level      string `toml:"Level"`
	Format     string `toml:"Format"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	Compress   bool   `toml:"Compress"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// OTel converts the section into exporter settings.
func (t Telemetry) OTel(service, env string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: env,
		Endpoint:    strings.TrimSpace(t.Endpoint),
		Insecure:    t.Insecure,
		Headers:     otel.ParseHeaders(t.Headers),
		Metrics:     t.Metrics,
		Traces:      t.Traces,
		SampleRatio: t.SampleRatio,
	}
}

func defaultSettlement() Settlement {
	p := settlement.DefaultParams()
	return Settlement{
		RebateMonthlyBps:      p.RebateMonthlyBps,
		MaxRebateMonthlyBps:   p.MaxRebateMonthlyBps,
		SecondsPerMonth:       p.SecondsPerMonth,
		AccrualInterval:       p.AccrualInterval,
		SettlementPeriod:      p.SettlementPeriod,
		TkiPerTkRatio:         p.TkiPerTkRatio.String(),
		OnRampRewardPerStable: p.OnRampRewardPerStable.String(),
		ConversionMode:        p.ConversionMode.String(),
	}
}

// Params parses the section into engine parameters. The result is not
// validated; see Config.Validate.
func (s Settlement) Params() (settlement.Params, error) {
	ratio, err := parseUintAmount(s.TkiPerTkRatio)
	if err != nil {
		return settlement.Params{}, fmt.Errorf("invalid settlement.TkiPerTkRatio: %w", err)
	}
	onRamp, err := parseUintAmount(s.OnRampRewardPerStable)
	if err != nil {
		return settlement.Params{}, fmt.Errorf("invalid settlement.OnRampRewardPerStable: %w", err)
	}
	mode, err := settlement.ParseConversionMode(s.ConversionMode)
	if err != nil {
		return settlement.Params{}, err
	}
	return settlement.Params{
		RebateMonthlyBps:      s.RebateMonthlyBps,
		MaxRebateMonthlyBps:   s.MaxRebateMonthlyBps,
		SecondsPerMonth:       s.SecondsPerMonth,
		AccrualInterval:       s.AccrualInterval,
		SettlementPeriod:      s.SettlementPeriod,
		TkiPerTkRatio:         ratio,
		OnRampRewardPerStable: onRamp,
		ConversionMode:        mode,
		Quota: common.Quota{
			MaxRequestsPerWindow: s.Quota.MaxRequestsPerWindow,
			MaxValuePerWindow:    s.Quota.MaxValuePerWindow,
			WindowSeconds:        s.Quota.WindowSeconds,
		},
	}, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a base-10 integer", raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", raw)
	}
	return v, nil
}
