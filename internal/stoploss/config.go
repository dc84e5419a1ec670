package stoploss

import (
	"math"

	"tvTrailBot/internal/domain"
)

// Built-in fallbacks used when neither a per-position override nor a
// per-side global value is configured.
const (
	DefaultProfitThresholdPct = 1.0
	DefaultLockRatio          = 0.5
	DefaultBaseSLPct          = 3.0
)

// Defaults carries the built-in tier of the config cascade. Deployments
// override these via environment configuration.
type Defaults struct {
	ProfitThresholdPct float64
	LockRatio          float64
	BaseSLPct          float64
}

// BuiltinDefaults returns the hardcoded bottom tier of the cascade.
func BuiltinDefaults() Defaults {
	return Defaults{
		ProfitThresholdPct: DefaultProfitThresholdPct,
		LockRatio:          DefaultLockRatio,
		BaseSLPct:          DefaultBaseSLPct,
	}
}

// EffectiveConfig is the resolved stop-loss parameter tuple for one
// evaluation of one position. It is derived, never persisted, and
// recomputed each tick. Source tags are carried for dashboard display.
type EffectiveConfig struct {
	ProfitThresholdPct    float64
	ProfitThresholdSource domain.ConfigSource

	// LockRatio <= 0 means the dynamic stop is disabled for this
	// position and only the base stop applies.
	LockRatio       float64
	LockRatioSource domain.ConfigSource

	BaseSLPct       float64
	BaseSLPctSource domain.ConfigSource
}

// ResolveConfig merges per-position overrides, the per-side global
// config, and built-in defaults into one effective tuple. Precedence per
// field: override > global > default. A malformed value (NaN/Inf, or
// negative where the parameter must be non-negative) is treated as
// absent and falls through to the next tier rather than failing.
func ResolveConfig(pos *domain.Position, global domain.TrailingSideConfig, defaults Defaults) EffectiveConfig {
	cfg := EffectiveConfig{}

	cfg.ProfitThresholdPct, cfg.ProfitThresholdSource = resolveField(
		pos.ProfitThresholdOverride, global.ProfitThresholdPct, defaults.ProfitThresholdPct, false)
	cfg.LockRatio, cfg.LockRatioSource = resolveField(
		pos.LockRatioOverride, global.LockRatio, defaults.LockRatio, true)
	cfg.BaseSLPct, cfg.BaseSLPctSource = resolveField(
		pos.BaseSLPctOverride, global.BaseSLPct, defaults.BaseSLPct, false)

	// A lock ratio above 1 would place the stop beyond the best price;
	// clamp rather than reject.
	if cfg.LockRatio > 1 {
		cfg.LockRatio = 1
	}
	return cfg
}

// resolveField walks one field down the cascade. Zero is always a
// deliberate value (lock ratio 0 means "base stop only"). allowNegative
// additionally admits negative values, which only the lock ratio takes
// (anything <= 0 disables the dynamic stop); the percentage fields treat
// negatives as malformed and fall through.
func resolveField(override, global *float64, def float64, allowNegative bool) (float64, domain.ConfigSource) {
	if v, ok := usable(override, allowNegative); ok {
		return v, domain.SourceOverride
	}
	if v, ok := usable(global, allowNegative); ok {
		return v, domain.SourceGlobal
	}
	return def, domain.SourceDefault
}

func usable(v *float64, allowNegative bool) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f < 0 && !allowNegative {
		return 0, false
	}
	return f, true
}
