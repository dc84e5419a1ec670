package domain

import "time"

// TrailingSideConfig holds the per-side global stop-loss defaults. Nil
// fields mean "not configured"; the resolver falls back to built-ins.
type TrailingSideConfig struct {
	ProfitThresholdPct *float64
	LockRatio          *float64
	BaseSLPct          *float64
}

// TrailingSettings is the global stop-loss configuration snapshot read
// once per evaluation: one side config per direction plus the master
// auto-close gate.
type TrailingSettings struct {
	AutoCloseEnabled bool
	Long             TrailingSideConfig
	Short            TrailingSideConfig
}

// ForSide returns the side config matching the position direction.
func (t TrailingSettings) ForSide(side PositionSide) TrailingSideConfig {
	if side == Short {
		return t.Short
	}
	return t.Long
}

// PortfolioTrailingState tracks the aggregate profit-locking stop for one
// side of the book. MaxPnLReached is monotonically non-decreasing once
// positive and only resets via an explicit administrative action (or,
// when configured, automatically after a close-all).
type PortfolioTrailingState struct {
	Side          PositionSide
	Enabled       bool
	TargetPnL     float64
	LockRatio     *float64 // Nil inherits the per-side global lock ratio
	MaxPnLReached float64
	UpdatedAt     time.Time
}

// Armed reports whether the trailing stop has activated: the peak PnL has
// reached the target at least once while enabled.
func (s PortfolioTrailingState) Armed() bool {
	return s.Enabled && s.TargetPnL > 0 && s.MaxPnLReached >= s.TargetPnL
}
