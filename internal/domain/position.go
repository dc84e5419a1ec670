package domain

import "time"

// Position represents one exchange futures position tracked by the bot.
type Position struct {
	ID          int64          // Unique identifier for the position (from DB)
	BotID       int64          // Owning bot config (0 if none)
	SignalLogID int64          // Signal log that created this position (0 if none)
	Symbol      string         // Trading symbol (e.g., "BTCUSDT")
	Side        PositionSide   // LONG or SHORT
	Status      PositionStatus // OPEN, CLOSING, CLOSED, ERROR

	EntryPrice float64 // Average fill price at entry
	Qty        float64 // Size of the position (always positive; direction is Side)
	Leverage   int     // Leverage used for the position

	// BestPrice is the most favorable mark price observed since entry:
	// the maximum for LONG, the minimum for SHORT. Zero means not yet
	// initialized; the resolver seeds it from EntryPrice.
	BestPrice float64

	// Per-position stop-loss overrides. Nil means "inherit" from the
	// per-side global settings (or the built-in defaults).
	ProfitThresholdOverride *float64 // Profit threshold in percent of margin
	LockRatioOverride       *float64 // Share of peak profit to lock (0 = base stop only)
	BaseSLPctOverride       *float64 // Base stop distance in percent of margin

	// Mechanism gates. BotStopLossEnabled controls whether the trailing
	// monitor may close this position; TVSignalCloseEnabled controls
	// whether an inbound signal may close it. Both default to true.
	BotStopLossEnabled   bool
	TVSignalCloseEnabled bool

	// Telemetry written back each monitor tick for dashboard display.
	// The Eff* fields are the resolved config values that produced the
	// stops, with the cascade tier each one came from.
	StopMode         StopMode
	DynamicStopPrice *float64
	BaseStopPrice    *float64

	EffProfitThresholdPct float64
	ProfitThresholdSource ConfigSource
	EffLockRatio          float64
	LockRatioSource       ConfigSource
	EffBaseSLPct          float64
	BaseSLPctSource       ConfigSource

	// Exit bookkeeping (set once, when the position transitions to CLOSED).
	ExitPrice  float64
	ExitReason ExitReason
	ClosedAt   time.Time

	// Exchange order references for the opening order.
	EntryOrderID  int64
	ClientOrderID string

	CreatedAt time.Time
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// SignedQty returns the position size as a signed quantity:
// positive for LONG, negative for SHORT, zero when not open.
func (p *Position) SignedQty() float64 {
	if p == nil || p.Status != StatusOpen {
		return 0
	}
	if p.Side == Short {
		return -p.Qty
	}
	return p.Qty
}

// Margin returns the capital backing the position: notional divided by
// leverage. Zero when qty or leverage is degenerate.
func (p *Position) Margin() float64 {
	if p.Qty <= 0 || p.Leverage <= 0 {
		return 0
	}
	return p.EntryPrice * p.Qty / float64(p.Leverage)
}

// UnrealizedPnL returns the mark-to-market profit of the position at the
// given price, sign-normalized so profit is positive for both sides.
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	if p.Side == Short {
		return (p.EntryPrice - markPrice) * p.Qty
	}
	return (markPrice - p.EntryPrice) * p.Qty
}
