package domain

import "time"

// Signal is an inbound trading directive, typically delivered by a
// TradingView alert webhook. Two shapes exist: the legacy order-directed
// form (PositionSize nil) which always opens a blind market order, and
// the position-directed form (PositionSize set) which expresses a signed
// target net position: >0 long, <0 short, 0 flat.
type Signal struct {
	Key          string   // Identifying key binding the signal to bot configs
	Symbol       string   // Trading symbol as sent by the source
	Side         OrderSide
	Qty          float64
	PositionSize *float64
	RawPayload   string // Original payload, kept for the audit log
}

// PositionDirected reports whether the signal carries a target position size.
func (s Signal) PositionDirected() bool {
	return s.PositionSize != nil
}

// SignalLog is the persisted audit record for one received signal.
type SignalLog struct {
	ID           int64
	Key          string
	Symbol       string
	Side         OrderSide
	Qty          float64
	PositionSize *float64
	Hash         string // Payload hash used for duplicate suppression
	RawPayload   string
	Processed    bool
	Result       string
	ReceivedAt   time.Time
}

// BotConfig is the subset of a bot's configuration record the reconciler
// needs. CRUD for these records lives outside the core.
type BotConfig struct {
	ID            int64
	Name          string
	Key           string // Unique key referenced by Signal.Key
	Enabled       bool
	Symbol        string   // Overrides the signal's symbol when set
	UseSignalSide bool     // False: always trade FixedSide in legacy mode
	FixedSide     OrderSide
	Qty           float64  // Legacy-mode order size when MaxInvestUSDT is unset
	MaxInvestUSDT *float64 // Cap: qty = MaxInvestUSDT / mark price when set
	Leverage      int

	// Stop-loss overrides stamped onto positions this bot opens.
	ProfitThresholdOverride *float64
	LockRatioOverride       *float64
	BaseSLPctOverride       *float64
}
