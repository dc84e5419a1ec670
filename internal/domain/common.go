package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide returns the position direction an order on this side opens.
func (s OrderSide) PositionSide() PositionSide {
	if s == Sell {
		return Short
	}
	return Long
}

// PositionSide represents the direction of a futures position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderSideToOpen returns the order side that opens a position in this direction.
func (s PositionSide) OrderSideToOpen() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// OrderSideToClose returns the order side that closes a position in this direction.
func (s PositionSide) OrderSideToClose() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// Opposite returns the other direction.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// PositionStatus represents the status of a tracked position.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "OPEN"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
	StatusError   PositionStatus = "ERROR"
)

// ExitReason indicates why a position was closed.
type ExitReason string

const (
	ExitReasonDynamicStop   ExitReason = "dynamic_stop"
	ExitReasonBaseStop      ExitReason = "base_stop"
	ExitReasonPortfolioStop ExitReason = "portfolio_stop"
	ExitReasonManualClose   ExitReason = "manual_close"
	ExitReasonSignalClose   ExitReason = "signal_close"
	ExitReasonError         ExitReason = "error"
)

// StopMode identifies which stop mechanism currently protects a position.
type StopMode string

const (
	StopModeNone    StopMode = "none"
	StopModeBase    StopMode = "base"
	StopModeDynamic StopMode = "dynamic"
)

// ConfigSource tags where an effective stop-loss parameter came from.
// Displayed next to each value on the dashboard.
type ConfigSource string

const (
	SourceOverride ConfigSource = "override"
	SourceGlobal   ConfigSource = "global"
	SourceDefault  ConfigSource = "default"
)
