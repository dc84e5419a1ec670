package reconcile

import (
	"math"

	"tvTrailBot/internal/domain"
)

// eps separates "flat" from a real position when comparing float sizes.
const eps = 1e-8

// DefaultResizeThreshold is the relative size change below which a
// same-direction target is ignored, to avoid order spam from signal
// jitter.
const DefaultResizeThreshold = 0.10

// ActionType classifies what a position-directed signal requires.
type ActionType string

const (
	ActionNoOp    ActionType = "noop"
	ActionOpen    ActionType = "open"
	ActionClose   ActionType = "close"
	ActionResize  ActionType = "resize"
	ActionReverse ActionType = "reverse"
)

// Decision is the planned reconciliation for one (bot, symbol) pair:
// an optional close of the current position followed by an optional
// open at the target size.
type Decision struct {
	Type ActionType

	// CloseCurrent is set when the current position must be closed
	// (Close, Resize, Reverse).
	CloseCurrent bool

	// OpenSide and OpenQty describe the opening leg (Open, Resize,
	// Reverse). OpenQty is zero when no open is needed.
	OpenSide domain.PositionSide
	OpenQty  float64
}

// Decide maps the current signed position size and the signed target
// size onto a reconciliation decision. Pure function; resizeThreshold
// <= 0 falls back to the default.
func Decide(current, target, resizeThreshold float64) Decision {
	if resizeThreshold <= 0 {
		resizeThreshold = DefaultResizeThreshold
	}

	currentFlat := math.Abs(current) < eps
	targetFlat := math.Abs(target) < eps

	switch {
	case targetFlat && currentFlat:
		return Decision{Type: ActionNoOp}
	case targetFlat:
		return Decision{Type: ActionClose, CloseCurrent: true}
	case currentFlat:
		return Decision{Type: ActionOpen, OpenSide: sideOf(target), OpenQty: math.Abs(target)}
	case (current > 0) == (target > 0):
		relDiff := math.Abs(math.Abs(target)-math.Abs(current)) / math.Abs(current)
		if relDiff > resizeThreshold {
			return Decision{Type: ActionResize, CloseCurrent: true, OpenSide: sideOf(target), OpenQty: math.Abs(target)}
		}
		return Decision{Type: ActionNoOp}
	default:
		return Decision{Type: ActionReverse, CloseCurrent: true, OpenSide: sideOf(target), OpenQty: math.Abs(target)}
	}
}

func sideOf(signed float64) domain.PositionSide {
	if signed < 0 {
		return domain.Short
	}
	return domain.Long
}
