package stoploss

import (
	"math"

	"tvTrailBot/internal/domain"
)

// StopState is the derived stop-loss state of one position at one mark
// price. It is never persisted as a whole; the monitor writes BestPrice
// and the telemetry fields back onto the position record.
type StopState struct {
	Mode             domain.StopMode
	DynamicStopPrice *float64
	BaseStopPrice    *float64

	// BestPrice is the updated most-favorable price, to be persisted
	// back onto the position. Monotonic: never less favorable than the
	// previous value.
	BestPrice float64

	// ProfitPct is the margin-based profit percentage computed from the
	// best price, exposed for telemetry.
	ProfitPct float64
}

// Resolve computes the stop state for a position given its effective
// config and the current mark price. Pure function: no I/O, no failure
// modes. Degenerate inputs (qty or leverage <= 0, non-finite prices)
// yield mode none with no stop prices rather than an error.
//
// The profit percentage is margin-relative, so it is amplified by
// leverage, and it is computed from the best price rather than the
// current mark. Together with the monotonic best price this makes the
// dynamic mode sticky: once a position has been profitable enough to arm
// the profit lock, a later retracement cannot disarm it.
func Resolve(pos *domain.Position, cfg EffectiveConfig, markPrice float64) StopState {
	state := StopState{Mode: domain.StopModeNone, BestPrice: pos.BestPrice}

	if !isFinite(markPrice) || !isFinite(pos.EntryPrice) || markPrice <= 0 || pos.EntryPrice <= 0 {
		return state
	}
	if pos.Qty <= 0 || pos.Leverage <= 0 {
		return state
	}

	state.BestPrice = updateBest(pos.Side, pos.BestPrice, pos.EntryPrice, markPrice)

	margin := pos.EntryPrice * pos.Qty / float64(pos.Leverage)
	if margin <= 0 || !isFinite(margin) {
		return state
	}

	var favorableMove float64 // price distance from entry to best, sign-normalized
	if pos.Side == domain.Short {
		favorableMove = pos.EntryPrice - state.BestPrice
	} else {
		favorableMove = state.BestPrice - pos.EntryPrice
	}
	state.ProfitPct = favorableMove / margin * 100

	if !isFinite(state.ProfitPct) {
		state.ProfitPct = 0
		return state
	}

	// Base stop: anchored at entry, sized as a percentage of margin.
	// Higher leverage means a smaller margin and therefore a tighter
	// stop in price terms for the same percentage.
	if cfg.BaseSLPct > 0 {
		dist := margin * cfg.BaseSLPct / 100 / pos.Qty
		base := pos.EntryPrice - dist
		if pos.Side == domain.Short {
			base = pos.EntryPrice + dist
		}
		state.BaseStopPrice = &base
	}

	// Lock ratio <= 0 disables the dynamic stop entirely.
	if cfg.LockRatio <= 0 {
		if state.BaseStopPrice != nil {
			state.Mode = domain.StopModeBase
		}
		return state
	}

	if state.ProfitPct >= cfg.ProfitThresholdPct {
		dyn := pos.EntryPrice + favorableMove*cfg.LockRatio
		if pos.Side == domain.Short {
			dyn = pos.EntryPrice - favorableMove*cfg.LockRatio
		}
		state.DynamicStopPrice = &dyn
		state.Mode = domain.StopModeDynamic
	} else if state.BaseStopPrice != nil {
		state.Mode = domain.StopModeBase
	}
	return state
}

// TriggerPrice returns the stop price active for the current mode, or
// nil when no stop applies.
func (s StopState) TriggerPrice() *float64 {
	switch s.Mode {
	case domain.StopModeDynamic:
		return s.DynamicStopPrice
	case domain.StopModeBase:
		return s.BaseStopPrice
	default:
		return nil
	}
}

// Triggered reports whether the mark price has crossed the active stop:
// at or below it for LONG, at or above it for SHORT.
func (s StopState) Triggered(side domain.PositionSide, markPrice float64) bool {
	stop := s.TriggerPrice()
	if stop == nil {
		return false
	}
	if side == domain.Short {
		return markPrice >= *stop
	}
	return markPrice <= *stop
}

// ExitReason maps the active stop mode to the exit reason recorded when
// it fires.
func (s StopState) ExitReason() domain.ExitReason {
	if s.Mode == domain.StopModeDynamic {
		return domain.ExitReasonDynamicStop
	}
	return domain.ExitReasonBaseStop
}

// updateBest applies the monotonic best-price rule: max for LONG, min
// for SHORT, seeded from the entry price when not yet initialized.
func updateBest(side domain.PositionSide, best, entry, mark float64) float64 {
	if best <= 0 || !isFinite(best) {
		best = entry
	}
	if side == domain.Short {
		return math.Min(best, mark)
	}
	return math.Max(best, mark)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
