package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tvTrailBot/internal/domain"
	"tvTrailBot/internal/ports"
	"tvTrailBot/internal/stoploss"
)

const (
	defaultInterval        = 5 * time.Second
	defaultExchangeTimeout = 10 * time.Second
)

// Config holds dependencies and tuning for the portfolio aggregator.
type Config struct {
	Logger         ports.Logger
	Exchange       ports.ExchangeClient
	Positions      ports.PositionRepository
	TrailingConfig ports.TrailingConfigRepository

	Interval        time.Duration
	ExchangeTimeout time.Duration

	// AutoResetPeak clears the stored peak after a successful close-all.
	// When false (the default) the peak stays until an operator resets
	// it, so re-opened positions remain under the armed stop.
	AutoResetPeak bool
}

// Aggregator runs the portfolio-level trailing stop: per side, it sums
// the unrealized PnL of all open positions, tracks the peak, and closes
// the whole side once the total gives back enough of that peak.
type Aggregator struct {
	cfg Config
}

// New creates a portfolio aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for portfolio aggregator")
	}
	if cfg.Exchange == nil || cfg.Positions == nil || cfg.TrailingConfig == nil {
		return nil, fmt.Errorf("exchange client and repositories are required for portfolio aggregator")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	return &Aggregator{cfg: cfg}, nil
}

// Run ticks until the context is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.cfg.Logger.Info(ctx, "Portfolio aggregator started", map[string]interface{}{"interval": a.cfg.Interval.String()})
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.cfg.Logger.Info(ctx, "Portfolio aggregator stopped")
			return ctx.Err()
		case <-ticker.C:
			for _, side := range []domain.PositionSide{domain.Long, domain.Short} {
				if err := a.EvaluateSide(ctx, side); err != nil {
					a.cfg.Logger.Error(ctx, err, "Portfolio evaluation failed", map[string]interface{}{"side": side})
				}
			}
		}
	}
}

// EvaluateSide runs one evaluation of the trailing stop for one side of
// the book.
func (a *Aggregator) EvaluateSide(ctx context.Context, side domain.PositionSide) error {
	state, err := a.cfg.TrailingConfig.GetPortfolioState(ctx, side)
	if err != nil {
		return fmt.Errorf("failed to load portfolio state: %w", err)
	}
	if !state.Enabled || state.TargetPnL <= 0 {
		return nil
	}

	positions, err := a.cfg.Positions.FindOpenBySide(ctx, side)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	total, err := a.totalPnL(ctx, positions)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"side":      side,
		"totalPnL":  total,
		"targetPnL": state.TargetPnL,
		"peak":      state.MaxPnLReached,
		"positions": len(positions),
	}

	// The peak only moves up and survives restarts.
	if total > state.MaxPnLReached {
		if err := a.cfg.TrailingConfig.UpdatePortfolioPeak(ctx, side, total); err != nil {
			return fmt.Errorf("failed to persist portfolio peak: %w", err)
		}
		state.MaxPnLReached = total
		fields["peak"] = total
	}

	if !state.Armed() {
		a.cfg.Logger.Debug(ctx, "Portfolio stop not armed", fields)
		return nil
	}

	floor := state.MaxPnLReached * a.lockRatio(ctx, state)
	fields["floor"] = floor
	if total > floor {
		a.cfg.Logger.Debug(ctx, "Portfolio stop armed, above floor", fields)
		return nil
	}

	settings, err := a.cfg.TrailingConfig.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load trailing settings: %w", err)
	}
	if !settings.AutoCloseEnabled {
		a.cfg.Logger.Info(ctx, "Portfolio stop triggered but auto-close is disabled, positions left open", fields)
		return nil
	}

	a.cfg.Logger.Info(ctx, "Portfolio stop triggered, closing side", fields)
	if err := a.closeAll(ctx, positions); err != nil {
		return fmt.Errorf("portfolio close-all finished with failures: %w", err)
	}

	if a.cfg.AutoResetPeak {
		if err := a.cfg.TrailingConfig.ResetPortfolioPeak(ctx, side); err != nil {
			return fmt.Errorf("failed to reset portfolio peak after close-all: %w", err)
		}
	}
	return nil
}

// ResetPeak is the administrative reset of a side's stored peak.
func (a *Aggregator) ResetPeak(ctx context.Context, side domain.PositionSide) error {
	return a.cfg.TrailingConfig.ResetPortfolioPeak(ctx, side)
}

// lockRatio picks the portfolio lock ratio: the per-side state value
// when set, otherwise the built-in default.
func (a *Aggregator) lockRatio(ctx context.Context, state domain.PortfolioTrailingState) float64 {
	if state.LockRatio != nil && *state.LockRatio > 0 && *state.LockRatio <= 1 {
		return *state.LockRatio
	}
	return stoploss.DefaultLockRatio
}

// totalPnL sums the unrealized PnL of the given positions at current
// mark prices. Prices are fetched once per symbol.
func (a *Aggregator) totalPnL(ctx context.Context, positions []*domain.Position) (float64, error) {
	prices := make(map[string]float64)
	total := 0.0
	for _, pos := range positions {
		mark, ok := prices[pos.Symbol]
		if !ok {
			callCtx, cancel := context.WithTimeout(ctx, a.cfg.ExchangeTimeout)
			var err error
			mark, err = a.cfg.Exchange.GetMarkPrice(callCtx, pos.Symbol)
			cancel()
			if err != nil {
				// A partial sum would understate the exposure; skip the
				// whole evaluation instead.
				return 0, fmt.Errorf("mark price unavailable for %s: %w", pos.Symbol, err)
			}
			prices[pos.Symbol] = mark
		}
		total += pos.UnrealizedPnL(mark)
	}
	return total, nil
}

// closeAll closes every given position, collecting individual failures
// instead of stopping at the first one. Positions that fail to close
// stay OPEN and are retried on the next evaluation.
func (a *Aggregator) closeAll(ctx context.Context, positions []*domain.Position) error {
	var errs []error
	for _, pos := range positions {
		if err := a.closeOne(ctx, pos); err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", pos.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) closeOne(ctx context.Context, pos *domain.Position) error {
	swapped, err := a.cfg.Positions.CompareAndSwapStatus(ctx, pos.ID, domain.StatusOpen, domain.StatusClosing)
	if err != nil {
		return err
	}
	if !swapped {
		// Another path got there first; nothing to do.
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.ExchangeTimeout)
	exitPrice, _, err := a.cfg.Exchange.ClosePosition(callCtx, pos.Symbol, pos.Side, pos.Qty, uuid.NewString())
	cancel()
	if err != nil {
		if _, revertErr := a.cfg.Positions.CompareAndSwapStatus(ctx, pos.ID, domain.StatusClosing, domain.StatusOpen); revertErr != nil {
			a.cfg.Logger.Error(ctx, revertErr, "Failed to revert position status after close failure", map[string]interface{}{"positionID": pos.ID})
		}
		return err
	}

	return a.cfg.Positions.MarkClosed(ctx, pos.ID, exitPrice, domain.ExitReasonPortfolioStop, time.Now().UTC())
}
