package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tvTrailBot/internal/domain"
	"tvTrailBot/internal/ports"
	"tvTrailBot/internal/stoploss"
)

const (
	defaultInterval        = 5 * time.Second
	defaultExchangeTimeout = 10 * time.Second
	defaultMaxConcurrent   = 4
)

// Config holds dependencies and tuning for the position monitor.
type Config struct {
	Logger         ports.Logger
	Exchange       ports.ExchangeClient
	Positions      ports.PositionRepository
	TrailingConfig ports.TrailingConfigRepository
	Defaults       stoploss.Defaults

	Interval        time.Duration // Tick period (default 5s)
	ExchangeTimeout time.Duration // Per-call timeout for exchange requests
	MaxConcurrent   int           // Positions evaluated in parallel per tick
}

// Monitor periodically re-evaluates the stop state of every open
// position and closes the ones whose stop has been crossed.
type Monitor struct {
	cfg Config
}

// New creates a position monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for monitor")
	}
	if cfg.Exchange == nil || cfg.Positions == nil || cfg.TrailingConfig == nil {
		return nil, fmt.Errorf("exchange client and repositories are required for monitor")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Monitor{cfg: cfg}, nil
}

// Run ticks until the context is canceled. Tick failures are logged and
// the loop keeps going; only context cancellation ends it.
func (m *Monitor) Run(ctx context.Context) error {
	m.cfg.Logger.Info(ctx, "Position monitor started", map[string]interface{}{"interval": m.cfg.Interval.String()})
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.Info(ctx, "Position monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.cfg.Logger.Error(ctx, err, "Monitor tick failed")
			}
		}
	}
}

// Tick runs one full evaluation pass over all open positions. A failure
// on one position never aborts the rest of the batch; only failures to
// load the batch itself are returned.
func (m *Monitor) Tick(ctx context.Context) error {
	settings, err := m.cfg.TrailingConfig.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load trailing settings: %w", err)
	}

	positions, err := m.cfg.Positions.FindOpenForMonitor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrent)
	for _, pos := range positions {
		pos := pos
		g.Go(func() error {
			m.evaluate(gctx, pos, settings)
			return nil
		})
	}
	return g.Wait()
}

// evaluate runs the full cycle for one position: fetch price, resolve
// the stop state, persist telemetry, and close if triggered. All
// failures are logged and swallowed so the position is retried on the
// next tick.
func (m *Monitor) evaluate(ctx context.Context, pos *domain.Position, settings domain.TrailingSettings) {
	fields := map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "side": pos.Side}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
	mark, err := m.cfg.Exchange.GetMarkPrice(callCtx, pos.Symbol)
	cancel()
	if err != nil {
		m.cfg.Logger.Warn(ctx, "Skipping position: mark price unavailable", fields)
		return
	}

	cfg := stoploss.ResolveConfig(pos, settings.ForSide(pos.Side), m.cfg.Defaults)
	state := stoploss.Resolve(pos, cfg, mark)

	// Telemetry lands regardless of the outcome below, so the best price
	// stays monotonic and the dashboard sees the effective config even
	// when no stop is active this tick.
	err = m.cfg.Positions.UpdateTrailing(ctx, pos.ID, ports.TrailingTelemetry{
		BestPrice:             state.BestPrice,
		StopMode:              state.Mode,
		DynamicStopPrice:      state.DynamicStopPrice,
		BaseStopPrice:         state.BaseStopPrice,
		ProfitThresholdPct:    cfg.ProfitThresholdPct,
		ProfitThresholdSource: cfg.ProfitThresholdSource,
		LockRatio:             cfg.LockRatio,
		LockRatioSource:       cfg.LockRatioSource,
		BaseSLPct:             cfg.BaseSLPct,
		BaseSLPctSource:       cfg.BaseSLPctSource,
	})
	if err != nil {
		// Telemetry is display state; the trigger check below still runs.
		m.cfg.Logger.Error(ctx, err, "Failed to persist trailing telemetry", fields)
	}

	if state.Mode == domain.StopModeNone {
		m.cfg.Logger.Warn(ctx, "Position has no active stop", fields)
		return
	}

	if !state.Triggered(pos.Side, mark) {
		return
	}

	fields["markPrice"] = mark
	fields["stopMode"] = state.Mode
	if stop := state.TriggerPrice(); stop != nil {
		fields["stopPrice"] = *stop
	}

	if !settings.AutoCloseEnabled {
		m.cfg.Logger.Info(ctx, "Stop triggered but auto-close is disabled, position left open", fields)
		return
	}

	m.closeTriggered(ctx, pos, state, fields)
}

// closeTriggered moves the position through OPEN -> CLOSING -> CLOSED.
// The CAS guarantees only one path closes the position; when the
// exchange rejects the close the status is reverted so the next tick
// retries.
func (m *Monitor) closeTriggered(ctx context.Context, pos *domain.Position, state stoploss.StopState, fields map[string]interface{}) {
	swapped, err := m.cfg.Positions.CompareAndSwapStatus(ctx, pos.ID, domain.StatusOpen, domain.StatusClosing)
	if err != nil {
		m.cfg.Logger.Error(ctx, err, "Failed to transition position to CLOSING", fields)
		return
	}
	if !swapped {
		m.cfg.Logger.Debug(ctx, "Position no longer OPEN, skipping close", fields)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
	exitPrice, orderID, err := m.cfg.Exchange.ClosePosition(callCtx, pos.Symbol, pos.Side, pos.Qty, uuid.NewString())
	cancel()
	if err != nil {
		m.cfg.Logger.Error(ctx, err, "Exchange close failed, reverting position to OPEN", fields)
		if _, revertErr := m.cfg.Positions.CompareAndSwapStatus(ctx, pos.ID, domain.StatusClosing, domain.StatusOpen); revertErr != nil {
			m.cfg.Logger.Error(ctx, revertErr, "Failed to revert position status", fields)
		}
		return
	}

	if err := m.cfg.Positions.MarkClosed(ctx, pos.ID, exitPrice, state.ExitReason(), time.Now().UTC()); err != nil {
		m.cfg.Logger.Error(ctx, err, "Position closed on exchange but not marked closed", fields)
		return
	}

	fields["exitPrice"] = exitPrice
	fields["orderID"] = orderID
	fields["reason"] = state.ExitReason()
	m.cfg.Logger.Info(ctx, "Position closed by stop", fields)
}
