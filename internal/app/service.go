package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tvTrailBot/config"
	"tvTrailBot/internal/domain"
	"tvTrailBot/internal/monitor"
	"tvTrailBot/internal/portfolio"
	"tvTrailBot/internal/ports"
	"tvTrailBot/internal/reconcile"
	"tvTrailBot/internal/stoploss"
)

// Service wires the trailing stop core together: the position monitor,
// the portfolio aggregator, and the signal reconciler, sharing one
// position store and one exchange client.
type Service struct {
	cfg            *config.Config
	logger         ports.Logger
	exchange       ports.ExchangeClient
	positions      ports.PositionRepository
	trailingConfig ports.TrailingConfigRepository

	monitor    *monitor.Monitor
	aggregator *portfolio.Aggregator
	reconciler *reconcile.Reconciler
}

// Deps collects the service's injected dependencies.
type Deps struct {
	Logger         ports.Logger
	Exchange       ports.ExchangeClient
	Positions      ports.PositionRepository
	TrailingConfig ports.TrailingConfigRepository
	SignalLogs     ports.SignalLogRepository
	Bots           ports.BotRepository
}

// NewService creates the application service instance.
func NewService(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil || deps.Logger == nil || deps.Exchange == nil || deps.Positions == nil ||
		deps.TrailingConfig == nil || deps.SignalLogs == nil || deps.Bots == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}

	mon, err := monitor.New(monitor.Config{
		Logger:          deps.Logger,
		Exchange:        deps.Exchange,
		Positions:       deps.Positions,
		TrailingConfig:  deps.TrailingConfig,
		Defaults:        stoploss.BuiltinDefaults(),
		Interval:        cfg.MonitorInterval,
		ExchangeTimeout: cfg.ExchangeTimeout,
		MaxConcurrent:   cfg.MonitorParallel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build monitor: %w", err)
	}

	agg, err := portfolio.New(portfolio.Config{
		Logger:          deps.Logger,
		Exchange:        deps.Exchange,
		Positions:       deps.Positions,
		TrailingConfig:  deps.TrailingConfig,
		Interval:        cfg.PortfolioInterval,
		ExchangeTimeout: cfg.ExchangeTimeout,
		AutoResetPeak:   cfg.PortfolioAutoReset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build portfolio aggregator: %w", err)
	}

	rec, err := reconcile.New(reconcile.Config{
		Logger:          deps.Logger,
		Exchange:        deps.Exchange,
		Positions:       deps.Positions,
		SignalLogs:      deps.SignalLogs,
		Bots:            deps.Bots,
		DedupWindow:     cfg.SignalDedupWindow,
		ResizeThreshold: cfg.ResizeThreshold,
		ExchangeTimeout: cfg.ExchangeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build reconciler: %w", err)
	}

	return &Service{
		cfg:            cfg,
		logger:         deps.Logger,
		exchange:       deps.Exchange,
		positions:      deps.Positions,
		trailingConfig: deps.TrailingConfig,
		monitor:        mon,
		aggregator:     agg,
		reconciler:     rec,
	}, nil
}

// Start seeds the stored configuration from the environment, checks
// exchange connectivity, and runs the background loops until a shutdown
// signal or a fatal loop error.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting trailing stop service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange not reachable: %w", err)
	}
	s.logger.Info(ctx, "Exchange connectivity verified")

	if err := s.seedStoredConfig(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.monitor.Run(gctx) })
	g.Go(func() error { return s.aggregator.Run(gctx) })

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		// Normal shutdown path: the loops return the canceled context.
		s.logger.Info(context.Background(), "Trailing stop service stopped")
		return nil
	}
	return err
}

// seedStoredConfig writes the environment-derived trailing settings and
// portfolio state into the store. The environment is authoritative for
// these at startup; stored portfolio peaks are preserved.
func (s *Service) seedStoredConfig(ctx context.Context) error {
	settings := domain.TrailingSettings{
		AutoCloseEnabled: s.cfg.AutoCloseEnabled,
		Long: domain.TrailingSideConfig{
			ProfitThresholdPct: config.OptionalFloat(s.cfg.LongProfitThresholdPct),
			LockRatio:          config.OptionalFloat(s.cfg.LongLockRatio),
			BaseSLPct:          config.OptionalFloat(s.cfg.LongBaseSLPct),
		},
		Short: domain.TrailingSideConfig{
			ProfitThresholdPct: config.OptionalFloat(s.cfg.ShortProfitThresholdPct),
			LockRatio:          config.OptionalFloat(s.cfg.ShortLockRatio),
			BaseSLPct:          config.OptionalFloat(s.cfg.ShortBaseSLPct),
		},
	}
	if err := s.trailingConfig.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to seed trailing settings: %w", err)
	}

	states := []domain.PortfolioTrailingState{
		{
			Side:      domain.Long,
			Enabled:   s.cfg.PortfolioLongEnabled,
			TargetPnL: s.cfg.PortfolioLongTarget,
			LockRatio: config.OptionalFloat(s.cfg.PortfolioLongLockRatio),
		},
		{
			Side:      domain.Short,
			Enabled:   s.cfg.PortfolioShortEnabled,
			TargetPnL: s.cfg.PortfolioShortTarget,
			LockRatio: config.OptionalFloat(s.cfg.PortfolioShortLockRatio),
		},
	}
	for _, state := range states {
		if err := s.trailingConfig.UpsertPortfolioState(ctx, state); err != nil {
			return fmt.Errorf("failed to seed portfolio state for side %s: %w", state.Side, err)
		}
	}
	return nil
}

// HandleSignal is the signal ingestion entrypoint, invoked synchronously
// per inbound signal by the delivery layer.
func (s *Service) HandleSignal(ctx context.Context, sig domain.Signal) error {
	return s.reconciler.HandleSignal(ctx, sig)
}

// ResetPortfolioPeak is the administrative reset of a side's stored
// portfolio peak.
func (s *Service) ResetPortfolioPeak(ctx context.Context, side domain.PositionSide) error {
	return s.aggregator.ResetPeak(ctx, side)
}

// ManualClose closes one open position on operator request, under the
// same status discipline as the automatic paths. Closing a position
// that is already closed is a no-op.
func (s *Service) ManualClose(ctx context.Context, positionID int64) error {
	pos, err := s.positions.FindByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("failed to load position %d: %w", positionID, err)
	}
	if pos == nil {
		return fmt.Errorf("position %d: %w", positionID, ports.ErrNotFound)
	}
	if pos.Status == domain.StatusClosed {
		return nil
	}

	swapped, err := s.positions.CompareAndSwapStatus(ctx, positionID, domain.StatusOpen, domain.StatusClosing)
	if err != nil {
		return fmt.Errorf("failed to transition position %d to CLOSING: %w", positionID, err)
	}
	if !swapped {
		s.logger.Debug(ctx, "Manual close lost the race, position no longer OPEN", map[string]interface{}{"positionID": positionID})
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	exitPrice, orderID, err := s.exchange.ClosePosition(callCtx, pos.Symbol, pos.Side, pos.Qty, uuid.NewString())
	cancel()
	if err != nil {
		if _, revertErr := s.positions.CompareAndSwapStatus(ctx, positionID, domain.StatusClosing, domain.StatusOpen); revertErr != nil {
			s.logger.Error(ctx, revertErr, "Failed to revert position status", map[string]interface{}{"positionID": positionID})
		}
		return fmt.Errorf("manual close failed for position %d: %w", positionID, err)
	}

	if err := s.positions.MarkClosed(ctx, positionID, exitPrice, domain.ExitReasonManualClose, time.Now().UTC()); err != nil {
		return fmt.Errorf("position %d closed on exchange but not marked closed: %w", positionID, err)
	}
	s.logger.Info(ctx, "Position closed manually", map[string]interface{}{
		"positionID": positionID, "exitPrice": exitPrice, "orderID": orderID,
	})
	return nil
}
