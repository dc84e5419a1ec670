package ports

import (
	"context"
	"time"

	"tvTrailBot/internal/domain"
)

// TrailingTelemetry is the per-tick state the monitor writes back onto a
// position for dashboard display, alongside the updated best price. The
// effective config values and their source tags are included so the
// dashboard can show which tier (override, global, default) each
// parameter came from.
type TrailingTelemetry struct {
	BestPrice        float64
	StopMode         domain.StopMode
	DynamicStopPrice *float64
	BaseStopPrice    *float64

	ProfitThresholdPct    float64
	ProfitThresholdSource domain.ConfigSource
	LockRatio             float64
	LockRatioSource       domain.ConfigSource
	BaseSLPct             float64
	BaseSLPctSource       domain.ConfigSource
}

// PositionRepository defines the interface for storing and retrieving positions.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindOpenByBotAndSymbol retrieves the open position for a (bot, symbol)
	// pair, if any. Returns nil, nil when there is none.
	FindOpenByBotAndSymbol(ctx context.Context, botID int64, symbol string) (*domain.Position, error)
	// FindOpenForMonitor retrieves all OPEN positions with the bot
	// stop-loss mechanism enabled.
	FindOpenForMonitor(ctx context.Context) ([]*domain.Position, error)
	// FindOpenBySide retrieves all OPEN positions in one direction.
	FindOpenBySide(ctx context.Context, side domain.PositionSide) ([]*domain.Position, error)

	// UpdateTrailing persists the best price and stop telemetry for a
	// position. The write only applies while the position is still OPEN,
	// so a concurrent close cannot be overwritten by stale telemetry.
	UpdateTrailing(ctx context.Context, id int64, t TrailingTelemetry) error

	// CompareAndSwapStatus atomically transitions a position from one
	// status to another. Returns false (and no error) when the position
	// was not in the expected status, which callers use to lose a close
	// race gracefully.
	CompareAndSwapStatus(ctx context.Context, id int64, from, to domain.PositionStatus) (bool, error)

	// MarkClosed finalizes a close: sets status CLOSED plus the exit fields.
	MarkClosed(ctx context.Context, id int64, exitPrice float64, reason domain.ExitReason, closedAt time.Time) error
	// MarkError flags a position as requiring manual intervention.
	MarkError(ctx context.Context, id int64, reason string) error
}

// TrailingConfigRepository stores the global stop-loss settings and the
// per-side portfolio trailing state.
type TrailingConfigRepository interface {
	// GetSettings returns the current global trailing settings snapshot.
	GetSettings(ctx context.Context) (domain.TrailingSettings, error)
	// SaveSettings replaces the global trailing settings snapshot.
	SaveSettings(ctx context.Context, settings domain.TrailingSettings) error
	// GetPortfolioState returns the trailing state for one side. A side
	// with no stored row yields a disabled zero state, not an error.
	GetPortfolioState(ctx context.Context, side domain.PositionSide) (domain.PortfolioTrailingState, error)
	// UpsertPortfolioState writes the side's enablement, target and lock
	// ratio. MaxPnLReached is preserved when the row already exists.
	UpsertPortfolioState(ctx context.Context, state domain.PortfolioTrailingState) error
	// UpdatePortfolioPeak persists a new MaxPnLReached for the side.
	UpdatePortfolioPeak(ctx context.Context, side domain.PositionSide, peak float64) error
	// ResetPortfolioPeak clears MaxPnLReached for the side.
	ResetPortfolioPeak(ctx context.Context, side domain.PositionSide) error
}

// SignalLogRepository persists the signal audit trail.
type SignalLogRepository interface {
	// CreateSignalLog saves a received signal and returns its assigned ID.
	CreateSignalLog(ctx context.Context, log *domain.SignalLog) (int64, error)
	// FindRecentByHash returns the most recent log with the given payload
	// hash received after the cutoff, or nil, nil if none exists.
	FindRecentByHash(ctx context.Context, hash string, since time.Time) (*domain.SignalLog, error)
	// MarkSignalProcessed records the processing outcome for a signal log.
	MarkSignalProcessed(ctx context.Context, id int64, result string) error
}

// BotRepository exposes read access to bot configuration records. CRUD
// for these records is owned by the dashboard layer.
type BotRepository interface {
	// FindEnabledByKey returns all enabled bots bound to a signal key.
	FindEnabledByKey(ctx context.Context, key string) ([]*domain.BotConfig, error)
}
