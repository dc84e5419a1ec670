package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tvTrailBot/internal/domain"
	"tvTrailBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the persistence ports (positions, trailing
// config, signal logs, bot configs) using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trail_bot.db" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the monitor and webhook paths.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from
	// a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER DEFAULT NULL,
		signal_log_id INTEGER DEFAULT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_price REAL NOT NULL,
		qty REAL NOT NULL,
		leverage INTEGER NOT NULL,
		best_price REAL NOT NULL DEFAULT 0,
		profit_threshold_override REAL DEFAULT NULL,
		lock_ratio_override REAL DEFAULT NULL,
		base_sl_pct_override REAL DEFAULT NULL,
		bot_stop_loss_enabled INTEGER NOT NULL DEFAULT 1,
		tv_signal_close_enabled INTEGER NOT NULL DEFAULT 1,
		stop_mode TEXT NOT NULL DEFAULT 'none',
		dynamic_stop_price REAL DEFAULT NULL,
		base_stop_price REAL DEFAULT NULL,
		eff_profit_threshold_pct REAL NOT NULL DEFAULT 0,
		profit_threshold_source TEXT NOT NULL DEFAULT '',
		eff_lock_ratio REAL NOT NULL DEFAULT 0,
		lock_ratio_source TEXT NOT NULL DEFAULT '',
		eff_base_sl_pct REAL NOT NULL DEFAULT 0,
		base_sl_pct_source TEXT NOT NULL DEFAULT '',
		exit_price REAL DEFAULT NULL,
		exit_reason TEXT DEFAULT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		entry_order_id INTEGER DEFAULT NULL,
		client_order_id TEXT DEFAULT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trailing_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		auto_close_enabled INTEGER NOT NULL DEFAULT 1,
		long_profit_threshold_pct REAL DEFAULT NULL,
		long_lock_ratio REAL DEFAULT NULL,
		long_base_sl_pct REAL DEFAULT NULL,
		short_profit_threshold_pct REAL DEFAULT NULL,
		short_lock_ratio REAL DEFAULT NULL,
		short_base_sl_pct REAL DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS portfolio_trailing (
		side TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 0,
		target_pnl REAL NOT NULL DEFAULT 0,
		lock_ratio REAL DEFAULT NULL,
		max_pnl_reached REAL NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS signal_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_key TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty REAL NOT NULL DEFAULT 0,
		position_size REAL DEFAULT NULL,
		payload_hash TEXT NOT NULL,
		raw_payload TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		result TEXT DEFAULT NULL,
		received_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bot_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		bot_key TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		symbol TEXT NOT NULL DEFAULT '',
		use_signal_side INTEGER NOT NULL DEFAULT 1,
		fixed_side TEXT NOT NULL DEFAULT 'BUY',
		qty REAL NOT NULL DEFAULT 0,
		max_invest_usdt REAL DEFAULT NULL,
		leverage INTEGER NOT NULL DEFAULT 1,
		profit_threshold_override REAL DEFAULT NULL,
		lock_ratio_override REAL DEFAULT NULL,
		base_sl_pct_override REAL DEFAULT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status_side ON positions (status, side);
	CREATE INDEX IF NOT EXISTS idx_positions_bot_symbol_status ON positions (bot_id, symbol, status);
	CREATE INDEX IF NOT EXISTS idx_signal_logs_hash_received ON signal_logs (payload_hash, received_at);
	CREATE INDEX IF NOT EXISTS idx_bot_configs_key ON bot_configs (bot_key);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

const positionColumns = `
	id, COALESCE(bot_id, 0), COALESCE(signal_log_id, 0), symbol, side, status,
	entry_price, qty, leverage, best_price,
	profit_threshold_override, lock_ratio_override, base_sl_pct_override,
	bot_stop_loss_enabled, tv_signal_close_enabled,
	stop_mode, dynamic_stop_price, base_stop_price,
	eff_profit_threshold_pct, profit_threshold_source,
	eff_lock_ratio, lock_ratio_source,
	eff_base_sl_pct, base_sl_pct_source,
	COALESCE(exit_price, 0), COALESCE(exit_reason, ''), closed_at,
	COALESCE(entry_order_id, 0), COALESCE(client_order_id, ''), created_at`

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (bot_id, signal_log_id, symbol, side, status, entry_price, qty, leverage,
	                       best_price, profit_threshold_override, lock_ratio_override, base_sl_pct_override,
	                       bot_stop_loss_enabled, tv_signal_close_enabled, stop_mode,
	                       entry_order_id, client_order_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		nullInt64(pos.BotID), nullInt64(pos.SignalLogID), pos.Symbol, pos.Side, pos.Status,
		pos.EntryPrice, pos.Qty, pos.Leverage,
		pos.BestPrice, pos.ProfitThresholdOverride, pos.LockRatioOverride, pos.BaseSLPctOverride,
		pos.BotStopLossEnabled, pos.TVSignalCloseEnabled, pos.StopMode,
		nullInt64(pos.EntryOrderID), nullString(pos.ClientOrderID), pos.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol, "side": pos.Side})
	return id, nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// FindOpenByBotAndSymbol retrieves the open position for a (bot, symbol) pair, if any.
func (r *Repository) FindOpenByBotAndSymbol(ctx context.Context, botID int64, symbol string) (*domain.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE bot_id = ? AND symbol = ? AND status = ?`

	row := r.db.QueryRowContext(ctx, query, botID, symbol, domain.StatusOpen)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for bot %d symbol %s: %w", botID, symbol, err)
	}
	return pos, nil
}

// FindOpenForMonitor retrieves all OPEN positions with the bot stop-loss enabled.
func (r *Repository) FindOpenForMonitor(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions
	WHERE status = ? AND bot_stop_loss_enabled = 1 ORDER BY id`

	return r.queryPositions(ctx, query, domain.StatusOpen)
}

// FindOpenBySide retrieves all OPEN positions in one direction.
func (r *Repository) FindOpenBySide(ctx context.Context, side domain.PositionSide) ([]*domain.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE status = ? AND side = ? ORDER BY id`

	return r.queryPositions(ctx, query, domain.StatusOpen, side)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// UpdateTrailing persists the best price and stop telemetry for a
// position. The status guard keeps stale telemetry from landing on a
// position a concurrent path has already moved out of OPEN.
func (r *Repository) UpdateTrailing(ctx context.Context, id int64, t ports.TrailingTelemetry) error {
	const query = `
	UPDATE positions
	SET best_price = ?, stop_mode = ?, dynamic_stop_price = ?, base_stop_price = ?,
	    eff_profit_threshold_pct = ?, profit_threshold_source = ?,
	    eff_lock_ratio = ?, lock_ratio_source = ?,
	    eff_base_sl_pct = ?, base_sl_pct_source = ?
	WHERE id = ? AND status = ?`

	_, err := r.db.ExecContext(ctx, query,
		t.BestPrice, t.StopMode, t.DynamicStopPrice, t.BaseStopPrice,
		t.ProfitThresholdPct, t.ProfitThresholdSource,
		t.LockRatio, t.LockRatioSource,
		t.BaseSLPct, t.BaseSLPctSource,
		id, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to update trailing telemetry for position ID %d: %w", id, err)
	}
	return nil
}

// CompareAndSwapStatus atomically transitions a position between
// statuses. Returns false when the position was not in the expected
// status, which callers use to lose a close race gracefully.
func (r *Repository) CompareAndSwapStatus(ctx context.Context, id int64, from, to domain.PositionStatus) (bool, error) {
	const query = `UPDATE positions SET status = ? WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to swap status for position ID %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for position ID %d: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// MarkClosed finalizes a close: sets status CLOSED plus the exit fields.
func (r *Repository) MarkClosed(ctx context.Context, id int64, exitPrice float64, reason domain.ExitReason, closedAt time.Time) error {
	const query = `
	UPDATE positions SET status = ?, exit_price = ?, exit_reason = ?, closed_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, domain.StatusClosed, exitPrice, reason, closedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark position ID %d closed: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position ID %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for close: %w", id, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position closed", map[string]interface{}{"positionID": id, "exitPrice": exitPrice, "reason": reason})
	return nil
}

// MarkError flags a position as requiring manual intervention.
func (r *Repository) MarkError(ctx context.Context, id int64, reason string) error {
	const query = `UPDATE positions SET status = ?, exit_reason = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, domain.StatusError, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark position ID %d as errored: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position ID %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for error flag: %w", id, ports.ErrNotFound)
	}
	return nil
}

// --- TrailingConfigRepository Implementation ---

// GetSettings returns the global trailing settings snapshot. When no row
// has been saved yet the zero snapshot with auto-close enabled is returned.
func (r *Repository) GetSettings(ctx context.Context) (domain.TrailingSettings, error) {
	const query = `
	SELECT auto_close_enabled,
	       long_profit_threshold_pct, long_lock_ratio, long_base_sl_pct,
	       short_profit_threshold_pct, short_lock_ratio, short_base_sl_pct
	FROM trailing_settings WHERE id = 1`

	var s domain.TrailingSettings
	err := r.db.QueryRowContext(ctx, query,
	).Scan(&s.AutoCloseEnabled,
		&s.Long.ProfitThresholdPct, &s.Long.LockRatio, &s.Long.BaseSLPct,
		&s.Short.ProfitThresholdPct, &s.Short.LockRatio, &s.Short.BaseSLPct)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TrailingSettings{AutoCloseEnabled: true}, nil
		}
		return domain.TrailingSettings{}, fmt.Errorf("failed to query trailing settings: %w", err)
	}
	return s, nil
}

// SaveSettings replaces the global trailing settings snapshot.
func (r *Repository) SaveSettings(ctx context.Context, s domain.TrailingSettings) error {
	const query = `
	INSERT INTO trailing_settings (id, auto_close_enabled,
	       long_profit_threshold_pct, long_lock_ratio, long_base_sl_pct,
	       short_profit_threshold_pct, short_lock_ratio, short_base_sl_pct)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	       auto_close_enabled = excluded.auto_close_enabled,
	       long_profit_threshold_pct = excluded.long_profit_threshold_pct,
	       long_lock_ratio = excluded.long_lock_ratio,
	       long_base_sl_pct = excluded.long_base_sl_pct,
	       short_profit_threshold_pct = excluded.short_profit_threshold_pct,
	       short_lock_ratio = excluded.short_lock_ratio,
	       short_base_sl_pct = excluded.short_base_sl_pct`

	_, err := r.db.ExecContext(ctx, query, s.AutoCloseEnabled,
		s.Long.ProfitThresholdPct, s.Long.LockRatio, s.Long.BaseSLPct,
		s.Short.ProfitThresholdPct, s.Short.LockRatio, s.Short.BaseSLPct)
	if err != nil {
		return fmt.Errorf("failed to save trailing settings: %w", err)
	}
	return nil
}

// GetPortfolioState returns the trailing state for one side.
func (r *Repository) GetPortfolioState(ctx context.Context, side domain.PositionSide) (domain.PortfolioTrailingState, error) {
	const query = `
	SELECT enabled, target_pnl, lock_ratio, max_pnl_reached, updated_at
	FROM portfolio_trailing WHERE side = ?`

	s := domain.PortfolioTrailingState{Side: side}
	err := r.db.QueryRowContext(ctx, query, side).Scan(
		&s.Enabled, &s.TargetPnL, &s.LockRatio, &s.MaxPnLReached, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PortfolioTrailingState{Side: side}, nil
		}
		return domain.PortfolioTrailingState{}, fmt.Errorf("failed to query portfolio trailing state for side %s: %w", side, err)
	}
	return s, nil
}

// UpsertPortfolioState writes a side's enablement, target and lock ratio,
// preserving the stored peak when the row already exists.
func (r *Repository) UpsertPortfolioState(ctx context.Context, state domain.PortfolioTrailingState) error {
	const query = `
	INSERT INTO portfolio_trailing (side, enabled, target_pnl, lock_ratio, max_pnl_reached, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(side) DO UPDATE SET
	       enabled = excluded.enabled,
	       target_pnl = excluded.target_pnl,
	       lock_ratio = excluded.lock_ratio,
	       updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		state.Side, state.Enabled, state.TargetPnL, state.LockRatio, state.MaxPnLReached, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio trailing state for side %s: %w", state.Side, err)
	}
	return nil
}

// UpdatePortfolioPeak persists a new MaxPnLReached for the side.
func (r *Repository) UpdatePortfolioPeak(ctx context.Context, side domain.PositionSide, peak float64) error {
	const query = `UPDATE portfolio_trailing SET max_pnl_reached = ?, updated_at = ? WHERE side = ?`

	result, err := r.db.ExecContext(ctx, query, peak, time.Now().UTC(), side)
	if err != nil {
		return fmt.Errorf("failed to update portfolio peak for side %s: %w", side, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for portfolio peak update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("portfolio trailing state for side %s not found: %w", side, ports.ErrNotFound)
	}
	return nil
}

// ResetPortfolioPeak clears MaxPnLReached for the side.
func (r *Repository) ResetPortfolioPeak(ctx context.Context, side domain.PositionSide) error {
	const query = `UPDATE portfolio_trailing SET max_pnl_reached = 0, updated_at = ? WHERE side = ?`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), side)
	if err != nil {
		return fmt.Errorf("failed to reset portfolio peak for side %s: %w", side, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for portfolio peak reset: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("portfolio trailing state for side %s not found: %w", side, ports.ErrNotFound)
	}
	r.logger.Info(ctx, "Portfolio trailing peak reset", map[string]interface{}{"side": side})
	return nil
}

// --- SignalLogRepository Implementation ---

// CreateSignalLog saves a received signal and returns its assigned ID.
func (r *Repository) CreateSignalLog(ctx context.Context, log *domain.SignalLog) (int64, error) {
	const query = `
	INSERT INTO signal_logs (bot_key, symbol, side, qty, position_size, payload_hash, raw_payload, processed, result, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		log.Key, log.Symbol, log.Side, log.Qty, log.PositionSize,
		log.Hash, log.RawPayload, log.Processed, nullString(log.Result), log.ReceivedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert signal log for key %s: %w", log.Key, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for signal log: %w", err)
	}
	log.ID = id
	return id, nil
}

// FindRecentByHash returns the most recent log with the given payload
// hash received after the cutoff, or nil, nil if none exists.
func (r *Repository) FindRecentByHash(ctx context.Context, hash string, since time.Time) (*domain.SignalLog, error) {
	const query = `
	SELECT id, bot_key, symbol, side, qty, position_size, payload_hash, raw_payload, processed, COALESCE(result, ''), received_at
	FROM signal_logs
	WHERE payload_hash = ? AND received_at > ?
	ORDER BY received_at DESC LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, hash, since)
	log := &domain.SignalLog{}
	err := row.Scan(&log.ID, &log.Key, &log.Symbol, &log.Side, &log.Qty, &log.PositionSize,
		&log.Hash, &log.RawPayload, &log.Processed, &log.Result, &log.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query signal log by hash: %w", err)
	}
	return log, nil
}

// MarkSignalProcessed records the processing outcome for a signal log.
func (r *Repository) MarkSignalProcessed(ctx context.Context, id int64, result string) error {
	const query = `UPDATE signal_logs SET processed = 1, result = ? WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query, result, id)
	if err != nil {
		return fmt.Errorf("failed to mark signal log ID %d processed: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for signal log ID %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("signal log ID %d not found: %w", id, ports.ErrNotFound)
	}
	return nil
}

// --- BotRepository Implementation ---

// FindEnabledByKey returns all enabled bots bound to a signal key.
func (r *Repository) FindEnabledByKey(ctx context.Context, key string) ([]*domain.BotConfig, error) {
	const query = `
	SELECT id, name, bot_key, enabled, symbol, use_signal_side, fixed_side, qty, max_invest_usdt, leverage,
	       profit_threshold_override, lock_ratio_override, base_sl_pct_override
	FROM bot_configs WHERE bot_key = ? AND enabled = 1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot configs for key %s: %w", key, err)
	}
	defer rows.Close()

	bots := make([]*domain.BotConfig, 0)
	for rows.Next() {
		b := &domain.BotConfig{}
		err := rows.Scan(&b.ID, &b.Name, &b.Key, &b.Enabled, &b.Symbol, &b.UseSignalSide,
			&b.FixedSide, &b.Qty, &b.MaxInvestUSDT, &b.Leverage,
			&b.ProfitThresholdOverride, &b.LockRatioOverride, &b.BaseSLPctOverride)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot config row: %w", err)
		}
		bots = append(bots, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bot config rows: %w", err)
	}
	return bots, nil
}

// CreateBotConfig saves a bot configuration record, used to seed a
// deployment-default bot from environment configuration.
func (r *Repository) CreateBotConfig(ctx context.Context, b *domain.BotConfig) (int64, error) {
	const query = `
	INSERT INTO bot_configs (name, bot_key, enabled, symbol, use_signal_side, fixed_side, qty, max_invest_usdt, leverage,
	                         profit_threshold_override, lock_ratio_override, base_sl_pct_override)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		b.Name, b.Key, b.Enabled, b.Symbol, b.UseSignalSide, b.FixedSide, b.Qty, b.MaxInvestUSDT, b.Leverage,
		b.ProfitThresholdOverride, b.LockRatioOverride, b.BaseSLPctOverride)
	if err != nil {
		return 0, fmt.Errorf("failed to insert bot config %s: %w", b.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for bot config %s: %w", b.Name, err)
	}
	b.ID = id
	return id, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, status, stopMode, exitReason string
	var thresholdSource, lockSource, baseSource string
	var closedAt sql.NullTime
	err := s.Scan(
		&p.ID, &p.BotID, &p.SignalLogID, &p.Symbol, &side, &status,
		&p.EntryPrice, &p.Qty, &p.Leverage, &p.BestPrice,
		&p.ProfitThresholdOverride, &p.LockRatioOverride, &p.BaseSLPctOverride,
		&p.BotStopLossEnabled, &p.TVSignalCloseEnabled,
		&stopMode, &p.DynamicStopPrice, &p.BaseStopPrice,
		&p.EffProfitThresholdPct, &thresholdSource,
		&p.EffLockRatio, &lockSource,
		&p.EffBaseSLPct, &baseSource,
		&p.ExitPrice, &exitReason, &closedAt,
		&p.EntryOrderID, &p.ClientOrderID, &p.CreatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	p.StopMode = domain.StopMode(stopMode)
	p.ProfitThresholdSource = domain.ConfigSource(thresholdSource)
	p.LockRatioSource = domain.ConfigSource(lockSource)
	p.BaseSLPctSource = domain.ConfigSource(baseSource)
	p.ExitReason = domain.ExitReason(exitReason)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
