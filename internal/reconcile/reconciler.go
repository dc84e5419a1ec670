package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tvTrailBot/internal/domain"
	"tvTrailBot/internal/ports"
)

const (
	defaultDedupWindow     = 30 * time.Second
	defaultExchangeTimeout = 10 * time.Second
)

// Config holds dependencies and tuning for the signal reconciler.
type Config struct {
	Logger     ports.Logger
	Exchange   ports.ExchangeClient
	Positions  ports.PositionRepository
	SignalLogs ports.SignalLogRepository
	Bots       ports.BotRepository

	// DedupWindow suppresses byte-identical payloads delivered again
	// within this window (webhook retries).
	DedupWindow     time.Duration
	ResizeThreshold float64
	ExchangeTimeout time.Duration
}

// Reconciler turns an inbound signal into concrete exchange actions for
// every enabled bot bound to the signal's key.
type Reconciler struct {
	cfg Config
}

// New creates a signal reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for reconciler")
	}
	if cfg.Exchange == nil || cfg.Positions == nil || cfg.SignalLogs == nil || cfg.Bots == nil {
		return nil, fmt.Errorf("exchange client and repositories are required for reconciler")
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.ResizeThreshold <= 0 {
		cfg.ResizeThreshold = DefaultResizeThreshold
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	return &Reconciler{cfg: cfg}, nil
}

// HandleSignal processes one inbound signal synchronously: dedup check,
// audit log, then per-bot reconciliation. Per-bot failures are collected
// so one bot's exchange problem does not mask another's success.
func (r *Reconciler) HandleSignal(ctx context.Context, sig domain.Signal) error {
	hash := payloadHash(sig)
	fields := map[string]interface{}{"key": sig.Key, "symbol": sig.Symbol, "hash": hash}

	prior, err := r.cfg.SignalLogs.FindRecentByHash(ctx, hash, time.Now().Add(-r.cfg.DedupWindow))
	if err != nil {
		return fmt.Errorf("duplicate check failed: %w", err)
	}
	if prior != nil {
		r.cfg.Logger.Warn(ctx, "Duplicate signal suppressed", fields)
		return fmt.Errorf("signal repeats log %d: %w", prior.ID, ports.ErrDuplicateSignal)
	}

	logEntry := &domain.SignalLog{
		Key:          sig.Key,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Qty:          sig.Qty,
		PositionSize: sig.PositionSize,
		Hash:         hash,
		RawPayload:   sig.RawPayload,
		ReceivedAt:   time.Now().UTC(),
	}
	logID, err := r.cfg.SignalLogs.CreateSignalLog(ctx, logEntry)
	if err != nil {
		return fmt.Errorf("failed to record signal: %w", err)
	}

	bots, err := r.cfg.Bots.FindEnabledByKey(ctx, sig.Key)
	if err != nil {
		return fmt.Errorf("failed to look up bots for key: %w", err)
	}
	if len(bots) == 0 {
		r.cfg.Logger.Warn(ctx, "Signal has no enabled bot", fields)
		r.markProcessed(ctx, logID, "no enabled bot for key")
		return fmt.Errorf("key %q: %w", sig.Key, ports.ErrNoActiveBot)
	}

	var errs []error
	for _, bot := range bots {
		if err := r.reconcileBot(ctx, bot, sig, logID); err != nil {
			errs = append(errs, fmt.Errorf("bot %s: %w", bot.Name, err))
		}
	}
	joined := errors.Join(errs...)
	if joined != nil {
		r.markProcessed(ctx, logID, "failed: "+joined.Error())
		return joined
	}
	r.markProcessed(ctx, logID, "ok")
	return nil
}

func (r *Reconciler) markProcessed(ctx context.Context, logID int64, result string) {
	if err := r.cfg.SignalLogs.MarkSignalProcessed(ctx, logID, result); err != nil {
		r.cfg.Logger.Error(ctx, err, "Failed to mark signal log processed", map[string]interface{}{"signalLogID": logID})
	}
}

// reconcileBot applies the signal to one bot. Legacy order-directed
// signals always open; position-directed signals are reconciled against
// the bot's current open position for the symbol.
func (r *Reconciler) reconcileBot(ctx context.Context, bot *domain.BotConfig, sig domain.Signal, logID int64) error {
	symbol := bot.Symbol
	if symbol == "" {
		symbol = sig.Symbol
	}
	if symbol == "" {
		return fmt.Errorf("no symbol on signal or bot: %w", ports.ErrInvalidRequest)
	}

	if !sig.PositionDirected() {
		return r.legacyOpen(ctx, bot, sig, symbol, logID)
	}

	current, err := r.cfg.Positions.FindOpenByBotAndSymbol(ctx, bot.ID, symbol)
	if err != nil {
		return fmt.Errorf("failed to load current position: %w", err)
	}

	decision := Decide(current.SignedQty(), *sig.PositionSize, r.cfg.ResizeThreshold)
	fields := map[string]interface{}{
		"bot": bot.Name, "symbol": symbol, "action": decision.Type,
		"current": current.SignedQty(), "target": *sig.PositionSize,
	}
	r.cfg.Logger.Info(ctx, "Signal reconciled", fields)

	if decision.Type == ActionNoOp {
		return nil
	}

	if decision.CloseCurrent {
		if current.TVSignalCloseEnabled {
			if err := r.closePosition(ctx, current); err != nil {
				return err
			}
		} else {
			// Only the close leg is gated; an opening leg below still runs.
			r.cfg.Logger.Warn(ctx, "Signal close suppressed by position flag", fields)
		}
	}

	if decision.OpenQty > 0 {
		qty, err := r.capToMaxInvest(ctx, bot, symbol, decision.OpenQty)
		if err != nil {
			return err
		}
		return r.openPosition(ctx, bot, symbol, decision.OpenSide, qty, logID)
	}
	return nil
}

// legacyOpen is the backward-compatible order-directed path: a blind
// market open with no position lookup.
func (r *Reconciler) legacyOpen(ctx context.Context, bot *domain.BotConfig, sig domain.Signal, symbol string, logID int64) error {
	orderSide := bot.FixedSide
	if bot.UseSignalSide && sig.Side != "" {
		orderSide = sig.Side
	}
	if orderSide == "" {
		return fmt.Errorf("no order side on signal or bot: %w", ports.ErrInvalidRequest)
	}

	qty, err := r.orderQty(ctx, bot, sig, symbol)
	if err != nil {
		return err
	}
	return r.openPosition(ctx, bot, symbol, orderSide.PositionSide(), qty, logID)
}

// orderQty resolves the legacy order size: the signal's qty, the bot's
// fixed qty, or a size derived from the bot's max investment at the
// current mark price.
func (r *Reconciler) orderQty(ctx context.Context, bot *domain.BotConfig, sig domain.Signal, symbol string) (float64, error) {
	if sig.Qty > 0 {
		return sig.Qty, nil
	}
	if bot.MaxInvestUSDT != nil && *bot.MaxInvestUSDT > 0 {
		return r.maxInvestQty(ctx, bot, symbol)
	}
	if bot.Qty > 0 {
		return bot.Qty, nil
	}
	return 0, fmt.Errorf("no usable order size on signal or bot: %w", ports.ErrInvalidRequest)
}

// maxInvestQty derives the quantity the bot's maximum investment buys at
// the current mark price.
func (r *Reconciler) maxInvestQty(ctx context.Context, bot *domain.BotConfig, symbol string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ExchangeTimeout)
	mark, err := r.cfg.Exchange.GetMarkPrice(callCtx, symbol)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("mark price needed for max-invest sizing: %w", err)
	}
	if mark <= 0 {
		return 0, fmt.Errorf("mark price %v unusable for sizing: %w", mark, ports.ErrInvalidRequest)
	}
	return *bot.MaxInvestUSDT / mark, nil
}

// capToMaxInvest bounds an opening quantity by what the bot's maximum
// investment buys at the current mark price. Signals can demand a target
// size larger than the bot is allowed to hold.
func (r *Reconciler) capToMaxInvest(ctx context.Context, bot *domain.BotConfig, symbol string, qty float64) (float64, error) {
	if bot.MaxInvestUSDT == nil || *bot.MaxInvestUSDT <= 0 {
		return qty, nil
	}
	limit, err := r.maxInvestQty(ctx, bot, symbol)
	if err != nil {
		return 0, err
	}
	if limit < qty {
		r.cfg.Logger.Info(ctx, "Order size capped by max investment", map[string]interface{}{
			"bot": bot.Name, "symbol": symbol, "requested": qty, "capped": limit,
		})
		return limit, nil
	}
	return qty, nil
}

// openPosition places the market order and records the new position. An
// exchange rejection still leaves a record, in ERROR status, so the
// attempt never vanishes from tracking.
func (r *Reconciler) openPosition(ctx context.Context, bot *domain.BotConfig, symbol string, side domain.PositionSide, qty float64, logID int64) error {
	leverage := bot.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	clientOrderID := uuid.NewString()

	pos := &domain.Position{
		BotID:                   bot.ID,
		SignalLogID:             logID,
		Symbol:                  symbol,
		Side:                    side,
		Qty:                     qty,
		Leverage:                leverage,
		ProfitThresholdOverride: bot.ProfitThresholdOverride,
		LockRatioOverride:       bot.LockRatioOverride,
		BaseSLPctOverride:       bot.BaseSLPctOverride,
		BotStopLossEnabled:      true,
		TVSignalCloseEnabled:    true,
		StopMode:                domain.StopModeNone,
		ClientOrderID:           clientOrderID,
		CreatedAt:               time.Now().UTC(),
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ExchangeTimeout)
	order, err := r.cfg.Exchange.OpenMarketOrder(callCtx, symbol, side, qty, leverage, clientOrderID)
	cancel()
	if err != nil {
		pos.Status = domain.StatusError
		pos.ExitReason = domain.ExitReasonError
		if _, createErr := r.cfg.Positions.Create(ctx, pos); createErr != nil {
			r.cfg.Logger.Error(ctx, createErr, "Failed to record errored open attempt", map[string]interface{}{"bot": bot.Name, "symbol": symbol})
		}
		return fmt.Errorf("open order failed: %w", err)
	}

	pos.Status = domain.StatusOpen
	pos.EntryPrice = order.AvgPrice
	pos.BestPrice = order.AvgPrice
	pos.EntryOrderID = order.OrderID
	if order.ExecutedQty > 0 {
		pos.Qty = order.ExecutedQty
	}

	if _, err := r.cfg.Positions.Create(ctx, pos); err != nil {
		return fmt.Errorf("order %d filled but position not recorded: %w", order.OrderID, err)
	}
	r.cfg.Logger.Info(ctx, "Position opened", map[string]interface{}{
		"bot": bot.Name, "symbol": symbol, "side": side, "qty": pos.Qty,
		"entryPrice": pos.EntryPrice, "positionID": pos.ID,
	})
	return nil
}

// closePosition closes an open position under the same CAS discipline
// as the monitor. Losing the race to another closer is a no-op.
func (r *Reconciler) closePosition(ctx context.Context, pos *domain.Position) error {
	swapped, err := r.cfg.Positions.CompareAndSwapStatus(ctx, pos.ID, domain.StatusOpen, domain.StatusClosing)
	if err != nil {
		return fmt.Errorf("failed to transition position %d to CLOSING: %w", pos.ID, err)
	}
	if !swapped {
		r.cfg.Logger.Debug(ctx, "Position already closing or closed", map[string]interface{}{"positionID": pos.ID})
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ExchangeTimeout)
	exitPrice, orderID, err := r.cfg.Exchange.ClosePosition(callCtx, pos.Symbol, pos.Side, pos.Qty, uuid.NewString())
	cancel()
	if err != nil {
		if _, revertErr := r.cfg.Positions.CompareAndSwapStatus(ctx, pos.ID, domain.StatusClosing, domain.StatusOpen); revertErr != nil {
			r.cfg.Logger.Error(ctx, revertErr, "Failed to revert position status", map[string]interface{}{"positionID": pos.ID})
		}
		return fmt.Errorf("close order failed for position %d: %w", pos.ID, err)
	}

	if err := r.cfg.Positions.MarkClosed(ctx, pos.ID, exitPrice, domain.ExitReasonSignalClose, time.Now().UTC()); err != nil {
		return fmt.Errorf("position %d closed on exchange but not marked closed: %w", pos.ID, err)
	}
	r.cfg.Logger.Info(ctx, "Position closed by signal", map[string]interface{}{
		"positionID": pos.ID, "exitPrice": exitPrice, "orderID": orderID,
	})
	return nil
}

// payloadHash fingerprints a signal for duplicate suppression. The raw
// webhook payload is used when present so formatting differences count
// as different signals.
func payloadHash(sig domain.Signal) string {
	data := sig.RawPayload
	if data == "" {
		size := ""
		if sig.PositionSize != nil {
			size = strconv.FormatFloat(*sig.PositionSize, 'f', -1, 64)
		}
		data = sig.Key + "|" + sig.Symbol + "|" + string(sig.Side) + "|" +
			strconv.FormatFloat(sig.Qty, 'f', -1, 64) + "|" + size
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
