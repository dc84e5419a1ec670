package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvTrailBot/internal/domain"
	"tvTrailBot/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type openCall struct {
	symbol   string
	side     domain.PositionSide
	qty      float64
	leverage int
}

type closeCall struct {
	symbol string
	side   domain.PositionSide
	qty    float64
}

type mockExchange struct {
	markPrice  float64
	openErr    error
	closeErr   error
	fillPrice  float64
	openCalls  []openCall
	closeCalls []closeCall
}

func (m *mockExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if m.markPrice <= 0 {
		return 0, ports.ErrConnectionFailed
	}
	return m.markPrice, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockExchange) OpenMarketOrder(ctx context.Context, symbol string, side domain.PositionSide, qty float64, leverage int, clientOrderID string) (*ports.OrderResponse, error) {
	m.openCalls = append(m.openCalls, openCall{symbol: symbol, side: side, qty: qty, leverage: leverage})
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &ports.OrderResponse{
		OrderID:       int64(1000 + len(m.openCalls)),
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		AvgPrice:      m.fillPrice,
		ExecutedQty:   qty,
		Status:        "FILLED",
	}, nil
}

func (m *mockExchange) ClosePosition(ctx context.Context, symbol string, side domain.PositionSide, qty float64, clientOrderID string) (float64, int64, error) {
	m.closeCalls = append(m.closeCalls, closeCall{symbol: symbol, side: side, qty: qty})
	if m.closeErr != nil {
		return 0, 0, m.closeErr
	}
	return m.fillPrice, 999, nil
}

func (m *mockExchange) Ping(ctx context.Context) error { return nil }

type mockPositionRepo struct {
	nextID    int64
	positions []*domain.Position
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	m.nextID++
	pos.ID = m.nextID
	cp := *pos
	m.positions = append(m.positions, &cp)
	return pos.ID, nil
}

func (m *mockPositionRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	for _, p := range m.positions {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockPositionRepo) FindOpenByBotAndSymbol(ctx context.Context, botID int64, symbol string) (*domain.Position, error) {
	for _, p := range m.positions {
		if p.BotID == botID && p.Symbol == symbol && p.Status == domain.StatusOpen {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockPositionRepo) FindOpenForMonitor(ctx context.Context) ([]*domain.Position, error) {
	return nil, errors.New("not used in reconcile tests")
}

func (m *mockPositionRepo) FindOpenBySide(ctx context.Context, side domain.PositionSide) ([]*domain.Position, error) {
	return nil, errors.New("not used in reconcile tests")
}

func (m *mockPositionRepo) UpdateTrailing(ctx context.Context, id int64, t ports.TrailingTelemetry) error {
	return nil
}

func (m *mockPositionRepo) CompareAndSwapStatus(ctx context.Context, id int64, from, to domain.PositionStatus) (bool, error) {
	for _, p := range m.positions {
		if p.ID == id && p.Status == from {
			p.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *mockPositionRepo) MarkClosed(ctx context.Context, id int64, exitPrice float64, reason domain.ExitReason, closedAt time.Time) error {
	for _, p := range m.positions {
		if p.ID == id {
			p.Status = domain.StatusClosed
			p.ExitPrice = exitPrice
			p.ExitReason = reason
			p.ClosedAt = closedAt
			return nil
		}
	}
	return ports.ErrNotFound
}

func (m *mockPositionRepo) MarkError(ctx context.Context, id int64, reason string) error {
	for _, p := range m.positions {
		if p.ID == id {
			p.Status = domain.StatusError
			return nil
		}
	}
	return ports.ErrNotFound
}

func (m *mockPositionRepo) openPositions() []*domain.Position {
	out := make([]*domain.Position, 0)
	for _, p := range m.positions {
		if p.Status == domain.StatusOpen {
			out = append(out, p)
		}
	}
	return out
}

type mockSignalLogs struct {
	nextID int64
	logs   []*domain.SignalLog
}

func (m *mockSignalLogs) CreateSignalLog(ctx context.Context, log *domain.SignalLog) (int64, error) {
	m.nextID++
	log.ID = m.nextID
	cp := *log
	m.logs = append(m.logs, &cp)
	return log.ID, nil
}

func (m *mockSignalLogs) FindRecentByHash(ctx context.Context, hash string, since time.Time) (*domain.SignalLog, error) {
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].Hash == hash && m.logs[i].ReceivedAt.After(since) {
			return m.logs[i], nil
		}
	}
	return nil, nil
}

func (m *mockSignalLogs) MarkSignalProcessed(ctx context.Context, id int64, result string) error {
	for _, l := range m.logs {
		if l.ID == id {
			l.Processed = true
			l.Result = result
			return nil
		}
	}
	return ports.ErrNotFound
}

type mockBots struct {
	bots map[string][]*domain.BotConfig
}

func (m *mockBots) FindEnabledByKey(ctx context.Context, key string) ([]*domain.BotConfig, error) {
	return m.bots[key], nil
}

// Helpers

func fptr(f float64) *float64 { return &f }

type fixture struct {
	rec  *Reconciler
	ex   *mockExchange
	repo *mockPositionRepo
	logs *mockSignalLogs
	bots *mockBots
}

func newFixture(t *testing.T, bot *domain.BotConfig) *fixture {
	t.Helper()
	ex := &mockExchange{markPrice: 100, fillPrice: 100}
	repo := &mockPositionRepo{}
	logs := &mockSignalLogs{}
	bots := &mockBots{bots: map[string][]*domain.BotConfig{}}
	if bot != nil {
		bots.bots[bot.Key] = []*domain.BotConfig{bot}
	}
	rec, err := New(Config{
		Logger:     &mockLogger{},
		Exchange:   ex,
		Positions:  repo,
		SignalLogs: logs,
		Bots:       bots,
	})
	require.NoError(t, err)
	return &fixture{rec: rec, ex: ex, repo: repo, logs: logs, bots: bots}
}

func testBot() *domain.BotConfig {
	return &domain.BotConfig{
		ID: 1, Name: "eth-bot", Key: "alpha", Enabled: true, Symbol: "ETHUSDT",
		UseSignalSide: true, FixedSide: domain.Buy, Qty: 1, Leverage: 5,
	}
}

// uniquePayload keeps dedup out of tests that exercise re-application.
var payloadSeq int

func directedSignal(target float64) domain.Signal {
	payloadSeq++
	return domain.Signal{
		Key:          "alpha",
		Symbol:       "ETHUSDT",
		PositionSize: fptr(target),
		RawPayload:   fmt.Sprintf(`{"key":"alpha","position_size":%v,"seq":%d}`, target, payloadSeq),
	}
}

// Tests

func TestHandleSignalLegacyOpen(t *testing.T) {
	f := newFixture(t, testBot())

	sig := domain.Signal{Key: "alpha", Symbol: "ETHUSDT", Side: domain.Sell, Qty: 2, RawPayload: `{"a":1}`}
	require.NoError(t, f.rec.HandleSignal(context.Background(), sig))

	require.Len(t, f.ex.openCalls, 1)
	assert.Equal(t, domain.Short, f.ex.openCalls[0].side)
	assert.Equal(t, 2.0, f.ex.openCalls[0].qty)
	assert.Equal(t, 5, f.ex.openCalls[0].leverage)

	open := f.repo.openPositions()
	require.Len(t, open, 1)
	assert.Equal(t, domain.Short, open[0].Side)
	assert.Equal(t, 100.0, open[0].EntryPrice)
	assert.Equal(t, 100.0, open[0].BestPrice)
	assert.Equal(t, int64(1), open[0].SignalLogID)

	require.Len(t, f.logs.logs, 1)
	assert.True(t, f.logs.logs[0].Processed)
	assert.Equal(t, "ok", f.logs.logs[0].Result)
}

func TestHandleSignalLegacyFixedSide(t *testing.T) {
	bot := testBot()
	bot.UseSignalSide = false
	bot.FixedSide = domain.Sell
	f := newFixture(t, bot)

	sig := domain.Signal{Key: "alpha", Symbol: "ETHUSDT", Side: domain.Buy, Qty: 1, RawPayload: `{"b":2}`}
	require.NoError(t, f.rec.HandleSignal(context.Background(), sig))

	require.Len(t, f.ex.openCalls, 1)
	assert.Equal(t, domain.Short, f.ex.openCalls[0].side)
}

func TestHandleSignalMaxInvestSizing(t *testing.T) {
	bot := testBot()
	bot.Qty = 0
	bot.MaxInvestUSDT = fptr(500)
	f := newFixture(t, bot)
	f.ex.markPrice = 100

	sig := domain.Signal{Key: "alpha", Symbol: "ETHUSDT", Side: domain.Buy, RawPayload: `{"c":3}`}
	require.NoError(t, f.rec.HandleSignal(context.Background(), sig))

	require.Len(t, f.ex.openCalls, 1)
	assert.InDelta(t, 5.0, f.ex.openCalls[0].qty, 1e-9)
}

func TestHandleSignalDirectedOpenCappedByMaxInvest(t *testing.T) {
	bot := testBot()
	bot.MaxInvestUSDT = fptr(100)
	f := newFixture(t, bot)
	f.ex.markPrice = 100

	// Target 5 at mark 100 would need 500 USDT; the bot may hold 100.
	require.NoError(t, f.rec.HandleSignal(context.Background(), directedSignal(5)))

	require.Len(t, f.ex.openCalls, 1)
	assert.InDelta(t, 1.0, f.ex.openCalls[0].qty, 1e-9)

	open := f.repo.openPositions()
	require.Len(t, open, 1)
	assert.InDelta(t, 1.0, open[0].Qty, 1e-9)
}

func TestHandleSignalDirectedOpenWithinMaxInvest(t *testing.T) {
	bot := testBot()
	bot.MaxInvestUSDT = fptr(1000)
	f := newFixture(t, bot)
	f.ex.markPrice = 100

	require.NoError(t, f.rec.HandleSignal(context.Background(), directedSignal(3)))

	require.Len(t, f.ex.openCalls, 1)
	assert.InDelta(t, 3.0, f.ex.openCalls[0].qty, 1e-9)
}

func TestHandleSignalOpenFromFlat(t *testing.T) {
	f := newFixture(t, testBot())

	require.NoError(t, f.rec.HandleSignal(context.Background(), directedSignal(3)))

	open := f.repo.openPositions()
	require.Len(t, open, 1)
	assert.Equal(t, domain.Long, open[0].Side)
	assert.Equal(t, 3.0, open[0].Qty)
	assert.Empty(t, f.ex.closeCalls)
}

func TestHandleSignalFlatTargetCloses(t *testing.T) {
	f := newFixture(t, testBot())
	ctx := context.Background()

	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(3)))
	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(0)))

	require.Len(t, f.ex.closeCalls, 1)
	assert.Equal(t, 3.0, f.ex.closeCalls[0].qty)
	assert.Empty(t, f.repo.openPositions())
	assert.Equal(t, domain.ExitReasonSignalClose, f.repo.positions[0].ExitReason)
}

func TestHandleSignalIdempotentReapplication(t *testing.T) {
	f := newFixture(t, testBot())
	ctx := context.Background()

	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(3)))
	// Same target again: current already matches, collapses to NoOp.
	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(3)))

	assert.Len(t, f.ex.openCalls, 1)
	assert.Empty(t, f.ex.closeCalls)
	require.Len(t, f.repo.openPositions(), 1)
}

func TestHandleSignalResizeThreshold(t *testing.T) {
	f := newFixture(t, testBot())
	ctx := context.Background()

	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(50)))

	// 8% change: ignored.
	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(54)))
	assert.Len(t, f.ex.openCalls, 1)
	assert.Empty(t, f.ex.closeCalls)

	// 12% change: close then reopen at the new size.
	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(56)))
	require.Len(t, f.ex.closeCalls, 1)
	assert.Equal(t, 50.0, f.ex.closeCalls[0].qty)
	require.Len(t, f.ex.openCalls, 2)
	assert.Equal(t, 56.0, f.ex.openCalls[1].qty)

	open := f.repo.openPositions()
	require.Len(t, open, 1)
	assert.Equal(t, 56.0, open[0].Qty)
	assert.Equal(t, domain.Long, open[0].Side)
}

func TestHandleSignalReverse(t *testing.T) {
	f := newFixture(t, testBot())
	ctx := context.Background()

	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(10)))
	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(-7)))

	// Explicit close of the long, then a fresh short open.
	require.Len(t, f.ex.closeCalls, 1)
	assert.Equal(t, domain.Long, f.ex.closeCalls[0].side)
	assert.Equal(t, 10.0, f.ex.closeCalls[0].qty)
	require.Len(t, f.ex.openCalls, 2)
	assert.Equal(t, domain.Short, f.ex.openCalls[1].side)
	assert.Equal(t, 7.0, f.ex.openCalls[1].qty)

	open := f.repo.openPositions()
	require.Len(t, open, 1)
	assert.Equal(t, domain.Short, open[0].Side)
	assert.Equal(t, 7.0, open[0].Qty)
}

func TestHandleSignalCloseSuppressedByPositionFlag(t *testing.T) {
	f := newFixture(t, testBot())
	ctx := context.Background()

	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(3)))
	f.repo.positions[0].TVSignalCloseEnabled = false

	require.NoError(t, f.rec.HandleSignal(ctx, directedSignal(0)))

	// The close leg is gated off; the position stays open.
	assert.Empty(t, f.ex.closeCalls)
	require.Len(t, f.repo.openPositions(), 1)
}

func TestHandleSignalOpenFailureRecordsError(t *testing.T) {
	f := newFixture(t, testBot())
	f.ex.openErr = ports.ErrOrderPlacementFailed

	err := f.rec.HandleSignal(context.Background(), directedSignal(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)

	// The failed attempt is tracked, not dropped.
	require.Len(t, f.repo.positions, 1)
	assert.Equal(t, domain.StatusError, f.repo.positions[0].Status)
	assert.Empty(t, f.repo.openPositions())

	require.Len(t, f.logs.logs, 1)
	assert.Contains(t, f.logs.logs[0].Result, "failed")
}

func TestHandleSignalDuplicateSuppressed(t *testing.T) {
	f := newFixture(t, testBot())
	ctx := context.Background()

	sig := domain.Signal{Key: "alpha", Symbol: "ETHUSDT", PositionSize: fptr(3), RawPayload: `{"dup":1}`}
	require.NoError(t, f.rec.HandleSignal(ctx, sig))

	err := f.rec.HandleSignal(ctx, sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrDuplicateSignal)

	// Only the first delivery acted and only one log row exists.
	assert.Len(t, f.ex.openCalls, 1)
	assert.Len(t, f.logs.logs, 1)
}

func TestHandleSignalNoActiveBot(t *testing.T) {
	f := newFixture(t, nil)

	err := f.rec.HandleSignal(context.Background(), directedSignal(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrNoActiveBot)

	// The signal is still logged for the audit trail.
	require.Len(t, f.logs.logs, 1)
	assert.True(t, f.logs.logs[0].Processed)
}

func TestHandleSignalStampsBotOverrides(t *testing.T) {
	bot := testBot()
	bot.LockRatioOverride = fptr(0.7)
	bot.BaseSLPctOverride = fptr(5)
	f := newFixture(t, bot)

	require.NoError(t, f.rec.HandleSignal(context.Background(), directedSignal(1)))

	open := f.repo.openPositions()
	require.Len(t, open, 1)
	require.NotNil(t, open[0].LockRatioOverride)
	assert.Equal(t, 0.7, *open[0].LockRatioOverride)
	require.NotNil(t, open[0].BaseSLPctOverride)
	assert.Equal(t, 5.0, *open[0].BaseSLPctOverride)
	assert.Nil(t, open[0].ProfitThresholdOverride)
}
