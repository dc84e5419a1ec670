package portfolio

import (
	"context"
	"errors"
	"sync"
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

type mockExchange struct {
	mu         sync.Mutex
	markPrices map[string]float64
	closeErrs  map[string]error // keyed by symbol
	closeCalls []string
}

func (m *mockExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.markPrices[symbol]
	if !ok {
		return 0, ports.ErrConnectionFailed
	}
	return price, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockExchange) OpenMarketOrder(ctx context.Context, symbol string, side domain.PositionSide, qty float64, leverage int, clientOrderID string) (*ports.OrderResponse, error) {
	return nil, errors.New("not used in portfolio tests")
}

func (m *mockExchange) ClosePosition(ctx context.Context, symbol string, side domain.PositionSide, qty float64, clientOrderID string) (float64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls = append(m.closeCalls, symbol)
	if err := m.closeErrs[symbol]; err != nil {
		return 0, 0, err
	}
	return m.markPrices[symbol], 888, nil
}

func (m *mockExchange) Ping(ctx context.Context) error { return nil }

type mockPositionRepo struct {
	mu        sync.Mutex
	positions []*domain.Position
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	return 0, errors.New("not used in portfolio tests")
}

func (m *mockPositionRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	return nil, errors.New("not used in portfolio tests")
}

func (m *mockPositionRepo) FindOpenByBotAndSymbol(ctx context.Context, botID int64, symbol string) (*domain.Position, error) {
	return nil, errors.New("not used in portfolio tests")
}

func (m *mockPositionRepo) FindOpenForMonitor(ctx context.Context) ([]*domain.Position, error) {
	return nil, errors.New("not used in portfolio tests")
}

func (m *mockPositionRepo) FindOpenBySide(ctx context.Context, side domain.PositionSide) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0)
	for _, p := range m.positions {
		if p.Status == domain.StatusOpen && p.Side == side {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) UpdateTrailing(ctx context.Context, id int64, t ports.TrailingTelemetry) error {
	return nil
}

func (m *mockPositionRepo) CompareAndSwapStatus(ctx context.Context, id int64, from, to domain.PositionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.ID == id && p.Status == from {
			p.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *mockPositionRepo) MarkClosed(ctx context.Context, id int64, exitPrice float64, reason domain.ExitReason, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.ID == id {
			p.Status = domain.StatusClosed
			p.ExitPrice = exitPrice
			p.ExitReason = reason
			return nil
		}
	}
	return ports.ErrNotFound
}

func (m *mockPositionRepo) MarkError(ctx context.Context, id int64, reason string) error {
	return nil
}

type mockTrailingConfig struct {
	settings domain.TrailingSettings
	states   map[domain.PositionSide]*domain.PortfolioTrailingState
	resets   []domain.PositionSide
}

func (m *mockTrailingConfig) GetSettings(ctx context.Context) (domain.TrailingSettings, error) {
	return m.settings, nil
}

func (m *mockTrailingConfig) SaveSettings(ctx context.Context, s domain.TrailingSettings) error {
	m.settings = s
	return nil
}

func (m *mockTrailingConfig) GetPortfolioState(ctx context.Context, side domain.PositionSide) (domain.PortfolioTrailingState, error) {
	if s, ok := m.states[side]; ok {
		return *s, nil
	}
	return domain.PortfolioTrailingState{Side: side}, nil
}

func (m *mockTrailingConfig) UpsertPortfolioState(ctx context.Context, state domain.PortfolioTrailingState) error {
	m.states[state.Side] = &state
	return nil
}

func (m *mockTrailingConfig) UpdatePortfolioPeak(ctx context.Context, side domain.PositionSide, peak float64) error {
	s, ok := m.states[side]
	if !ok {
		return ports.ErrNotFound
	}
	s.MaxPnLReached = peak
	return nil
}

func (m *mockTrailingConfig) ResetPortfolioPeak(ctx context.Context, side domain.PositionSide) error {
	s, ok := m.states[side]
	if !ok {
		return ports.ErrNotFound
	}
	s.MaxPnLReached = 0
	m.resets = append(m.resets, side)
	return nil
}

// Helpers

func fptr(f float64) *float64 { return &f }

func openPos(id int64, symbol string, side domain.PositionSide, entry, qty float64) *domain.Position {
	return &domain.Position{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Status:     domain.StatusOpen,
		EntryPrice: entry,
		Qty:        qty,
		Leverage:   1,
	}
}

type fixture struct {
	agg  *Aggregator
	ex   *mockExchange
	repo *mockPositionRepo
	tc   *mockTrailingConfig
}

func newFixture(t *testing.T, autoReset bool, positions ...*domain.Position) *fixture {
	t.Helper()
	ex := &mockExchange{markPrices: map[string]float64{}, closeErrs: map[string]error{}}
	repo := &mockPositionRepo{positions: positions}
	tc := &mockTrailingConfig{
		settings: domain.TrailingSettings{AutoCloseEnabled: true},
		states:   map[domain.PositionSide]*domain.PortfolioTrailingState{},
	}
	agg, err := New(Config{
		Logger:         &mockLogger{},
		Exchange:       ex,
		Positions:      repo,
		TrailingConfig: tc,
		AutoResetPeak:  autoReset,
	})
	require.NoError(t, err)
	return &fixture{agg: agg, ex: ex, repo: repo, tc: tc}
}

// setTotal positions the mock so one LONG position of qty 1 at entry 100
// carries exactly the given unrealized PnL.
func (f *fixture) setTotal(pnl float64) {
	f.ex.mu.Lock()
	defer f.ex.mu.Unlock()
	f.ex.markPrices["ETHUSDT"] = 100 + pnl
}

// Tests

func TestEvaluateSideArmsAndTriggers(t *testing.T) {
	f := newFixture(t, false, openPos(1, "ETHUSDT", domain.Long, 100, 1))
	f.tc.states[domain.Long] = &domain.PortfolioTrailingState{
		Side: domain.Long, Enabled: true, TargetPnL: 100, LockRatio: fptr(0.5),
	}
	ctx := context.Background()

	// Total PnL sequence: 20, 60 below target; 110 arms; 90 above the
	// 55 floor; 40 crosses it and closes the side.
	for _, pnl := range []float64{20, 60} {
		f.setTotal(pnl)
		require.NoError(t, f.agg.EvaluateSide(ctx, domain.Long))
		assert.Empty(t, f.ex.closeCalls)
		assert.False(t, f.tc.states[domain.Long].Armed())
	}

	f.setTotal(110)
	require.NoError(t, f.agg.EvaluateSide(ctx, domain.Long))
	assert.Empty(t, f.ex.closeCalls)
	assert.True(t, f.tc.states[domain.Long].Armed())
	assert.Equal(t, 110.0, f.tc.states[domain.Long].MaxPnLReached)

	f.setTotal(90)
	require.NoError(t, f.agg.EvaluateSide(ctx, domain.Long))
	assert.Empty(t, f.ex.closeCalls)
	// Peak does not retreat.
	assert.Equal(t, 110.0, f.tc.states[domain.Long].MaxPnLReached)

	f.setTotal(40)
	require.NoError(t, f.agg.EvaluateSide(ctx, domain.Long))
	require.Len(t, f.ex.closeCalls, 1)
	assert.Equal(t, domain.StatusClosed, f.repo.positions[0].Status)
	assert.Equal(t, domain.ExitReasonPortfolioStop, f.repo.positions[0].ExitReason)
	// No auto reset: the peak stays for the operator to inspect.
	assert.Equal(t, 110.0, f.tc.states[domain.Long].MaxPnLReached)
}

func TestEvaluateSideDisabledDoesNothing(t *testing.T) {
	f := newFixture(t, false, openPos(1, "ETHUSDT", domain.Long, 100, 1))
	f.tc.states[domain.Long] = &domain.PortfolioTrailingState{
		Side: domain.Long, Enabled: false, TargetPnL: 100,
	}
	f.setTotal(150)

	require.NoError(t, f.agg.EvaluateSide(context.Background(), domain.Long))
	assert.Empty(t, f.ex.closeCalls)
	// Disabled: not even the peak is tracked.
	assert.Equal(t, 0.0, f.tc.states[domain.Long].MaxPnLReached)
}

func TestEvaluateSideOnlyCountsItsOwnSide(t *testing.T) {
	long := openPos(1, "ETHUSDT", domain.Long, 100, 1)
	short := openPos(2, "BTCUSDT", domain.Short, 50000, 1)
	f := newFixture(t, false, long, short)
	f.tc.states[domain.Long] = &domain.PortfolioTrailingState{
		Side: domain.Long, Enabled: true, TargetPnL: 100, LockRatio: fptr(0.5),
	}
	f.ex.markPrices["ETHUSDT"] = 220 // long PnL 120, arms and peaks
	f.ex.markPrices["BTCUSDT"] = 49000
	ctx := context.Background()

	require.NoError(t, f.agg.EvaluateSide(ctx, domain.Long))
	assert.Equal(t, 120.0, f.tc.states[domain.Long].MaxPnLReached)

	f.ex.markPrices["ETHUSDT"] = 140 // long PnL 40 <= floor 60
	require.NoError(t, f.agg.EvaluateSide(ctx, domain.Long))

	assert.Equal(t, domain.StatusClosed, long.Status)
	// The short side has no state row and is untouched.
	assert.Equal(t, domain.StatusOpen, short.Status)
	assert.Equal(t, []string{"ETHUSDT"}, f.ex.closeCalls)
}

func TestEvaluateSideCollectsCloseFailures(t *testing.T) {
	p1 := openPos(1, "ETHUSDT", domain.Long, 100, 1)
	p2 := openPos(2, "SOLUSDT", domain.Long, 100, 1)
	f := newFixture(t, false, p1, p2)
	f.tc.states[domain.Long] = &domain.PortfolioTrailingState{
		Side: domain.Long, Enabled: true, TargetPnL: 100, LockRatio: fptr(0.5),
		MaxPnLReached: 200,
	}
	f.ex.markPrices["ETHUSDT"] = 110
	f.ex.markPrices["SOLUSDT"] = 110 // total 20 <= floor 100
	f.ex.closeErrs["SOLUSDT"] = ports.ErrExchangeUnavailable

	err := f.agg.EvaluateSide(context.Background(), domain.Long)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)

	// Both closes attempted despite the first failure ordering.
	assert.Len(t, f.ex.closeCalls, 2)
	assert.Equal(t, domain.StatusClosed, p1.Status)
	// Failed close reverted to OPEN for retry next tick.
	assert.Equal(t, domain.StatusOpen, p2.Status)
}

func TestEvaluateSideAutoResetPeak(t *testing.T) {
	f := newFixture(t, true, openPos(1, "ETHUSDT", domain.Long, 100, 1))
	f.tc.states[domain.Long] = &domain.PortfolioTrailingState{
		Side: domain.Long, Enabled: true, TargetPnL: 100, LockRatio: fptr(0.5),
		MaxPnLReached: 200,
	}
	f.setTotal(40)

	require.NoError(t, f.agg.EvaluateSide(context.Background(), domain.Long))
	assert.Equal(t, 0.0, f.tc.states[domain.Long].MaxPnLReached)
	assert.Equal(t, []domain.PositionSide{domain.Long}, f.tc.resets)
}

func TestEvaluateSideDryRunWhenAutoCloseDisabled(t *testing.T) {
	f := newFixture(t, false, openPos(1, "ETHUSDT", domain.Long, 100, 1))
	f.tc.settings.AutoCloseEnabled = false
	f.tc.states[domain.Long] = &domain.PortfolioTrailingState{
		Side: domain.Long, Enabled: true, TargetPnL: 100, LockRatio: fptr(0.5),
		MaxPnLReached: 200,
	}
	f.setTotal(40)

	require.NoError(t, f.agg.EvaluateSide(context.Background(), domain.Long))
	assert.Empty(t, f.ex.closeCalls)
	assert.Equal(t, domain.StatusOpen, f.repo.positions[0].Status)
}

func TestResetPeak(t *testing.T) {
	f := newFixture(t, false)
	f.tc.states[domain.Short] = &domain.PortfolioTrailingState{
		Side: domain.Short, Enabled: true, TargetPnL: 50, MaxPnLReached: 80,
	}

	require.NoError(t, f.agg.ResetPeak(context.Background(), domain.Short))
	assert.Equal(t, 0.0, f.tc.states[domain.Short].MaxPnLReached)
}
