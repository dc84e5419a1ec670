package ports

import (
	"context"
	"time"

	"tvTrailBot/internal/domain"
)

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	AvgPrice      float64   // Average filled price (0 if not yet filled)
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED)
	Side          string    // Order side (BUY, SELL)
	Timestamp     time.Time // Time the order response was generated
}

// ExchangeClient defines the interface for interacting with a futures exchange.
// Every method is a fallible remote call and must honor the context deadline.
type ExchangeClient interface {
	// GetMarkPrice retrieves the current mark price for a given symbol.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// OpenMarketOrder opens a position with a market order in the given
	// direction. The clientOrderID is echoed back by the exchange and
	// used for reconciliation.
	OpenMarketOrder(ctx context.Context, symbol string, side domain.PositionSide, qty float64, leverage int, clientOrderID string) (*OrderResponse, error)

	// ClosePosition closes an open position with a reduce-only market
	// order and returns the actual exit fill price and order ID.
	ClosePosition(ctx context.Context, symbol string, side domain.PositionSide, qty float64, clientOrderID string) (exitPrice float64, orderID int64, err error)

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error
}
