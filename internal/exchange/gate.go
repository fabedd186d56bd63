package exchange

import (
	"context"
	"fmt"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Gated wraps a venue and re-runs an authorization check before every
// order-mutating call. Read calls pass through untouched.
type Gated struct {
	Exchange
	check func() error
}

// Gate wraps ex so PlaceOrder and CancelOrder refuse to run when check
// fails. The check runs on every call, not just at startup.
func Gate(ex Exchange, check func() error) *Gated {
	return &Gated{Exchange: ex, check: check}
}

func (g *Gated) PlaceOrder(ctx context.Context, req *OrderRequest) (*types.Order, error) {
	if err := g.check(); err != nil {
		return nil, fmt.Errorf("order placement blocked: %w", err)
	}
	return g.Exchange.PlaceOrder(ctx, req)
}

func (g *Gated) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := g.check(); err != nil {
		return fmt.Errorf("order cancel blocked: %w", err)
	}
	return g.Exchange.CancelOrder(ctx, symbol, clientOrderID)
}
