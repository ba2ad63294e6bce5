package ports

import "context"

// BalanceProvider reads the current account balance in USDC.
type BalanceProvider interface {
	GetBalance(ctx context.Context) (float64, error)
}
