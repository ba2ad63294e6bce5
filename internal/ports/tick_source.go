package ports

import (
	"context"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// TickSource obtiene series históricas de precios.
type TickSource interface {
	// LoadTicks devuelve un frame plano de ticks; el orden no está garantizado.
	LoadTicks(ctx context.Context) ([]domain.PriceTick, error)
}
