package domain

import "time"

// Trade es una operación simulada: se crea al disparar la regla de entrada y se
// completa una sola vez con los campos de salida.
type Trade struct {
	ID             string    `json:"trade_id"`
	MarketID       string    `json:"market_id"`
	Strategy       string    `json:"strategy,omitempty"`
	EntryTimestamp time.Time `json:"entry_timestamp"`
	EntryPrice     float64   `json:"entry_price"`
	ExitTimestamp  time.Time `json:"exit_timestamp"`
	ExitPrice      float64   `json:"exit_price"`
	Shares         float64   `json:"shares"`
	EntryCost      float64   `json:"entry_cost"` // shares × entry_price × (1+entry_fee)
	PnL            float64   `json:"pnl"`
	ROI            float64   `json:"roi"`
	CapitalAfter   float64   `json:"capital_after"`
	Forced         bool      `json:"forced"` // cerrado al final de la serie, no por la regla de salida
}

// IsOpen devuelve true mientras el trade no tiene campos de salida.
func (t Trade) IsOpen() bool {
	return t.ExitTimestamp.IsZero()
}

// HoldingPeriod devuelve el tiempo entre entrada y salida (0 si sigue abierto).
func (t Trade) HoldingPeriod() time.Duration {
	if t.IsOpen() {
		return 0
	}
	return t.ExitTimestamp.Sub(t.EntryTimestamp)
}

// Fees son los porcentajes aplicados multiplicativamente a la entrada y la salida.
type Fees struct {
	EntryFee float64 `json:"entry_fee" yaml:"entry_fee"`
	ExitFee  float64 `json:"exit_fee" yaml:"exit_fee"`
}

// EntryCost devuelve el coste de comprar `shares` a `price`, fees incluidos.
func (f Fees) EntryCost(shares, price float64) float64 {
	return shares * price * (1 + f.EntryFee)
}

// ExitProceeds devuelve lo recibido al vender `shares` a `price`, neto de fees.
func (f Fees) ExitProceeds(shares, price float64) float64 {
	return shares * price * (1 - f.ExitFee)
}

// RoundTripPnL calcula el P&L de una operación completa.
//
//	pnl = shares×exit×(1−exit_fee) − shares×entry×(1+entry_fee)
func (f Fees) RoundTripPnL(shares, entryPrice, exitPrice float64) float64 {
	return f.ExitProceeds(shares, exitPrice) - f.EntryCost(shares, entryPrice)
}
