package domain

import "fmt"

// NetOdds devuelve las cuotas netas de un contrato binario comprado a `price`:
// se paga price y se cobra $1 si acierta, así que b = 1/price − 1.
func NetOdds(price float64) float64 {
	return 1/price - 1
}

// RawKellyFraction calcula f* = (p·b − q) / b sin recortar.
// Un valor negativo indica edge negativo; se conserva como diagnóstico.
func RawKellyFraction(winRate, price float64) (float64, error) {
	if err := validateProbability("win_rate", winRate); err != nil {
		return 0, err
	}
	if err := validateProbability("market_price", price); err != nil {
		return 0, err
	}
	b := NetOdds(price)
	q := 1 - winRate
	return (winRate*b - q) / b, nil
}

// KellyFraction devuelve la fracción de Kelly completa, recortada a 0:
// nunca se apuesta con edge negativo.
//
// Ejemplo: winRate=0.6, price=0.5 → b=1, f*=(0.6−0.4)/1=0.20
func KellyFraction(winRate, price float64) (float64, error) {
	f, err := RawKellyFraction(winRate, price)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, nil
	}
	return f, nil
}

func validateProbability(name string, v float64) error {
	// !(v > 0) también rechaza NaN
	if !(v > 0) || !(v < 1) {
		return fmt.Errorf("%w: %s=%v must be in (0,1)", ErrInvalidInput, name, v)
	}
	return nil
}
