package ports

import (
	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// Reporter presenta los resultados del core al operador.
// En la implementación de consola, imprime tablas formateadas.
type Reporter interface {
	PrintMetrics(label string, m domain.Metrics)
	PrintTrades(trades []domain.Trade)
	PrintRecommendations(recs []domain.PositionRecommendation)
	PrintKillSwitchStatus(st domain.KillSwitchStatus)
	PrintKillSwitchHistory(events []domain.KillSwitchEvent)
}
