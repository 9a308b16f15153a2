package forecast

import (
	"math/rand/v2"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
)

const (
	minTemperatureC = -20
	maxTemperatureC = 55
)

type Generator interface {
	// Generate returns forecasts for the next days, starting tomorrow.
	Generate(days int) Batch
}

func NewGenerator(clock clock.Clock, rnd *rand.Rand) Generator {
	return &generator{clock: clock, rnd: rnd}
}

type generator struct {
	clock clock.Clock
	rnd   *rand.Rand
}

func (g *generator) Generate(days int) Batch {
	today := g.clock.Now()
	batch := make(Batch, 0, days)
	for i := 1; i <= days; i++ {
		batch = append(batch, NewForecast(
			today.AddDate(0, 0, i),
			minTemperatureC+g.rnd.IntN(maxTemperatureC-minTemperatureC),
			Summaries[g.rnd.IntN(len(Summaries))],
		))
	}
	return batch
}
