package forecast

import (
	"time"

	"github.com/pkg/errors"
)

const DateLayout = time.DateOnly

const BatchGeneratedType = "forecast.batch_generated"

var ErrInvalidForecast = errors.New("invalid forecast")

var Summaries = []string{
	"Freezing",
	"Bracing",
	"Chilly",
	"Cool",
	"Mild",
	"Warm",
	"Balmy",
	"Hot",
	"Sweltering",
	"Scorching",
}

type Forecast struct {
	Date         string `json:"date"`
	TemperatureC int    `json:"temperatureC"`
	TemperatureF int    `json:"temperatureF"`
	Summary      string `json:"summary"`
}

func NewForecast(date time.Time, temperatureC int, summary string) Forecast {
	return Forecast{
		Date:         date.Format(DateLayout),
		TemperatureC: temperatureC,
		TemperatureF: Fahrenheit(temperatureC),
		Summary:      summary,
	}
}

func Fahrenheit(celsius int) int {
	return 32 + celsius*9/5
}

func (f Forecast) Day() (time.Time, error) {
	day, err := time.Parse(DateLayout, f.Date)
	return day, errors.WithStack(err)
}

func (f Forecast) Validate() error {
	if _, err := time.Parse(DateLayout, f.Date); err != nil {
		return errors.Wrapf(ErrInvalidForecast, "date %q", f.Date)
	}
	if f.Summary == "" {
		return errors.Wrap(ErrInvalidForecast, "summary is empty")
	}
	if f.TemperatureF != Fahrenheit(f.TemperatureC) {
		return errors.Wrapf(ErrInvalidForecast, "%d°F does not match %d°C", f.TemperatureF, f.TemperatureC)
	}
	return nil
}

// Batch is the payload of one generated forecast request.
type Batch []Forecast

func (Batch) Type() string {
	return BatchGeneratedType
}

func (b Batch) Validate() error {
	if len(b) == 0 {
		return errors.Wrap(ErrInvalidForecast, "batch is empty")
	}
	for i, f := range b {
		if err := f.Validate(); err != nil {
			return errors.Wrapf(err, "forecast %d", i)
		}
	}
	return nil
}
