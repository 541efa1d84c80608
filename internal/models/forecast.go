package models

import "time"

// ForecastSample is one 15-minute slot of the Open-Meteo minutely forecast.
type ForecastSample struct {
	Time         time.Time `json:"time"`
	Temperature  float64   `json:"temperature"`   // air temp, deg C
	ApparentTemp float64   `json:"apparentTemp"`  // feels-like, deg C
	Precip       float64   `json:"precip"`        // mm per slot
	WindSpeed    float64   `json:"windSpeed"`     // km/h
	WindDir      float64   `json:"windDir"`       // degrees
	CloudLow     float64   `json:"cloudLow"`      // %
	CloudMid     float64   `json:"cloudMid"`      // %
	CloudHigh    float64   `json:"cloudHigh"`     // %
}

// Forecast is the windowed forecast for one coordinate pair.
type Forecast struct {
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Samples   []ForecastSample `json:"samples"`
	FetchedAt time.Time        `json:"fetchedAt"`
	Stale     bool             `json:"stale,omitempty"` // Indicates data served from stale cache
}

// Current returns the first sample of the window, which covers "now".
// ok is false when the forecast carries no samples.
func (f Forecast) Current() (ForecastSample, bool) {
	if len(f.Samples) == 0 {
		return ForecastSample{}, false
	}
	return f.Samples[0], true
}
