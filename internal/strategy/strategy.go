package strategy

import (
	"racecontrol/internal/models"
)

// Condition labels for a forecast slot.
const (
	ConditionDry  = "DRY"
	ConditionDamp = "DAMP"
	ConditionWet  = "WET"
)

// Tire call labels.
const (
	TireSoft        = "SOFT"
	TireMedHard     = "MED/HARD"
	TireSlicksInter = "SLICKS/INTER"
	TireInterWet    = "INTER/WET"
)

// Precipitation boundary between DAMP and WET, in mm per slot.
const wetThresholdMM = 0.5

// Crossover track temperature below which softs outperform harder compounds.
const softCrossoverC = 15.0

// EstimateTrackTemp estimates tarmac temperature from air temperature, wind
// and low/mid cloud cover. Wind strips heat off the surface; direct sun adds
// it. Any precipitation kills solar heating and actively cools the surface.
func EstimateTrackTemp(s models.ForecastSample) float64 {
	windCooling := s.WindSpeed * 0.1
	sunHeating := -2.0
	if s.Precip == 0 {
		sunHeating = (100 - (s.CloudLow+s.CloudMid)/2) / 10
	}
	if sunHeating < 0 {
		sunHeating = 0
	}
	return s.Temperature + sunHeating - windCooling
}

// Classify maps one forecast sample to a strategy row. Pure: the same sample
// always yields the same call. Boundaries sit at exactly 0 mm (DRY/DAMP) and
// 0.5 mm (DAMP/WET).
func Classify(s models.ForecastSample) models.StrategyRow {
	trackTemp := EstimateTrackTemp(s)

	var cond, tire, risk string
	switch {
	case s.Precip == 0:
		cond = ConditionDry
		risk = "green"
		if trackTemp < softCrossoverC {
			tire = TireSoft
		} else {
			tire = TireMedHard
		}
	case s.Precip < wetThresholdMM:
		cond = ConditionDamp
		tire = TireSlicksInter
		risk = "orange"
	default:
		cond = ConditionWet
		tire = TireInterWet
		risk = "red"
	}

	return models.StrategyRow{
		Time:      s.Time,
		Condition: cond,
		Precip:    s.Precip,
		AirTemp:   s.Temperature,
		FeelsLike: s.ApparentTemp,
		TrackTemp: trackTemp,
		WindSpeed: s.WindSpeed,
		Tire:      tire,
		Risk:      risk,
	}
}

// BuildTable classifies every sample of a forecast into a strategy table.
func BuildTable(f models.Forecast) []models.StrategyRow {
	rows := make([]models.StrategyRow, 0, len(f.Samples))
	for _, s := range f.Samples {
		rows = append(rows, Classify(s))
	}
	return rows
}
