package models

import "time"

// Waypoint is a sampled point along a rally route.
type Waypoint struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// StrategyRow is one line of the tactical forecast table: the tire call for
// a single forecast slot.
type StrategyRow struct {
	Time       time.Time `json:"time"`
	Condition  string    `json:"condition"` // DRY, DAMP, WET
	Precip     float64   `json:"precip"`
	AirTemp    float64   `json:"airTemp"`
	FeelsLike  float64   `json:"feelsLike"`
	TrackTemp  float64   `json:"trackTemp"` // estimated, deg C
	WindSpeed  float64   `json:"windSpeed"`
	Tire       string    `json:"tire"` // SOFT, MED/HARD, SLICKS/INTER, INTER/WET
	Risk       string    `json:"risk"` // green, orange, red
}

// CircuitStrategy is the full strategy response for a fixed location.
type CircuitStrategy struct {
	Circuit   string        `json:"circuit,omitempty"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Rows      []StrategyRow `json:"rows"`
	Stale     bool          `json:"stale,omitempty"`
}

// WaypointCall is the current tire call at one waypoint of a rally route.
type WaypointCall struct {
	Waypoint Waypoint    `json:"waypoint"`
	Call     StrategyRow `json:"call"`
	Stale    bool        `json:"stale,omitempty"`
}

// RouteStrategy is the rally-mode response: one call per sampled waypoint.
type RouteStrategy struct {
	Route string         `json:"route"`
	Calls []WaypointCall `json:"calls"`
}
