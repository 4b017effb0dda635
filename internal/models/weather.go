package models

import "fmt"

// Coordinates is a point on the globe in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Key formats the coordinates to exactly 4 decimal places, joined by sep.
// Used for cache keys and city ids so both are reproducible from coordinates alone.
func (c Coordinates) Key(sep string) string {
	return fmt.Sprintf("%.4f%s%.4f", c.Lat, sep, c.Lon)
}

// Snapshot is the canonical current-conditions record, independent of the
// upstream provider's native shape.
type Snapshot struct {
	Lat            float64        `json:"lat"`
	Lon            float64        `json:"lon"`
	Timezone       string         `json:"timezone"`
	TimezoneOffset int            `json:"timezone_offset"`
	Current        CurrentWeather `json:"current"`
	Alerts         []Alert        `json:"alerts,omitempty"`
}

// CurrentWeather holds the observed values. Optional fields are nil when the
// provider did not report them.
type CurrentWeather struct {
	Dt         int64          `json:"dt"`
	Sunrise    *int64         `json:"sunrise,omitempty"`
	Sunset     *int64         `json:"sunset,omitempty"`
	Temp       float64        `json:"temp"`
	FeelsLike  float64        `json:"feels_like"`
	Pressure   float64        `json:"pressure"`
	Humidity   float64        `json:"humidity"`
	DewPoint   float64        `json:"dew_point"`
	UVI        float64        `json:"uvi"`
	Clouds     float64        `json:"clouds"`
	Visibility *float64       `json:"visibility,omitempty"`
	WindSpeed  float64        `json:"wind_speed"`
	WindDeg    float64        `json:"wind_deg"`
	WindGust   *float64       `json:"wind_gust,omitempty"`
	Rain       *Precipitation `json:"rain,omitempty"`
	Snow       *Precipitation `json:"snow,omitempty"`
	Weather    []Condition    `json:"weather"`
}

// Precipitation is the volume for the last hour, in mm.
type Precipitation struct {
	OneHour float64 `json:"1h"`
}

// Condition is one entry of the provider's weather condition list.
type Condition struct {
	ID          int    `json:"id"`
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// Alert is a government weather alert. The current-conditions endpoint never
// returns alerts; the field exists so cached payloads keep one shape.
type Alert struct {
	SenderName  string   `json:"sender_name"`
	Event       string   `json:"event"`
	Start       int64    `json:"start"`
	End         int64    `json:"end"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// City is a geocoding search result.
type City struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	LocalNames map[string]string `json:"local_names,omitempty"`
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	Country    string            `json:"country"`
	State      string            `json:"state,omitempty"`
}

// CityID returns the stable identifier for a geographic point ("lat_lon", 4 decimals).
func CityID(lat, lon float64) string {
	return Coordinates{Lat: lat, Lon: lon}.Key("_")
}
