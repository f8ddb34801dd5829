package types

import (
	"time"

	"github.com/mjasion/balena-home/victron/decoder"
)

// ReadingType identifies the type of metric reading
type ReadingType string

const (
	ReadingTypeSolar  ReadingType = "solar"
	ReadingTypeMetric ReadingType = "metric"
)

// Reading is a union type that can hold different types of metric readings
type Reading struct {
	Type   ReadingType
	Solar  *SolarReading
	Metric *MetricReading
}

// SolarReading is one decoded charger advertisement
type SolarReading struct {
	Timestamp   time.Time
	MAC         string // FD:AD:42:D6:35:6B form
	DeviceName  string // Friendly name from config
	RSSI        int16
	Measurement decoder.Measurement
}

// MetricReading represents a generic metric reading (e.g., scan session counters)
type MetricReading struct {
	Timestamp time.Time
	Name      string
	Value     float64
	Labels    map[string]string
}

// NewSolar wraps a solar reading
func NewSolar(r *SolarReading) *Reading {
	return &Reading{Type: ReadingTypeSolar, Solar: r}
}

// NewMetric wraps a generic metric reading
func NewMetric(r *MetricReading) *Reading {
	return &Reading{Type: ReadingTypeMetric, Metric: r}
}

// GetTimestamp returns the timestamp of the reading regardless of type
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeSolar:
		return r.Solar.Timestamp
	case ReadingTypeMetric:
		return r.Metric.Timestamp
	default:
		return time.Time{}
	}
}
