package metrics

import (
	"context"
	"sort"
	"strings"

	"github.com/mjasion/balena-home/victron/types"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Solar charger series names
const (
	MetricDeviceState    = "solar_device_state"
	MetricChargerError   = "solar_charger_error"
	MetricBatteryVoltage = "solar_battery_voltage_volts"
	MetricBatteryCurrent = "solar_battery_current_amps"
	MetricYieldToday     = "solar_yield_today_kwh"
	MetricPVPower        = "solar_pv_power_watts"
	MetricRSSI           = "solar_rssi_dbm"
)

type solarSeries struct {
	name  string
	value func(r *types.SolarReading) float64
}

var solarSeriesDefs = []solarSeries{
	{MetricDeviceState, func(r *types.SolarReading) float64 { return float64(r.Measurement.DeviceState) }},
	{MetricChargerError, func(r *types.SolarReading) float64 { return float64(r.Measurement.ChargerError) }},
	{MetricBatteryVoltage, func(r *types.SolarReading) float64 { return r.Measurement.BatteryVoltage }},
	{MetricBatteryCurrent, func(r *types.SolarReading) float64 { return r.Measurement.BatteryCurrent }},
	{MetricYieldToday, func(r *types.SolarReading) float64 { return r.Measurement.YieldToday }},
	{MetricPVPower, func(r *types.SolarReading) float64 { return r.Measurement.PVPower }},
	{MetricRSSI, func(r *types.SolarReading) float64 { return float64(r.RSSI) }},
}

// BuildSolarTimeSeries builds one series per measurement field and device
func BuildSolarTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildSolarTimeSeries")
	defer span.End()

	type deviceKey struct {
		name string
		mac  string
	}
	var order []deviceKey
	byDevice := make(map[deviceKey][]*types.SolarReading)
	for _, r := range readings {
		if r.Type != types.ReadingTypeSolar || r.Solar == nil {
			continue
		}
		key := deviceKey{name: r.Solar.DeviceName, mac: r.Solar.MAC}
		if _, ok := byDevice[key]; !ok {
			order = append(order, key)
		}
		byDevice[key] = append(byDevice[key], r.Solar)
	}

	var timeSeries []prompb.TimeSeries
	for _, key := range order {
		solar := byDevice[key]
		for _, def := range solarSeriesDefs {
			samples := make([]prompb.Sample, 0, len(solar))
			for _, r := range solar {
				samples = append(samples, prompb.Sample{
					Value:     def.value(r),
					Timestamp: r.Timestamp.UnixMilli(),
				})
			}
			timeSeries = append(timeSeries, prompb.TimeSeries{
				Labels: []prompb.Label{
					{Name: "__name__", Value: def.name},
					{Name: "device_name", Value: key.name},
					{Name: "mac", Value: key.mac},
				},
				Samples: samples,
			})
		}
	}

	span.SetAttributes(attribute.Int("metrics.solar_time_series_count", len(timeSeries)))
	return timeSeries, nil
}

// BuildMetricTimeSeries builds series for generic metric readings, grouped by name and labels
func BuildMetricTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildMetricTimeSeries")
	defer span.End()

	var order []string
	grouped := make(map[string][]*types.MetricReading)
	for _, r := range readings {
		if r.Type != types.ReadingTypeMetric || r.Metric == nil {
			continue
		}
		key := r.Metric.Name + "{" + serializeLabels(r.Metric.Labels) + "}"
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], r.Metric)
	}

	var timeSeries []prompb.TimeSeries
	for _, key := range order {
		metrics := grouped[key]

		labels := []prompb.Label{{Name: "__name__", Value: metrics[0].Name}}
		for _, name := range sortedKeys(metrics[0].Labels) {
			labels = append(labels, prompb.Label{Name: name, Value: metrics[0].Labels[name]})
		}

		samples := make([]prompb.Sample, 0, len(metrics))
		for _, m := range metrics {
			samples = append(samples, prompb.Sample{
				Value:     m.Value,
				Timestamp: m.Timestamp.UnixMilli(),
			})
		}

		timeSeries = append(timeSeries, prompb.TimeSeries{Labels: labels, Samples: samples})
	}

	span.SetAttributes(attribute.Int("metrics.generic_time_series_count", len(timeSeries)))
	return timeSeries, nil
}

// CombineBuilders combines multiple time series builders into one
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
		var all []prompb.TimeSeries
		for _, builder := range builders {
			if builder == nil {
				continue
			}
			timeSeries, err := builder(ctx, readings)
			if err != nil {
				return nil, err
			}
			all = append(all, timeSeries...)
		}
		return all, nil
	}
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func serializeLabels(labels map[string]string) string {
	var sb strings.Builder
	for _, k := range sortedKeys(labels) {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
		sb.WriteByte(',')
	}
	return sb.String()
}
