package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/mjasion/balena-home/victron/decoder"
	"go.uber.org/zap"
)

// Device is an advertiser seen during discovery
type Device struct {
	Address decoder.DeviceAddress
	RSSI    int16
	Length  int
}

// SignalStrength labels an RSSI value
func SignalStrength(rssi int16) string {
	// RSSI typically ranges from -100 (weak) to -30 (strong)
	switch {
	case rssi >= -50:
		return "Excellent"
	case rssi >= -60:
		return "Good"
	case rssi >= -70:
		return "Fair"
	case rssi >= -80:
		return "Weak"
	default:
		return "Very Weak"
	}
}

// Discover lists every Victron advertiser seen within window, strongest first
func Discover(ctx context.Context, source Source, window time.Duration, logger *zap.Logger) ([]Device, error) {
	logger.Info("discovering Victron devices", zap.Duration("window", window))

	seen := make(map[decoder.DeviceAddress]Device)
	err := source.Scan(ctx, window, func(adv decoder.RawAdvertisement) {
		if !IsVictron(adv.Payload) {
			return
		}
		if _, ok := seen[adv.Address]; !ok {
			logger.Info("found device",
				zap.Stringer("mac", adv.Address),
				zap.Int16("rssi_dbm", adv.RSSI),
				zap.String("signal", SignalStrength(adv.RSSI)),
			)
		}
		seen[adv.Address] = Device{Address: adv.Address, RSSI: adv.RSSI, Length: len(adv.Payload)}
	})
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].Address.String() < devices[j].Address.String()
	})

	logger.Info("discovery finished", zap.Int("device_count", len(devices)))
	return devices, nil
}
