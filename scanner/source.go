package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mjasion/balena-home/victron/decoder"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// VictronCompanyID is the Bluetooth SIG company identifier of Victron Energy
const VictronCompanyID uint16 = 0x02E1

// Source yields raw advertisements for a bounded scan window
type Source interface {
	// Scan calls fn for every advertisement until window elapses or ctx is done
	Scan(ctx context.Context, window time.Duration, fn func(decoder.RawAdvertisement)) error
}

// BLESource scans with the host Bluetooth adapter
type BLESource struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger

	enableOnce sync.Once
	enableErr  error
}

// NewBLESource creates a source on the default adapter
func NewBLESource(logger *zap.Logger) *BLESource {
	return &BLESource{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
	}
}

func (s *BLESource) enable() error {
	s.enableOnce.Do(func() {
		s.logger.Info("initializing BLE adapter")
		if err := s.adapter.Enable(); err != nil {
			s.enableErr = fmt.Errorf("failed to enable BLE adapter: %w", err)
			return
		}
		s.logger.Info("BLE adapter initialized successfully")
	})
	return s.enableErr
}

// Scan runs one scan window on the adapter
func (s *BLESource) Scan(ctx context.Context, window time.Duration, fn func(decoder.RawAdvertisement)) error {
	if err := s.enable(); err != nil {
		return err
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	// adapter.Scan blocks until StopScan
	go func() {
		<-scanCtx.Done()
		_ = s.adapter.StopScan()
	}()

	err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv, ok := toRawAdvertisement(result.Address.String(), result.RSSI, result.AdvertisementPayload)
		if !ok {
			return
		}
		fn(adv)
	})
	if err != nil && scanCtx.Err() == nil {
		return fmt.Errorf("failed to scan: %w", err)
	}
	return nil
}

func toRawAdvertisement(address string, rssi int16, payload bluetooth.AdvertisementPayload) (decoder.RawAdvertisement, bool) {
	addr, err := decoder.ParseAddress(address)
	if err != nil {
		return decoder.RawAdvertisement{}, false
	}
	raw := advertisementBytes(payload)
	if raw == nil {
		return decoder.RawAdvertisement{}, false
	}
	return decoder.RawAdvertisement{
		Address: addr,
		RSSI:    rssi,
		Payload: raw,
	}, true
}

// advertisementBytes returns the raw advertising packet. BlueZ only exposes
// parsed fields, so there the flags and manufacturer AD structures are
// encoded again in their on-air order.
func advertisementBytes(payload bluetooth.AdvertisementPayload) []byte {
	if payload == nil {
		return nil
	}
	if raw := payload.Bytes(); raw != nil {
		return append([]byte(nil), raw...)
	}

	elements := payload.ManufacturerData()
	if len(elements) == 0 {
		return nil
	}
	md := elements[0]
	for _, e := range elements {
		if e.CompanyID == VictronCompanyID {
			md = e
			break
		}
	}

	// length covers type and company ID
	adLen := 3 + len(md.Data)
	if adLen > 0xFF {
		return nil
	}

	raw := make([]byte, 0, 3+1+adLen)
	raw = append(raw, 0x02, 0x01, 0x06)
	raw = append(raw, byte(adLen), 0xFF, byte(md.CompanyID), byte(md.CompanyID>>8))
	raw = append(raw, md.Data...)
	return raw
}

// IsVictron reports whether a raw advertisement carries Victron manufacturer data
func IsVictron(payload []byte) bool {
	return len(payload) >= 7 &&
		payload[4] == 0xFF &&
		uint16(payload[5])|uint16(payload[6])<<8 == VictronCompanyID
}
