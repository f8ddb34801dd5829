package decoder

import (
	"encoding/binary"
	"fmt"
)

// FrameSize is the minimum length of a decrypted measurement frame
const FrameSize = 10

// DeviceState is the charger operating state
type DeviceState uint8

const (
	StateOff        DeviceState = 0
	StateBulk       DeviceState = 3
	StateAbsorption DeviceState = 4
	StateFloat      DeviceState = 5
)

func (s DeviceState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateBulk:
		return "bulk"
	case StateAbsorption:
		return "absorption"
	case StateFloat:
		return "float"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Field names as published to sinks
const (
	FieldDeviceState  = "device_state"
	FieldChargerError = "charger_error"
	FieldBattVoltage  = "batt_voltage"
	FieldBattCurrent  = "batt_current"
	FieldYieldToday   = "yield_today"
	FieldPVPower      = "pv_power"
)

// Measurement is one decoded solar charger frame
type Measurement struct {
	DeviceState    DeviceState
	ChargerError   uint8
	BatteryVoltage float64 // V
	BatteryCurrent float64 // A
	YieldToday     float64 // kWh
	PVPower        float64 // W
}

// Field is a named measurement value. Integral fields are raw counts
// (state, error code, watts) rather than scaled quantities.
type Field struct {
	Name     string
	Value    float64
	Integral bool
}

// ParseFrame decodes a decrypted frame.
// Format (10 bytes, little endian):
// - Byte 0: device state
// - Byte 1: charger error, 0 = none
// - Bytes 2-3: battery voltage in 0.01 V
// - Bytes 4-5: battery current in 0.1 A
// - Bytes 6-7: yield today in 0.01 kWh
// - Bytes 8-9: PV power in W
//
// Trailing bytes are ignored and values are not range checked.
func ParseFrame(frame []byte) (Measurement, bool) {
	if len(frame) < FrameSize {
		return Measurement{}, false
	}

	return Measurement{
		DeviceState:    DeviceState(frame[0]),
		ChargerError:   frame[1],
		BatteryVoltage: float64(binary.LittleEndian.Uint16(frame[2:4])) * 0.01,
		BatteryCurrent: float64(binary.LittleEndian.Uint16(frame[4:6])) * 0.1,
		YieldToday:     float64(binary.LittleEndian.Uint16(frame[6:8])) / 100,
		PVPower:        float64(binary.LittleEndian.Uint16(frame[8:10])),
	}, true
}

// Fields returns the measurement as ordered name/value pairs
func (m Measurement) Fields() []Field {
	return []Field{
		{Name: FieldDeviceState, Value: float64(m.DeviceState), Integral: true},
		{Name: FieldChargerError, Value: float64(m.ChargerError), Integral: true},
		{Name: FieldBattVoltage, Value: m.BatteryVoltage},
		{Name: FieldBattCurrent, Value: m.BatteryCurrent},
		{Name: FieldYieldToday, Value: m.YieldToday},
		{Name: FieldPVPower, Value: m.PVPower, Integral: true},
	}
}
