package decoder

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeySize is the length of the pre-shared AES-128 advertisement key
	KeySize = 16
	// AddressSize is the length of a BLE device address
	AddressSize = 6
)

// DeviceKey is the per-device advertisement encryption key
type DeviceKey [KeySize]byte

// ParseKey decodes a 32 character hex string into a DeviceKey
func ParseKey(s string) (DeviceKey, error) {
	var key DeviceKey

	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("invalid device key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("invalid device key length: expected %d bytes, got %d", KeySize, len(raw))
	}

	copy(key[:], raw)
	return key, nil
}

// Fingerprint returns the key byte the device repeats in every advertisement
func (k DeviceKey) Fingerprint() byte {
	return k[0]
}

// String keeps the key out of logs and formatted errors
func (k DeviceKey) String() string {
	return "[redacted]"
}

// GoString keeps the key out of %#v output
func (k DeviceKey) GoString() string {
	return "decoder.DeviceKey{[redacted]}"
}

// DeviceAddress is a BLE address in display order (most significant byte first)
type DeviceAddress [AddressSize]byte

// ParseAddress accepts "FD:AD:42:D6:35:6B", "fd-ad-42-d6-35-6b" or "fdad42d6356b"
func ParseAddress(s string) (DeviceAddress, error) {
	var addr DeviceAddress

	cleaned := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return addr, fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	if len(raw) != AddressSize {
		return addr, fmt.Errorf("invalid MAC address %q: expected %d bytes, got %d", s, AddressSize, len(raw))
	}

	copy(addr[:], raw)
	return addr, nil
}

// String returns the colon separated upper case form
func (a DeviceAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Hex returns the bare lower case form used in MQTT topics
func (a DeviceAddress) Hex() string {
	return hex.EncodeToString(a[:])
}

// RawAdvertisement is one record yielded by the radio scanner
type RawAdvertisement struct {
	Address DeviceAddress
	RSSI    int16
	Payload []byte // full advertisement, AD structures included
}
