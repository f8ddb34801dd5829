package decoder

// Advertisement layout:
// - Bytes 0-2: flags AD structure (02 01 06)
// - Bytes 3-6: manufacturer AD header (length, 0xFF, company ID little endian)
// - Bytes 7-: manufacturer data
//
// Manufacturer data layout:
// - Bytes 0-4: record prefix, model ID and record type
// - Bytes 5-6: counter seed (little endian)
// - Byte 7: first byte of the device key
// - Bytes 8-: AES-CTR ciphertext
const (
	preambleSize      = 7
	fingerprintOffset = 14

	seedOffset       = 5
	ciphertextOffset = 8
)

// Matcher recognises advertisements of the configured device
type Matcher struct {
	address     DeviceAddress
	fingerprint byte
}

// NewMatcher creates a Matcher for one device address and key
func NewMatcher(address DeviceAddress, key DeviceKey) Matcher {
	return Matcher{
		address:     address,
		fingerprint: key.Fingerprint(),
	}
}

// Match returns the manufacturer data slice when the advertisement comes from
// the configured device and carries its key fingerprint. The slice aliases
// adv.Payload.
func (m Matcher) Match(adv RawAdvertisement) ([]byte, bool) {
	if adv.Address != m.address {
		return nil, false
	}
	if len(adv.Payload) <= fingerprintOffset {
		return nil, false
	}
	if adv.Payload[fingerprintOffset] != m.fingerprint {
		return nil, false
	}
	return adv.Payload[preambleSize:], true
}
