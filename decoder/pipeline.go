package decoder

import "bytes"

// minManufacturerData is the header up to the ciphertext plus one full frame
const minManufacturerData = ciphertextOffset + FrameSize

// DedupState remembers the last manufacturer data seen in a scan session
type DedupState struct {
	last []byte
	seen bool
}

// Repeat reports whether data equals the previous record and remembers data
// for the next call. data is copied.
func (s *DedupState) Repeat(data []byte) bool {
	if s.seen && bytes.Equal(s.last, data) {
		return true
	}
	s.last = append(s.last[:0], data...)
	s.seen = true
	return false
}

// Reset forgets the previous record
func (s *DedupState) Reset() {
	s.last = s.last[:0]
	s.seen = false
}

// Stats counts what a pipeline did since the last Reset
type Stats struct {
	Matched    int
	Malformed  int
	Duplicates int
	Decoded    int
}

// Pipeline turns raw advertisements of one device into measurements.
// It is not safe for concurrent use; each record stream needs its own Pipeline.
type Pipeline struct {
	matcher   Matcher
	decryptor *Decryptor
	state     DedupState
	stats     Stats
}

// NewPipeline creates a pipeline for one device
func NewPipeline(address DeviceAddress, key DeviceKey) *Pipeline {
	return &Pipeline{
		matcher:   NewMatcher(address, key),
		decryptor: NewDecryptor(key),
	}
}

// Decode returns a measurement for a new advertisement of the configured
// device. Foreign, truncated and repeated advertisements yield false.
func (p *Pipeline) Decode(adv RawAdvertisement) (Measurement, bool) {
	data, ok := p.matcher.Match(adv)
	if !ok {
		return Measurement{}, false
	}
	p.stats.Matched++

	if len(data) < minManufacturerData {
		p.stats.Malformed++
		return Measurement{}, false
	}

	if p.state.Repeat(data) {
		p.stats.Duplicates++
		return Measurement{}, false
	}

	seed, _ := Seed(data)
	frame := p.decryptor.Decrypt(DeriveNonce(seed), data[ciphertextOffset:])

	m, ok := ParseFrame(frame)
	if !ok {
		return Measurement{}, false
	}
	p.stats.Decoded++
	return m, true
}

// Reset starts a new scan session
func (p *Pipeline) Reset() {
	p.state.Reset()
	p.stats = Stats{}
}

// Stats returns the counters of the current session
func (p *Pipeline) Stats() Stats {
	return p.stats
}
