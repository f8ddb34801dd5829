package metrics

import (
	"context"

	"github.com/mjasion/balena-home/victron/buffer"
	"github.com/mjasion/balena-home/victron/types"
)

// BufferSink queues solar readings for the pusher
type BufferSink struct {
	buffer *buffer.RingBuffer[*types.Reading]
}

// NewBufferSink creates a sink writing into buf
func NewBufferSink(buf *buffer.RingBuffer[*types.Reading]) *BufferSink {
	return &BufferSink{buffer: buf}
}

func (s *BufferSink) Name() string { return "prometheus" }

// Publish never fails; a full buffer overwrites its oldest reading
func (s *BufferSink) Publish(_ context.Context, reading *types.SolarReading) error {
	s.buffer.Add(types.NewSolar(reading))
	return nil
}

// Record queues a generic metric sample
func (s *BufferSink) Record(metric *types.MetricReading) {
	s.buffer.Add(types.NewMetric(metric))
}
