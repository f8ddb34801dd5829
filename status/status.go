// Package status signals the bridge state on a single LED.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Code identifies an error class shown as a blink pattern
type Code int

const (
	CodeNetwork Code = iota + 1
	CodeRadio
	CodeBroker
)

func (c Code) String() string {
	switch c {
	case CodeNetwork:
		return "network"
	case CodeRadio:
		return "radio"
	case CodeBroker:
		return "broker"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Pattern is one on/off blink period
type Pattern struct {
	On  time.Duration
	Off time.Duration
}

// Repeats is how many times a pattern is shown per Blink
const Repeats = 3

// Patterns maps each code to its blink period
var Patterns = map[Code]Pattern{
	CodeNetwork: {On: time.Second, Off: time.Second},
	CodeRadio:   {On: 500 * time.Millisecond, Off: 500 * time.Millisecond},
	CodeBroker:  {On: 2 * time.Second, Off: 2 * time.Second},
}

// Indicator shows the bridge state
type Indicator interface {
	// OK turns the indicator on steadily
	OK()
	// Off turns the indicator off
	Off()
	// Blink shows code and returns when the pattern is done or ctx is cancelled
	Blink(ctx context.Context, code Code)
}

// LED drives an indicator LED on a GPIO pin
type LED struct {
	mu       sync.Mutex
	pin      gpio.PinOut
	patterns map[Code]Pattern
	logger   *zap.Logger
}

// Open initialises the host drivers and returns the LED on the named pin
func Open(pinName string, logger *zap.Logger) (*LED, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize host drivers: %w", err)
	}

	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("GPIO pin %q not found", pinName)
	}

	return NewLED(pin, logger), nil
}

// NewLED wraps an already opened pin
func NewLED(pin gpio.PinOut, logger *zap.Logger) *LED {
	return &LED{pin: pin, patterns: Patterns, logger: logger}
}

func (l *LED) set(level gpio.Level) {
	if err := l.pin.Out(level); err != nil {
		l.logger.Warn("failed to drive status LED", zap.String("pin", l.pin.Name()), zap.Error(err))
	}
}

func (l *LED) OK() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(gpio.High)
}

func (l *LED) Off() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(gpio.Low)
}

// Blink shows the code Repeats times and leaves the LED off
func (l *LED) Blink(ctx context.Context, code Code) {
	pattern, ok := l.patterns[code]
	if !ok {
		l.logger.Warn("unknown status code", zap.Stringer("code", code))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	defer l.set(gpio.Low)
	for i := 0; i < Repeats; i++ {
		l.set(gpio.High)
		if !sleep(ctx, pattern.On) {
			return
		}
		l.set(gpio.Low)
		if !sleep(ctx, pattern.Off) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Noop is used when no LED is configured
type Noop struct{}

func (Noop) OK() {}

func (Noop) Off() {}

func (Noop) Blink(context.Context, Code) {}
