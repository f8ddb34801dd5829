package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status          string     `json:"status"`
	LastReadingTime *time.Time `json:"lastReadingTime,omitempty"`
	LastPushTime    *time.Time `json:"lastPushTime,omitempty"`
	BufferedSamples int        `json:"bufferedSamples"`
}

// ReadingTracker reports when the charger was last decoded
type ReadingTracker interface {
	LastReadingTime() time.Time
}

// HealthChecker serves /health
type HealthChecker struct {
	readings  ReadingTracker
	pusher    *Pusher // nil when Prometheus push is disabled
	staleness time.Duration
	startedAt time.Time
	server    *http.Server
	logger    *zap.Logger
}

// NewHealthChecker creates a health checker. The service is unhealthy when no
// reading (or push) happened within 3x staleness.
func NewHealthChecker(readings ReadingTracker, pusher *Pusher, staleness time.Duration, port int, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		readings:  readings,
		pusher:    pusher,
		staleness: staleness,
		startedAt: time.Now(),
		logger:    logger,
	}

	hc.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      hc.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return hc
}

// Handler returns the HTTP handler serving /health
func (hc *HealthChecker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hc.handleHealth)
	return mux
}

// Start serves the health endpoint until Stop is called
func (hc *HealthChecker) Start() error {
	hc.logger.Info("starting health check server", zap.String("addr", hc.server.Addr))
	if err := hc.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop shuts the health server down
func (hc *HealthChecker) Stop() error {
	return hc.server.Close()
}

func (hc *HealthChecker) stale(last time.Time) bool {
	limit := 3 * hc.staleness
	if last.IsZero() {
		// Give the first scan cycles a chance before reporting unhealthy
		return time.Since(hc.startedAt) > limit
	}
	return time.Since(last) > limit
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{Status: "healthy"}
	healthy := true

	lastReading := hc.readings.LastReadingTime()
	if !lastReading.IsZero() {
		status.LastReadingTime = &lastReading
	}
	if hc.stale(lastReading) {
		healthy = false
	}

	if hc.pusher != nil {
		lastPush := hc.pusher.LastPushTime()
		status.LastPushTime = &lastPush
		status.BufferedSamples = hc.pusher.BufferSize()
		if hc.stale(lastPush) {
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		hc.logger.Warn("failed to encode health status", zap.Error(err))
	}
}
