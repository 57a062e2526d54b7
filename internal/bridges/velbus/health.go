package velbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	// defaultHealthInterval is how often health is published when unset.
	defaultHealthInterval = 30 * time.Second

	// busMeasurement is the telemetry measurement name.
	busMeasurement = "velbus_bus"
)

// HealthReporter manages periodic health status reporting.
// It publishes health messages to MQTT at regular intervals and, when a
// MetricsWriter is configured, records bus counters as telemetry.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	client    Connector
	recorder  *AddressRecorder
	metrics   MetricsWriter

	moduleCount   int
	moduleCountMu sync.RWMutex

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MetricsWriter records telemetry points. Writes are fire-and-forget.
type MetricsWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher

	// Client provides bus connection statistics.
	Client Connector

	// Recorder provides the count of addresses seen (optional).
	Recorder *AddressRecorder

	// Metrics receives a velbus_bus point per interval (optional).
	Metrics MetricsWriter
}

// NewHealthReporter creates a new health reporter.
// Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		client:    cfg.Client,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting.
// Reporting stops when ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetModuleCount updates the configured module count.
func (h *HealthReporter) SetModuleCount(count int) {
	h.moduleCountMu.Lock()
	h.moduleCount = count
	h.moduleCountMu.Unlock()
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the Last Will and Testament message payload for the
// bridge. It must be set as the MQTT will message before connecting, so it
// does not depend on a running reporter.
func LWTPayload(bridgeID string) ([]byte, error) {
	return json.Marshal(NewLWTMessage(bridgeID))
}

// LWTTopic returns the topic for the Last Will and Testament.
func LWTTopic() string {
	return HealthTopic()
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.report()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.report()
		}
	}
}

// report publishes health and writes telemetry.
func (h *HealthReporter) report() {
	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish health", err)
	}
	h.writeMetrics()
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	if h.client == nil {
		return HealthUnhealthy, "no velbus client"
	}
	stats := h.client.Stats()
	if stats.Reconnecting {
		return HealthDegraded, "velbus interface reconnecting"
	}
	if !stats.Connected {
		return HealthDegraded, "velbus interface disconnected"
	}

	return HealthHealthy, ""
}

// buildMessage assembles a health message from current statistics.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	h.moduleCountMu.RLock()
	moduleCount := h.moduleCount
	h.moduleCountMu.RUnlock()

	msg := HealthMessage{
		Bridge:         h.bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		ModulesManaged: moduleCount,
		Reason:         reason,
	}
	if h.recorder != nil {
		msg.AddressesSeen = h.recorder.Count()
	}

	if h.client == nil {
		return msg
	}

	stats := h.client.Stats()
	conn := &ConnectionStatus{Status: "disconnected"}
	switch {
	case stats.Connected:
		conn.Status = "connected"
	case stats.Reconnecting:
		conn.Status = "reconnecting"
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity.UTC()
		conn.LastActivity = &last
	}
	if c, ok := h.client.(interface{ Endpoint() Endpoint }); ok {
		conn.Endpoint = c.Endpoint().String()
	}
	msg.Connection = conn

	msg.Statistics = &BridgeStatistics{
		PacketsReceived: stats.PacketsRx,
		PacketsSent:     stats.PacketsTx,
		FramingErrors:   stats.FramingErrors,
		BytesDiscarded:  stats.BytesDiscarded,
		Reconnects:      stats.ReconnectsTotal,
		Errors:          stats.ErrorsTotal,
	}
	return msg
}

// publishStatus publishes a health status message (QoS 1, retained).
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

// writeMetrics records the bus counters as a telemetry point.
func (h *HealthReporter) writeMetrics() {
	if h.metrics == nil || h.client == nil {
		return
	}

	stats := h.client.Stats()
	h.metrics.WritePoint(busMeasurement,
		map[string]string{"bridge_id": h.bridgeID},
		map[string]interface{}{
			"packets_rx":      int64(stats.PacketsRx),
			"packets_tx":      int64(stats.PacketsTx),
			"framing_errors":  int64(stats.FramingErrors),
			"bytes_discarded": int64(stats.BytesDiscarded),
			"reconnects":      int64(stats.ReconnectsTotal),
			"errors":          int64(stats.ErrorsTotal),
			"connected":       stats.Connected,
		})
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
