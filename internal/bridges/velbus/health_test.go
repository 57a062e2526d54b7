package velbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// mockPublisher implements HealthPublisher for testing.
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockPublisher(connected bool) *mockPublisher {
	return &mockPublisher{connected: connected}
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) getMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]publishedMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

// mockConnector implements Connector for testing.
type mockConnector struct {
	mu        sync.Mutex
	stats     ClientStats
	sent      []Packet
	sendError error
	listener  PacketListener
}

func newMockConnector(connected bool) *mockConnector {
	return &mockConnector{
		stats: ClientStats{
			PacketsTx:      10,
			PacketsRx:      500,
			FramingErrors:  3,
			BytesDiscarded: 7,
			ErrorsTotal:    1,
			LastActivity:   time.Now(),
			Connected:      connected,
		},
	}
}

func (m *mockConnector) Send(_ context.Context, p Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendError != nil {
		return m.sendError
	}
	m.sent = append(m.sent, p)
	return nil
}

func (m *mockConnector) SetListener(listener PacketListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = listener
}

func (m *mockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.Connected
}

func (m *mockConnector) Stats() ClientStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *mockConnector) Close() error { return nil }

func (m *mockConnector) Endpoint() Endpoint {
	return Endpoint{Scheme: SchemeSerial, Address: "/dev/ttyACM0", BaudRate: DefaultBaudRate}
}

func (m *mockConnector) setStats(fn func(*ClientStats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

func (m *mockConnector) sentPackets() []Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Packet, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockConnector) getListener() PacketListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

// mockMetrics implements MetricsWriter for testing.
type mockMetrics struct {
	mu     sync.Mutex
	points []mockPoint
}

type mockPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
}

func (m *mockMetrics) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, mockPoint{measurement: measurement, tags: tags, fields: fields})
}

func (m *mockMetrics) getPoints() []mockPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPoint, len(m.points))
	copy(out, m.points)
	return out
}

func decodeHealth(t *testing.T, payload []byte) HealthMessage {
	t.Helper()
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("failed to unmarshal health message: %v", err)
	}
	return msg
}

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name          string
		mqttConnected bool
		client        func() Connector
		wantStatus    HealthStatus
	}{
		{
			name:          "healthy",
			mqttConnected: true,
			client:        func() Connector { return newMockConnector(true) },
			wantStatus:    HealthHealthy,
		},
		{
			name:          "mqtt disconnected",
			mqttConnected: false,
			client:        func() Connector { return newMockConnector(true) },
			wantStatus:    HealthDegraded,
		},
		{
			name:          "no client",
			mqttConnected: true,
			client:        func() Connector { return nil },
			wantStatus:    HealthUnhealthy,
		},
		{
			name:          "bus disconnected",
			mqttConnected: true,
			client:        func() Connector { return newMockConnector(false) },
			wantStatus:    HealthDegraded,
		},
		{
			name:          "bus reconnecting",
			mqttConnected: true,
			client: func() Connector {
				c := newMockConnector(false)
				c.setStats(func(s *ClientStats) { s.Reconnecting = true })
				return c
			},
			wantStatus: HealthDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "velbus-01",
				Publisher: newMockPublisher(tt.mqttConnected),
				Client:    tt.client(),
			})
			status, reason := h.determineStatus()
			if status != tt.wantStatus {
				t.Errorf("determineStatus() = %q (%s), want %q", status, reason, tt.wantStatus)
			}
			if status != HealthHealthy && reason == "" {
				t.Error("non-healthy status without a reason")
			}
		})
	}
}

func TestHealthReporter_PublishNow(t *testing.T) {
	pub := newMockPublisher(true)
	recorder := NewAddressRecorder()
	recorder.RecordPacket(NewRTRPacket(0x10))
	recorder.RecordPacket(NewRTRPacket(0x11))

	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "velbus-01",
		Version:   "1.2.3",
		Publisher: pub,
		Client:    newMockConnector(true),
		Recorder:  recorder,
	})
	h.SetModuleCount(4)

	if err := h.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	msgs := pub.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != HealthTopic() || msgs[0].qos != 1 || !msgs[0].retained {
		t.Errorf("published to %q qos=%d retained=%v", msgs[0].topic, msgs[0].qos, msgs[0].retained)
	}

	health := decodeHealth(t, msgs[0].payload)
	if health.Status != HealthHealthy || health.Version != "1.2.3" || health.Bridge != "velbus-01" {
		t.Errorf("health = %+v", health)
	}
	if health.ModulesManaged != 4 || health.AddressesSeen != 2 {
		t.Errorf("ModulesManaged = %d, AddressesSeen = %d", health.ModulesManaged, health.AddressesSeen)
	}
	if health.Connection == nil || health.Connection.Status != "connected" ||
		health.Connection.Endpoint != "serial:///dev/ttyACM0?baud=38400" {
		t.Errorf("Connection = %+v", health.Connection)
	}
	if health.Statistics == nil || health.Statistics.PacketsReceived != 500 || health.Statistics.FramingErrors != 3 {
		t.Errorf("Statistics = %+v", health.Statistics)
	}
}

func TestHealthReporter_StartWritesMetrics(t *testing.T) {
	pub := newMockPublisher(true)
	metrics := &mockMetrics{}

	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "velbus-01",
		Interval:  time.Hour,
		Publisher: pub,
		Client:    newMockConnector(true),
		Metrics:   metrics,
	})

	h.Start(context.Background())
	waitFor(t, "initial report", func() bool { return len(metrics.getPoints()) == 1 })
	h.Stop()

	pt := metrics.getPoints()[0]
	if pt.measurement != "velbus_bus" || pt.tags["bridge_id"] != "velbus-01" {
		t.Errorf("point = %s %v", pt.measurement, pt.tags)
	}
	if pt.fields["packets_rx"] != int64(500) || pt.fields["bytes_discarded"] != int64(7) || pt.fields["connected"] != true {
		t.Errorf("fields = %v", pt.fields)
	}

	msgs := pub.getMessages()
	if len(msgs) < 2 {
		t.Fatalf("published %d messages, want report and stopping", len(msgs))
	}
	if got := decodeHealth(t, msgs[len(msgs)-1].payload).Status; got != HealthStopping {
		t.Errorf("last status = %q, want stopping", got)
	}
}

func TestHealthReporter_StopIdempotent(t *testing.T) {
	pub := newMockPublisher(true)
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "velbus-01", Publisher: pub, Client: newMockConnector(true)})

	h.Start(context.Background())
	h.Stop()
	h.Stop()

	stopping := 0
	for _, m := range pub.getMessages() {
		if decodeHealth(t, m.payload).Status == HealthStopping {
			stopping++
		}
	}
	if stopping != 1 {
		t.Errorf("published %d stopping messages, want 1", stopping)
	}
}

func TestLWT(t *testing.T) {
	if LWTTopic() != "graylogic/health/velbus" {
		t.Errorf("LWTTopic() = %q", LWTTopic())
	}
	payload, err := LWTPayload("velbus-01")
	if err != nil {
		t.Fatalf("LWTPayload() error = %v", err)
	}
	if msg := decodeHealth(t, payload); msg.Status != HealthOffline || msg.Bridge != "velbus-01" {
		t.Errorf("LWT = %+v", msg)
	}
}

func TestHealthReporter_NoPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "velbus-01"})

	// No publisher configured: publishing is a no-op.
	if err := h.PublishStarting(); err != nil {
		t.Errorf("PublishStarting() without publisher error = %v", err)
	}
}
