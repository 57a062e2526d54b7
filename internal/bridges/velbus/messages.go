package velbus

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Velbus bridge.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "velbus"

// CommandMessage is sent from Core to Bridge to put a packet on the bus.
// Topic: graylogic/command/velbus/{address}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	// The bridge assigns one if it is empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// ModuleID is the Gray Logic module identifier, if known.
	ModuleID string `json:"module_id,omitempty"`

	// Command is the command name: "send", "request_name" or "scan".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"data": "0202", "priority": "high"} for send
	//   {"packet": "0FF8010202..."} for send with a complete frame
	//   {"channel": 3} for request_name
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the packet was written to the bus.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/velbus/{address}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	ModuleID  string    `json:"module_id,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`

	// Packet is the frame that was sent, as hex.
	Packet string    `json:"packet,omitempty"`
	Error  *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeBusError          = "BUS_ERROR"
)

// PacketMessage is sent from Bridge to Core for every packet received.
// Topic: graylogic/state/velbus/{address}
type PacketMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	ModuleID  string    `json:"module_id,omitempty"`
	Priority  string    `json:"priority"`
	RTR       bool      `json:"rtr,omitempty"`

	// Command is the first data byte as hex, if any.
	Command string `json:"command,omitempty"`

	// Data is the data payload as hex.
	Data string `json:"data"`

	// Packet is the complete wire frame as hex.
	Packet string `json:"packet"`

	// Channels lists the 1-based channel numbers named by the second data
	// byte, when the address belongs to a configured module.
	Channels []int `json:"channels,omitempty"`
}

// ChannelNameMessage is published when a channel's name has been assembled.
// Topic: graylogic/state/velbus/{address}/name/{channel}
// QoS: 1, Retained: Yes
type ChannelNameMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	ModuleID  string    `json:"module_id,omitempty"`
	Channel   int       `json:"channel,omitempty"`
	Mask      string    `json:"mask"`
	Name      string    `json:"name"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthOffline   HealthStatus = "offline" // Published by the broker as LWT
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/velbus
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version,omitempty"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	ModulesManaged int               `json:"modules_managed"`
	AddressesSeen  int               `json:"addresses_seen"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the bus interface connection.
type ConnectionStatus struct {
	// Status is "connected", "disconnected" or "reconnecting".
	Status       string     `json:"status"`
	Endpoint     string     `json:"endpoint,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsSent     uint64 `json:"packets_sent"`
	FramingErrors   uint64 `json:"framing_errors"`
	BytesDiscarded  uint64 `json:"bytes_discarded"`
	Reconnects      uint64 `json:"reconnects"`
	Errors          uint64 `json:"errors"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/velbus/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation.
	// Values: "resolve_channel", "identify_channel", "list_modules", "discovered"
	Action string `json:"action"`

	// ModuleID is the target module (for module-specific actions).
	ModuleID string `json:"module_id,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/velbus/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		ModuleID:  cmd.ModuleID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewPacketMessage creates the event published for a received packet.
func NewPacketMessage(p Packet) PacketMessage {
	msg := PacketMessage{
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
		Address:   hexByte(p.Address()),
		Priority:  priorityName(p.Priority()),
		RTR:       p.IsRTR(),
		Data:      strings.ToUpper(hex.EncodeToString(p.Data())),
		Packet:    p.Hex(),
	}
	if cmd, ok := p.Command(); ok && !p.LengthFallback() {
		msg.Command = hexByte(cmd)
	}
	return msg
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// NewSuccessResponse creates a successful response carrying data.
func NewSuccessResponse(req RequestMessage, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
// This message is published by the broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

func priorityName(b byte) string {
	if b == PriorityHigh {
		return "high"
	}
	return "low"
}

// parsePriorityName accepts "high", "low" or "" (low).
func parsePriorityName(s string) (byte, error) {
	switch strings.ToLower(s) {
	case "", "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// hexByte formats b as two upper-case hex digits.
func hexByte(b byte) string {
	return fmt.Sprintf("%02X", b)
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the MQTT topic for commands to an address.
// Example: graylogic/command/velbus/2A
func CommandTopic(address byte) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, hexByte(address))
}

// AckTopic returns the MQTT topic for command acknowledgments.
// Example: graylogic/ack/velbus/2A
func AckTopic(address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, address)
}

// StateTopic returns the MQTT topic for packets from an address.
// Example: graylogic/state/velbus/2A
func StateTopic(address byte) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, hexByte(address))
}

// ChannelNameTopic returns the MQTT topic for a channel's name.
// Example: graylogic/state/velbus/2A/name/3
func ChannelNameTopic(address byte, channel int) string {
	return fmt.Sprintf("%s/name/%d", StateTopic(address), channel)
}

// HealthTopic returns the MQTT topic for health status.
// Example: graylogic/health/velbus
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the MQTT topic for requests.
// Example: graylogic/request/velbus/req-123
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
// Example: graylogic/response/velbus/req-123
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// DiscoveryTopic returns the MQTT topic for passive discovery snapshots.
// Example: graylogic/discovery/velbus
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, Protocol)
}

// CommandSubscribeTopic returns the MQTT subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the MQTT subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}

// ParseTopicAddress parses a hex address topic segment such as "2A" or "0x2a".
func ParseTopicAddress(s string) (byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 2 {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return byte(v), nil
}
