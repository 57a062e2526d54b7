package velbus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds sending a command's packet to the bus.
	commandTimeout = 5 * time.Second
)

// channelCommands are the commands whose second data byte is a channel mask
// on the sending or receiving address.
var channelCommands = map[byte]bool{
	0x00: true, // push button status
	0x01: true, // switch relay off
	0x02: true, // switch relay on
	0x03: true, // start relay timer
	0x05: true, // blind up
	0x06: true, // blind down
	0x07: true, // set dimmer value
	0xB8: true, // dimmer status
	0xEC: true, // blind status
	0xFB: true, // relay status

	CommandChannelNameRequest: true,
	CommandChannelNamePart1:   true,
	CommandChannelNamePart2:   true,
	CommandChannelNamePart3:   true,
}

// Bridge translates between the Velbus bus and MQTT.
// It handles:
//   - Publishing every received packet, annotated with module and channels
//   - Assembling channel names from name fragments
//   - Sending packets to the bus on command from Core
//   - Answering channel addressing and discovery requests
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID string
	mqtt     MQTTClient
	client   Connector
	registry *Registry
	recorder *AddressRecorder
	names    *NameAssembler
	health   *HealthReporter

	// Shutdown coordination
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// Ensure Bridge receives packets from the client.
var _ PacketListener = (*Bridge)(nil)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies this bridge in health messages.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	MQTTClient MQTTClient

	// Client is the bus connection.
	Client Connector

	// Registry holds the configured modules. If nil an empty registry is used.
	Registry *Registry

	// Recorder records every address seen. If nil one is created.
	Recorder *AddressRecorder

	// Metrics receives bus telemetry (optional).
	Metrics MetricsWriter

	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("velbus client is required")
	}
	if opts.BridgeID == "" {
		return nil, fmt.Errorf("bridge ID is required")
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = NewAddressRecorder()
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:  opts.BridgeID,
		mqtt:      opts.MQTTClient,
		client:    opts.Client,
		registry:  registry,
		recorder:  recorder,
		names:     NewNameAssembler(),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Client:    opts.Client,
		Recorder:  recorder,
		Metrics:   opts.Metrics,
	})
	b.health.SetModuleCount(registry.Len())
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
		b.recorder.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to command and request topics, registers the bridge as
// the client's packet listener and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.client.SetListener(b)

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"modules", b.registry.Len())

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.client.SetListener(nil)
		b.recorder.Stop()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// PublishHealth publishes the current health status immediately, for
// example after the MQTT connection has been re-established and the broker
// has delivered the will message.
func (b *Bridge) PublishHealth() error {
	return b.health.PublishNow()
}

// OnPacketReceived handles a packet decoded from the bus.
// It runs on the client's reader goroutine.
func (b *Bridge) OnPacketReceived(raw []byte) {
	p, err := ParsePacket(raw)
	if err != nil {
		b.logDebug("ignoring undecodable packet", "error", err.Error())
		return
	}

	b.recorder.RecordPacket(p)

	msg := NewPacketMessage(p)
	module, known := b.registry.Lookup(p.Address())
	if known {
		msg.ModuleID = module.ID
		if id, ok := packetChannel(p); ok {
			if channels, err := module.Address.ChannelNumbersForIdentifier(id); err == nil && len(channels) > 0 {
				msg.Channels = channels
			}
		}
	}

	b.publishJSON(StateTopic(p.Address()), msg, false, "packet")

	if frag, ok := ParseNameFragment(p); ok {
		if !frag.Channel.IsSingle() {
			b.logDebug("ignoring name fragment without a single channel", "channel", frag.Channel.String())
			return
		}
		if name, complete := b.names.Add(frag); complete {
			b.publishChannelName(frag.Channel, name, module)
		}
	}
}

// packetChannel returns the channel mask carried by channel-oriented commands.
func packetChannel(p Packet) (ChannelIdentifier, bool) {
	if p.LengthFallback() {
		return ChannelIdentifier{}, false
	}
	data := p.Data()
	if len(data) < 2 || !channelCommands[data[0]] {
		return ChannelIdentifier{}, false
	}
	return ChannelIdentifier{Address: p.Address(), Mask: data[1]}, true
}

// publishChannelName publishes an assembled channel name. id names exactly
// one channel. module is nil when the address is not configured; the channel is then
// numbered within its bank.
func (b *Bridge) publishChannelName(id ChannelIdentifier, name string, module *Module) {
	channel := BitPosition(id.Mask)
	msg := ChannelNameMessage{
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
		Address:   hexByte(id.Address),
		Mask:      hexByte(id.Mask),
		Name:      name,
	}
	if module != nil {
		msg.ModuleID = module.ID
		if n, err := module.Address.ChannelNumberForIdentifier(id); err == nil {
			channel = n
		}
	}
	msg.Channel = channel

	b.logDebug("channel name assembled", "address", msg.Address, "channel", channel, "name", name)
	b.publishJSON(ChannelNameTopic(id.Address, channel), msg, true, "channel name")
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		address := ""
		if len(parts) > minTopicParts {
			address = parts[minTopicParts]
		}
		b.handleCommand(address, payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(topicAddress string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"address", topicAddress,
		"command", cmd.Command)

	addr, err := ParseTopicAddress(topicAddress)
	if err != nil {
		b.publishAckError(cmd, topicAddress, ErrCodeInvalidParameters, err.Error())
		return
	}

	p, err := b.buildCommandPacket(cmd, addr)
	if err != nil {
		b.publishAckError(cmd, hexByte(addr), errorCode(err), err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.client.Send(ctx, p); err != nil {
		b.publishAckError(cmd, hexByte(addr), errorCode(err), err.Error())
		return
	}

	ack := NewAckMessage(cmd, AckAccepted, hexByte(addr))
	ack.Packet = p.Hex()
	b.publishJSON(AckTopic(ack.Address), ack, false, "ack")
}

// buildCommandPacket encodes the packet a command asks for.
func (b *Bridge) buildCommandPacket(cmd CommandMessage, addr byte) (Packet, error) {
	switch cmd.Command {
	case "send":
		return buildSendPacket(cmd.Parameters, addr)

	case "request_name":
		module, ok := b.registry.Lookup(addr)
		if !ok {
			return Packet{}, fmt.Errorf("%w: no module at 0x%02X", ErrModuleNotFound, addr)
		}
		channel, ok := intParam(cmd.Parameters, "channel")
		if !ok {
			return Packet{}, fmt.Errorf("%w: channel parameter required", ErrInvalidChannelNumber)
		}
		idx, err := module.Address.ChannelIndexFromExternalNumber(channel)
		if err != nil {
			return Packet{}, err
		}
		id, err := module.Address.ChannelIdentifierForIndex(idx)
		if err != nil {
			return Packet{}, err
		}
		return NewChannelNameRequest(id), nil

	case "scan":
		return NewRTRPacket(addr), nil

	default:
		return Packet{}, fmt.Errorf("%w: unknown command %q", errUnknownAction, cmd.Command)
	}
}

// buildSendPacket accepts either a complete frame ("packet") or a data
// payload ("data") with optional "priority".
func buildSendPacket(params map[string]any, addr byte) (Packet, error) {
	if raw, ok := params["packet"].(string); ok {
		b, err := hex.DecodeString(raw)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: packet is not hex: %w", ErrInvalidPacket, err)
		}
		p, err := ParsePacket(b)
		if err != nil {
			return Packet{}, err
		}
		if p.Address() != addr {
			return Packet{}, fmt.Errorf("%w: packet address 0x%02X does not match topic 0x%02X",
				ErrInvalidPacket, p.Address(), addr)
		}
		return p, nil
	}

	rawData, _ := params["data"].(string)
	if rawData == "" {
		return Packet{}, fmt.Errorf("%w: packet or data parameter required", ErrInvalidPacket)
	}
	data, err := hex.DecodeString(rawData)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: data is not hex: %w", ErrInvalidPacket, err)
	}
	prioName, _ := params["priority"].(string)
	prio, err := parsePriorityName(prioName)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	return NewPacket(prio, addr, data...)
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.publishJSON(AckTopic(address), NewAckError(cmd, address, code, message), false, "ack error")
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage

	switch req.Action {
	case "resolve_channel":
		resp = b.handleResolveChannel(req)
	case "identify_channel":
		resp = b.handleIdentifyChannel(req)
	case "list_modules":
		resp = b.handleListModules(req)
	case "discovered":
		resp = b.handleDiscovered(req)
	default:
		resp = NewErrorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishJSON(ResponseTopic(req.RequestID), resp, false, "response")
}

// handleResolveChannel maps a module channel number or name to its wire
// identifier.
func (b *Bridge) handleResolveChannel(req RequestMessage) ResponseMessage {
	if req.ModuleID == "" {
		return NewErrorResponse(req, ErrCodeInvalidParameters, "module_id is required")
	}
	module, err := b.registry.Get(req.ModuleID)
	if err != nil {
		return NewErrorResponse(req, errorCode(err), err.Error())
	}

	channel, ok := intParam(req.Parameters, "channel")
	if !ok {
		name, _ := req.Parameters["name"].(string)
		idx, err := module.Address.ParseChannelName(name)
		if err != nil {
			return NewErrorResponse(req, errorCode(err), err.Error())
		}
		channel = idx + 1
	}

	id, err := b.registry.ResolveChannel(req.ModuleID, channel)
	if err != nil {
		return NewErrorResponse(req, errorCode(err), err.Error())
	}

	return NewSuccessResponse(req, map[string]any{
		"module_id": req.ModuleID,
		"channel":   channel,
		"name":      ChannelName(channel - 1),
		"address":   hexByte(id.Address),
		"mask":      hexByte(id.Mask),
	})
}

// handleIdentifyChannel maps a wire address and mask to a module channel.
func (b *Bridge) handleIdentifyChannel(req RequestMessage) ResponseMessage {
	addr, okAddr := byteParam(req.Parameters, "address")
	mask, okMask := byteParam(req.Parameters, "mask")
	if !okAddr || !okMask {
		return NewErrorResponse(req, ErrCodeInvalidParameters, "address and mask are required")
	}

	id := ChannelIdentifier{Address: addr, Mask: mask}
	module, channel, err := b.registry.IdentifyChannel(id)
	if err != nil {
		return NewErrorResponse(req, errorCode(err), err.Error())
	}
	channels, _ := module.Address.ChannelNumbersForIdentifier(id)

	return NewSuccessResponse(req, map[string]any{
		"module_id": module.ID,
		"channel":   channel,
		"channels":  channels,
		"name":      ChannelName(channel - 1),
	})
}

// handleListModules returns every configured module with its addresses.
func (b *Bridge) handleListModules(req RequestMessage) ResponseMessage {
	modules := b.registry.Modules()
	out := make([]map[string]any, 0, len(modules))
	for _, m := range modules {
		out = append(out, map[string]any{
			"id":               m.ID,
			"name":             m.Name,
			"type":             m.Type,
			"primary":          hexByte(m.Address.Primary()),
			"sub_addresses":    hexBytes(m.Address.SubAddresses()),
			"active_addresses": hexBytes(m.Address.ActiveAddresses()),
			"channels":         m.Address.ChannelCount(),
		})
	}
	return NewSuccessResponse(req, map[string]any{"modules": out})
}

// handleDiscovered returns every address seen on the bus, or with
// "unknown_only" set only those no configured module owns.
func (b *Bridge) handleDiscovered(req RequestMessage) ResponseMessage {
	var records []AddressRecord
	if unknownOnly, _ := req.Parameters["unknown_only"].(bool); unknownOnly {
		records = b.recorder.Unknown(b.registry)
	} else {
		records = b.recorder.Snapshot()
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"address":      rec.AddressHex,
			"first_seen":   rec.FirstSeen.UTC(),
			"last_seen":    rec.LastSeen.UTC(),
			"packet_count": rec.PacketCount,
			"known":        false,
		}
		if m, ok := b.registry.Lookup(rec.Address); ok {
			entry["known"] = true
			entry["module_id"] = m.ID
		}
		out = append(out, entry)
	}
	return NewSuccessResponse(req, map[string]any{"addresses": out})
}

// publishJSON marshals v and publishes it with QoS 1.
func (b *Bridge) publishJSON(topic string, v any, retained bool, what string) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal "+what, err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish "+what, err)
	}
}

// errUnknownAction marks commands the bridge does not implement.
var errUnknownAction = errors.New("unknown action")

// errorCode maps an error to the code reported to Core.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errUnknownAction):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrModuleNotFound):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrNotConnected):
		return ErrCodeNotConnected
	case errors.Is(err, ErrInvalidChannelIndex),
		errors.Is(err, ErrInvalidChannelNumber),
		errors.Is(err, ErrAddressNotFound),
		errors.Is(err, ErrInvalidPacket):
		return ErrCodeInvalidParameters
	default:
		return ErrCodeBusError
	}
}

// intParam reads an integer parameter. JSON numbers arrive as float64.
func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

// byteParam reads a byte given as a JSON number or a hex string.
func byteParam(params map[string]any, key string) (byte, bool) {
	if s, ok := params[key].(string); ok {
		v, err := ParseTopicAddress(s)
		return v, err == nil
	}
	n, ok := intParam(params, key)
	if !ok || n < 0 || n > 0xFF {
		return 0, false
	}
	return byte(n), true
}

func hexBytes(b []byte) []string {
	out := make([]string, len(b))
	for i, v := range b {
		out[i] = hexByte(v)
	}
	return out
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
	b.recorder.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
