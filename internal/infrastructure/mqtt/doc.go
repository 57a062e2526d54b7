// Package mqtt provides MQTT client connectivity for the Velbus bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// MQTT is the bus between Gray Logic Core and its protocol bridges. The
// bridge publishes bus traffic and health, and receives commands and
// requests:
//
//	Velbus interface ↔ velbus-bridge ↔ MQTT broker ↔ Gray Logic Core
//
// The package knows nothing about topic layout; the velbus package builds
// topics and payloads.
//
// # Security Considerations
//
//   - Enable TLS outside a trusted LAN (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithClientIDPrefix(cfg.Bridge.ID),
//	    mqtt.WithWill(mqtt.Will{Topic: lwtTopic, Payload: lwt, QoS: 1, Retained: true}),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
