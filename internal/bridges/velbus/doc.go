// Package velbus implements the Velbus protocol bridge for Gray Logic.
//
// This package decodes the byte stream produced by a Velbus interface (USB or
// RS-232 serial, or a TCP bus server) into validated packets, and maps module
// addresses plus 8-bit channel masks to stable logical channel numbers.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐  serial/TCP
//	│   Gray Logic    │   MQTT   │  Velbus Bridge  │◄────────────► Velbus
//	│      Core       │◄────────►│   (this pkg)    │
//	└─────────────────┘          └─────────────────┘
//
// # Wire Format
//
// Every packet is framed as:
//
//	STX(0x0F) PRIORITY ADDRESS LENGTH DATA[0..8] CHECKSUM ETX(0x04)
//
// PRIORITY is 0xF8 (high) or 0xFB (low). CHECKSUM is the two's complement of
// the 8-bit sum of every preceding byte in the frame.
//
// The Framer consumes one byte at a time and resynchronises on the next STX
// after any malformed input. Framing errors never reach the caller; they are
// counted and logged at debug level.
//
// # Channel Addressing
//
// A module owns a primary address and a fixed number of sub-address slots
// (0xFF marks an unused slot). Each active address carries a bank of 8
// channels selected by a single-bit mask:
//
//	mod := velbus.NewModuleAddress(0x01, 0x02, 0xFF)
//	id, _ := mod.ChannelIdentifierForIndex(8) // {Address: 0x02, Mask: 0x01}
//	n, _ := mod.ChannelNumberForIdentifier(id) // 9
//
// # Thread Safety
//
// Framer and PacketReader are owned by a single goroutine. ModuleAddress,
// Registry, Client and Bridge are safe for concurrent use.
//
// # References
//
//   - Velbus protocol: https://github.com/velbus/moduleprotocol
//   - Gray Logic bridge interface: docs/architecture/bridge-interface.md
package velbus
