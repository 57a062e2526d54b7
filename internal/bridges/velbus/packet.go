package velbus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame markers and field values.
const (
	// STX marks the start of every frame.
	STX byte = 0x0F

	// ETX marks the end of every frame.
	ETX byte = 0x04

	// PriorityHigh is used for time-critical traffic (button presses, relays).
	PriorityHigh byte = 0xF8

	// PriorityLow is used for everything else (status, names, configuration).
	PriorityLow byte = 0xFB

	// MaxDataLength is the largest data payload a frame can declare.
	MaxDataLength = 8

	// lengthRTR is the length byte of a remote transmit request (no data).
	lengthRTR byte = 0x40

	// headerSize is STX + PRIORITY + ADDRESS.
	headerSize = 3

	// minFrameSize is header + LENGTH + CHECKSUM + ETX.
	minFrameSize = headerSize + 3
)

// IsValidPriority reports whether b is one of the two priority values.
func IsValidPriority(b byte) bool {
	return b == PriorityHigh || b == PriorityLow
}

// Packet is a validated Velbus frame.
//
// A Packet holds the complete wire bytes, STX through ETX. It is immutable:
// every accessor returns a copy or a scalar.
//
// When the LENGTH byte on the wire exceeds MaxDataLength, the framer treats
// the frame as carrying exactly one data byte, that LENGTH byte itself. This
// keeps remote transmit requests (length byte 0x40) and similar frames
// byte-for-byte intact. LengthFallback reports this case.
type Packet struct {
	raw []byte
}

// NewPacket encodes an outgoing frame for address with the given priority and
// data payload, computing the checksum.
//
// Returns:
//   - Packet: Encoded frame ready to send
//   - error: ErrInvalidPacket if priority or data length is out of range
func NewPacket(priority, address byte, data ...byte) (Packet, error) {
	if !IsValidPriority(priority) {
		return Packet{}, fmt.Errorf("%w: priority 0x%02X", ErrInvalidPacket, priority)
	}
	if len(data) > MaxDataLength {
		return Packet{}, fmt.Errorf("%w: %d data bytes (max %d)", ErrInvalidPacket, len(data), MaxDataLength)
	}

	raw := make([]byte, 0, minFrameSize+len(data))
	raw = append(raw, STX, priority, address, byte(len(data)))
	raw = append(raw, data...)
	raw = append(raw, Checksum(raw), ETX)
	return Packet{raw: raw}, nil
}

// NewRTRPacket encodes a remote transmit request, used to ask a module at
// address to identify itself during discovery.
func NewRTRPacket(address byte) Packet {
	raw := []byte{STX, PriorityLow, address, lengthRTR}
	raw = append(raw, Checksum(raw), ETX)
	return Packet{raw: raw}
}

// packetFromFrame wraps bytes the framer has fully validated.
func packetFromFrame(frame []byte) Packet {
	raw := make([]byte, len(frame))
	copy(raw, frame)
	return Packet{raw: raw}
}

// ParsePacket validates a complete frame held in memory.
//
// It runs the bytes through a fresh Framer and succeeds only if the frame is
// consumed exactly, with nothing left over.
func ParsePacket(b []byte) (Packet, error) {
	f := NewFramer()
	for i, v := range b {
		p, ok := f.Push(v)
		if !ok {
			continue
		}
		if i != len(b)-1 {
			return Packet{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidPacket, len(b)-1-i)
		}
		return p, nil
	}
	return Packet{}, fmt.Errorf("%w: no complete frame in %d bytes", ErrInvalidPacket, len(b))
}

// IsZero reports whether p is the zero Packet.
func (p Packet) IsZero() bool {
	return len(p.raw) < minFrameSize
}

// Priority returns the frame's priority byte.
func (p Packet) Priority() byte {
	if p.IsZero() {
		return 0
	}
	return p.raw[1]
}

// Address returns the module address the frame was sent from or to.
func (p Packet) Address() byte {
	if p.IsZero() {
		return 0
	}
	return p.raw[2]
}

// LengthFallback reports whether the wire LENGTH byte exceeded MaxDataLength
// and was kept as the single data byte.
func (p Packet) LengthFallback() bool {
	return !p.IsZero() && p.raw[headerSize] > MaxDataLength
}

// IsRTR reports whether the frame is a remote transmit request.
func (p Packet) IsRTR() bool {
	return !p.IsZero() && p.raw[headerSize] == lengthRTR
}

// DataLength returns the number of data bytes carried by the frame.
func (p Packet) DataLength() int {
	if p.IsZero() {
		return 0
	}
	if p.LengthFallback() {
		return 1
	}
	return int(p.raw[headerSize])
}

// Data returns a copy of the data bytes.
func (p Packet) Data() []byte {
	if p.IsZero() {
		return nil
	}
	start := headerSize + 1
	if p.LengthFallback() {
		start = headerSize
	}
	n := p.DataLength()
	out := make([]byte, n)
	copy(out, p.raw[start:start+n])
	return out
}

// Command returns the first data byte, which selects the message type.
// ok is false for frames without data.
func (p Packet) Command() (cmd byte, ok bool) {
	data := p.Data()
	if len(data) == 0 {
		return 0, false
	}
	return data[0], true
}

// Checksum returns the frame's checksum byte.
func (p Packet) Checksum() byte {
	if p.IsZero() {
		return 0
	}
	return p.raw[len(p.raw)-2]
}

// Bytes returns a copy of the complete wire frame, STX through ETX.
func (p Packet) Bytes() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

// Hex returns the wire frame as upper-case hex.
func (p Packet) Hex() string {
	return strings.ToUpper(hex.EncodeToString(p.raw))
}

// String returns a human-readable representation of the packet.
func (p Packet) String() string {
	if p.IsZero() {
		return "Packet{}"
	}
	prio := "LOW"
	if p.Priority() == PriorityHigh {
		prio = "HIGH"
	}
	return fmt.Sprintf("Packet{Addr:0x%02X, Prio:%s, Data:%X}", p.Address(), prio, p.Data())
}
