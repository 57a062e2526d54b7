package velbus

import (
	"errors"
	"fmt"
	"io"
)

// Domain errors for the Velbus bridge package.
var (
	// ErrStreamExhausted is returned when the byte source has no more data.
	// It wraps io.EOF so callers may test either.
	ErrStreamExhausted = fmt.Errorf("velbus: byte stream exhausted: %w", io.EOF)

	// ErrInvalidChannelIndex is returned when a logical channel index does not
	// fall inside the module's active channel banks.
	ErrInvalidChannelIndex = errors.New("velbus: invalid channel index")

	// ErrAddressNotFound is returned when an address byte is not one of the
	// module's active addresses.
	ErrAddressNotFound = errors.New("velbus: address not found on module")

	// ErrInvalidChannelNumber is returned when an external 1-based channel
	// number or channel name cannot be converted to an index.
	ErrInvalidChannelNumber = errors.New("velbus: invalid channel number")

	// ErrSubAddressCount is returned when a sub-address update does not match
	// the slot count fixed at construction.
	ErrSubAddressCount = errors.New("velbus: sub-address slot count mismatch")

	// ErrInvalidPacket is returned when an outgoing packet cannot be encoded.
	ErrInvalidPacket = errors.New("velbus: invalid packet")

	// ErrNotConnected is returned when an operation requires a connection
	// but the client is not connected to the bus interface.
	ErrNotConnected = errors.New("velbus: not connected")

	// ErrConnectionFailed is returned when opening the bus transport fails.
	ErrConnectionFailed = errors.New("velbus: connection failed")

	// ErrSendFailed is returned when writing a packet to the bus fails.
	ErrSendFailed = errors.New("velbus: packet send failed")

	// ErrDuplicateAddress is returned when two configured modules claim the
	// same bus address.
	ErrDuplicateAddress = errors.New("velbus: duplicate module address")

	// ErrDuplicateModule is returned when two configured modules share an ID.
	ErrDuplicateModule = errors.New("velbus: duplicate module id")

	// ErrInvalidModule is returned when a module definition is incomplete.
	ErrInvalidModule = errors.New("velbus: invalid module")

	// ErrModuleNotFound is returned when a module ID is not registered.
	ErrModuleNotFound = errors.New("velbus: module not found")
)
