package velbus

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// Transport schemes accepted in connection URLs.
const (
	SchemeSerial = "serial"
	SchemeTCP    = "tcp"
)

const (
	// DefaultBaudRate is the line speed of Velbus USB and RS-232 interfaces.
	DefaultBaudRate = 38400

	// defaultTCPAddress is used when a tcp:// URL has no host.
	defaultTCPAddress = "localhost:6000"
)

// Endpoint is a parsed connection URL.
type Endpoint struct {
	Scheme   string
	Address  string // Serial device path or TCP host:port
	BaudRate int    // Serial only
}

// String returns the endpoint in URL form.
func (e Endpoint) String() string {
	if e.Scheme == SchemeSerial {
		return fmt.Sprintf("serial://%s?baud=%d", e.Address, e.BaudRate)
	}
	return "tcp://" + e.Address
}

// ParseEndpoint parses a Velbus connection URL.
//
// Supported formats:
//   - "serial:///dev/ttyACM0" (baud defaults to 38400)
//   - "serial:///dev/ttyUSB0?baud=9600"
//   - "serial://COM3"
//   - "tcp://192.168.1.10:6000"
func ParseEndpoint(connURL string) (Endpoint, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case SchemeSerial:
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("serial URL %q has no device path", connURL)
		}
		baud := DefaultBaudRate
		if v := u.Query().Get("baud"); v != "" {
			baud, err = strconv.Atoi(v)
			if err != nil || baud <= 0 {
				return Endpoint{}, fmt.Errorf("invalid baud rate %q", v)
			}
		}
		return Endpoint{Scheme: SchemeSerial, Address: path, BaudRate: baud}, nil

	case SchemeTCP:
		host := u.Host
		if host == "" {
			host = defaultTCPAddress
		}
		return Endpoint{Scheme: SchemeTCP, Address: host}, nil

	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme %q (use serial or tcp)", u.Scheme)
	}
}

// DialFunc opens a byte stream to the bus interface.
type DialFunc func(ctx context.Context, ep Endpoint, timeout time.Duration) (io.ReadWriteCloser, error)

// OpenTransport opens the serial port or TCP connection described by ep.
//
// Serial ports are opened 8N1 in blocking mode; the reader is released by
// closing the port.
func OpenTransport(ctx context.Context, ep Endpoint, timeout time.Duration) (io.ReadWriteCloser, error) {
	switch ep.Scheme {
	case SchemeSerial:
		mode := &serial.Mode{
			BaudRate: ep.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(ep.Address, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", ep.Address, err)
		}
		return port, nil

	case SchemeTCP:
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("dial tcp://%s: %w", ep.Address, err)
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q", ep.Scheme)
	}
}

// writeDeadliner is implemented by transports that support write deadlines.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}
