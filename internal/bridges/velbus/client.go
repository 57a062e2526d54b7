package velbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the bus connection.
const (
	// defaultConnectTimeout is the maximum time to wait for the transport to open.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single packet write on transports with deadlines.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// defaultSendInterval is the minimum gap between outgoing packets.
	// Velbus interfaces drop frames when written back-to-back.
	defaultSendInterval = 60 * time.Millisecond
)

// ClientConfig holds bus connection configuration.
type ClientConfig struct {
	// Connection is the bus interface URL, see ParseEndpoint.
	Connection string

	// ConnectTimeout is the maximum time to wait for the transport to open.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a packet write. Default: 5 seconds.
	WriteTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// SendInterval is the minimum gap between outgoing packets.
	// Default: 60 milliseconds.
	SendInterval time.Duration

	// Dial opens the transport. Default: OpenTransport.
	Dial DialFunc
}

func (cfg *ClientConfig) applyDefaults() {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.SendInterval == 0 {
		cfg.SendInterval = defaultSendInterval
	}
	if cfg.Dial == nil {
		cfg.Dial = OpenTransport
	}
}

// ClientStats holds operational statistics.
type ClientStats struct {
	PacketsTx       uint64
	PacketsRx       uint64
	FramingErrors   uint64 // Frames dropped by the framer after STX
	BytesDiscarded  uint64 // Bytes skipped while hunting for STX
	ErrorsTotal     uint64
	ReconnectsTotal uint64 // Successful reconnections
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool // True while attempting to reconnect
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// PacketListener receives every packet decoded from the bus.
//
// OnPacketReceived is passed the complete wire frame, STX through ETX. It is
// called on the client's reader goroutine, one packet at a time in wire
// order, so a slow listener delays reading.
type PacketListener interface {
	OnPacketReceived(packet []byte)
}

// PacketListenerFunc adapts a function to PacketListener.
type PacketListenerFunc func(packet []byte)

// OnPacketReceived calls f(packet).
func (f PacketListenerFunc) OnPacketReceived(packet []byte) {
	f(packet)
}

// Connector interface for testability.
// This allows mocking the bus client in tests.
type Connector interface {
	Send(ctx context.Context, p Packet) error
	SetListener(listener PacketListener)
	IsConnected() bool
	Stats() ClientStats
	Close() error
}

// Ensure Client implements Connector.
var _ Connector = (*Client)(nil)

// Client owns the connection to a Velbus interface.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The listener is invoked on the single reader goroutine.
//
// Auto-Reconnection:
//   - Any read error other than shutdown drops the connection and any
//     partially received frame, then reconnects.
//   - Uses exponential backoff starting at ReconnectInterval up to 2 minutes.
//   - Reconnection stops only when Close() is called.
type Client struct {
	cfg      ClientConfig
	endpoint Endpoint

	conn      io.ReadWriteCloser
	connMu    sync.RWMutex
	connected bool

	// reader is the active connection's reader, read by Stats.
	reader atomic.Pointer[PacketReader]

	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	listener   PacketListener
	listenerMu sync.RWMutex

	// writeMu serialises writes and guards lastSend.
	writeMu  sync.Mutex
	lastSend time.Time

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	packetsTx       atomic.Uint64
	packetsRx       atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp

	// Framer counters from connections that have since been replaced.
	pastFramingErrors  atomic.Uint64
	pastBytesDiscarded atomic.Uint64
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithClientLogger sets the client logger before the reader starts.
func WithClientLogger(logger Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient validates cfg and returns a Client that is not yet connected.
// Register a listener with SetListener, then call Start, so that no packet
// read from the bus is missed.
//
// Returns:
//   - *Client: Unconnected client
//   - error: ErrConnectionFailed if the URL is invalid
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	cfg.applyDefaults()

	ep, err := ParseEndpoint(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:      cfg,
		endpoint: ep,
		done:     newCloseOnce(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start opens the bus interface and starts the reader goroutine.
// A Client can be started once; Start after Close fails.
//
// Returns:
//   - error: ErrConnectionFailed if the client was already started or
//     closed, or the transport cannot be opened
func (c *Client) Start(ctx context.Context) error {
	if c.isClosed() {
		return fmt.Errorf("%w: client closed", ErrConnectionFailed)
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already started", ErrConnectionFailed)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := c.cfg.Dial(ctx, c.endpoint, c.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	if c.isClosed() {
		c.connMu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: client closed", ErrConnectionFailed)
	}
	c.conn = conn
	c.connected = true
	c.wg.Add(1)
	c.connMu.Unlock()

	c.lastActivity.Store(time.Now().Unix())
	go c.receiveLoop(conn)

	c.logInfo("connected to velbus interface", "endpoint", c.endpoint.String())
	return nil
}

// Connect creates a Client and starts it.
//
// Parameters:
//   - ctx: Context for cancellation (used for the initial connection)
//   - cfg: Connection configuration
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if the URL is invalid or the transport
//     cannot be opened
func Connect(ctx context.Context, cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	c, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// receiveLoop decodes packets until shutdown, reconnecting on read errors.
func (c *Client) receiveLoop(conn io.ReadWriteCloser) {
	defer c.wg.Done()

	for {
		reader := NewPacketReader(conn, WithLogger(c.getLogger()))
		c.reader.Store(reader)

		err := c.readPackets(reader)
		c.retireReader(reader)

		if c.isClosed() {
			return
		}
		if errors.Is(err, ErrStreamExhausted) {
			c.logInfo("velbus interface closed the stream")
		} else {
			c.logError("read failed", err)
			c.errorsTotal.Add(1)
		}
		c.handleDisconnect()

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// readPackets dispatches packets until the reader fails.
func (c *Client) readPackets(reader *PacketReader) error {
	for {
		p, err := reader.Next()
		if err != nil {
			return err
		}
		c.packetsRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.dispatch(p)
	}
}

// dispatch hands a packet to the listener, recovering listener panics.
func (c *Client) dispatch(p Packet) {
	c.listenerMu.RLock()
	listener := c.listener
	c.listenerMu.RUnlock()

	if listener == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logError("packet listener panic", fmt.Errorf("%v", r))
		}
	}()
	listener.OnPacketReceived(p.Bytes())
}

// retireReader folds a finished reader's counters into the running totals.
func (c *Client) retireReader(reader *PacketReader) {
	s := reader.Stats()
	c.pastFramingErrors.Add(s.FramingErrors())
	c.pastBytesDiscarded.Add(s.DiscardedBytes)
	c.reader.CompareAndSwap(reader, nil)
}

// handleDisconnect marks the connection as lost.
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection")
	}
}

// reconnect re-opens the transport with exponential backoff.
// Returns false if shutdown was signalled.
func (c *Client) reconnect() (io.ReadWriteCloser, bool) {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval

	for {
		if c.isClosed() {
			return nil, false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		c.closeOldConnection()

		conn, err := c.dialWithTimeout()
		if err != nil {
			backoff = c.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return nil, false
			}
			continue
		}

		c.connMu.Lock()
		if c.isClosed() {
			c.connMu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.reconnectCount.Store(0)
		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
		return conn, true
	}
}

// closeOldConnection closes the existing connection if any.
func (c *Client) closeOldConnection() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// dialWithTimeout opens the transport, abandoning the attempt on shutdown.
func (c *Client) dialWithTimeout() (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return c.cfg.Dial(ctx, c.endpoint, c.cfg.ConnectTimeout)
}

// handleReconnectFailure waits out the backoff after a failed attempt.
// Returns the new backoff duration, or 0 if shutdown was signalled.
func (c *Client) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	c.logError("reconnect: open failed", err)
	c.errorsTotal.Add(1)

	select {
	case <-c.done.Done():
		return 0
	case <-time.After(backoff):
	}

	newBackoff := time.Duration(float64(backoff) * 1.5)
	if newBackoff > maxReconnectInterval {
		newBackoff = maxReconnectInterval
	}
	return newBackoff
}

// isClosed returns true if the client has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the reader and closes the transport.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.logInfo("connection closed")
	return nil
}

// Send writes a packet to the bus.
//
// Writes are serialised and spaced at least SendInterval apart.
//
// Returns:
//   - error: ErrNotConnected, or ErrSendFailed wrapping the cause
func (c *Client) Send(ctx context.Context, p Packet) error {
	if p.IsZero() {
		return fmt.Errorf("%w: empty packet", ErrSendFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if wait := c.cfg.SendInterval - time.Since(c.lastSend); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
		case <-timer.C:
		}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	if wd, ok := conn.(writeDeadliner); ok {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := wd.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
		}
	}

	if _, err := conn.Write(p.raw); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	c.lastSend = time.Now()
	c.packetsTx.Add(1)
	c.lastActivity.Store(c.lastSend.Unix())
	c.logDebug("packet sent", "packet", p.String())
	return nil
}

// SetListener sets the listener for received packets.
// Panics in the listener are recovered and logged.
func (c *Client) SetListener(listener PacketListener) {
	c.listenerMu.Lock()
	c.listener = listener
	c.listenerMu.Unlock()
}

// SetLogger sets the logger for this client.
// Takes effect for the framer on the next connection.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true if the transport is open.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Endpoint returns the parsed connection URL.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	framing := c.pastFramingErrors.Load()
	discarded := c.pastBytesDiscarded.Load()
	if r := c.reader.Load(); r != nil {
		s := r.Stats()
		framing += s.FramingErrors()
		discarded += s.DiscardedBytes
	}

	return ClientStats{
		PacketsTx:       c.packetsTx.Load(),
		PacketsRx:       c.packetsRx.Load(),
		FramingErrors:   framing,
		BytesDiscarded:  discarded,
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// HealthCheck reports ErrNotConnected while the transport is down.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
