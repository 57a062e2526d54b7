package velbus

import "sync/atomic"

// framerState is the position of the framer within the current frame.
type framerState uint8

const (
	stateWaitSTX framerState = iota
	stateWaitPriority
	stateWaitAddress
	stateWaitLength
	stateCollectingData
	stateWaitChecksum
	stateWaitETX
)

// maxFrameSize is the largest frame the framer can accumulate.
const maxFrameSize = minFrameSize + MaxDataLength

// String returns the state name for logging.
func (s framerState) String() string {
	switch s {
	case stateWaitSTX:
		return "wait_stx"
	case stateWaitPriority:
		return "wait_priority"
	case stateWaitAddress:
		return "wait_address"
	case stateWaitLength:
		return "wait_length"
	case stateCollectingData:
		return "collecting_data"
	case stateWaitChecksum:
		return "wait_checksum"
	case stateWaitETX:
		return "wait_etx"
	default:
		return "unknown"
	}
}

// accumulator holds the bytes accepted for the frame in progress.
// frame always starts with STX once the framer has left stateWaitSTX.
type accumulator struct {
	frame     []byte
	declared  int
	collected int
}

func (a *accumulator) reset() {
	a.frame = a.frame[:0]
	a.declared = 0
	a.collected = 0
}

// FramerStats counts what the framer has emitted and discarded.
type FramerStats struct {
	Packets         uint64 // Complete frames emitted
	DiscardedBytes  uint64 // Bytes skipped while waiting for STX
	PriorityErrors  uint64 // Frames dropped on an invalid priority byte
	ChecksumErrors  uint64 // Frames dropped on a checksum mismatch
	ETXErrors       uint64 // Frames dropped on a missing ETX
	LengthFallbacks uint64 // LENGTH bytes above MaxDataLength kept as data
}

// FramingErrors returns the number of frames dropped after STX was matched.
func (s FramerStats) FramingErrors() uint64 {
	return s.PriorityErrors + s.ChecksumErrors + s.ETXErrors
}

// Option configures a Framer or PacketReader.
type Option func(*framerOptions)

type framerOptions struct {
	checksum ChecksumFunc
	logger   Logger
}

// WithChecksum replaces the checksum function used to validate frames.
func WithChecksum(fn ChecksumFunc) Option {
	return func(o *framerOptions) {
		if fn != nil {
			o.checksum = fn
		}
	}
}

// WithLogger sets the logger that receives debug output for dropped bytes.
func WithLogger(logger Logger) Option {
	return func(o *framerOptions) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) framerOptions {
	o := framerOptions{checksum: Checksum}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Framer is an incremental Velbus frame decoder.
//
// Bytes are pushed one at a time. Any malformed input resets the framer to
// wait for the next STX; the offending byte is never reconsidered as the
// start of a new frame.
//
// A Framer must be owned by a single goroutine. Stats may be read from any
// goroutine.
type Framer struct {
	state    framerState
	acc      accumulator
	checksum ChecksumFunc
	logger   Logger

	packets         atomic.Uint64
	discardedBytes  atomic.Uint64
	priorityErrors  atomic.Uint64
	checksumErrors  atomic.Uint64
	etxErrors       atomic.Uint64
	lengthFallbacks atomic.Uint64
}

// NewFramer creates a Framer waiting for STX.
func NewFramer(opts ...Option) *Framer {
	o := buildOptions(opts)
	return &Framer{
		state:    stateWaitSTX,
		acc:      accumulator{frame: make([]byte, 0, maxFrameSize)},
		checksum: o.checksum,
		logger:   o.logger,
	}
}

// Push feeds one byte to the framer.
//
// Returns:
//   - Packet: The completed frame when ok is true
//   - ok: false while no complete frame is available yet
func (f *Framer) Push(b byte) (Packet, bool) {
	switch f.state {
	case stateWaitSTX:
		if b != STX {
			f.discardedBytes.Add(1)
			f.debug("discarding byte outside frame", "byte", b)
			return Packet{}, false
		}
		f.acc.frame = append(f.acc.frame, b)
		f.state = stateWaitPriority

	case stateWaitPriority:
		if !IsValidPriority(b) {
			f.priorityErrors.Add(1)
			f.drop("invalid priority", b)
			return Packet{}, false
		}
		f.acc.frame = append(f.acc.frame, b)
		f.state = stateWaitAddress

	case stateWaitAddress:
		f.acc.frame = append(f.acc.frame, b)
		f.state = stateWaitLength

	case stateWaitLength:
		f.acc.frame = append(f.acc.frame, b)
		if int(b) <= MaxDataLength {
			f.acc.declared = int(b)
			f.acc.collected = 0
		} else {
			// Wire compatibility: an out-of-range length byte is kept as
			// the frame's only data byte (RTR frames use 0x40 here).
			f.acc.declared = 1
			f.acc.collected = 1
			f.lengthFallbacks.Add(1)
			f.debug("length byte out of range, treating as single data byte", "byte", b)
		}
		if f.acc.collected == f.acc.declared {
			f.state = stateWaitChecksum
		} else {
			f.state = stateCollectingData
		}

	case stateCollectingData:
		f.acc.frame = append(f.acc.frame, b)
		f.acc.collected++
		if f.acc.collected == f.acc.declared {
			f.state = stateWaitChecksum
		}

	case stateWaitChecksum:
		if f.checksum(f.acc.frame) != b {
			f.checksumErrors.Add(1)
			f.drop("checksum mismatch", b)
			return Packet{}, false
		}
		f.acc.frame = append(f.acc.frame, b)
		f.state = stateWaitETX

	case stateWaitETX:
		if b != ETX {
			f.etxErrors.Add(1)
			f.drop("missing ETX", b)
			return Packet{}, false
		}
		f.acc.frame = append(f.acc.frame, b)
		p := packetFromFrame(f.acc.frame)
		f.Reset()
		f.packets.Add(1)
		return p, true
	}

	return Packet{}, false
}

// Reset abandons any frame in progress and waits for the next STX.
func (f *Framer) Reset() {
	f.acc.reset()
	f.state = stateWaitSTX
}

// InFrame reports whether a frame has been started but not completed.
func (f *Framer) InFrame() bool {
	return f.state != stateWaitSTX
}

// Stats returns the framer's counters.
func (f *Framer) Stats() FramerStats {
	return FramerStats{
		Packets:         f.packets.Load(),
		DiscardedBytes:  f.discardedBytes.Load(),
		PriorityErrors:  f.priorityErrors.Load(),
		ChecksumErrors:  f.checksumErrors.Load(),
		ETXErrors:       f.etxErrors.Load(),
		LengthFallbacks: f.lengthFallbacks.Load(),
	}
}

// drop logs the reason a partial frame was abandoned and resets.
func (f *Framer) drop(reason string, b byte) {
	f.debug("dropping frame: "+reason,
		"state", f.state.String(),
		"byte", b,
		"partial", f.acc.frame)
	f.Reset()
}

func (f *Framer) debug(msg string, keysAndValues ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, keysAndValues...)
	}
}
