package velbus

import (
	"bufio"
	"errors"
	"io"
	"iter"
)

// readBufferSize is the buffer placed in front of sources that cannot read
// single bytes on their own.
const readBufferSize = 256

// PacketReader decodes packets from a sequential byte source.
//
// Next blocks on the underlying reader; that is the only point at which the
// reader suspends. A PacketReader is not safe for concurrent use.
type PacketReader struct {
	src    io.ByteReader
	framer *Framer
	logger Logger
}

// NewPacketReader wraps r. If r does not implement io.ByteReader it is
// buffered.
func NewPacketReader(r io.Reader, opts ...Option) *PacketReader {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReaderSize(r, readBufferSize)
	}
	o := buildOptions(opts)
	return &PacketReader{
		src:    br,
		framer: NewFramer(opts...),
		logger: o.logger,
	}
}

// Next returns the next valid packet from the stream.
//
// Returns:
//   - Packet: The next complete, checksum-valid frame
//   - error: ErrStreamExhausted at end of stream, or the source's read
//     error unchanged
func (r *PacketReader) Next() (Packet, error) {
	for {
		b, err := r.src.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if r.framer.InFrame() && r.logger != nil {
					r.logger.Debug("stream ended inside a frame, discarding partial frame")
				}
				r.framer.Reset()
				return Packet{}, ErrStreamExhausted
			}
			return Packet{}, err
		}

		if p, ok := r.framer.Push(b); ok {
			return p, nil
		}
	}
}

// All returns the remaining packets as a single-use sequence.
//
// The sequence ends silently when the stream is exhausted. Any other read
// error is yielded once, after which the sequence ends.
func (r *PacketReader) All() iter.Seq2[Packet, error] {
	return func(yield func(Packet, error) bool) {
		for {
			p, err := r.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Packet{}, err)
				}
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Stats returns the underlying framer's counters.
func (r *PacketReader) Stats() FramerStats {
	return r.framer.Stats()
}
