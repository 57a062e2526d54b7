package velbus

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
)

func TestPacketReader_Next(t *testing.T) {
	r := NewPacketReader(bytes.NewReader(concat(frameRelayOn, []byte{0x99}, frameEmpty)))

	for i, want := range [][]byte{frameRelayOn, frameEmpty} {
		p, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if diff := cmp.Diff(want, p.Bytes()); diff != "" {
			t.Errorf("Next() #%d mismatch (-want +got):\n%s", i, diff)
		}
	}

	_, err := r.Next()
	if !errors.Is(err, ErrStreamExhausted) {
		t.Fatalf("Next() at end error = %v, want ErrStreamExhausted", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Error("ErrStreamExhausted should wrap io.EOF")
	}

	if got := r.Stats(); got.Packets != 2 || got.DiscardedBytes != 1 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestPacketReader_PartialFrameAtEOF(t *testing.T) {
	logger := &testLogger{}
	r := NewPacketReader(bytes.NewReader(frameRelayOn[:5]), WithLogger(logger))

	p, err := r.Next()
	if !errors.Is(err, ErrStreamExhausted) {
		t.Fatalf("Next() error = %v, want ErrStreamExhausted", err)
	}
	if !p.IsZero() {
		t.Errorf("partial frame emitted: %X", p.Bytes())
	}
	if !logger.contains("stream ended inside a frame") {
		t.Error("discarded partial frame not logged")
	}
}

func TestPacketReader_IOErrorPropagatesUnmodified(t *testing.T) {
	errBoom := errors.New("line disconnected")
	src := io.MultiReader(bytes.NewReader(frameRelayOn), iotest.ErrReader(errBoom))
	r := NewPacketReader(src)

	if _, err := r.Next(); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	_, err := r.Next()
	if err != errBoom { //nolint:errorlint // must be the same error value
		t.Errorf("Next() error = %v, want %v unmodified", err, errBoom)
	}
}

func TestPacketReader_NonByteReader(t *testing.T) {
	// OneByteReader hides io.ByteReader, so the reader adds its own buffer.
	r := NewPacketReader(iotest.OneByteReader(bytes.NewReader(frameRTR)))

	p, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !p.IsRTR() {
		t.Errorf("got %v, want RTR", p)
	}
}

func TestPacketReader_All(t *testing.T) {
	r := NewPacketReader(bytes.NewReader(concat(frameRelayOn, frameEmpty, frameRTR)))

	var got [][]byte
	for p, err := range r.All() {
		if err != nil {
			t.Fatalf("All() yielded error %v", err)
		}
		got = append(got, p.Bytes())
	}

	want := [][]byte{frameRelayOn, frameEmpty, frameRTR}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestPacketReader_AllYieldsErrorOnce(t *testing.T) {
	errBoom := errors.New("read failed")
	r := NewPacketReader(io.MultiReader(bytes.NewReader(frameEmpty), iotest.ErrReader(errBoom)))

	var packets int
	var errs []error
	for _, err := range r.All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		packets++
	}

	if packets != 1 {
		t.Errorf("packets = %d, want 1", packets)
	}
	if len(errs) != 1 || !errors.Is(errs[0], errBoom) {
		t.Errorf("errors = %v, want [%v]", errs, errBoom)
	}
}

func TestPacketReader_AllStopsOnBreak(t *testing.T) {
	r := NewPacketReader(bytes.NewReader(concat(frameRelayOn, frameEmpty)))

	for range r.All() {
		break
	}

	// The second frame is still available to the next caller.
	p, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if diff := cmp.Diff(frameEmpty, p.Bytes()); diff != "" {
		t.Errorf("Next() mismatch (-want +got):\n%s", diff)
	}
}
