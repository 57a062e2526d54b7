package velbus

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAddressRecorder_RecordPacket(t *testing.T) {
	r := NewAddressRecorder()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	r.now = func() time.Time { return now }

	r.RecordPacket(mustPacket(t, PriorityHigh, 0x10, 0x00, 0x01))
	now = now.Add(time.Second)
	r.RecordPacket(NewRTRPacket(0x10))
	now = now.Add(time.Second)
	r.RecordPacket(mustPacket(t, PriorityLow, 0x02, 0xFB, 0x01))
	r.RecordPacket(Packet{})

	statusCmd := byte(0xFB)
	pushCmd := byte(0x00)
	want := []AddressRecord{
		{
			Address:      0x02,
			AddressHex:   "02",
			FirstSeen:    start.Add(2 * time.Second),
			LastSeen:     start.Add(2 * time.Second),
			PacketCount:  1,
			LastPriority: PriorityLow,
			LastCommand:  &statusCmd,
		},
		{
			Address:      0x10,
			AddressHex:   "10",
			FirstSeen:    start,
			LastSeen:     start.Add(time.Second),
			PacketCount:  2,
			RTRCount:     1,
			LastPriority: PriorityLow,
			// RTR frames carry no command, so the push button command remains.
			LastCommand: &pushCmd,
		},
	}

	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestAddressRecorder_SnapshotIsCopy(t *testing.T) {
	r := NewAddressRecorder()
	r.RecordPacket(mustPacket(t, PriorityHigh, 0x10, 0x00, 0x01))

	snap := r.Snapshot()
	snap[0].PacketCount = 99
	*snap[0].LastCommand = 0x55

	again := r.Snapshot()
	if again[0].PacketCount != 1 || *again[0].LastCommand != 0x00 {
		t.Errorf("Snapshot() aliased internal state: %+v", again[0])
	}
}

func TestAddressRecorder_Stop(t *testing.T) {
	r := NewAddressRecorder()
	r.Stop()
	r.RecordPacket(mustPacket(t, PriorityHigh, 0x10, 0x00, 0x01))
	if r.Count() != 0 {
		t.Errorf("Count() = %d after Stop, want 0", r.Count())
	}
}

func TestAddressRecorder_SetLoggerWhileRecording(t *testing.T) {
	r := NewAddressRecorder()
	logger := &testLogger{}

	packets := make([]Packet, 200)
	for i := range packets {
		packets[i] = mustPacket(t, PriorityHigh, byte(i), 0x00, 0x01)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, p := range packets {
			r.RecordPacket(p)
		}
	}()
	for i := 0; i < 50; i++ {
		r.SetLogger(logger)
	}
	wg.Wait()

	r.RecordPacket(mustPacket(t, PriorityHigh, 0xFE, 0x00, 0x01))
	if !logger.contains("new bus address seen") {
		t.Error("logger set during recording received no output")
	}
}

func TestAddressRecorder_Unknown(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add(&Module{ID: "relay", Address: NewModuleAddress(0x10, 0x11)}); err != nil {
		t.Fatal(err)
	}

	r := NewAddressRecorder()
	for _, addr := range []byte{0x11, 0x30, 0x10, 0x05} {
		r.RecordPacket(mustPacket(t, PriorityLow, addr, 0xFB))
	}

	var got []byte
	for _, rec := range r.Unknown(reg) {
		got = append(got, rec.Address)
	}
	if diff := cmp.Diff([]byte{0x05, 0x30}, got); diff != "" {
		t.Errorf("Unknown() mismatch (-want +got):\n%s", diff)
	}
}
