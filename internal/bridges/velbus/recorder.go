package velbus

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// AddressRecord summarises the traffic seen from one bus address.
type AddressRecord struct {
	Address      byte      `json:"-"`
	AddressHex   string    `json:"address"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	PacketCount  uint64    `json:"packet_count"`
	RTRCount     uint64    `json:"rtr_count"`
	LastPriority byte      `json:"last_priority"`
	LastCommand  *byte     `json:"last_command,omitempty"`
}

// AddressRecorder passively records every address seen on the bus.
// It is called by the Bridge for each received packet, building a picture of
// which modules are present without manual configuration.
//
// Records are held in memory and lost on restart.
//
// Thread Safety: All methods are safe for concurrent use.
type AddressRecorder struct {
	mu      sync.RWMutex
	records map[byte]*AddressRecord
	closed  bool

	logger Logger
	now    func() time.Time
}

// NewAddressRecorder creates an empty recorder.
func NewAddressRecorder() *AddressRecorder {
	return &AddressRecorder{
		records: make(map[byte]*AddressRecord),
		now:     time.Now,
	}
}

// SetLogger sets the logger for the recorder.
func (r *AddressRecorder) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Stop makes further RecordPacket calls no-ops.
func (r *AddressRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// RecordPacket records the packet's address.
func (r *AddressRecorder) RecordPacket(p Packet) {
	if p.IsZero() {
		return
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	addr := p.Address()
	rec, ok := r.records[addr]
	if !ok {
		rec = &AddressRecord{
			Address:    addr,
			AddressHex: hexByte(addr),
			FirstSeen:  now,
		}
		r.records[addr] = rec
		if r.logger != nil {
			r.logger.Debug("new bus address seen", "address", rec.AddressHex)
		}
	}

	rec.LastSeen = now
	rec.PacketCount++
	rec.LastPriority = p.Priority()
	if p.IsRTR() {
		rec.RTRCount++
	}
	if cmd, ok := p.Command(); ok && !p.LengthFallback() {
		rec.LastCommand = &cmd
	}
}

// Snapshot returns a copy of all records ordered by address.
func (r *AddressRecorder) Snapshot() []AddressRecord {
	r.mu.RLock()
	out := make([]AddressRecord, 0, len(r.records))
	for _, rec := range r.records {
		c := *rec
		if rec.LastCommand != nil {
			cmd := *rec.LastCommand
			c.LastCommand = &cmd
		}
		out = append(out, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b AddressRecord) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return out
}

// Count returns the number of distinct addresses seen.
func (r *AddressRecorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Unknown returns records for addresses not owned by any registered module.
func (r *AddressRecorder) Unknown(reg *Registry) []AddressRecord {
	all := r.Snapshot()
	out := all[:0]
	for _, rec := range all {
		if _, ok := reg.Lookup(rec.Address); !ok {
			out = append(out, rec)
		}
	}
	return out
}
