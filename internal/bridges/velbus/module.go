package velbus

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
)

// InactiveAddress marks an unused sub-address slot.
const InactiveAddress byte = 0xFF

// channelNamePrefix is the prefix of textual channel names ("CH1", "CH12").
const channelNamePrefix = "CH"

// addressSet is an immutable snapshot of a module's addresses.
type addressSet struct {
	primary byte
	subs    []byte
	active  []byte
}

func newAddressSet(primary byte, subs []byte) *addressSet {
	s := &addressSet{
		primary: primary,
		subs:    slices.Clone(subs),
		active:  make([]byte, 0, 1+len(subs)),
	}
	s.active = append(s.active, primary)
	for _, a := range subs {
		if a != InactiveAddress {
			s.active = append(s.active, a)
		}
	}
	return s
}

// validate rejects a set that activates the same address twice.
func (s *addressSet) validate() error {
	for i, a := range s.active {
		if slices.Contains(s.active[:i], a) {
			return fmt.Errorf("%w: 0x%02X appears twice in module 0x%02X", ErrDuplicateAddress, a, s.primary)
		}
	}
	return nil
}

// ModuleAddress maps a module's logical channel numbering onto its bus
// addresses.
//
// Channel index i (0-based) lives at ActiveAddresses()[i/8], bit i%8. Channel
// numbers are the same thing 1-based, which is how they appear in names and
// configuration.
//
// The number of sub-address slots is fixed at construction. SetSubAddresses
// replaces the whole set atomically, so concurrent readers always see either
// the old or the new addresses, never a mix.
type ModuleAddress struct {
	set atomic.Pointer[addressSet]
}

// NewModuleAddress creates a ModuleAddress. Sub-address slots holding
// InactiveAddress are kept but contribute no channels.
//
// Addresses are not checked here. Validate reports a set that repeats an
// address, and the Registry refuses to register one.
func NewModuleAddress(primary byte, subAddresses ...byte) *ModuleAddress {
	m := &ModuleAddress{}
	m.set.Store(newAddressSet(primary, subAddresses))
	return m
}

// Primary returns the module's primary address.
func (m *ModuleAddress) Primary() byte {
	return m.set.Load().primary
}

// SubAddresses returns a copy of all sub-address slots, including inactive ones.
func (m *ModuleAddress) SubAddresses() []byte {
	return slices.Clone(m.set.Load().subs)
}

// ActiveAddresses returns the primary address followed by every active
// sub-address, in slot order.
func (m *ModuleAddress) ActiveAddresses() []byte {
	return slices.Clone(m.set.Load().active)
}

// ChannelCount returns the number of addressable channels.
func (m *ModuleAddress) ChannelCount() int {
	return len(m.set.Load().active) * ChannelsPerBank
}

// Contains reports whether addr is one of the module's active addresses.
func (m *ModuleAddress) Contains(addr byte) bool {
	return slices.Contains(m.set.Load().active, addr)
}

// Validate returns ErrDuplicateAddress if an active address, the primary
// included, appears more than once.
func (m *ModuleAddress) Validate() error {
	return m.set.Load().validate()
}

// SetSubAddresses replaces the sub-address slots after rediscovery.
// The number of slots must match the number given at construction, and no
// active address may repeat. On error the current set is left unchanged.
func (m *ModuleAddress) SetSubAddresses(subAddresses ...byte) error {
	for {
		cur := m.set.Load()
		if len(subAddresses) != len(cur.subs) {
			return fmt.Errorf("%w: got %d, module has %d", ErrSubAddressCount, len(subAddresses), len(cur.subs))
		}
		next := newAddressSet(cur.primary, subAddresses)
		if err := next.validate(); err != nil {
			return err
		}
		if m.set.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// ChannelIdentifierForIndex returns the address and single-bit mask of the
// channel at the 0-based index.
func (m *ModuleAddress) ChannelIdentifierForIndex(index int) (ChannelIdentifier, error) {
	active := m.set.Load().active
	if index < 0 || index/ChannelsPerBank >= len(active) {
		return ChannelIdentifier{}, fmt.Errorf("%w: %d (module has %d channels)",
			ErrInvalidChannelIndex, index, len(active)*ChannelsPerBank)
	}
	return ChannelIdentifier{
		Address: active[index/ChannelsPerBank],
		Mask:    1 << (index % ChannelsPerBank),
	}, nil
}

// ChannelNumberForIdentifier returns the 1-based channel number of id.
//
// For aggregate masks the lowest channel is returned. An empty mask yields
// the bank's base number (p*8), which is not a valid channel.
func (m *ModuleAddress) ChannelNumberForIdentifier(id ChannelIdentifier) (int, error) {
	p := slices.Index(m.set.Load().active, id.Address)
	if p < 0 {
		return 0, fmt.Errorf("%w: 0x%02X", ErrAddressNotFound, id.Address)
	}
	return p*ChannelsPerBank + BitPosition(id.Mask), nil
}

// ChannelNumbersForIdentifier returns the 1-based numbers of every channel
// named by id's mask.
func (m *ModuleAddress) ChannelNumbersForIdentifier(id ChannelIdentifier) ([]int, error) {
	p := slices.Index(m.set.Load().active, id.Address)
	if p < 0 {
		return nil, fmt.Errorf("%w: 0x%02X", ErrAddressNotFound, id.Address)
	}
	out := id.Channels()
	for i := range out {
		out[i] += p * ChannelsPerBank
	}
	return out, nil
}

// ChannelIndexFromExternalNumber converts a 1-based channel number to a
// 0-based index.
func (m *ModuleAddress) ChannelIndexFromExternalNumber(n int) (int, error) {
	if n < 1 || n > m.ChannelCount() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannelNumber, n)
	}
	return n - 1, nil
}

// ParseChannelName converts a channel name such as "CH7" to its 0-based
// index. Numbers are not zero-padded.
func (m *ModuleAddress) ParseChannelName(name string) (int, error) {
	digits, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(name)), channelNamePrefix)
	if !ok || digits == "" || digits[0] == '0' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannelNumber, name)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || strings.ContainsFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannelNumber, name)
	}
	return m.ChannelIndexFromExternalNumber(n)
}

// ChannelName returns the textual name of the channel at the 0-based index.
func ChannelName(index int) string {
	return channelNamePrefix + strconv.Itoa(index+1)
}

// String returns the module's addresses for logging.
func (m *ModuleAddress) String() string {
	s := m.set.Load()
	var b strings.Builder
	fmt.Fprintf(&b, "0x%02X", s.primary)
	if len(s.subs) > 0 {
		b.WriteString(" [")
		for i, a := range s.subs {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "0x%02X", a)
		}
		b.WriteByte(']')
	}
	return b.String()
}
