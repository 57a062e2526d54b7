package velbus

import (
	"strings"
	"sync"
)

// Channel name commands (first data byte).
const (
	CommandChannelNameRequest byte = 0xEF
	CommandChannelNamePart1   byte = 0xF0
	CommandChannelNamePart2   byte = 0xF1
	CommandChannelNamePart3   byte = 0xF2
)

// namePadding pads unused characters in a name fragment.
const namePadding byte = 0xFF

const nameParts = 3

// NameFragment is one part of a channel name broadcast by a module.
type NameFragment struct {
	Channel ChannelIdentifier
	Part    int // 1 to 3
	Text    string
}

// ParseNameFragment extracts a name fragment from p.
// ok is false if p is not a name fragment.
func ParseNameFragment(p Packet) (frag NameFragment, ok bool) {
	data := p.Data()
	if len(data) < 2 || p.LengthFallback() {
		return NameFragment{}, false
	}

	var part int
	switch data[0] {
	case CommandChannelNamePart1:
		part = 1
	case CommandChannelNamePart2:
		part = 2
	case CommandChannelNamePart3:
		part = 3
	default:
		return NameFragment{}, false
	}

	return NameFragment{
		Channel: ChannelIdentifier{Address: p.Address(), Mask: data[1]},
		Part:    part,
		Text:    decodeNameBytes(data[2:]),
	}, true
}

// decodeNameBytes converts Latin-1 name bytes to a string, dropping padding.
func decodeNameBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c == namePadding {
			continue
		}
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// NewChannelNameRequest encodes a request for a module to broadcast the name
// of the channels in id's mask.
func NewChannelNameRequest(id ChannelIdentifier) Packet {
	p, _ := NewPacket(PriorityLow, id.Address, CommandChannelNameRequest, id.Mask)
	return p
}

type pendingName struct {
	parts    [nameParts]string
	received uint8
}

// NameAssembler joins the three fragments of each channel name.
//
// Fragments may arrive in any order; a fragment that is repeated before the
// name completes replaces the earlier one.
//
// Thread Safety: All methods are safe for concurrent use.
type NameAssembler struct {
	mu      sync.Mutex
	pending map[ChannelIdentifier]*pendingName
}

// NewNameAssembler creates an empty NameAssembler.
func NewNameAssembler() *NameAssembler {
	return &NameAssembler{pending: make(map[ChannelIdentifier]*pendingName)}
}

// Add records a fragment. When the third distinct part arrives the full name
// is returned with complete set, and the channel's state is cleared.
func (a *NameAssembler) Add(frag NameFragment) (name string, complete bool) {
	if frag.Part < 1 || frag.Part > nameParts {
		return "", false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pn, ok := a.pending[frag.Channel]
	if !ok {
		pn = &pendingName{}
		a.pending[frag.Channel] = pn
	}
	pn.parts[frag.Part-1] = frag.Text
	pn.received |= 1 << (frag.Part - 1)

	if pn.received != 1<<nameParts-1 {
		return "", false
	}

	delete(a.pending, frag.Channel)
	return strings.TrimSpace(strings.Join(pn.parts[:], "")), true
}
