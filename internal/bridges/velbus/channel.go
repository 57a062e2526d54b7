package velbus

import (
	"fmt"
	"math/bits"
)

// ChannelsPerBank is the number of channels addressed through one bus address.
const ChannelsPerBank = 8

// ChannelIdentifier names one or more channels on a single bus address.
//
// Mask normally has exactly one bit set. Status and name messages may carry
// an aggregate mask naming several channels of the same bank at once.
type ChannelIdentifier struct {
	Address byte
	Mask    byte
}

// BitPosition returns the 1-based position of the lowest set bit in mask,
// so 0x01 is 1 and 0x80 is 8. It returns 0 for an empty mask.
//
// For aggregate masks only the lowest channel is reported; use Channels to
// list all of them.
func BitPosition(mask byte) int {
	if mask == 0 {
		return 0
	}
	return bits.TrailingZeros8(mask) + 1
}

// Channels returns the 1-based bank positions of every bit set in the mask,
// lowest first.
func (c ChannelIdentifier) Channels() []int {
	out := make([]int, 0, bits.OnesCount8(c.Mask))
	for m := c.Mask; m != 0; m &= m - 1 {
		out = append(out, BitPosition(m))
	}
	return out
}

// IsSingle reports whether the identifier names exactly one channel.
func (c ChannelIdentifier) IsSingle() bool {
	return bits.OnesCount8(c.Mask) == 1
}

// String returns the identifier in "0x12/0b00000100" form.
func (c ChannelIdentifier) String() string {
	return fmt.Sprintf("0x%02X/0b%08b", c.Address, c.Mask)
}
