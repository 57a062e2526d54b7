package velbus

// ChecksumFunc computes the checksum byte over a frame's leading bytes
// (STX through the last data byte).
type ChecksumFunc func(b []byte) byte

// Checksum returns the Velbus checksum of b: the two's complement of the
// 8-bit sum of all bytes, so that the sum of b and its checksum is zero.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return ^sum + 1
}

// VerifyChecksum reports whether want is the checksum of b.
func VerifyChecksum(b []byte, want byte) bool {
	return Checksum(b) == want
}
