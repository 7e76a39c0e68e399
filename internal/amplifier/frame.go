package amplifier

// Shared wire-format helpers for the hardware variants. Both amplifier
// families ship 24-bit two's-complement ADC codes, big-endian on the wire.

// convert24 sign-extends a 3-byte big-endian two's-complement sample.
func convert24(c []byte) int32 {
	x := int32(c[0])<<16 | int32(c[1])<<8 | int32(c[2])
	if x&0x800000 != 0 {
		x -= 0x1000000
	}
	return x
}

// seqDifference computes the forward distance between two uint8 sequence
// numbers accounting for wraparound. Equal numbers mean a full cycle was
// lost, not zero.
func seqDifference(x, y uint8) uint8 {
	switch {
	case x > y:
		return x - y
	case x == 0 && y == 255:
		return 1
	case x == y:
		return 255
	}
	return (255 - y) + x + 1
}

// widenCounter folds a wrapping 32-bit hardware sample counter into a
// monotonic 64-bit stream index. prev is the last widened value.
func widenCounter(prev uint64, raw uint32) uint64 {
	base := prev &^ 0xFFFFFFFF
	cur := base | uint64(raw)
	if cur < prev {
		// counter wrapped
		cur += 1 << 32
	}
	return cur
}
