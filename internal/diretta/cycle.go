package diretta

// Transport framing overhead per cycle, in bytes.
const transportOverhead = 24

// Cycle period bounds and quantum, in microseconds. The sink accepts
// periods on a 10us grid; periods are clamped so that very large MTUs
// or very low bit rates still produce a workable cadence.
const (
	cycleQuantumUs = 10
	cycleMinUs     = 250
	cycleMaxUs     = 100000
)

// CycleCalculator derives the sink cycle period and the per-cycle byte
// target from the path MTU and the active format. Pure computation; a
// fresh instance is built for each measured MTU.
type CycleCalculator struct {
	mtu uint32
}

// NewCycleCalculator creates a calculator for the given path MTU.
func NewCycleCalculator(mtu uint32) *CycleCalculator {
	return &CycleCalculator{mtu: mtu}
}

// MTU returns the path MTU the calculator was built with.
func (c *CycleCalculator) MTU() uint32 { return c.mtu }

// payloadPerCycle returns the effective audio payload per cycle.
func (c *CycleCalculator) payloadPerCycle() uint32 {
	if c.mtu <= transportOverhead {
		return 1
	}
	return c.mtu - transportOverhead
}

// bytesPerSecond returns the wire byte rate for a format. For DSD,
// bits is 1 and rate is the DSD bit rate.
func bytesPerSecond(rate uint32, channels, bits int) uint64 {
	return uint64(rate) * uint64(channels) * uint64(bits) / 8
}

// CycleTimeUs computes the cycle period in microseconds: the time one
// MTU-sized payload covers at the wire byte rate, rounded to the cycle
// quantum and clamped to the sink's acceptable range.
func (c *CycleCalculator) CycleTimeUs(rate uint32, channels, bits int) uint32 {
	bps := bytesPerSecond(rate, channels, bits)
	if bps == 0 {
		return cycleMaxUs
	}
	us := uint64(c.payloadPerCycle()) * 1000000 / bps
	us = (us + cycleQuantumUs/2) / cycleQuantumUs * cycleQuantumUs
	if us < cycleMinUs {
		us = cycleMinUs
	}
	if us > cycleMaxUs {
		us = cycleMaxUs
	}
	return uint32(us)
}

// BytesPerCycle computes the per-cycle byte target: ~1ms of audio,
// rounded up to a whole number of frames and floored at 64 bytes.
// frameBytes is channels times the wire sample size (for DSD, 4 bytes
// per channel, the sink word).
func (c *CycleCalculator) BytesPerCycle(rate uint32, channels, bits, frameBytes int) int {
	bps := bytesPerSecond(rate, channels, bits)
	n := int(bps / 1000)
	if frameBytes > 0 {
		n = (n + frameBytes - 1) / frameBytes * frameBytes
	}
	if n < 64 {
		n = 64
	}
	return n
}
