package diretta

import "sync/atomic"

// Silence fill bytes. 0x69 is the standard DSD idle pattern; writing
// 0x00 to a DSD DAC produces a heavy DC offset instead of silence.
const (
	PCMSilenceByte byte = 0x00
	DSDSilenceByte byte = 0x69
)

// Buffer sizing policy. The ring holds ~3s of PCM or ~1.5s of DSD at the
// current byte rate; prefill releases the consumer after ~40ms of audio,
// doubled for low-bitrate PCM where cycle jitter is proportionally larger.
const (
	pcmBufferSeconds = 3.0
	dsdBufferSeconds = 1.5
	prefillMillis    = 40
)

// calculateBufferSize returns the ring capacity for a given byte rate,
// rounded up to a 4 KiB multiple with a 64 KiB floor.
func calculateBufferSize(bytesPerSecond uint64, seconds float64) int {
	size := uint64(float64(bytesPerSecond) * seconds)
	const align = 4096
	size = (size + align - 1) / align * align
	if size < 64*1024 {
		size = 64 * 1024
	}
	return int(size)
}

// calculatePrefill returns the buffered-byte threshold that releases
// Prefilling. Low-bitrate PCM (<=48kHz, <=16-bit wire) gets double the
// depth; DSD keeps the base depth since its byte rate is already high.
func calculatePrefill(bytesPerSecond uint64, isDSD, lowBitrate bool) int {
	ms := uint64(prefillMillis)
	if !isDSD && lowBitrate {
		ms *= 2
	}
	return int(bytesPerSecond * ms / 1000)
}

// RingBuffer is a fixed-capacity single-producer/single-consumer byte
// buffer. Head and tail are monotonically increasing byte counters; the
// atomic loads and stores give the producer/consumer pair its
// acquire/release ordering. Neither path takes a lock.
//
// Resize and Clear mutate buffer geometry and must only be called while
// both endpoints are held off by the owner's reconfigure gate.
type RingBuffer struct {
	buf     []byte
	head    atomic.Uint64 // advanced by the producer
	tail    atomic.Uint64 // advanced by the consumer
	silence byte
}

// NewRingBuffer creates a ring with the given capacity and silence byte.
func NewRingBuffer(capacity int, silence byte) *RingBuffer {
	return &RingBuffer{buf: make([]byte, capacity), silence: silence}
}

// Size returns the ring capacity in bytes.
func (r *RingBuffer) Size() int { return len(r.buf) }

// SilenceByte returns the fill byte for the current mode.
func (r *RingBuffer) SilenceByte() byte { return r.silence }

// Available returns the number of buffered bytes.
func (r *RingBuffer) Available() int {
	return int(r.head.Load() - r.tail.Load())
}

// free returns the writable byte count as seen by the producer.
func (r *RingBuffer) free() int {
	return len(r.buf) - int(r.head.Load()-r.tail.Load())
}

// Clear drops all buffered data. Caller must hold the reconfigure gate.
func (r *RingBuffer) Clear() {
	r.tail.Store(r.head.Load())
}

// Resize reallocates the ring to the new capacity and silence byte,
// dropping all buffered data. Caller must hold the reconfigure gate.
func (r *RingBuffer) Resize(capacity int, silence byte) {
	if capacity != len(r.buf) {
		r.buf = make([]byte, capacity)
	}
	r.silence = silence
	r.head.Store(0)
	r.tail.Store(0)
}

// copyIn writes b at the head position, wrapping as needed, and then
// publishes the new head. Caller has already bounded len(b) by free().
func (r *RingBuffer) copyIn(b []byte) {
	head := r.head.Load()
	pos := int(head % uint64(len(r.buf)))
	n := copy(r.buf[pos:], b)
	if n < len(b) {
		copy(r.buf, b[n:])
	}
	r.head.Store(head + uint64(len(b)))
}

// Push copies data into the ring unchanged. Returns the byte count
// actually written; partial writes occur when the ring fills.
func (r *RingBuffer) Push(data []byte) int {
	n := len(data)
	if free := r.free(); n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	r.copyIn(data[:n])
	return n
}

// Push16To32 widens each signed 16-bit little-endian sample to 32 bits
// by shifting it into the high half of the output word (sign carried by
// position). Input length is truncated to whole 16-bit samples; the
// write is truncated to whole output samples when the ring fills.
// Returns the number of output bytes written.
func (r *RingBuffer) Push16To32(data []byte) int {
	samples := len(data) / 2
	if maxOut := r.free() / 4; samples > maxOut {
		samples = maxOut
	}
	if samples == 0 {
		return 0
	}

	head := r.head.Load()
	size := uint64(len(r.buf))
	pos := head
	for i := 0; i < samples; i++ {
		lo := data[2*i]
		hi := data[2*i+1]
		// 32-bit sample = input << 16, little-endian on the wire.
		r.buf[pos%size] = 0
		r.buf[(pos+1)%size] = 0
		r.buf[(pos+2)%size] = lo
		r.buf[(pos+3)%size] = hi
		pos += 4
	}
	r.head.Store(head + uint64(samples*4))
	return samples * 4
}

// Push24Packed reads 32-bit-container 24-bit samples (S24_P32,
// little-endian, high byte ignored) and writes 3-byte packed samples.
// Returns the number of output bytes written.
func (r *RingBuffer) Push24Packed(data []byte) int {
	samples := len(data) / 4
	if maxOut := r.free() / 3; samples > maxOut {
		samples = maxOut
	}
	if samples == 0 {
		return 0
	}

	head := r.head.Load()
	size := uint64(len(r.buf))
	pos := head
	for i := 0; i < samples; i++ {
		r.buf[pos%size] = data[4*i]
		r.buf[(pos+1)%size] = data[4*i+1]
		r.buf[(pos+2)%size] = data[4*i+2]
		pos += 3
	}
	r.head.Store(head + uint64(samples*3))
	return samples * 3
}

// PushDSD converts a DSD block from the upstream layout (byte-interleaved:
// one byte per channel per time slot) to the negotiated wire layout and
// pushes it. The sink consumes 32-bit words per channel, so the block is
// processed in groups of 4*channels bytes: for each channel, four
// consecutive channel bytes are gathered, bit-reversed if the source and
// wire bit orders differ, and emitted in the wire word's byte order.
// Partial writes are truncated to whole groups. Returns bytes written.
func (r *RingBuffer) PushDSD(data []byte, channels int, mode DSDConversionMode) int {
	if channels <= 0 {
		return 0
	}
	group := 4 * channels
	groups := len(data) / group
	if maxOut := r.free() / group; groups > maxOut {
		groups = maxOut
	}
	if groups == 0 {
		return 0
	}

	head := r.head.Load()
	size := uint64(len(r.buf))
	pos := head
	rev := mode == DSDBitReverseOnly || mode == DSDBitReverseAndSwap
	swap := mode == DSDByteSwapOnly || mode == DSDBitReverseAndSwap

	for g := 0; g < groups; g++ {
		base := g * group
		for ch := 0; ch < channels; ch++ {
			b0 := data[base+ch]
			b1 := data[base+channels+ch]
			b2 := data[base+2*channels+ch]
			b3 := data[base+3*channels+ch]
			if rev {
				b0 = bitReverseTable[b0]
				b1 = bitReverseTable[b1]
				b2 = bitReverseTable[b2]
				b3 = bitReverseTable[b3]
			}
			if swap {
				b0, b1, b2, b3 = b3, b2, b1, b0
			}
			r.buf[pos%size] = b0
			r.buf[(pos+1)%size] = b1
			r.buf[(pos+2)%size] = b2
			r.buf[(pos+3)%size] = b3
			pos += 4
		}
	}
	written := groups * group
	r.head.Store(head + uint64(written))
	return written
}

// Pop copies up to n bytes into dst and advances the tail. Returns the
// byte count copied; the caller zero-fills with the silence byte when
// fewer than n bytes were available.
func (r *RingBuffer) Pop(dst []byte, n int) int {
	if n > len(dst) {
		n = len(dst)
	}
	if avail := r.Available(); n > avail {
		n = avail
	}
	if n <= 0 {
		return 0
	}
	tail := r.tail.Load()
	pos := int(tail % uint64(len(r.buf)))
	c := copy(dst[:n], r.buf[pos:])
	if c < n {
		copy(dst[c:n], r.buf)
	}
	r.tail.Store(tail + uint64(n))
	return n
}
