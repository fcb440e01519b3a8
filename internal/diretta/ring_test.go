package diretta

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func TestRingPushPop(t *testing.T) {
	r := NewRingBuffer(64, PCMSilenceByte)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if n := r.Push(data); n != len(data) {
		t.Fatalf("Push returned %d, want %d", n, len(data))
	}
	if got := r.Available(); got != len(data) {
		t.Fatalf("Available = %d, want %d", got, len(data))
	}

	dst := make([]byte, 8)
	if n := r.Pop(dst, 8); n != 8 {
		t.Fatalf("Pop returned %d, want 8", n)
	}
	if !bytes.Equal(dst, data) {
		t.Fatalf("Pop returned %v, want %v", dst, data)
	}
	if r.Available() != 0 {
		t.Fatalf("Available = %d after drain, want 0", r.Available())
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewRingBuffer(16, PCMSilenceByte)
	dst := make([]byte, 16)

	// Repeated push/pop cycles force head/tail past the capacity
	// boundary many times.
	for i := 0; i < 100; i++ {
		chunk := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3), byte(i + 4)}
		if n := r.Push(chunk); n != len(chunk) {
			t.Fatalf("iteration %d: Push returned %d", i, n)
		}
		if n := r.Pop(dst, len(chunk)); n != len(chunk) {
			t.Fatalf("iteration %d: Pop returned %d", i, n)
		}
		if !bytes.Equal(dst[:len(chunk)], chunk) {
			t.Fatalf("iteration %d: got %v want %v", i, dst[:len(chunk)], chunk)
		}
	}
}

func TestRingPartialWrite(t *testing.T) {
	r := NewRingBuffer(8, PCMSilenceByte)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if n := r.Push(data); n != 8 {
		t.Fatalf("Push returned %d, want 8 (capacity)", n)
	}
	if n := r.Push([]byte{11}); n != 0 {
		t.Fatalf("Push into full ring returned %d, want 0", n)
	}
}

func TestRingPopShort(t *testing.T) {
	r := NewRingBuffer(64, PCMSilenceByte)
	r.Push([]byte{1, 2, 3})

	dst := make([]byte, 10)
	if n := r.Pop(dst, 10); n != 3 {
		t.Fatalf("Pop returned %d, want 3", n)
	}
}

func TestRingPush16To32(t *testing.T) {
	r := NewRingBuffer(1024, PCMSilenceByte)

	// Two samples: 0x1234 and -1 (0xFFFF), little-endian.
	in := []byte{0x34, 0x12, 0xFF, 0xFF}
	if n := r.Push16To32(in); n != 8 {
		t.Fatalf("Push16To32 returned %d, want 8", n)
	}

	dst := make([]byte, 8)
	r.Pop(dst, 8)
	want := []byte{
		0x00, 0x00, 0x34, 0x12, // 0x1234 << 16
		0x00, 0x00, 0xFF, 0xFF, // -1 << 16 keeps its sign in the high bytes
	}
	if !bytes.Equal(dst, want) {
		t.Fatalf("widened to %x, want %x", dst, want)
	}
}

func TestRingPush24Packed(t *testing.T) {
	r := NewRingBuffer(1024, PCMSilenceByte)

	// Two S24_P32 samples, high byte garbage which must be dropped.
	in := []byte{
		0x11, 0x22, 0x33, 0xAA,
		0x44, 0x55, 0x66, 0xBB,
	}
	if n := r.Push24Packed(in); n != 6 {
		t.Fatalf("Push24Packed returned %d, want 6", n)
	}

	dst := make([]byte, 6)
	r.Pop(dst, 6)
	want := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	if !bytes.Equal(dst, want) {
		t.Fatalf("packed to %x, want %x", dst, want)
	}
}

func TestRing24PackRoundTrip(t *testing.T) {
	r := NewRingBuffer(4096, PCMSilenceByte)
	rng := rand.New(rand.NewSource(7))

	in := make([]byte, 64*4)
	rng.Read(in)

	n := r.Push24Packed(in)
	if n != 64*3 {
		t.Fatalf("wrote %d bytes, want %d", n, 64*3)
	}
	packed := make([]byte, n)
	r.Pop(packed, n)

	// Re-expanding with a zero high byte must reproduce the input with
	// each sample's container byte zeroed.
	for i := 0; i < 64; i++ {
		if packed[3*i] != in[4*i] || packed[3*i+1] != in[4*i+1] || packed[3*i+2] != in[4*i+2] {
			t.Fatalf("sample %d: got %x, want %x", i, packed[3*i:3*i+3], in[4*i:4*i+3])
		}
	}
}

// inverseDSD undoes a PushDSD conversion, reconstructing the original
// byte-interleaved input from the word-interleaved wire layout.
func inverseDSD(wire []byte, channels int, mode DSDConversionMode) []byte {
	rev := mode == DSDBitReverseOnly || mode == DSDBitReverseAndSwap
	swap := mode == DSDByteSwapOnly || mode == DSDBitReverseAndSwap

	group := 4 * channels
	out := make([]byte, len(wire))
	for g := 0; g < len(wire)/group; g++ {
		base := g * group
		for ch := 0; ch < channels; ch++ {
			w := wire[base+4*ch : base+4*ch+4]
			b0, b1, b2, b3 := w[0], w[1], w[2], w[3]
			if swap {
				b0, b1, b2, b3 = b3, b2, b1, b0
			}
			if rev {
				b0 = bitReverseTable[b0]
				b1 = bitReverseTable[b1]
				b2 = bitReverseTable[b2]
				b3 = bitReverseTable[b3]
			}
			out[base+ch] = b0
			out[base+channels+ch] = b1
			out[base+2*channels+ch] = b2
			out[base+3*channels+ch] = b3
		}
	}
	return out
}

func TestRingPushDSDRoundTrip(t *testing.T) {
	modes := []DSDConversionMode{
		DSDPassthrough, DSDBitReverseOnly, DSDByteSwapOnly, DSDBitReverseAndSwap,
	}
	rng := rand.New(rand.NewSource(42))

	for _, mode := range modes {
		for _, channels := range []int{1, 2, 6} {
			r := NewRingBuffer(8192, DSDSilenceByte)
			in := make([]byte, 4*channels*16)
			rng.Read(in)

			n := r.PushDSD(in, channels, mode)
			if n != len(in) {
				t.Fatalf("mode %v ch %d: wrote %d, want %d", mode, channels, n, len(in))
			}
			wire := make([]byte, n)
			r.Pop(wire, n)

			back := inverseDSD(wire, channels, mode)
			if !bytes.Equal(back, in) {
				t.Fatalf("mode %v ch %d: round trip mismatch", mode, channels)
			}
		}
	}
}

func TestRingPushDSDPassthroughLayout(t *testing.T) {
	r := NewRingBuffer(1024, DSDSilenceByte)

	// Stereo: L0 R0 L1 R1 L2 R2 L3 R3 interleaved input becomes
	// L0 L1 L2 L3 R0 R1 R2 R3 word-interleaved output.
	in := []byte{0x10, 0x20, 0x11, 0x21, 0x12, 0x22, 0x13, 0x23}
	if n := r.PushDSD(in, 2, DSDPassthrough); n != 8 {
		t.Fatalf("PushDSD returned %d, want 8", n)
	}

	dst := make([]byte, 8)
	r.Pop(dst, 8)
	want := []byte{0x10, 0x11, 0x12, 0x13, 0x20, 0x21, 0x22, 0x23}
	if !bytes.Equal(dst, want) {
		t.Fatalf("got %x, want %x", dst, want)
	}
}

func TestRingPushDSDSilenceStaysIdle(t *testing.T) {
	// A uniform DSD idle block must convert to a uniform DC-balanced
	// idle block under every mode: 0x69 passes through or byte-swaps
	// unchanged, and bit-reverses to 0x96.
	for _, mode := range []DSDConversionMode{
		DSDPassthrough, DSDBitReverseOnly, DSDByteSwapOnly, DSDBitReverseAndSwap,
	} {
		r := NewRingBuffer(1024, DSDSilenceByte)
		in := bytes.Repeat([]byte{DSDSilenceByte}, 64)
		r.PushDSD(in, 2, mode)

		dst := make([]byte, 64)
		r.Pop(dst, 64)

		want := DSDSilenceByte
		if mode == DSDBitReverseOnly || mode == DSDBitReverseAndSwap {
			want = 0x96
		}
		for i, b := range dst {
			if b != want {
				t.Fatalf("mode %v: byte %d = %#x, want %#x", mode, i, b, want)
			}
		}
	}
}

func TestRingPushDSDPartialGroups(t *testing.T) {
	r := NewRingBuffer(16, DSDSilenceByte) // room for two stereo groups

	in := make([]byte, 40) // five groups offered
	if n := r.PushDSD(in, 2, DSDPassthrough); n != 16 {
		t.Fatalf("PushDSD returned %d, want 16 (whole groups only)", n)
	}
}

func TestRingMonotonicity(t *testing.T) {
	r := NewRingBuffer(256, PCMSilenceByte)
	rng := rand.New(rand.NewSource(1))

	var pushed, popped int
	dst := make([]byte, 64)
	for i := 0; i < 1000; i++ {
		if rng.Intn(2) == 0 {
			chunk := make([]byte, rng.Intn(64))
			pushed += r.Push(chunk)
		} else {
			popped += r.Pop(dst, rng.Intn(64))
		}
		avail := r.Available()
		if avail < 0 || avail > r.Size() {
			t.Fatalf("Available = %d outside [0,%d]", avail, r.Size())
		}
		if popped > pushed {
			t.Fatalf("popped %d exceeds pushed %d", popped, pushed)
		}
		if pushed-popped != avail {
			t.Fatalf("accounting mismatch: pushed-popped=%d avail=%d", pushed-popped, avail)
		}
	}
}

func TestRingConcurrentSPSC(t *testing.T) {
	r := NewRingBuffer(4096, PCMSilenceByte)
	const total = 1 << 20

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		var got int
		var next byte
		dst := make([]byte, 1024)
		for got < total {
			n := r.Pop(dst, len(dst))
			for i := 0; i < n; i++ {
				if dst[i] != next {
					errCh <- io.ErrUnexpectedEOF
					return
				}
				next++
			}
			got += n
		}
	}()

	var sent int
	var next byte
	chunk := make([]byte, 777)
	for sent < total {
		want := len(chunk)
		if total-sent < want {
			want = total - sent
		}
		for i := 0; i < want; i++ {
			chunk[i] = next
			next++
		}
		off := 0
		for off < want {
			n := r.Push(chunk[off:want])
			off += n
			sent += n
		}
	}

	if err := <-errCh; err != nil {
		t.Fatal("consumer observed out-of-order data")
	}
}

func TestRingResizeAndClear(t *testing.T) {
	r := NewRingBuffer(64, PCMSilenceByte)
	r.Push([]byte{1, 2, 3})

	r.Clear()
	if r.Available() != 0 {
		t.Fatalf("Available = %d after Clear, want 0", r.Available())
	}

	r.Resize(128, DSDSilenceByte)
	if r.Size() != 128 {
		t.Fatalf("Size = %d after Resize, want 128", r.Size())
	}
	if r.SilenceByte() != DSDSilenceByte {
		t.Fatalf("SilenceByte = %#x, want %#x", r.SilenceByte(), DSDSilenceByte)
	}
	if r.Available() != 0 {
		t.Fatalf("Available = %d after Resize, want 0", r.Available())
	}
}

func TestBufferSizing(t *testing.T) {
	tests := []struct {
		name           string
		bytesPerSecond uint64
		seconds        float64
		minSize        int
	}{
		{"cd audio", 176400, pcmBufferSeconds, 176400 * 3},
		{"hires pcm", 2304000, pcmBufferSeconds, 2304000 * 3},
		{"dsd64", 705600, dsdBufferSeconds, 705600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := calculateBufferSize(tt.bytesPerSecond, tt.seconds)
			if size < tt.minSize {
				t.Errorf("size %d below target depth %d", size, tt.minSize)
			}
			if size%4096 != 0 {
				t.Errorf("size %d not 4KiB aligned", size)
			}
		})
	}
}

func TestPrefillCalculation(t *testing.T) {
	// 40ms at the byte rate, doubled for low-bitrate PCM.
	if got := calculatePrefill(352800, false, false); got != 352800*40/1000 {
		t.Errorf("prefill = %d, want %d", got, 352800*40/1000)
	}
	if got := calculatePrefill(176400, false, true); got != 176400*80/1000 {
		t.Errorf("low-bitrate prefill = %d, want %d", got, 176400*80/1000)
	}
	if got := calculatePrefill(705600, true, false); got != 705600*40/1000 {
		t.Errorf("dsd prefill = %d, want %d", got, 705600*40/1000)
	}
}
