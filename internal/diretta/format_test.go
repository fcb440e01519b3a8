package diretta

import "testing"

func allCaps() SinkCapabilities {
	return SinkCapabilities{
		SupportsPCM: true,
		SupportsDSD: true,
		DSDLSB:      true,
		DSDMSB:      true,
		DSDBig:      true,
		DSDLittle:   true,
	}
}

func pcmOnlyCaps(bits ...int) SinkCapabilities {
	rates := []uint32{44100, 48000, 88200, 96000, 176400, 192000}
	byRate := make(map[uint32][]int)
	for _, r := range rates {
		byRate[r] = bits
	}
	return SinkCapabilities{SupportsPCM: true, PCMBits: byRate}
}

func TestNegotiatePCMConversionTable(t *testing.T) {
	tests := []struct {
		name        string
		inputBits   int
		caps        SinkCapabilities
		wantWire    int
		wantWiden   bool
		wantPack    bool
		wantInBytes int
	}{
		{"16 to 16", 16, pcmOnlyCaps(16), 16, false, false, 2},
		{"16 widened to 32", 16, pcmOnlyCaps(32), 32, true, false, 2},
		{"24 packed to 24", 24, pcmOnlyCaps(24), 24, false, true, 4},
		{"24 container to 32", 24, pcmOnlyCaps(32), 32, false, false, 4},
		{"32 to 32", 32, pcmOnlyCaps(32), 32, false, false, 4},
		{"prefers widest wire", 16, allCaps(), 32, true, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := AudioFormat{SampleRate: 44100, BitDepth: tt.inputBits, Channels: 2}
			n, err := negotiatePCM(f, tt.caps)
			if err != nil {
				t.Fatalf("negotiatePCM failed: %v", err)
			}
			if n.WireBits != tt.wantWire {
				t.Errorf("WireBits = %d, want %d", n.WireBits, tt.wantWire)
			}
			if n.Need16To32 != tt.wantWiden {
				t.Errorf("Need16To32 = %v, want %v", n.Need16To32, tt.wantWiden)
			}
			if n.Need24Pack != tt.wantPack {
				t.Errorf("Need24Pack = %v, want %v", n.Need24Pack, tt.wantPack)
			}
			if n.InputBytes != tt.wantInBytes {
				t.Errorf("InputBytes = %d, want %d", n.InputBytes, tt.wantInBytes)
			}
		})
	}
}

func TestNegotiatePCMUnsupported(t *testing.T) {
	f := AudioFormat{SampleRate: 44100, BitDepth: 24, Channels: 2}

	// A 16-bit-only sink cannot take 24-bit input bit-perfectly.
	if _, err := negotiatePCM(f, pcmOnlyCaps(16)); err != ErrUnsupportedFormat {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
	// DSD-only sink rejects PCM outright.
	if _, err := negotiatePCM(f, SinkCapabilities{SupportsDSD: true}); err != ErrUnsupportedFormat {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

func TestNegotiateDSDConversionModes(t *testing.T) {
	dsf := AudioFormat{SampleRate: DSD64Rate, BitDepth: 1, Channels: 2,
		IsDSD: true, DSDSourceOrder: BitOrderLSB}
	dff := dsf
	dff.DSDSourceOrder = BitOrderMSB

	lsbBig := SinkCapabilities{SupportsDSD: true, DSDLSB: true, DSDBig: true}
	msbBig := SinkCapabilities{SupportsDSD: true, DSDMSB: true, DSDBig: true}
	lsbLittle := SinkCapabilities{SupportsDSD: true, DSDLSB: true, DSDLittle: true}
	msbLittle := SinkCapabilities{SupportsDSD: true, DSDMSB: true, DSDLittle: true}

	tests := []struct {
		name     string
		format   AudioFormat
		caps     SinkCapabilities
		wantMode DSDConversionMode
	}{
		{"dsf to lsb/big", dsf, lsbBig, DSDPassthrough},
		{"dff to lsb/big", dff, lsbBig, DSDBitReverseOnly},
		{"dsf to msb/big", dsf, msbBig, DSDBitReverseOnly},
		{"dff to msb/big", dff, msbBig, DSDPassthrough},
		{"dsf to lsb/little", dsf, lsbLittle, DSDByteSwapOnly},
		{"dff to lsb/little", dff, lsbLittle, DSDBitReverseAndSwap},
		{"dsf to msb/little", dsf, msbLittle, DSDBitReverseAndSwap},
		{"dff to msb/little", dff, msbLittle, DSDByteSwapOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := negotiateDSD(tt.format, tt.caps)
			if err != nil {
				t.Fatalf("negotiateDSD failed: %v", err)
			}
			if n.ConversionMode != tt.wantMode {
				t.Errorf("ConversionMode = %v, want %v", n.ConversionMode, tt.wantMode)
			}
			if n.NeedBitReverse != (tt.format.DSDSourceOrder != n.DSDBitOrder) {
				t.Errorf("NeedBitReverse inconsistent with orders")
			}
			if n.NeedByteSwap != (n.WireEndian == EndianLittle) {
				t.Errorf("NeedByteSwap inconsistent with endianness")
			}
		})
	}
}

func TestNegotiateDSDPreferenceOrder(t *testing.T) {
	dsf := AudioFormat{SampleRate: DSD64Rate, BitDepth: 1, Channels: 2,
		IsDSD: true, DSDSourceOrder: BitOrderLSB}

	// A sink supporting everything gets LSB|BIG first.
	n, err := negotiateDSD(dsf, allCaps())
	if err != nil {
		t.Fatal(err)
	}
	if n.DSDBitOrder != BitOrderLSB || n.WireEndian != EndianBig {
		t.Fatalf("preferred descriptor = %v/%v, want LSB/big", n.DSDBitOrder, n.WireEndian)
	}

	// A sink with DSD support but no matching explicit descriptor
	// falls back to the minimal descriptor, assumed LSB|BIG.
	bare := SinkCapabilities{SupportsDSD: true}
	n, err = negotiateDSD(dsf, bare)
	if err != nil {
		t.Fatalf("minimal fallback failed: %v", err)
	}
	if n.ConversionMode != DSDPassthrough {
		t.Fatalf("minimal fallback mode = %v, want passthrough for LSB source", n.ConversionMode)
	}

	// No DSD support at all fails.
	if _, err := negotiateDSD(dsf, SinkCapabilities{SupportsPCM: true}); err != ErrUnsupportedFormat {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

func TestBitReverseTableInvolution(t *testing.T) {
	for i := 0; i < 256; i++ {
		if got := bitReverseTable[bitReverseTable[i]]; got != byte(i) {
			t.Fatalf("bitrev(bitrev(%#x)) = %#x", i, got)
		}
	}
	// Spot values
	if bitReverseTable[0x01] != 0x80 || bitReverseTable[0x69] != 0x96 {
		t.Fatalf("unexpected table values: %#x %#x",
			bitReverseTable[0x01], bitReverseTable[0x69])
	}
}

func TestAudioFormatEqualAndMultiplier(t *testing.T) {
	a := AudioFormat{SampleRate: 44100, BitDepth: 16, Channels: 2}
	b := a
	if !a.Equal(b) {
		t.Fatal("identical formats not equal")
	}
	b.SampleRate = 96000
	if a.Equal(b) {
		t.Fatal("different rates compare equal")
	}

	dsd512 := AudioFormat{SampleRate: 8 * DSD64Rate, BitDepth: 1, Channels: 2, IsDSD: true}
	if m := dsd512.DSDMultiplier(); m != 8 {
		t.Fatalf("DSDMultiplier = %d, want 8", m)
	}
	if m := a.DSDMultiplier(); m != 0 {
		t.Fatalf("PCM DSDMultiplier = %d, want 0", m)
	}

	// DSD formats with different source orders are distinct.
	dsf := AudioFormat{SampleRate: DSD64Rate, BitDepth: 1, Channels: 2, IsDSD: true, DSDSourceOrder: BitOrderLSB}
	dff := dsf
	dff.DSDSourceOrder = BitOrderMSB
	if dsf.Equal(dff) {
		t.Fatal("DSF and DFF source formats compare equal")
	}
}
