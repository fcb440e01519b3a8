package diretta

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameMessageRoundTrip(t *testing.T) {
	msg := newFrameMessage()
	msg.addHeader(headerFormat, "44100:16:2:1")
	msg.addHeader("CycleTime", "8370")

	parsed, err := parseFrameMessage(bufio.NewReader(bytes.NewReader(msg.encode())))
	if err != nil {
		t.Fatalf("parseFrameMessage failed: %v", err)
	}
	if parsed.Headers[headerFormat] != "44100:16:2:1" {
		t.Fatalf("Format header = %q", parsed.Headers[headerFormat])
	}
	if parsed.Headers["CycleTime"] != "8370" {
		t.Fatalf("CycleTime header = %q", parsed.Headers["CycleTime"])
	}
}

func TestFrameMessageValueWithEquals(t *testing.T) {
	msg := newFrameMessage()
	msg.addHeader(headerHello, "Renderer name=with=equals")

	parsed, err := parseFrameMessage(bufio.NewReader(bytes.NewReader(msg.encode())))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Headers[headerHello] != "Renderer name=with=equals" {
		t.Fatalf("value split on the wrong '=': %q", parsed.Headers[headerHello])
	}
}

func TestWireFormatFlags(t *testing.T) {
	pcm := wireFormatFromDescriptor(FormatDescriptor{
		SampleRate: 96000, Channels: 2, Bits: 24,
	})
	if pcm.Flags != wireFormatPCM {
		t.Fatalf("PCM flags = %#x", pcm.Flags)
	}

	dsd := wireFormatFromDescriptor(FormatDescriptor{
		IsDSD: true, SampleRate: DSD64Rate, Channels: 2, Bits: 1,
		BitOrder: BitOrderMSB, Endian: EndianLittle,
	})
	if dsd.Flags&wireFormatDSD == 0 || dsd.Flags&wireFormatDSDMSB == 0 || dsd.Flags&wireFormatDSDLE == 0 {
		t.Fatalf("DSD flags = %#x", dsd.Flags)
	}
}

func TestEncodeDataFrame(t *testing.T) {
	format := wireFormatID{SampleRate: 44100, Bits: 16, Channels: 2, Flags: wireFormatPCM}
	audio := []byte{1, 2, 3, 4}

	frame := encodeDataFrame(nil, format, audio)

	header, err := decodePayloadHeader(frame)
	if err != nil {
		t.Fatal(err)
	}
	if header.Type != messageTypeData {
		t.Fatalf("frame type = %d", header.Type)
	}
	wantLen := uint32(dataHeaderSize + 16 + len(audio))
	if header.Length != wantLen {
		t.Fatalf("frame length = %d, want %d", header.Length, wantLen)
	}
	if !bytes.Equal(frame[len(frame)-4:], audio) {
		t.Fatal("audio payload not at frame tail")
	}

	// Reuse must not reallocate when capacity suffices.
	again := encodeDataFrame(frame, format, audio)
	if &again[0] != &frame[0] {
		t.Fatal("frame buffer reallocated on reuse")
	}
}
