package source

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/herisson-88/DirettaRendererUPnP/internal/diretta"
)

// writeTestDSF builds a minimal DSF file: header chunks plus payload
// stored as per-channel blocks of blockSize bytes.
func writeTestDSF(t *testing.T, path string, rate uint32, channels int, blockSize int, payload []byte) {
	t.Helper()
	var buf bytes.Buffer

	// DSD chunk
	buf.WriteString("DSD ")
	binary.Write(&buf, binary.LittleEndian, uint64(28))
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // total size, unused by the parser
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // metadata pointer

	// fmt chunk
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint64(52))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // format version
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // format id
	binary.Write(&buf, binary.LittleEndian, uint32(2)) // channel type
	binary.Write(&buf, binary.LittleEndian, uint32(channels))
	binary.Write(&buf, binary.LittleEndian, rate)
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // bits per sample
	binary.Write(&buf, binary.LittleEndian, uint64(uint64(len(payload))*8/uint64(channels)))
	binary.Write(&buf, binary.LittleEndian, uint32(blockSize))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // reserved

	// data chunk
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)+12))
	buf.Write(payload)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestProbeDSF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.dsf")
	payload := make([]byte, 16) // two channels, one block of 8
	writeTestDSF(t, path, 2822400, 2, 8, payload)

	info, err := ProbeDSF(path)
	if err != nil {
		t.Fatalf("ProbeDSF failed: %v", err)
	}
	if info.Format.SampleRate != 2822400 || info.Format.Channels != 2 {
		t.Fatalf("parsed format %+v", info.Format)
	}
	if !info.Format.IsDSD || info.Format.BitDepth != 1 {
		t.Fatal("DSF not marked as 1-bit DSD")
	}
	if info.Format.DSDSourceOrder != diretta.BitOrderLSB {
		t.Fatal("DSF source order must be LSB")
	}
	if info.BlockSize != 8 {
		t.Fatalf("BlockSize = %d, want 8", info.BlockSize)
	}
	if info.DataBytes != int64(len(payload)) {
		t.Fatalf("DataBytes = %d, want %d", info.DataBytes, len(payload))
	}
}

func TestDSFReadInterleaved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.dsf")

	// One block group: left plane then right plane of 8 bytes each.
	payload := []byte{
		0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, // left
		0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, // right
	}
	writeTestDSF(t, path, 2822400, 2, 8, payload)

	info, err := ProbeDSF(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := OpenDSD(path, info)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	dst := make([]byte, 16)
	n, err := r.ReadInterleaved(dst)
	if err != nil {
		t.Fatalf("ReadInterleaved failed: %v", err)
	}
	if n != 16 {
		t.Fatalf("read %d bytes, want 16", n)
	}

	want := []byte{
		0x10, 0x20, 0x11, 0x21, 0x12, 0x22, 0x13, 0x23,
		0x14, 0x24, 0x15, 0x25, 0x16, 0x26, 0x17, 0x27,
	}
	if !bytes.Equal(dst, want) {
		t.Fatalf("interleaved to %x, want %x", dst, want)
	}

	if _, err := r.ReadInterleaved(dst); err != io.EOF {
		t.Fatalf("expected EOF at end of payload, got %v", err)
	}
}

func TestDSFSkip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.dsf")

	// Four block groups of 16 bytes each.
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	writeTestDSF(t, path, 2822400, 2, 8, payload)

	info, err := ProbeDSF(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := OpenDSD(path, info)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// byteRate = 2822400/8 * 2ch = 705600 B/s; skip enough for one group.
	if err := r.Skip(16.0 / 705600.0); err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, 16)
	n, err := r.ReadInterleaved(dst)
	if err != nil || n != 16 {
		t.Fatalf("read after skip: n=%d err=%v", n, err)
	}
	// First byte of the second group's left plane is payload[16].
	if dst[0] != payload[16] {
		t.Fatalf("skip landed at %#x, want %#x", dst[0], payload[16])
	}
}

func TestParseDFFHeader(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	// PROP chunk body: "SND " + FS + CHNL sub-chunks
	var prop bytes.Buffer
	prop.WriteString("SND ")
	prop.WriteString("FS  ")
	binary.Write(&prop, binary.BigEndian, uint64(4))
	binary.Write(&prop, binary.BigEndian, uint32(5644800))
	prop.WriteString("CHNL")
	binary.Write(&prop, binary.BigEndian, uint64(2))
	binary.Write(&prop, binary.BigEndian, uint16(2))

	buf.WriteString("FRM8")
	binary.Write(&buf, binary.BigEndian, uint64(0)) // form size, unused
	buf.WriteString("DSD ")

	buf.WriteString("PROP")
	binary.Write(&buf, binary.BigEndian, uint64(prop.Len()))
	buf.Write(prop.Bytes())

	buf.WriteString("DSD ")
	binary.Write(&buf, binary.BigEndian, uint64(len(payload)))
	buf.Write(payload)

	info, err := parseDFFHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parseDFFHeader failed: %v", err)
	}
	if info.Format.SampleRate != 5644800 {
		t.Fatalf("SampleRate = %d, want 5644800", info.Format.SampleRate)
	}
	if info.Format.Channels != 2 {
		t.Fatalf("Channels = %d, want 2", info.Format.Channels)
	}
	if info.Format.DSDSourceOrder != diretta.BitOrderMSB {
		t.Fatal("DFF source order must be MSB")
	}
	if info.DataBytes != int64(len(payload)) {
		t.Fatalf("DataBytes = %d, want %d", info.DataBytes, len(payload))
	}
}
