package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/herisson-88/DirettaRendererUPnP/internal/diretta"
)

// DSF files store LSB-first DSD in per-channel blocks of blockSize
// bytes; DFF files store MSB-first DSD already byte-interleaved. Both
// are streamed without touching sample values - only the DSF block
// layout is rearranged into the byte-interleaved layout the audio core
// expects.

// DSDInfo describes a parsed DSD container.
type DSDInfo struct {
	Format       diretta.AudioFormat
	DataOffset   int64
	DataBytes    int64
	BlockSize    int // DSF per-channel block size; 1 for DFF
	TotalSamples int64
}

// ProbeDSF parses a DSF header.
func ProbeDSF(path string) (*DSDInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDSFHeader(f)
}

func parseDSFHeader(r io.ReadSeeker) (*DSDInfo, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != "DSD " {
		return nil, fmt.Errorf("not a DSF file")
	}

	// DSD chunk: size(8) totalFileSize(8) metadataPointer(8)
	if _, err := r.Seek(24, io.SeekCurrent); err != nil {
		return nil, err
	}

	// fmt chunk
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != "fmt " {
		return nil, fmt.Errorf("DSF missing fmt chunk")
	}
	var fmtHeader struct {
		ChunkSize     uint64
		FormatVersion uint32
		FormatID      uint32
		ChannelType   uint32
		ChannelNum    uint32
		SamplingFreq  uint32
		BitsPerSample uint32
		SampleCount   uint64
		BlockSize     uint32
		Reserved      uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &fmtHeader); err != nil {
		return nil, fmt.Errorf("bad DSF fmt chunk: %w", err)
	}
	if fmtHeader.ChannelNum == 0 || fmtHeader.SamplingFreq == 0 {
		return nil, fmt.Errorf("invalid DSF format: %d ch %d Hz",
			fmtHeader.ChannelNum, fmtHeader.SamplingFreq)
	}

	// data chunk: magic(4) size(8)
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != "data" {
		return nil, fmt.Errorf("DSF missing data chunk")
	}
	var dataSize uint64
	if err := binary.Read(r, binary.LittleEndian, &dataSize); err != nil {
		return nil, err
	}
	offset, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	blockSize := int(fmtHeader.BlockSize)
	if blockSize == 0 {
		blockSize = 4096
	}

	return &DSDInfo{
		Format: diretta.AudioFormat{
			SampleRate:     fmtHeader.SamplingFreq,
			BitDepth:       1,
			Channels:       int(fmtHeader.ChannelNum),
			IsDSD:          true,
			DSDSourceOrder: diretta.BitOrderLSB,
		},
		DataOffset:   offset,
		DataBytes:    int64(dataSize) - 12,
		BlockSize:    blockSize,
		TotalSamples: int64(fmtHeader.SampleCount),
	}, nil
}

// ProbeDFF parses a DSDIFF (DFF) header.
func ProbeDFF(path string) (*DSDInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDFFHeader(f)
}

func parseDFFHeader(r io.ReadSeeker) (*DSDInfo, error) {
	var hdr struct {
		Magic [4]byte
		Size  uint64
		Form  [4]byte
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != "FRM8" || string(hdr.Form[:]) != "DSD " {
		return nil, fmt.Errorf("not a DFF file")
	}

	info := &DSDInfo{
		Format: diretta.AudioFormat{
			BitDepth:       1,
			Channels:       2,
			IsDSD:          true,
			DSDSourceOrder: diretta.BitOrderMSB,
		},
		BlockSize: 1,
	}

	// Walk top-level chunks until the DSD sound data chunk.
	for {
		var chunk struct {
			ID   [4]byte
			Size uint64
		}
		if err := binary.Read(r, binary.BigEndian, &chunk); err != nil {
			return nil, fmt.Errorf("DFF missing sound data chunk: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "PROP":
			if err := parseDFFProp(r, int64(chunk.Size), info); err != nil {
				return nil, err
			}
		case "DSD ":
			offset, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			info.DataOffset = offset
			info.DataBytes = int64(chunk.Size)
			if info.Format.SampleRate == 0 {
				return nil, fmt.Errorf("DFF missing sample rate")
			}
			return info, nil
		default:
			// Chunks are padded to even sizes.
			skip := int64(chunk.Size)
			if skip%2 == 1 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}
}

// parseDFFProp extracts sample rate and channel count from a PROP chunk.
func parseDFFProp(r io.ReadSeeker, size int64, info *DSDInfo) error {
	end, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	end += size

	// PROP starts with a 4-byte property type ("SND ").
	if _, err := r.Seek(4, io.SeekCurrent); err != nil {
		return err
	}

	for {
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil || pos >= end {
			break
		}
		var chunk struct {
			ID   [4]byte
			Size uint64
		}
		if err := binary.Read(r, binary.BigEndian, &chunk); err != nil {
			break
		}
		next := pos + 12 + int64(chunk.Size)
		if chunk.Size%2 == 1 {
			next++
		}

		switch string(chunk.ID[:]) {
		case "FS  ":
			var rate uint32
			if err := binary.Read(r, binary.BigEndian, &rate); err != nil {
				return err
			}
			info.Format.SampleRate = rate
		case "CHNL":
			var channels uint16
			if err := binary.Read(r, binary.BigEndian, &channels); err != nil {
				return err
			}
			info.Format.Channels = int(channels)
		}
		if _, err := r.Seek(next, io.SeekStart); err != nil {
			return err
		}
	}

	_, err = r.Seek(end, io.SeekStart)
	return err
}

// DSDReader streams a DSD container's payload in the byte-interleaved
// layout the audio core consumes: one byte per channel per time slot.
type DSDReader struct {
	f         *os.File
	info      *DSDInfo
	remaining int64
	block     []byte // raw container block (DSF: per-channel planar)
}

// OpenDSD opens a DSF or DFF file for streaming.
func OpenDSD(path string, info *DSDInfo) (*DSDReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(info.DataOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &DSDReader{
		f:         f,
		info:      info,
		remaining: info.DataBytes,
	}, nil
}

// Close releases the underlying file.
func (r *DSDReader) Close() error { return r.f.Close() }

// Skip advances the stream by roughly seconds of audio, rounded down
// to the container's block granularity.
func (r *DSDReader) Skip(seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	byteRate := float64(r.info.Format.SampleRate/8) * float64(r.info.Format.Channels)
	skip := int64(seconds * byteRate)
	group := int64(r.info.BlockSize * r.info.Format.Channels)
	if group > 0 {
		skip = skip / group * group
	}
	if skip > r.remaining {
		skip = r.remaining
	}
	if _, err := r.f.Seek(skip, io.SeekCurrent); err != nil {
		return err
	}
	r.remaining -= skip
	return nil
}

// ReadInterleaved fills dst with byte-interleaved DSD data and returns
// the byte count, io.EOF at end of payload. For DSF, one container read
// covers blockSize bytes per channel which are interleaved into dst;
// dst must hold at least blockSize*channels bytes. DFF data is already
// interleaved and copied straight through.
func (r *DSDReader) ReadInterleaved(dst []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}

	channels := r.info.Format.Channels
	if r.info.BlockSize <= 1 {
		// DFF: interleaved on disk.
		want := int64(len(dst))
		if want > r.remaining {
			want = r.remaining
		}
		n, err := io.ReadFull(r.f, dst[:want])
		r.remaining -= int64(n)
		if err == io.ErrUnexpectedEOF {
			err = nil
		}
		if n == 0 && err == nil {
			err = io.EOF
		}
		return n, err
	}

	groupSize := r.info.BlockSize * channels
	if len(dst) < groupSize {
		return 0, fmt.Errorf("buffer smaller than DSF block group (%d < %d)", len(dst), groupSize)
	}
	if cap(r.block) < groupSize {
		r.block = make([]byte, groupSize)
	}
	want := int64(groupSize)
	if want > r.remaining {
		want = r.remaining
	}
	n, err := io.ReadFull(r.f, r.block[:want])
	r.remaining -= int64(n)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}

	// DSF pads the payload to whole blocks; a short tail (truncated
	// file) is topped up with DSD silence to keep the planes aligned.
	if n < groupSize {
		for i := n; i < groupSize; i++ {
			r.block[i] = 0x69
		}
	}
	out := interleaveDSFBlocks(r.block, r.info.BlockSize, r.info.BlockSize, channels, dst)
	return out, err
}

// interleaveDSFBlocks converts DSF's per-channel planar blocks into the
// byte-interleaved layout: block holds channels consecutive planes of
// blockSize bytes each; perChannel bytes of each plane are valid.
func interleaveDSFBlocks(block []byte, perChannel, blockSize, channels int, dst []byte) int {
	for i := 0; i < perChannel; i++ {
		for ch := 0; ch < channels; ch++ {
			dst[i*channels+ch] = block[ch*blockSize+i]
		}
	}
	return perChannel * channels
}
