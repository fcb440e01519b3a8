package source

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// WAVReader streams raw little-endian PCM from a WAV data chunk.
// 16- and 32-bit samples pass through unchanged; 24-bit packed samples
// are expanded to 32-bit containers (S24_P32, high byte zero) which is
// the layout the audio core takes 24-bit input in.
type WAVReader struct {
	f        *os.File
	decoder  *wav.Decoder
	bitDepth int
	packed   []byte // staging for 24-bit expansion
}

// OpenWAV opens a WAV file for raw PCM streaming.
func OpenWAV(path string) (*WAVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d := wav.NewDecoder(f)
	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("invalid WAV file: %w", err)
	}

	return &WAVReader{
		f:        f,
		decoder:  d,
		bitDepth: int(d.BitDepth),
	}, nil
}

// Close releases the underlying file.
func (r *WAVReader) Close() error { return r.f.Close() }

// Read fills dst with PCM bytes in the core's input layout and returns
// the byte count, io.EOF at end of data. For 24-bit sources dst must
// hold a multiple of 4 bytes; each output sample consumes 3 input
// bytes.
func (r *WAVReader) Read(dst []byte) (int, error) {
	chunk := r.decoder.PCMChunk
	if chunk == nil {
		return 0, io.EOF
	}

	if r.bitDepth != 24 {
		n, err := chunk.Read(dst)
		if n == 0 && err == nil {
			err = io.EOF
		}
		return n, err
	}

	samples := len(dst) / 4
	if samples == 0 {
		return 0, fmt.Errorf("buffer too small for 24-bit expansion")
	}
	if cap(r.packed) < samples*3 {
		r.packed = make([]byte, samples*3)
	}
	n, err := chunk.Read(r.packed[:samples*3])
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}

	whole := n / 3
	for i := 0; i < whole; i++ {
		dst[4*i] = r.packed[3*i]
		dst[4*i+1] = r.packed[3*i+1]
		dst[4*i+2] = r.packed[3*i+2]
		dst[4*i+3] = 0
	}
	if err == io.EOF && whole > 0 {
		err = nil
	}
	return whole * 4, err
}
