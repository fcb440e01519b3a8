package source

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-audio/wav"

	"github.com/herisson-88/DirettaRendererUPnP/internal/diretta"
)

// TrackKind classifies how a track will be streamed.
type TrackKind int

const (
	KindWAV     TrackKind = iota // raw PCM streamed from the WAV data chunk
	KindDSF                      // native DSD, DSF container
	KindDFF                      // native DSD, DFF container
	KindDecoded                  // anything else, decoded to WAV via ffmpeg
)

// TrackInfo is the probed description of one track.
type TrackInfo struct {
	Kind        TrackKind
	Format      diretta.AudioFormat
	DurationSec float64
	Metadata    map[string]string
	DSD         *DSDInfo // set for KindDSF / KindDFF
}

// ProbeTrack inspects a local file and returns its streaming plan. DSD
// containers are parsed natively so the payload stays bit-perfect;
// WAV is streamed raw; everything else goes through the ffmpeg decode
// path.
func ProbeTrack(path string) (*TrackInfo, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dsf":
		info, err := ProbeDSF(path)
		if err != nil {
			return nil, err
		}
		return &TrackInfo{
			Kind:        KindDSF,
			Format:      info.Format,
			DurationSec: dsdDuration(info),
			DSD:         info,
		}, nil
	case ".dff":
		info, err := ProbeDFF(path)
		if err != nil {
			return nil, err
		}
		return &TrackInfo{
			Kind:        KindDFF,
			Format:      info.Format,
			DurationSec: dsdDuration(info),
			DSD:         info,
		}, nil
	case ".wav":
		return probeWAV(path)
	default:
		format, err := ProbeFormat(path)
		if err != nil {
			return nil, err
		}
		return &TrackInfo{Kind: KindDecoded, Format: *format}, nil
	}
}

func dsdDuration(info *DSDInfo) float64 {
	if info.Format.SampleRate == 0 {
		return 0
	}
	bits := info.DataBytes * 8 / int64(info.Format.Channels)
	return float64(bits) / float64(info.Format.SampleRate)
}

// probeWAV reads the WAV header with the go-audio decoder.
func probeWAV(path string) (*TrackInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("invalid WAV file: %w", err)
	}
	if d.NumChans == 0 || d.SampleRate == 0 {
		return nil, fmt.Errorf("invalid WAV file: %d ch %d Hz", d.NumChans, d.SampleRate)
	}

	bitDepth := int(d.BitDepth)
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return nil, fmt.Errorf("unsupported WAV bit depth: %d", bitDepth)
	}

	info := &TrackInfo{
		Kind: KindWAV,
		Format: diretta.AudioFormat{
			SampleRate: d.SampleRate,
			BitDepth:   bitDepth,
			Channels:   int(d.NumChans),
		},
	}
	if dur, err := d.Duration(); err == nil {
		info.DurationSec = dur.Seconds()
	}
	return info, nil
}

// ProbeFormat detects the native audio format of a file/URL using ffprobe
func ProbeFormat(source string) (*diretta.AudioFormat, error) {
	if !isRemote(source) {
		if _, err := os.Stat(source); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file does not exist: %s", source)
			}
			return nil, fmt.Errorf("cannot access file: %w", err)
		}
	}

	// bits_per_raw_sample works for compressed formats like FLAC
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-print_format", "default=noprint_wrappers=1:nokey=1",
		"-select_streams", "a:0",
		"-show_entries", "stream=sample_rate,channels,bits_per_raw_sample",
		source,
	)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w\nstderr: %s", err, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected ffprobe output")
	}

	sampleRate, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid sample rate: %w", err)
	}
	channels, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid channels: %w", err)
	}

	// 24-bit audio is decoded to packed 24-bit WAV; WAVReader expands it
	// to 32-bit containers
	bitsPerSample := 16
	if len(lines) > 2 && lines[2] != "N/A" && strings.TrimSpace(lines[2]) != "" {
		if bps, err := strconv.Atoi(strings.TrimSpace(lines[2])); err == nil && bps > 0 {
			bitsPerSample = bps
		}
	}

	return &diretta.AudioFormat{
		SampleRate: uint32(sampleRate),
		BitDepth:   bitsPerSample,
		Channels:   channels,
	}, nil
}

// ProbeMetadata extracts metadata tags and duration from an audio file
// using ffprobe.
func ProbeMetadata(source string) (map[string]string, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-print_format", "default=noprint_wrappers=1",
		"-show_entries", "format_tags",
		source,
	)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w\nstderr: %s", err, stderr.String())
	}

	metadata := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], "TAG:"))
		if value := strings.TrimSpace(parts[1]); value != "" {
			metadata[key] = value
		}
	}

	cmd = exec.Command("ffprobe",
		"-v", "error",
		"-print_format", "default=noprint_wrappers=1:nokey=1",
		"-show_entries", "format=duration",
		source,
	)
	out.Reset()
	cmd.Stdout = &out
	if err := cmd.Run(); err == nil {
		if duration := strings.TrimSpace(out.String()); duration != "" && duration != "N/A" {
			metadata["duration"] = duration
		}
	}

	return metadata, nil
}

// DecodeToWAVFile decodes a source to a raw PCM WAV file at outputPath.
// Sample values pass through untouched; only the container changes.
func DecodeToWAVFile(source, outputPath string) error {
	format, err := ProbeFormat(source)
	if err != nil {
		return fmt.Errorf("failed to probe audio format: %w", err)
	}

	codec := "pcm_s16le"
	switch format.BitDepth {
	case 24:
		codec = "pcm_s24le"
	case 32:
		codec = "pcm_s32le"
	}

	cmd := exec.Command("ffmpeg",
		"-i", source,
		"-f", "wav",
		"-c:a", codec,
		"-y",
		outputPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("ffmpeg failed: %w\nstderr: %s", err, stderr.String())
	}
	return nil
}
