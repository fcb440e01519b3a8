package source

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/herisson-88/DirettaRendererUPnP/internal/diretta"
)

// Ring fill ratio above which the producer briefly backs off.
const backpressureLevel = 0.90

// How long Push may keep returning zero with the transport offline
// before the track is abandoned.
const offlineTimeout = 5 * time.Second

// Engine is the producer pipeline: it turns a URI into a stream of raw
// samples and pushes them into the audio core. One track plays at a
// time; each track runs its own producer goroutine.
type Engine struct {
	core  *diretta.AudioCore
	cache *Cache
}

// NewEngine creates an engine feeding the given core.
func NewEngine(core *diretta.AudioCore, cache *Cache) *Engine {
	return &Engine{core: core, cache: cache}
}

// Prepare fetches, probes and (when needed) decodes a URI so it is
// ready to stream. Remote URIs are downloaded into the cache; sources
// that are neither raw WAV nor native DSD are decoded to WAV once and
// replayed from the cache.
func (e *Engine) Prepare(uri string) (string, *TrackInfo, error) {
	local, err := e.cache.EnsureFetched(uri)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch: %w", err)
	}

	info, err := ProbeTrack(local)
	if err != nil {
		return "", nil, fmt.Errorf("failed to probe: %w", err)
	}

	if info.Kind == KindDecoded {
		if info.Format.BitDepth != 16 && info.Format.BitDepth != 24 && info.Format.BitDepth != 32 {
			return "", nil, fmt.Errorf("unsupported bit depth %d", info.Format.BitDepth)
		}
		decoded, err := e.cache.Ensure("decode:"+uri, func(dest string) error {
			return DecodeToWAVFile(local, dest)
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to decode: %w", err)
		}
		wavInfo, err := probeWAV(decoded)
		if err != nil {
			e.cache.Invalidate("decode:" + uri)
			return "", nil, fmt.Errorf("decoded file unreadable: %w", err)
		}
		wavInfo.Metadata, _ = ProbeMetadata(local)
		if wavInfo.DurationSec == 0 {
			if d, err := strconv.ParseFloat(wavInfo.Metadata["duration"], 64); err == nil {
				wavInfo.DurationSec = d
			}
		}
		return decoded, wavInfo, nil
	}

	if info.Metadata == nil {
		info.Metadata, _ = ProbeMetadata(local)
	}
	return local, info, nil
}

// Stream opens the track's format on the core and pushes the payload
// until end of track, cancellation, or a sustained transport outage.
// startSec skips into the track (seek support). Blocks until the
// producer finishes; run it from its own goroutine.
func (e *Engine) Stream(ctx context.Context, path string, info *TrackInfo, startSec float64) error {
	if err := e.core.Open(info.Format); err != nil {
		return fmt.Errorf("failed to open %s: %w", info.Format, err)
	}

	log.Printf("Streaming %s (%s)", path, info.Format)

	if info.Format.IsDSD {
		return e.streamDSD(ctx, path, info, startSec)
	}
	return e.streamPCM(ctx, path, info, startSec)
}

func (e *Engine) streamPCM(ctx context.Context, path string, info *TrackInfo, startSec float64) error {
	r, err := OpenWAV(path)
	if err != nil {
		return err
	}
	defer r.Close()

	frameBytes := info.Format.Channels * 2
	if info.Format.BitDepth != 16 {
		frameBytes = info.Format.Channels * 4
	}
	buf := make([]byte, 16384/frameBytes*frameBytes)

	// Seek by reading off whole frames; WAV data is not seekable
	// through the riff chunk reader.
	if startSec > 0 {
		skip := int64(startSec*float64(info.Format.SampleRate)) * int64(frameBytes)
		for skip > 0 {
			want := int64(len(buf))
			if want > skip {
				want = skip / int64(frameBytes) * int64(frameBytes)
				if want == 0 {
					break
				}
			}
			n, err := r.Read(buf[:want])
			if n == 0 || err != nil {
				break
			}
			skip -= int64(n)
		}
	}
	return e.pump(ctx, buf, frameBytes, r.Read)
}

func (e *Engine) streamDSD(ctx context.Context, path string, info *TrackInfo, startSec float64) error {
	r, err := OpenDSD(path, info.DSD)
	if err != nil {
		return err
	}
	defer r.Close()

	if startSec > 0 {
		if err := r.Skip(startSec); err != nil {
			return err
		}
	}

	channels := info.Format.Channels
	size := info.DSD.BlockSize * channels
	if size < 4*channels {
		size = 16384 / (4 * channels) * (4 * channels)
	}
	buf := make([]byte, size)
	return e.pump(ctx, buf, channels, r.ReadInterleaved)
}

// pump is the shared producer loop: read a chunk, push it until the
// core consumed it all, honour backpressure and cancellation, and
// escalate a sustained offline transport.
func (e *Engine) pump(ctx context.Context, buf []byte, frameBytes int, read func([]byte) (int, error)) error {
	var offlineSince time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := read(buf)
		if n > 0 {
			chunk := buf[:n]
			for len(chunk) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				if e.core.BufferLevel() > backpressureLevel {
					time.Sleep(10 * time.Millisecond)
					continue
				}

				written := e.core.Push(chunk, len(chunk)/frameBytes)
				if written == 0 {
					if !e.core.IsOnline() {
						if offlineSince.IsZero() {
							offlineSince = time.Now()
						} else if time.Since(offlineSince) > offlineTimeout {
							return diretta.ErrTransportOffline
						}
					}
					time.Sleep(5 * time.Millisecond)
					continue
				}
				offlineSince = time.Time{}
				chunk = chunk[written:]
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}
