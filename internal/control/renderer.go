package control

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/herisson-88/DirettaRendererUPnP/internal/diretta"
	"github.com/herisson-88/DirettaRendererUPnP/internal/source"
)

// Transport states reported to controllers.
const (
	transportStopped       = "STOPPED"
	transportPlaying       = "PLAYING"
	transportPaused        = "PAUSED_PLAYBACK"
	transportTransitioning = "TRANSITIONING"
)

// How often the position reporter polls the core.
const positionPollInterval = 1 * time.Second

// Renderer translates control-protocol commands into audio core and
// source engine operations. It keeps the URI bookkeeping for gapless
// transitions and serves position/transport/media queries.
//
// The epoch counter increments on every track change so the slow
// position reporter can discard stale position writes that race with a
// gapless transition.
type Renderer struct {
	mu     sync.Mutex
	core   *diretta.AudioCore
	engine *source.Engine
	queue  *Queue

	state          string
	playbackCancel context.CancelFunc
	playbackDone   chan struct{}

	epoch atomic.Uint64

	// Current track bookkeeping, guarded by mu.
	currentInfo *source.TrackInfo
	currentPath string
	currentURI  string
	startOffset float64 // seek base in seconds

	// Position snapshot written by the reporter, guarded by posMu.
	posMu    sync.Mutex
	position PositionInfo

	// notify is invoked for edge-driven events (state and track
	// changes); the control server fans them out to subscribers.
	notify func(Message)

	reporterStop chan struct{}
}

// NewRenderer creates the control adapter over a core and engine.
func NewRenderer(core *diretta.AudioCore, engine *source.Engine) *Renderer {
	r := &Renderer{
		core:         core,
		engine:       engine,
		queue:        NewQueue(),
		state:        transportStopped,
		reporterStop: make(chan struct{}),
	}
	go r.positionReporter()
	return r
}

// SetNotify installs the event sink. Pass nil to silence events.
func (r *Renderer) SetNotify(fn func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

func (r *Renderer) emit(msg Message) {
	r.mu.Lock()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (r *Renderer) setState(state string) {
	r.mu.Lock()
	changed := r.state != state
	r.state = state
	r.mu.Unlock()
	if changed {
		r.emit(Message{Type: TypeStateEvent, Payload: StateEvent{State: state}})
	}
}

// Shutdown stops playback and the position reporter.
func (r *Renderer) Shutdown() {
	r.Stop()
	close(r.reporterStop)
}

//=============================================================================
// Commands
//=============================================================================

// SetURI selects the track to play. If playback is running the new
// track replaces the current one immediately.
func (r *Renderer) SetURI(uri, metadata string) error {
	log.Printf("SetURI: %s", uri)
	r.queue.SetCurrent(uri, metadata)

	r.mu.Lock()
	playing := r.state == transportPlaying || r.state == transportTransitioning
	r.mu.Unlock()

	if playing {
		return r.startPlayback(0)
	}
	return nil
}

// SetNextURI stages the gapless follow-up track.
func (r *Renderer) SetNextURI(uri, metadata string) error {
	log.Printf("SetNextURI: %s", uri)
	r.queue.SetNext(uri, metadata)
	return nil
}

// Play starts or resumes playback.
func (r *Renderer) Play() error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state {
	case transportPlaying, transportTransitioning:
		return nil
	case transportPaused:
		if err := r.core.Resume(); err != nil {
			return err
		}
		r.setState(transportPlaying)
		return nil
	default:
		if r.queue.Current() == nil {
			return errors.New("no URI set")
		}
		return r.startPlayback(0)
	}
}

// Pause pauses playback; the consumer emits silence while paused.
func (r *Renderer) Pause() error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state != transportPlaying {
		return nil
	}
	r.core.Pause()
	r.setState(transportPaused)
	return nil
}

// Stop halts playback and clears the transport.
func (r *Renderer) Stop() error {
	r.cancelPlayback()
	r.core.Stop(false)
	r.setState(transportStopped)
	return nil
}

// Seek restarts the current track at the target position in seconds.
func (r *Renderer) Seek(targetSec float64) error {
	r.mu.Lock()
	hasTrack := r.currentInfo != nil
	r.mu.Unlock()
	if !hasTrack {
		return errors.New("no track loaded")
	}
	log.Printf("Seek to %.1fs", targetSec)
	return r.startPlayback(targetSec)
}

//=============================================================================
// Queries
//=============================================================================

// GetTransportInfo reports the transport state.
func (r *Renderer) GetTransportInfo() TransportInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TransportInfo{State: r.state, Status: "OK"}
}

// GetPositionInfo returns the reporter's latest snapshot.
func (r *Renderer) GetPositionInfo() PositionInfo {
	r.posMu.Lock()
	defer r.posMu.Unlock()
	return r.position
}

// GetMediaInfo reports the current and staged URIs.
func (r *Renderer) GetMediaInfo() MediaInfo {
	info := MediaInfo{}
	if cur := r.queue.Current(); cur != nil {
		info.URI = cur.URI
		info.Metadata = cur.Metadata
	}
	if next := r.queue.Next(); next != nil {
		info.NextURI = next.URI
		info.NextMetadata = next.Metadata
	}
	return info
}

// Epoch returns the current track epoch.
func (r *Renderer) Epoch() uint64 {
	return r.epoch.Load()
}

//=============================================================================
// Playback loop
//=============================================================================

// startPlayback (re)starts the playback loop at the given offset into
// the current track.
func (r *Renderer) startPlayback(startSec float64) error {
	r.cancelPlayback()

	track := r.queue.Current()
	if track == nil {
		return errors.New("no URI set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.playbackCancel = cancel
	r.playbackDone = done
	r.startOffset = startSec
	r.mu.Unlock()

	r.setState(transportTransitioning)
	go r.playbackLoop(ctx, done, track, startSec)
	return nil
}

// cancelPlayback cancels the playback loop and waits for it to exit.
func (r *Renderer) cancelPlayback() {
	r.mu.Lock()
	cancel := r.playbackCancel
	done := r.playbackDone
	r.playbackCancel = nil
	r.playbackDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Printf("Timeout waiting for playback loop to exit")
		}
	}
}

// playbackLoop streams tracks until the queue runs dry or the context
// is cancelled. Gapless transitions stay inside the loop: when a track
// ends, the staged next track opens immediately (the core's fast path
// makes a same-format transition seamless).
func (r *Renderer) playbackLoop(ctx context.Context, done chan struct{}, track *Track, startSec float64) {
	defer close(done)
	defer log.Printf("Playback loop exiting")

	for track != nil {
		select {
		case <-ctx.Done():
			return
		default:
		}

		path, info, err := r.engine.Prepare(track.URI)
		if err != nil {
			log.Printf("Error preparing track %s: %v", track.URI, err)
			r.core.Stop(false)
			r.setState(transportStopped)
			return
		}

		epoch := r.epoch.Add(1)
		r.mu.Lock()
		r.currentInfo = info
		r.currentPath = path
		r.currentURI = track.URI
		r.startOffset = startSec
		r.mu.Unlock()

		r.emit(Message{Type: TypeTrackEvent, Payload: TrackEvent{URI: track.URI, Epoch: epoch}})
		log.Printf("Playing track: %s", track.URI)

		r.setState(transportPlaying)
		err = r.engine.Stream(ctx, path, info, startSec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Error playing track %s: %v", track.URI, err)
			r.core.Stop(false)
			r.setState(transportStopped)
			return
		}

		// Track pushed to completion: let the buffered tail drain
		// before closing or transitioning.
		if !r.waitForDrain(ctx, info) {
			return
		}

		startSec = 0
		track = r.queue.Advance()
		if track != nil {
			log.Printf("Gapless advance to: %s", track.URI)
		}
	}

	r.core.Stop(false)
	r.setState(transportStopped)
}

// waitForDrain waits for the ring to empty after EOF, bounded by the
// buffered depth plus slack. Returns false when cancelled.
func (r *Renderer) waitForDrain(ctx context.Context, info *source.TrackInfo) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
		if r.core.BufferLevel() < 0.001 {
			return true
		}
		if r.core.State() != diretta.StatePlaying && r.core.State() != diretta.StateWarmup &&
			r.core.State() != diretta.StatePrefilling {
			return true
		}
	}
	return true
}

//=============================================================================
// Position reporting
//=============================================================================

// positionReporter polls the core once per second and refreshes the
// position snapshot. The epoch is sampled before the poll and
// re-checked before the write so a position computed against a track
// that just ended is discarded rather than attributed to its
// successor.
func (r *Renderer) positionReporter() {
	ticker := time.NewTicker(positionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.reporterStop:
			return
		case <-ticker.C:
		}

		epoch := r.epoch.Load()

		r.mu.Lock()
		info := r.currentInfo
		uri := r.currentURI
		offset := r.startOffset
		state := r.state
		r.mu.Unlock()

		if info == nil || state == transportStopped {
			continue
		}

		frames := r.core.CurrentPositionFrames()
		elapsed := offset
		if info.Format.SampleRate > 0 {
			if info.Format.IsDSD {
				// A DSD frame is one 32-bit sink word per channel.
				elapsed += float64(frames) * 32 / float64(info.Format.SampleRate)
			} else {
				elapsed += float64(frames) / float64(info.Format.SampleRate)
			}
		}
		if info.DurationSec > 0 && elapsed > info.DurationSec {
			elapsed = info.DurationSec
		}

		// Discard the write if a track change raced the poll.
		if r.epoch.Load() != epoch {
			continue
		}

		r.posMu.Lock()
		r.position = PositionInfo{
			Track:       1,
			URI:         uri,
			DurationSec: info.DurationSec,
			ElapsedSec:  elapsed,
			Epoch:       epoch,
		}
		r.posMu.Unlock()
	}
}
