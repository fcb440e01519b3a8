package diretta

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Verbose gates the chatty per-cycle and per-push logging. Session-level
// events are always logged.
var Verbose bool

func vlogf(format string, args ...interface{}) {
	if Verbose {
		log.Printf(format, args...)
	}
}

// State is the externally observable state of the audio core.
type State int

const (
	StateDisabled State = iota
	StateEnabled
	StateOpening
	StatePrefilling
	StateWarmup
	StatePlaying
	StatePaused
	StateDraining
	StateReopening
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateEnabled:
		return "Enabled"
	case StateOpening:
		return "Opening"
	case StatePrefilling:
		return "Prefilling"
	case StateWarmup:
		return "Warmup"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	case StateDraining:
		return "Draining"
	case StateReopening:
		return "Reopening"
	}
	return "Unknown"
}

// lifecycle is the coarse internal state. The Prefilling/Warmup/Playing
// refinement of lifeActive is derived from consumer atomics so the cycle
// callback never touches the state mutex.
type lifecycle int

const (
	lifeDisabled lifecycle = iota
	lifeEnabled
	lifeOpening
	lifeReopening
	lifeActive
	lifePaused
	lifeDraining
)

// Config carries the tunables for the sink session.
type Config struct {
	TargetIndex         int // 0-based; negative selects the first target
	MTUOverride         uint32
	MTUFallback         uint32
	CycleTimeUs         uint32 // session cycle time; per-format time is calculated when CycleTimeAuto
	CycleTimeAuto       bool
	ThreadMode          int
	TransferMode        TransferMode
	OnlineWaitMs        int
	FormatSwitchDelayMs int
	ClientName          string
}

// DefaultConfig returns the session tunables the renderer ships with.
func DefaultConfig() Config {
	return Config{
		TargetIndex:         -1,
		MTUFallback:         1500,
		CycleTimeUs:         10000,
		CycleTimeAuto:       true,
		TransferMode:        TransferAuto,
		OnlineWaitMs:        2000,
		FormatSwitchDelayMs: 150,
		ClientName:          "DirettaRenderer",
	}
}

// productCode identifies this client to the sink.
const productCode = 0x44525400

// Warmup tuning. PCM gets a fixed silence-cycle count after the
// transport comes online; DSD scales the warmup window with the rate so
// the sink's reclocking PLL settles before real payload arrives.
const (
	pcmStabilizationCycles = 50
	dsdWarmupBaseMs        = 50
	stabilizationMin       = 50
	stabilizationMax       = 3000
)

// Shutdown-silence cycle counts and drain bounds.
const (
	closeSilencePCM    = 20
	closeSilenceDSD    = 50
	pauseSilencePCM    = 10
	pauseSilenceDSD    = 30
	fastPathSilenceDSD = 30

	closeSilenceWait    = 150 * time.Millisecond
	pauseSilenceWait    = 80 * time.Millisecond
	fastPathSilenceWait = 100 * time.Millisecond
)

// Settle intervals before reprogramming the sink. Rate-domain changes
// need the DAC clock to physically relock.
const (
	settleFirstOpen     = 500 * time.Millisecond
	settleReconfigure   = 200 * time.Millisecond
	settleDSDRateChange = 400 * time.Millisecond
	settlePCMRateChange = 100 * time.Millisecond
)

// producerFormat is the producer-side snapshot of the negotiated format.
// The single producer goroutine reloads it only when the generation
// counter moves, keeping atomic loads out of the per-sample path.
type producerFormat struct {
	isDSD       bool
	need24Pack  bool
	need16To32  bool
	channels    int
	inputBytes  int
	outputBytes int
	mode        DSDConversionMode
}

// AudioCore bridges the asynchronous producer with the sink's strictly
// periodic consumer. It owns the ring buffer, drives the transport's
// cycle callback, and runs the prefill/warmup/drain/format-change state
// machine.
type AudioCore struct {
	transport SinkTransport
	cfg       Config

	// sessionMu serialises lifecycle calls into the transport; configMu
	// guards format/ring reconfiguration.
	sessionMu sync.Mutex
	configMu  sync.Mutex

	target Target
	caps   SinkCapabilities
	mtu    uint32
	calc   *CycleCalculator

	ring *RingBuffer

	stateMu     sync.Mutex
	life        lifecycle
	sessionOpen bool
	hasPrevious bool
	previous    AudioFormat
	current     AudioFormat
	negotiated  NegotiatedFormat

	// Reconfigure gate: the writer raises reconfiguring, waits for
	// ringUsers to drain, mutates ring geometry, then clears the flag.
	reconfiguring atomic.Bool
	ringUsers     atomic.Int32

	// Shared format snapshot plus its generation counter. sharedFmt is
	// written under the gate and read inside an active ring guard only.
	formatGen atomic.Uint32
	sharedFmt producerFormat
	prodGen   uint32
	prodFmt   producerFormat

	// Consumer-side parameters, all atomics so the callback never locks.
	bytesPerCycleA atomic.Int32
	bytesPerFrameA atomic.Int32
	silenceByteA   atomic.Uint32
	prefillTarget  atomic.Int64

	stopRequested       atomic.Bool
	draining            atomic.Bool
	prefillComplete     atomic.Bool
	warmupDone          atomic.Bool
	silenceRemaining    atomic.Int32
	stabilization       atomic.Int32
	stabilizationTarget atomic.Int32

	underruns    atomic.Uint32
	streamCount  atomic.Uint32
	pushCount    atomic.Uint64
	framesPopped atomic.Uint64
	cycleActive  atomic.Bool

	// Reserved cycle output buffer; replaced only under the gate.
	stream []byte
}

// NewAudioCore creates a core over the given transport. The core starts
// Disabled; Enable discovers the sink and opens the session.
func NewAudioCore(transport SinkTransport, cfg Config) *AudioCore {
	c := &AudioCore{
		transport: transport,
		cfg:       cfg,
		ring:      NewRingBuffer(44100*2*4, PCMSilenceByte),
		prodGen:   ^uint32(0),
	}
	c.silenceByteA.Store(uint32(PCMSilenceByte))
	return c
}

//=============================================================================
// Reconfigure gate
//=============================================================================

// enterRing is the reader side of the reconfigure gate. A false return
// means a reconfiguration is in flight and the caller must back off.
func (c *AudioCore) enterRing() bool {
	if c.reconfiguring.Load() {
		return false
	}
	c.ringUsers.Add(1)
	if c.reconfiguring.Load() {
		c.ringUsers.Add(-1)
		return false
	}
	return true
}

func (c *AudioCore) leaveRing() {
	c.ringUsers.Add(-1)
}

// beginReconfigure asserts the gate and spins until all readers leave.
func (c *AudioCore) beginReconfigure() {
	c.reconfiguring.Store(true)
	for c.ringUsers.Load() > 0 {
		time.Sleep(10 * time.Microsecond)
	}
}

func (c *AudioCore) endReconfigure() {
	c.reconfiguring.Store(false)
}

//=============================================================================
// Enable / Disable
//=============================================================================

// Enable discovers the sink, measures the path MTU, opens the session
// and queries capabilities. Transitions Disabled to Enabled.
func (c *AudioCore) Enable() error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	if c.life != lifeDisabled {
		c.stateMu.Unlock()
		return nil
	}
	c.stateMu.Unlock()

	log.Printf("Enabling Diretta output...")

	targets, err := c.transport.Discover()
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	if len(targets) == 0 {
		return ErrNoSinkFound
	}
	idx := c.cfg.TargetIndex
	if idx < 0 || idx >= len(targets) {
		idx = 0
	}
	c.target = targets[idx]
	log.Printf("Selected target: %s (%s)", c.target.Name, c.target.Address)

	c.mtu = c.cfg.MTUOverride
	if c.mtu == 0 {
		measured, err := c.transport.MeasureMTU(c.target)
		if err != nil || measured == 0 {
			c.mtu = c.cfg.MTUFallback
			log.Printf("MTU measurement failed, using fallback=%d", c.mtu)
		} else {
			c.mtu = measured
			log.Printf("Measured MTU=%d", c.mtu)
		}
	} else {
		log.Printf("Using configured MTU=%d", c.mtu)
	}
	c.calc = NewCycleCalculator(c.mtu)

	if err := c.openSession(); err != nil {
		return err
	}

	c.transport.RegisterCycleCallback(c.cycleCallback)

	c.stateMu.Lock()
	c.life = lifeEnabled
	c.stateMu.Unlock()
	log.Printf("Diretta output enabled, MTU=%d", c.mtu)
	return nil
}

// openSession opens the transport session with retries and refreshes
// the sink capabilities. Caller holds sessionMu.
func (c *AudioCore) openSession() error {
	opts := SessionOptions{
		ThreadMode:  c.cfg.ThreadMode,
		CycleTime:   time.Duration(c.cfg.CycleTimeUs) * time.Microsecond,
		ClientName:  c.cfg.ClientName,
		ProductCode: productCode,
	}
	ok := withRetry(retryOpenSession, func() bool {
		return c.transport.OpenSession(opts) == nil
	})
	if !ok {
		return ErrSessionOpenFailed
	}

	caps, err := c.transport.QueryCapabilities(c.target)
	if err != nil {
		c.transport.CloseSession()
		return fmt.Errorf("capability query failed: %w", err)
	}
	c.caps = caps
	c.stateMu.Lock()
	c.sessionOpen = true
	c.stateMu.Unlock()

	vlogf("Sink capabilities: PCM=%v DSD=%v lsb=%v msb=%v big=%v little=%v",
		caps.SupportsPCM, caps.SupportsDSD, caps.DSDLSB, caps.DSDMSB,
		caps.DSDBig, caps.DSDLittle)
	return nil
}

// Disable tears everything down and returns to Disabled. Blocks until
// the cycle callback is known quiesced.
func (c *AudioCore) Disable() {
	c.stateMu.Lock()
	life := c.life
	c.stateMu.Unlock()
	if life == lifeDisabled {
		return
	}

	if life != lifeEnabled {
		c.Close()
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	open := c.sessionOpen
	c.sessionOpen = false
	c.hasPrevious = false
	c.life = lifeDisabled
	c.stateMu.Unlock()

	if open {
		c.transport.CloseSession()
	}
	c.waitCycleQuiesced()
	c.calc = nil
	log.Printf("Diretta output disabled")
}

//=============================================================================
// Open
//=============================================================================

// Open configures the sink for a new track format. Called on every
// track change; the previous format decides between the same-format
// fast path, a full reopen with a rate-dependent settle, or a quick
// session reconfigure.
func (c *AudioCore) Open(format AudioFormat) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	life := c.life
	hasPrev := c.hasPrevious
	prev := c.previous
	sessionOpen := c.sessionOpen
	c.stateMu.Unlock()

	if life == lifeDisabled {
		return fmt.Errorf("%w: open while disabled", ErrInvalidState)
	}

	log.Printf("========== OPEN %s ==========", format)

	// Reopen the session if it was released (e.g. after Release()).
	if !sessionOpen {
		log.Printf("Session was released, reopening...")
		if err := c.openSession(); err != nil {
			return err
		}
	}

	wasActive := life == lifeActive || life == lifePaused || life == lifeDraining

	if wasActive && hasPrev {
		if prev.Equal(format) {
			return c.openFastPath(format)
		}

		wasDSD := prev.IsDSD
		dsdRateChange := wasDSD && format.IsDSD && prev.SampleRate != format.SampleRate
		pcmRateChange := !wasDSD && !format.IsDSD && prev.SampleRate != format.SampleRate

		c.setLifecycle(lifeReopening)

		var settle time.Duration
		switch {
		case wasDSD && (!format.IsDSD || dsdRateChange):
			// DSD->PCM and DSD rate changes cross a clock domain; the
			// target must fully flush and relock before reprogramming.
			log.Printf("%s -> %s: full close/reopen", prev, format)
			settle = settleDSDRateChange
		case pcmRateChange:
			log.Printf("PCM %dHz -> %dHz rate change: full close/reopen",
				prev.SampleRate, format.SampleRate)
			settle = settlePCMRateChange
		default:
			// PCM<->DSD or bit-depth change without a rate-domain move.
			log.Printf("Format change %s -> %s: reconfigure", prev, format)
			settle = time.Duration(c.cfg.FormatSwitchDelayMs) * time.Millisecond
		}

		if err := c.teardownForReopen(settle); err != nil {
			c.setLifecycle(lifeEnabled)
			return err
		}
	}

	c.setLifecycle(lifeOpening)
	if err := c.configureAndConnect(format, wasActive && hasPrev); err != nil {
		c.setLifecycle(lifeEnabled)
		return err
	}

	c.stateMu.Lock()
	c.previous = format
	c.current = format
	c.hasPrevious = true
	c.life = lifeActive
	c.stateMu.Unlock()

	log.Printf("========== OPEN COMPLETE ==========")
	return nil
}

// openFastPath handles a same-format track transition: for DSD, drain the
// sink's residual with a short silence burst; then clear the ring and
// restart prefill without touching the negotiated format or the
// connection.
func (c *AudioCore) openFastPath(format AudioFormat) error {
	log.Printf("Same format - quick resume (no sink reconfigure)")

	if c.negotiated.IsDSD {
		c.requestShutdownSilence(fastPathSilenceDSD)
		c.waitSilenceDrained(fastPathSilenceWait)
	}

	c.resetPlaybackFlags()
	c.framesPopped.Store(0)

	if err := c.transport.Play(); err != nil {
		return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
	}
	c.setLifecycle(lifeActive)
	c.stateMu.Lock()
	c.current = format
	c.stateMu.Unlock()
	log.Printf("========== OPEN COMPLETE (quick) ==========")
	return nil
}

// resetPlaybackFlags clears the ring and rearms prefill and warmup.
func (c *AudioCore) resetPlaybackFlags() {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.beginReconfigure()
	defer c.endReconfigure()

	c.ring.Clear()
	c.prefillComplete.Store(false)
	c.warmupDone.Store(false)
	c.stabilization.Store(0)
	c.stopRequested.Store(false)
	c.draining.Store(false)
	c.silenceRemaining.Store(0)
}

// teardownForReopen stops traffic, drops the connection and session,
// and waits the settle interval for the target to reset.
func (c *AudioCore) teardownForReopen(settle time.Duration) error {
	c.silenceRemaining.Store(0)
	c.transport.Stop()
	c.transport.Disconnect(true)
	c.transport.CloseSession()
	c.stateMu.Lock()
	c.sessionOpen = false
	c.stateMu.Unlock()
	c.waitCycleQuiesced()

	log.Printf("Waiting %v for target to reset...", settle)
	time.Sleep(settle)

	if err := c.openSession(); err != nil {
		return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
	}
	return nil
}

// configureAndConnect negotiates the wire format, programs the ring and
// the sink, runs the four-phase connect and arms prefill and warmup.
func (c *AudioCore) configureAndConnect(format AudioFormat, isReopen bool) error {
	c.fullReset()

	var negotiated NegotiatedFormat
	var err error
	if format.IsDSD {
		negotiated, err = negotiateDSD(format, c.caps)
	} else {
		negotiated, err = negotiatePCM(format, c.caps)
	}
	if err != nil {
		log.Printf("Negotiation failed for %s", format)
		return err
	}

	var cycleUs uint32
	if format.IsDSD {
		c.configureRingDSD(format, negotiated)
		cycleUs = c.cycleTimeFor(format.SampleRate, format.Channels, 1)
	} else {
		c.configureRingPCM(format, negotiated)
		cycleUs = c.cycleTimeFor(format.SampleRate, format.Channels, negotiated.WireBits)
	}
	cycleTime := time.Duration(cycleUs) * time.Microsecond
	vlogf("Negotiated %s wire=%dbit mode=%s cycle=%dus bpc=%d",
		format, negotiated.WireBits, negotiated.ConversionMode, cycleUs,
		c.bytesPerCycleA.Load())

	// The target needs time to prepare for the new format before the
	// set-format exchange.
	if isReopen {
		time.Sleep(settleReconfigure)
	} else {
		time.Sleep(settleFirstOpen)
	}

	desc := FormatDescriptor{
		IsDSD:      format.IsDSD,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Bits:       negotiated.WireBits,
		BitOrder:   negotiated.DSDBitOrder,
		Endian:     negotiated.WireEndian,
	}
	policy := retrySetFormatFull
	if isReopen {
		policy = retrySetFormatQuick
	}
	if !withRetry(policy, func() bool {
		return c.transport.SetSinkFormat(c.target, desc, cycleTime, c.mtu)
	}) {
		log.Printf("Sink rejected format after %d attempts", policy.attempts)
		if isReopen {
			return ErrReconnectFailed
		}
		return ErrUnsupportedFormat
	}

	c.transport.ConfigureTransfer(c.transferModeFor(format, negotiated), cycleTime)

	if err := c.transport.ConnectPrepare(); err != nil {
		return fmt.Errorf("%w: prepare: %v", ErrReconnectFailed, err)
	}
	if !withRetry(retryConnect, func() bool { return c.transport.Connect() == nil }) {
		return fmt.Errorf("%w: connect", ErrReconnectFailed)
	}
	if err := c.transport.ConnectWait(); err != nil {
		c.transport.Disconnect(false)
		return fmt.Errorf("%w: connect wait: %v", ErrReconnectFailed, err)
	}

	c.resetPlaybackFlags()
	c.negotiated = negotiated

	if err := c.transport.Play(); err != nil {
		return fmt.Errorf("%w: play: %v", ErrReconnectFailed, err)
	}

	if !c.waitForOnline(time.Duration(c.cfg.OnlineWaitMs) * time.Millisecond) {
		log.Printf("WARNING: target did not come online within timeout")
	}

	c.stabilization.Store(0)
	c.warmupDone.Store(false)
	c.stabilizationTarget.Store(int32(c.stabilizationCycles(format, cycleUs)))
	return nil
}

// stabilizationCycles returns the warmup silence-cycle count. DSD scales
// the window with the rate multiplier so higher-rate reclocking PLLs get
// proportionally longer to settle.
func (c *AudioCore) stabilizationCycles(format AudioFormat, cycleUs uint32) int {
	if !format.IsDSD {
		return pcmStabilizationCycles
	}
	warmupMs := dsdWarmupBaseMs * format.DSDMultiplier()
	if cycleUs == 0 {
		cycleUs = 1
	}
	cycles := (warmupMs*1000 + int(cycleUs) - 1) / int(cycleUs)
	if cycles < stabilizationMin {
		cycles = stabilizationMin
	}
	if cycles > stabilizationMax {
		cycles = stabilizationMax
	}
	return cycles
}

// cycleTimeFor returns the cycle period for the format, honouring a
// fixed configured value when auto calculation is off.
func (c *AudioCore) cycleTimeFor(rate uint32, channels, bits int) uint32 {
	if !c.cfg.CycleTimeAuto || c.calc == nil {
		return c.cfg.CycleTimeUs
	}
	return c.calc.CycleTimeUs(rate, channels, bits)
}

// transferModeFor resolves the auto pacing mode: variable-auto for DSD
// and low-bitrate PCM, variable-max otherwise.
func (c *AudioCore) transferModeFor(format AudioFormat, n NegotiatedFormat) TransferMode {
	if c.cfg.TransferMode != TransferAuto {
		return c.cfg.TransferMode
	}
	if format.IsDSD || (n.OutputBytes <= 2 && format.SampleRate <= 48000) {
		return TransferVarAuto
	}
	return TransferVarMax
}

//=============================================================================
// Ring configuration
//=============================================================================

// configureRingPCM resizes the ring for a PCM format and publishes the
// producer/consumer parameters under the reconfigure gate.
func (c *AudioCore) configureRingPCM(format AudioFormat, n NegotiatedFormat) {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.beginReconfigure()
	defer c.endReconfigure()

	bps := bytesPerSecond(format.SampleRate, format.Channels, n.WireBits)
	ringSize := calculateBufferSize(bps, pcmBufferSeconds)
	c.ring.Resize(ringSize, PCMSilenceByte)
	c.silenceByteA.Store(uint32(PCMSilenceByte))

	lowBitrate := n.OutputBytes <= 2 && format.SampleRate <= 48000
	prefill := calculatePrefill(bps, false, lowBitrate)
	if prefill > ringSize/4 {
		prefill = ringSize / 4
	}
	c.prefillTarget.Store(int64(prefill))

	frameBytes := format.Channels * n.OutputBytes
	bpc := c.calc.BytesPerCycle(format.SampleRate, format.Channels, n.WireBits, frameBytes)
	c.bytesPerCycleA.Store(int32(bpc))
	c.bytesPerFrameA.Store(int32(frameBytes))
	c.ensureStream(bpc)

	c.sharedFmt = producerFormat{
		isDSD:       false,
		need24Pack:  n.Need24Pack,
		need16To32:  n.Need16To32,
		channels:    format.Channels,
		inputBytes:  n.InputBytes,
		outputBytes: n.OutputBytes,
	}
	c.formatGen.Add(1)

	vlogf("Ring PCM: %dHz %dch %dB wire, buffer=%d prefill=%d bpc=%d",
		format.SampleRate, format.Channels, n.OutputBytes, ringSize, prefill, bpc)
}

// configureRingDSD resizes the ring for a DSD format. The per-cycle
// target is rounded to whole 4-byte sink words per channel.
func (c *AudioCore) configureRingDSD(format AudioFormat, n NegotiatedFormat) {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.beginReconfigure()
	defer c.endReconfigure()

	byteRate := uint64(format.SampleRate / 8)
	bps := byteRate * uint64(format.Channels)
	ringSize := calculateBufferSize(bps, dsdBufferSeconds)
	c.ring.Resize(ringSize, DSDSilenceByte)
	c.silenceByteA.Store(uint32(DSDSilenceByte))

	prefill := calculatePrefill(bps, true, false)
	if prefill > ringSize/4 {
		prefill = ringSize / 4
	}
	c.prefillTarget.Store(int64(prefill))

	frameBytes := 4 * format.Channels
	bpc := c.calc.BytesPerCycle(format.SampleRate, format.Channels, 1, frameBytes)
	c.bytesPerCycleA.Store(int32(bpc))
	c.bytesPerFrameA.Store(int32(frameBytes))
	c.ensureStream(bpc)

	c.sharedFmt = producerFormat{
		isDSD:      true,
		channels:   format.Channels,
		inputBytes: 1,
		mode:       n.ConversionMode,
	}
	c.formatGen.Add(1)

	vlogf("Ring DSD: byteRate=%d ch=%d buffer=%d prefill=%d bpc=%d mode=%s",
		byteRate, format.Channels, ringSize, prefill, bpc, n.ConversionMode)
}

// ensureStream reserves the cycle output buffer. Called under the gate
// so the callback never observes a half-sized buffer.
func (c *AudioCore) ensureStream(n int) {
	if cap(c.stream) < n {
		c.stream = make([]byte, n)
	}
}

// fullReset clears all playback state ahead of a fresh configure.
func (c *AudioCore) fullReset() {
	c.stopRequested.Store(true)
	c.waitCycleQuiesced()

	c.configMu.Lock()
	c.beginReconfigure()
	c.prefillComplete.Store(false)
	c.warmupDone.Store(false)
	c.silenceRemaining.Store(0)
	c.stabilization.Store(0)
	c.streamCount.Store(0)
	c.pushCount.Store(0)
	c.framesPopped.Store(0)
	c.draining.Store(false)
	c.ring.Clear()
	c.endReconfigure()
	c.configMu.Unlock()

	c.stopRequested.Store(false)
}

//=============================================================================
// Close / Release
//=============================================================================

// Close stops playback gracefully: trailing silence, transport stop and
// disconnect. Transitions back to Enabled. The accumulated underrun
// count is reported here.
func (c *AudioCore) Close() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	life := c.life
	c.stateMu.Unlock()
	if life != lifeActive && life != lifePaused && life != lifeDraining {
		return
	}

	log.Printf("Close()")
	c.setLifecycle(lifeDraining)

	silence := closeSilencePCM
	if c.negotiated.IsDSD {
		silence = closeSilenceDSD
	}
	c.requestShutdownSilence(silence)
	c.waitSilenceDrained(closeSilenceWait)

	c.stopRequested.Store(true)
	c.transport.Stop()
	c.transport.Disconnect(true)
	c.waitCycleQuiesced()

	c.reportUnderruns()
	c.setLifecycle(lifeEnabled)
	log.Printf("Close() done")
}

// Release is Close plus full session teardown, relinquishing the sink
// to other clients. The core stays configured; the next Open reopens
// the session.
func (c *AudioCore) Release() {
	c.Close()

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	open := c.sessionOpen
	c.sessionOpen = false
	c.hasPrevious = false
	c.stateMu.Unlock()

	if open {
		log.Printf("Releasing sink session...")
		c.transport.CloseSession()
		time.Sleep(100 * time.Millisecond)
		log.Printf("Target released")
	}
}

//=============================================================================
// Playback commands
//=============================================================================

// Play resumes from pause. The ring is cleared and a fresh prefill is
// required so stale audio never reaches the sink.
func (c *AudioCore) Play() error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	life := c.life
	c.stateMu.Unlock()

	switch life {
	case lifeActive:
		return nil
	case lifePaused:
		log.Printf("Resuming from pause...")
		c.configMu.Lock()
		c.beginReconfigure()
		c.draining.Store(false)
		c.stopRequested.Store(false)
		c.silenceRemaining.Store(0)
		c.ring.Clear()
		c.prefillComplete.Store(false)
		c.endReconfigure()
		c.configMu.Unlock()

		if err := c.transport.Play(); err != nil {
			return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
		}
		c.setLifecycle(lifeActive)
		log.Printf("Resumed - buffer cleared, waiting for prefill")
		return nil
	default:
		return fmt.Errorf("%w: play from %v", ErrInvalidState, c.State())
	}
}

// Pause drains a short silence burst and stops the transport. The ring
// is cleared on resume, not here.
func (c *AudioCore) Pause() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	if c.life != lifeActive {
		c.stateMu.Unlock()
		return
	}
	c.stateMu.Unlock()

	silence := pauseSilencePCM
	if c.negotiated.IsDSD {
		silence = pauseSilenceDSD
	}
	c.requestShutdownSilence(silence)
	c.waitSilenceDrained(pauseSilenceWait)

	c.transport.Stop()
	c.setLifecycle(lifePaused)
}

// Resume is an alias for Play from Paused.
func (c *AudioCore) Resume() error { return c.Play() }

// Stop halts playback. When immediate is false a trailing silence burst
// drains first. Track-end closes route through here.
func (c *AudioCore) Stop(immediate bool) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.stateMu.Lock()
	life := c.life
	c.stateMu.Unlock()
	if life != lifeActive && life != lifePaused {
		return
	}

	c.reportUnderruns()

	if !immediate && life == lifeActive {
		silence := closeSilencePCM
		if c.negotiated.IsDSD {
			silence = closeSilenceDSD
		}
		c.setLifecycle(lifeDraining)
		c.requestShutdownSilence(silence)
		c.waitSilenceDrained(closeSilenceWait)
	}

	c.stopRequested.Store(true)
	c.transport.Stop()
	c.setLifecycle(lifeEnabled)
}

//=============================================================================
// Producer entry
//=============================================================================

// Push feeds decoded samples from the upstream producer. data holds
// frames complete frames in the track's input layout. Returns the
// input byte count consumed; zero while draining, stopped, offline or
// during a reconfiguration.
func (c *AudioCore) Push(data []byte, frames int) int {
	if c.draining.Load() || c.stopRequested.Load() {
		return 0
	}
	if !c.transport.IsOnline() {
		return 0
	}
	if !c.enterRing() {
		return 0
	}
	defer c.leaveRing()

	// One acquire load per push; the format snapshot reloads only when
	// the generation moves.
	gen := c.formatGen.Load()
	if gen != c.prodGen {
		c.prodFmt = c.sharedFmt
		c.prodGen = gen
	}
	f := c.prodFmt

	var written, consumed int
	switch {
	case f.isDSD:
		written = c.ring.PushDSD(data, f.channels, f.mode)
		consumed = written
	case f.need24Pack:
		written = c.ring.Push24Packed(data)
		consumed = written / 3 * 4
	case f.need16To32:
		written = c.ring.Push16To32(data)
		consumed = written / 4 * 2
	default:
		written = c.ring.Push(data)
		consumed = written
	}

	if written > 0 {
		if !c.prefillComplete.Load() {
			if int64(c.ring.Available()) >= c.prefillTarget.Load() {
				c.prefillComplete.Store(true)
				vlogf("Prefill complete: %d bytes buffered", c.ring.Available())
			}
		}
		if Verbose {
			count := c.pushCount.Add(1)
			if count <= 3 || count%500 == 0 {
				vlogf("push #%d in=%d out=%d avail=%d", count, len(data),
					written, c.ring.Available())
			}
		}
	}
	return consumed
}

// BufferLevel returns the ring fill ratio in [0,1] for upstream
// backpressure.
func (c *AudioCore) BufferLevel() float32 {
	if !c.enterRing() {
		return 0
	}
	defer c.leaveRing()
	size := c.ring.Size()
	if size == 0 {
		return 0
	}
	return float32(c.ring.Available()) / float32(size)
}

// CurrentPositionFrames returns the number of frames delivered to the
// sink since the last open.
func (c *AudioCore) CurrentPositionFrames() int64 {
	return int64(c.framesPopped.Load())
}

// Underruns returns the underrun count accumulated since Close or Stop
// last reported and reset it.
func (c *AudioCore) Underruns() uint32 {
	return c.underruns.Load()
}

// IsOnline reports the transport's online flag.
func (c *AudioCore) IsOnline() bool {
	return c.transport.IsOnline()
}

// State returns the externally observable state. The Prefilling, Warmup
// and Playing refinements of the active lifecycle are derived from the
// consumer atomics.
func (c *AudioCore) State() State {
	c.stateMu.Lock()
	life := c.life
	c.stateMu.Unlock()

	switch life {
	case lifeDisabled:
		return StateDisabled
	case lifeEnabled:
		return StateEnabled
	case lifeOpening:
		return StateOpening
	case lifeReopening:
		return StateReopening
	case lifePaused:
		return StatePaused
	case lifeDraining:
		return StateDraining
	case lifeActive:
		if !c.prefillComplete.Load() {
			return StatePrefilling
		}
		if !c.warmupDone.Load() {
			return StateWarmup
		}
		return StatePlaying
	}
	return StateDisabled
}

//=============================================================================
// Cycle callback
//=============================================================================

// fillSilence writes the current silence byte across buf.
func fillSilence(buf []byte, b byte) {
	for i := range buf {
		buf[i] = b
	}
}

// cycleCallback produces exactly one buffer per transport cycle. It
// never blocks: every wait is expressed as a silence cycle and all
// decisions read atomics. Decision order: reconfigure gate, shutdown
// silence, stop, prefill, warmup, underrun, then real audio.
func (c *AudioCore) cycleCallback(scratch []byte) []byte {
	c.cycleActive.Store(true)
	defer c.cycleActive.Store(false)

	silence := byte(c.silenceByteA.Load())

	if !c.enterRing() {
		// Reconfiguration in flight: emit silence without touching the
		// ring or the reserved stream buffer.
		n := int(c.bytesPerCycleA.Load())
		if n <= 0 {
			n = 64
		}
		buf := scratch
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		fillSilence(buf, silence)
		return buf
	}
	defer c.leaveRing()

	// Inside the guard the per-cycle size and the reserved buffer are
	// stable; the writer cannot resize until we leave.
	n := int(c.bytesPerCycleA.Load())
	if n <= 0 {
		n = 64
	}
	buf := scratch
	if cap(buf) < n {
		buf = c.stream
		if cap(buf) < n {
			// Before the first open there is no reserved buffer yet.
			buf = make([]byte, n)
		}
	}
	buf = buf[:n]

	if c.silenceRemaining.Load() > 0 {
		c.silenceRemaining.Add(-1)
		fillSilence(buf, silence)
		return buf
	}

	if c.stopRequested.Load() {
		fillSilence(buf, silence)
		return buf
	}

	if !c.prefillComplete.Load() {
		fillSilence(buf, silence)
		return buf
	}

	if !c.warmupDone.Load() {
		count := c.stabilization.Add(1)
		if count >= c.stabilizationTarget.Load() {
			c.warmupDone.Store(true)
			c.stabilization.Store(0)
			vlogf("Warmup complete (%d cycles)", count)
		}
		fillSilence(buf, silence)
		return buf
	}

	if Verbose {
		count := c.streamCount.Add(1)
		if count <= 5 || count%5000 == 0 {
			avail := c.ring.Available()
			vlogf("cycle #%d bpc=%d avail=%d", count, n, avail)
		}
	}

	if c.ring.Available() < n {
		c.underruns.Add(1)
		fillSilence(buf, silence)
		return buf
	}

	c.ring.Pop(buf, n)
	if fb := c.bytesPerFrameA.Load(); fb > 0 {
		c.framesPopped.Add(uint64(n) / uint64(fb))
	}
	return buf
}

//=============================================================================
// Internal helpers
//=============================================================================

func (c *AudioCore) setLifecycle(l lifecycle) {
	c.stateMu.Lock()
	c.life = l
	c.stateMu.Unlock()
}

// requestShutdownSilence schedules a trailing silence burst and blocks
// further producer writes until playback state is reset.
func (c *AudioCore) requestShutdownSilence(cycles int) {
	c.silenceRemaining.Store(int32(cycles))
	c.draining.Store(true)
	vlogf("Requested %d shutdown silence cycles", cycles)
}

// waitSilenceDrained waits for the silence burst to play out, bounded
// by max; the state transition proceeds regardless on timeout.
func (c *AudioCore) waitSilenceDrained(max time.Duration) {
	deadline := time.Now().Add(max)
	for c.silenceRemaining.Load() > 0 {
		if time.Now().After(deadline) {
			vlogf("Silence drain timeout")
			return
		}
		time.Sleep(500 * time.Microsecond)
	}
}

// waitForOnline polls the transport's online flag.
func (c *AudioCore) waitForOnline(timeout time.Duration) bool {
	start := time.Now()
	for !c.transport.IsOnline() {
		if time.Since(start) > timeout {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	vlogf("Online after %v", time.Since(start))
	return true
}

// waitCycleQuiesced waits until the callback is not mid-invocation.
func (c *AudioCore) waitCycleQuiesced() {
	for i := 0; i < 100 && c.cycleActive.Load(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
}

// reportUnderruns logs and resets the session underrun counter.
func (c *AudioCore) reportUnderruns() {
	if n := c.underruns.Swap(0); n > 0 {
		log.Printf("Session had %d underrun(s)", n)
	}
}
