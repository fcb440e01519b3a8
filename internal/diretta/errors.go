package diretta

import "errors"

// Error values returned by the audio core. Per-cycle faults (underruns,
// transient offline) are never surfaced as errors; they are counted and
// reported when the session closes.
var (
	// ErrNoSinkFound indicates discovery returned no Diretta targets.
	ErrNoSinkFound = errors.New("no Diretta target found")

	// ErrSessionOpenFailed indicates the transport rejected the session
	// open after all retries. Fatal to Enable.
	ErrSessionOpenFailed = errors.New("failed to open sink session")

	// ErrUnsupportedFormat indicates no wire bit-depth or DSD descriptor
	// was accepted by the sink. Per-track, recoverable.
	ErrUnsupportedFormat = errors.New("sink accepted no wire format")

	// ErrReconnectFailed indicates a mid-session reopen failed. The core
	// falls back to Enabled and playback stops.
	ErrReconnectFailed = errors.New("sink reconnect failed")

	// ErrTransportOffline indicates the transport went offline mid-play
	// and did not recover within the timeout.
	ErrTransportOffline = errors.New("sink transport offline")

	// ErrInvalidState indicates a public call was made from a state that
	// does not permit it.
	ErrInvalidState = errors.New("operation not permitted in current state")
)
