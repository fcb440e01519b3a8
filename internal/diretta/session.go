package diretta

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default sink control port.
const sinkPort = "19644"

// NativeTransport is the native-Go SinkTransport implementation. It
// speaks the sink's frame protocol over TCP for control and pushes one
// data frame per cycle from its own cycle goroutine. The vendored SDK
// is interchangeable with this implementation behind the SinkTransport
// interface.
type NativeTransport struct {
	mu        sync.Mutex
	iface     string
	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	target    Target
	cycleTime time.Duration
	format    wireFormatID

	callback CycleCallback

	online  bool
	playing bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Reused cycle buffers; the cycle loop is the only writer.
	scratch []byte
	frame   []byte
}

// NewNativeTransport creates a transport bound to the given network
// interface name; empty means the default interface.
func NewNativeTransport(iface string) *NativeTransport {
	return &NativeTransport{iface: iface}
}

// Discover probes the LAN for sinks with a broadcast request and
// collects the replies that arrive within the probe window.
func (t *NativeTransport) Discover() ([]Target, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	dest, err := net.ResolveUDPAddr("udp4", "255.255.255.255:"+sinkPort)
	if err != nil {
		return nil, err
	}

	probe := newFrameMessage()
	probe.addHeader(headerRequest, "Discover")
	if _, err := conn.WriteTo(probe.encode(), dest); err != nil {
		return nil, fmt.Errorf("discovery probe failed: %w", err)
	}

	var targets []Target
	buf := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return nil, fmt.Errorf("discovery read error: %w", err)
		}
		target, ok := parseDiscoveryReply(buf[:n], addr)
		if ok {
			targets = append(targets, target)
			log.Printf("Discovered target: %s (%s)", target.Name, target.Address)
		}
	}
	return targets, nil
}

// parseDiscoveryReply decodes one "Target=name|output|version|productID"
// announcement datagram.
func parseDiscoveryReply(data []byte, addr net.Addr) (Target, bool) {
	msg, err := parseFrameMessage(bufio.NewReader(strings.NewReader(string(data))))
	if err != nil {
		return Target{}, false
	}
	value, ok := msg.Headers["Target"]
	if !ok {
		return Target{}, false
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	target := Target{Address: host + "," + sinkPort}
	parts := strings.Split(value, "|")
	if len(parts) > 0 {
		target.Name = parts[0]
	}
	if len(parts) > 1 {
		target.Output = parts[1]
	}
	if len(parts) > 2 {
		target.Version = parts[2]
	}
	if len(parts) > 3 {
		if id, err := strconv.ParseUint(parts[3], 0, 32); err == nil {
			target.ProductID = uint32(id)
		}
	}
	return target, true
}

// MeasureMTU asks the sink for the usable path MTU over a short-lived
// control connection.
func (t *NativeTransport) MeasureMTU(target Target) (uint32, error) {
	conn, err := dialTarget(target)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	req := newFrameMessage()
	req.addHeader(headerRequest, requestMTU)
	if _, err := conn.Write(req.encode()); err != nil {
		return 0, err
	}

	var mtu uint32
	err = receiveMessages(bufio.NewReader(conn), conn, func(key, value string) bool {
		if key == headerMTU {
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				mtu = uint32(v)
			}
			return true
		}
		return false
	}, 1500)
	if err != nil || mtu == 0 {
		return 0, fmt.Errorf("MTU probe failed: %w", err)
	}
	return mtu, nil
}

// dialTarget connects to a target's control port. Target addresses use
// the "IP,PORT" form reported by discovery.
func dialTarget(target Target) (net.Conn, error) {
	addr := target.Address
	host, port := addr, sinkPort
	if idx := strings.LastIndex(addr, ","); idx != -1 {
		host, port = addr[:idx], addr[idx+1:]
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// OpenSession establishes the control connection and identifies the
// client. The target from the most recent QueryCapabilities or
// SetSinkFormat call is used for the data path.
func (t *NativeTransport) OpenSession(opts SessionOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.target.Address == "" {
		return fmt.Errorf("no target selected")
	}

	conn, err := dialTarget(t.target)
	if err != nil {
		return err
	}

	hello := newFrameMessage()
	hello.addHeader(headerHello, fmt.Sprintf("%s 0x%08X", opts.ClientName, opts.ProductCode))
	hello.addHeader("CycleTime", strconv.FormatInt(opts.CycleTime.Microseconds(), 10))
	hello.addHeader("ThreadMode", strconv.Itoa(opts.ThreadMode))
	if _, err := conn.Write(hello.encode()); err != nil {
		conn.Close()
		return fmt.Errorf("session hello failed: %w", err)
	}

	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.connected = true
	t.cycleTime = opts.CycleTime
	return nil
}

// CloseSession tears down the control connection.
func (t *NativeTransport) CloseSession() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopCycleLocked()
	t.online = false
	t.connected = false
	if t.conn != nil {
		bye := newFrameMessage()
		bye.addHeader(headerBye, "")
		t.conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
		t.conn.Write(bye.encode())
		t.conn.Close()
		t.conn = nil
		t.reader = nil
	}
}

// QueryCapabilities fetches the sink's format support. A short-lived
// connection is used when no session is open yet.
func (t *NativeTransport) QueryCapabilities(target Target) (SinkCapabilities, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = target

	conn, reader := t.conn, t.reader
	if !t.connected {
		c, err := dialTarget(target)
		if err != nil {
			return SinkCapabilities{}, err
		}
		defer c.Close()
		conn, reader = c, bufio.NewReader(c)
	}

	req := newFrameMessage()
	req.addHeader(headerRequest, requestCapabilities)
	if _, err := conn.Write(req.encode()); err != nil {
		return SinkCapabilities{}, err
	}

	var caps SinkCapabilities
	err := receiveMessages(reader, conn, func(key, value string) bool {
		if key != headerCaps {
			return false
		}
		for _, token := range strings.Split(value, ",") {
			switch strings.TrimSpace(token) {
			case "PCM":
				caps.SupportsPCM = true
			case "DSD":
				caps.SupportsDSD = true
			case "DSD_LSB":
				caps.DSDLSB = true
			case "DSD_MSB":
				caps.DSDMSB = true
			case "DSD_BIG":
				caps.DSDBig = true
			case "DSD_LITTLE":
				caps.DSDLittle = true
			}
		}
		return true
	}, 1500)
	if err != nil {
		return SinkCapabilities{}, fmt.Errorf("capability query failed: %w", err)
	}
	return caps, nil
}

// SetSinkFormat proposes a concrete wire format; the sink answers with
// Accept or Reject.
func (t *NativeTransport) SetSinkFormat(target Target, desc FormatDescriptor, cycleTime time.Duration, mtu uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return false
	}

	t.target = target
	t.format = wireFormatFromDescriptor(desc)
	t.cycleTime = cycleTime

	msg := newFrameMessage()
	msg.addHeader(headerFormat, t.format.String())
	msg.addHeader("CycleTime", strconv.FormatInt(cycleTime.Microseconds(), 10))
	msg.addHeader(headerMTU, strconv.FormatUint(uint64(mtu), 10))
	if _, err := t.conn.Write(msg.encode()); err != nil {
		return false
	}

	accepted := false
	err := receiveMessages(t.reader, t.conn, func(key, value string) bool {
		switch key {
		case headerAccept:
			accepted = true
			return true
		case headerReject:
			return true
		}
		return false
	}, 2000)
	return err == nil && accepted
}

// ConfigureTransfer applies the packet pacing mode.
func (t *NativeTransport) ConfigureTransfer(mode TransferMode, cycleTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	names := map[TransferMode]string{
		TransferFixAuto: "FixAuto",
		TransferVarAuto: "VarAuto",
		TransferVarMax:  "VarMax",
	}
	name, ok := names[mode]
	if !ok {
		name = "VarMax"
	}
	msg := newFrameMessage()
	msg.addHeader(headerTransfer, name)
	t.conn.Write(msg.encode())
}

// sendCommand writes a single-header command frame.
func (t *NativeTransport) sendCommand(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("session not connected")
	}
	msg := newFrameMessage()
	msg.addHeader(key, value)
	_, err := t.conn.Write(msg.encode())
	return err
}

// ConnectPrepare tells the sink to pre-allocate for the negotiated
// format before traffic starts.
func (t *NativeTransport) ConnectPrepare() error {
	return t.sendCommand(headerPrepare, "")
}

// Connect starts the isochronous stream setup.
func (t *NativeTransport) Connect() error {
	return t.sendCommand(headerConnect, "")
}

// ConnectWait blocks until the sink reports online.
func (t *NativeTransport) ConnectWait() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("session not connected")
	}

	err := receiveMessages(t.reader, t.conn, func(key, value string) bool {
		return key == headerStatus && value == statusOnline
	}, 5000)
	if err != nil {
		return fmt.Errorf("connect wait: %w", err)
	}
	t.online = true
	return nil
}

// Disconnect stops the stream. With wait set, it waits for the sink to
// confirm offline before returning.
func (t *NativeTransport) Disconnect(wait bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}

	t.stopCycleLocked()

	msg := newFrameMessage()
	msg.addHeader(headerDisconnect, "")
	t.conn.Write(msg.encode())

	if wait {
		receiveMessages(t.reader, t.conn, func(key, value string) bool {
			return key == headerStatus && value == statusOffline
		}, 1000)
	}
	t.online = false
}

// Play starts the cycle loop; the callback is pulled once per cycle
// period and its buffer shipped as a data frame.
func (t *NativeTransport) Play() error {
	if err := t.sendCommand(headerPlay, ""); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playing {
		return nil
	}
	t.playing = true
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.cycleLoop(t.stopCh, t.conn, t.cycleTime, t.format)
	return nil
}

// Stop halts the cycle loop and tells the sink.
func (t *NativeTransport) Stop() error {
	t.mu.Lock()
	t.stopCycleLocked()
	t.mu.Unlock()
	return t.sendCommand(headerStop, "")
}

// stopCycleLocked stops the cycle goroutine. Caller holds mu.
func (t *NativeTransport) stopCycleLocked() {
	if !t.playing {
		return
	}
	t.playing = false
	close(t.stopCh)
	t.mu.Unlock()
	t.wg.Wait()
	t.mu.Lock()
}

// IsOnline reports whether the sink is consuming the stream.
func (t *NativeTransport) IsOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.online
}

// RegisterCycleCallback installs the per-cycle pull. Must be called
// before Play.
func (t *NativeTransport) RegisterCycleCallback(fn CycleCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = fn
}

// cycleLoop invokes the callback once per cycle period and writes the
// produced buffer as a data frame. The callback buffer and the frame
// buffer are reused across cycles.
func (t *NativeTransport) cycleLoop(stop <-chan struct{}, conn net.Conn, cycleTime time.Duration, format wireFormatID) {
	defer t.wg.Done()

	if cycleTime <= 0 {
		cycleTime = 10 * time.Millisecond
	}
	ticker := time.NewTicker(cycleTime)
	defer ticker.Stop()

	t.mu.Lock()
	callback := t.callback
	t.mu.Unlock()
	if callback == nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			buf := callback(t.scratch)
			t.scratch = buf
			if cap(t.frame) < len(buf)+payloadHeaderSize+dataHeaderSize+16 {
				t.frame = make([]byte, 0, len(buf)+payloadHeaderSize+dataHeaderSize+16)
			}
			t.frame = encodeDataFrame(t.frame, format, buf)
			conn.SetWriteDeadline(time.Now().Add(cycleTime * 4))
			if _, err := conn.Write(t.frame); err != nil {
				log.Printf("Cycle write error: %v", err)
				t.mu.Lock()
				t.online = false
				t.mu.Unlock()
				return
			}
		}
	}
}

// receiveMessages reads command frames until the handler returns true
// or the timeout elapses, mirroring the sink protocol's polling reads.
func receiveMessages(reader *bufio.Reader, conn net.Conn, handler func(key, value string) bool, timeoutMs int) error {
	if timeoutMs == 0 {
		timeoutMs = 500
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	lastRecv := time.Now()

	for {
		if time.Until(deadline) <= 0 {
			return fmt.Errorf("timeout waiting for response")
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		msg, err := parseFrameMessage(reader)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(lastRecv) >= time.Duration(timeoutMs)*time.Millisecond {
					return fmt.Errorf("timeout waiting for response")
				}
				continue
			}
			return fmt.Errorf("connection error: %w", err)
		}

		lastRecv = time.Now()
		for key, value := range msg.Headers {
			if handler(key, value) {
				return nil
			}
		}
	}
}
