package diretta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Wire framing for the sink control channel. Every message starts with
// a 9-byte payload header: 3-byte big-endian length, 1-byte type,
// 1-byte flags, 4-byte big-endian identifier. Command messages add a
// 6-byte sub-header followed by key=value\r\n pairs; data messages add
// a 1-byte pad, the 16-byte format descriptor and the audio payload.

// Message types
const (
	messageTypeData    = 0
	messageTypeCommand = 1
)

// Header sizes
const (
	payloadHeaderSize = 9
	dataHeaderSize    = 1
	commandHeaderSize = 6
)

// Control commands (renderer -> sink)
const (
	headerHello      = "Hello"
	headerFormat     = "Format"
	headerPrepare    = "Prepare"
	headerConnect    = "Connect"
	headerDisconnect = "Disconnect"
	headerPlay       = "Play"
	headerStop       = "Stop"
	headerRequest    = "Request"
	headerTransfer   = "Transfer"
	headerBye        = "Bye"

	// Request values
	requestCapabilities = "Capabilities"
	requestMTU          = "MTU"
	requestStatus       = "Status"
)

// Status responses (sink -> renderer)
const (
	headerStatus = "Status"
	headerCaps   = "Capabilities"
	headerMTU    = "MTU"
	headerOnline = "Online"
	headerAccept = "Accept"
	headerReject = "Reject"

	statusOnline  = "Online"
	statusOffline = "Offline"
)

// payloadHeader is the frame header for all messages.
type payloadHeader struct {
	Length     uint32 // only the lower 24 bits are used
	Type       uint8
	Flags      uint8
	Identifier uint32
}

func (h *payloadHeader) encode() []byte {
	buf := make([]byte, payloadHeaderSize)
	buf[0] = byte((h.Length >> 16) & 0xFF)
	buf[1] = byte((h.Length >> 8) & 0xFF)
	buf[2] = byte(h.Length & 0xFF)
	buf[3] = h.Type
	buf[4] = h.Flags
	binary.BigEndian.PutUint32(buf[5:9], h.Identifier)
	return buf
}

func decodePayloadHeader(data []byte) (*payloadHeader, error) {
	if len(data) < payloadHeaderSize {
		return nil, fmt.Errorf("insufficient data for payload header")
	}
	return &payloadHeader{
		Length:     uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2]),
		Type:       data[3],
		Flags:      data[4],
		Identifier: binary.BigEndian.Uint32(data[5:9]),
	}, nil
}

// commandHeader is the sub-header for command messages.
type commandHeader struct {
	Pad        uint8
	Dependency uint32
	Weight     uint8
}

func (h *commandHeader) encode() []byte {
	buf := make([]byte, commandHeaderSize)
	buf[0] = h.Pad
	binary.BigEndian.PutUint32(buf[1:5], h.Dependency)
	buf[5] = h.Weight
	return buf
}

// frameMessage is a command message of key=value pairs.
type frameMessage struct {
	Headers map[string]string
}

func newFrameMessage() *frameMessage {
	return &frameMessage{Headers: make(map[string]string)}
}

func (m *frameMessage) addHeader(key, value string) {
	m.Headers[key] = value
}

// encode serialises the command with its frame wrapper.
func (m *frameMessage) encode() []byte {
	var payload bytes.Buffer
	for key, value := range m.Headers {
		payload.WriteString(key)
		payload.WriteByte('=')
		payload.WriteString(value)
		payload.WriteString("\r\n")
	}

	cmdHeader := (&commandHeader{}).encode()
	frameHeader := (&payloadHeader{
		Length: uint32(len(cmdHeader) + payload.Len()),
		Type:   messageTypeCommand,
	}).encode()

	result := make([]byte, 0, len(frameHeader)+len(cmdHeader)+payload.Len())
	result = append(result, frameHeader...)
	result = append(result, cmdHeader...)
	result = append(result, payload.Bytes()...)
	return result
}

// parseFrameMessage reads one command frame from the stream. Data
// frames are not expected on the inbound side and are skipped.
func parseFrameMessage(r *bufio.Reader) (*frameMessage, error) {
	header := make([]byte, payloadHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	ph, err := decodePayloadHeader(header)
	if err != nil {
		return nil, err
	}

	body := make([]byte, ph.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if ph.Type != messageTypeCommand || len(body) < commandHeaderSize {
		return newFrameMessage(), nil
	}

	msg := newFrameMessage()
	for _, line := range strings.Split(string(body[commandHeaderSize:]), "\r\n") {
		if line == "" {
			continue
		}
		if idx := strings.Index(line, "="); idx != -1 {
			msg.Headers[line[:idx]] = line[idx+1:]
		} else {
			msg.Headers[line] = ""
		}
	}
	return msg, nil
}

// wireFormatID is the 16-byte little-endian format descriptor sent with
// every data frame. Format negotiation sends its String form instead.
type wireFormatID struct {
	SampleRate uint32
	Bits       uint32
	Channels   uint32
	Flags      uint32
}

// Format flag bits.
const (
	wireFormatPCM     = 0x0001
	wireFormatDSD     = 0x0002
	wireFormatDSDMSB  = 0x0010
	wireFormatDSDLE   = 0x0020
	wireFormatMinimal = 0x0100
)

// wireFormatFromDescriptor flattens a FormatDescriptor into the wire
// descriptor.
func wireFormatFromDescriptor(d FormatDescriptor) wireFormatID {
	w := wireFormatID{
		SampleRate: d.SampleRate,
		Bits:       uint32(d.Bits),
		Channels:   uint32(d.Channels),
	}
	if d.IsDSD {
		w.Flags = wireFormatDSD
		if d.BitOrder == BitOrderMSB {
			w.Flags |= wireFormatDSDMSB
		}
		if d.Endian == EndianLittle {
			w.Flags |= wireFormatDSDLE
		}
		if d.Minimal {
			w.Flags |= wireFormatMinimal
		}
	} else {
		w.Flags = wireFormatPCM
	}
	return w
}

func (w wireFormatID) encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], w.SampleRate)
	binary.LittleEndian.PutUint32(buf[4:8], w.Bits)
	binary.LittleEndian.PutUint32(buf[8:12], w.Channels)
	binary.LittleEndian.PutUint32(buf[12:16], w.Flags)
	return buf
}

func (w wireFormatID) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", w.SampleRate, w.Bits, w.Channels, w.Flags)
}

// encodeDataFrame wraps one cycle's audio payload. The frame header and
// format bytes are written into dst, which the caller reuses to keep
// the cycle path allocation-free.
func encodeDataFrame(dst []byte, format wireFormatID, audio []byte) []byte {
	payloadLength := uint32(dataHeaderSize + 16 + len(audio))
	frameHeader := (&payloadHeader{
		Length: payloadLength,
		Type:   messageTypeData,
	}).encode()

	dst = dst[:0]
	dst = append(dst, frameHeader...)
	dst = append(dst, 0) // pad
	dst = append(dst, format.encode()...)
	dst = append(dst, audio...)
	return dst
}
