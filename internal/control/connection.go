package control

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// connection wraps one controller websocket. Commands are handled on
// the read loop; events from the renderer arrive on the events channel
// and are written by the write loop so the socket has a single writer.
type connection struct {
	ws     *websocket.Conn
	server *Server
	events chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(ws *websocket.Conn, s *Server) *connection {
	return &connection{
		ws:     ws,
		server: s,
		events: make(chan Message, 16),
		closed: make(chan struct{}),
	}
}

func (c *connection) remote() string {
	return c.ws.RemoteAddr().String()
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// handleConnection runs a connection's read loop until it drops.
func (s *Server) handleConnection(c *connection) {
	defer func() {
		s.unsubscribe(c)
		c.close()
		log.Printf("Controller disconnected: %s", c.remote())
	}()

	go c.writeLoop()

	for {
		var msg Message
		raw := json.RawMessage{}
		envelope := struct {
			Type    string           `json:"type"`
			Payload *json.RawMessage `json:"payload,omitempty"`
		}{Payload: &raw}

		if err := c.ws.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Controller read error: %v", err)
			}
			return
		}
		msg.Type = envelope.Type

		log.Printf("Control command: %s", msg.Type)
		reply := s.dispatch(c, msg.Type, raw)
		if reply != nil {
			c.send(*reply)
		}
	}
}

// writeLoop serialises all outbound traffic for the connection.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.events:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// send enqueues a reply on the event channel (single-writer socket).
func (c *connection) send(msg Message) {
	select {
	case c.events <- msg:
	case <-c.closed:
	}
}

// dispatch routes one command to the renderer and builds the reply.
func (s *Server) dispatch(c *connection, msgType string, payload json.RawMessage) *Message {
	fail := func(err error) *Message {
		return &Message{Type: TypeError, Payload: ErrorPayload{Message: err.Error()}}
	}
	ok := &Message{Type: TypeOK}

	switch msgType {
	case TypeSetURI:
		var p SetURIPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fail(err)
		}
		if err := s.renderer.SetURI(p.URI, p.Metadata); err != nil {
			return fail(err)
		}
		return ok

	case TypeSetNextURI:
		var p SetURIPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fail(err)
		}
		if err := s.renderer.SetNextURI(p.URI, p.Metadata); err != nil {
			return fail(err)
		}
		return ok

	case TypePlay:
		if err := s.renderer.Play(); err != nil {
			return fail(err)
		}
		return ok

	case TypePause:
		if err := s.renderer.Pause(); err != nil {
			return fail(err)
		}
		return ok

	case TypeStop:
		if err := s.renderer.Stop(); err != nil {
			return fail(err)
		}
		return ok

	case TypeSeek:
		var p SeekPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fail(err)
		}
		if err := s.renderer.Seek(p.Target); err != nil {
			return fail(err)
		}
		return ok

	case TypeGetTransportInfo:
		return &Message{Type: TypeTransportInfo, Payload: s.renderer.GetTransportInfo()}

	case TypeGetPositionInfo:
		return &Message{Type: TypePositionInfo, Payload: s.renderer.GetPositionInfo()}

	case TypeGetMediaInfo:
		return &Message{Type: TypeMediaInfo, Payload: s.renderer.GetMediaInfo()}

	case TypeSubscribe:
		s.subscribe(c)
		return ok

	default:
		log.Printf("Unknown control command: %s", msgType)
		return &Message{Type: TypeError, Payload: ErrorPayload{Message: "unknown command: " + msgType}}
	}
}
