package meet

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Envelope is one inbound RPC message: `{method: string, ...data}`. The
// payload fields live at the top level next to method, so Raw keeps the whole
// message for the handler to unmarshal. CID is an optional correlation id
// echoed on the reply.
type Envelope struct {
	CID    uint64
	Method string
	Raw    []byte
}

// PeerConn is a bidirectional connection to one peer. Implementations must
// allow concurrent writers; reads are single-consumer.
type PeerConn interface {
	ID() string
	// ReadEnvelope blocks until the next inbound envelope or a terminal error.
	ReadEnvelope() (Envelope, error)
	// Reply answers the envelope with cid: a JSON-serializable result on
	// success, an error string otherwise.
	Reply(cid uint64, result any, errMsg string) error
	// Notify pushes an unsolicited notification to the peer.
	Notify(method string, data any) error
	Close() error
}

type replyMessage struct {
	CID   uint64 `json:"cid"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type notifyMessage struct {
	Method string `json:"method"`
	Data   any    `json:"data,omitempty"`
}

// WebsocketConn carries envelopes over a gorilla websocket.
type WebsocketConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketConn wraps an accepted websocket connection and assigns it a
// connection id.
func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{
		id: GenerateID(21),
		ws: ws,
	}
}

func (c *WebsocketConn) ID() string {
	return c.id
}

func (c *WebsocketConn) ReadEnvelope() (Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}

	var head struct {
		CID    uint64 `json:"cid"`
		Method string `json:"method"`
	}

	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}

	return Envelope{CID: head.CID, Method: head.Method, Raw: data}, nil
}

func (c *WebsocketConn) Reply(cid uint64, result any, errMsg string) error {
	return c.writeJSON(replyMessage{
		CID:   cid,
		OK:    errMsg == "",
		Data:  result,
		Error: errMsg,
	})
}

func (c *WebsocketConn) Notify(method string, data any) error {
	return c.writeJSON(notifyMessage{Method: method, Data: data})
}

func (c *WebsocketConn) Close() error {
	return c.ws.Close()
}

func (c *WebsocketConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteJSON(v)
}
