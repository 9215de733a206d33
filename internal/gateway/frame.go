package gateway

import (
	"encoding/json"

	"github.com/rzbill/courier/internal/message"
)

// Frame types carried over the socket.
const (
	// FrameSendMessage is a client request to send a message. Carries a
	// correlation id the ack echoes back.
	FrameSendMessage = "sendMessage"
	// FrameAck answers a sendMessage with the live-delivery outcome.
	FrameAck = "ack"
	// FrameNewMessage pushes a message event to a party's connections.
	FrameNewMessage = "newMessage"
	// FrameOnlineUsers pushes the full online-user snapshot.
	FrameOnlineUsers = "getOnlineUsers"
)

// Ack statuses.
const (
	AckOK     = "ok"
	AckFailed = "failed"
)

// Frame is the wire envelope for every socket message in both
// directions.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendRequest is the payload of a sendMessage frame.
type SendRequest struct {
	To    string `json:"to"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Ack is the payload of an ack frame.
type Ack struct {
	Status  string         `json:"status"`
	Message *message.Event `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func encodeFrame(typ, id string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Type: typ, ID: id, Payload: raw})
}
