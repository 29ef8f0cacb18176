package chat

import (
	"encoding/json"
)

// Frame types of the persistent connection protocol.
const (
	FrameChat        = "chat"
	FrameMessage     = "message"
	FrameMessageSent = "message_sent"
	FrameTyping      = "typing"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
)

// Envelope is the JSON frame exchanged on the persistent connection. Clients
// may put the payload under either "data" or "content".
type Envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Payload returns whichever of Data or Content is set.
func (e Envelope) Payload() json.RawMessage {
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.Content
}

// ChatFrame is the client payload of a "chat" frame.
type ChatFrame struct {
	ToID       string      `json:"to_id"`
	Content    string      `json:"msg_content"`
	Type       string      `json:"type"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// TypingFrame is the payload of a "typing" frame. FromID is set by the server.
type TypingFrame struct {
	ToID     string `json:"to_id"`
	FromID   string `json:"from_id,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorFrame is the payload of an "error" frame.
type ErrorFrame struct {
	Message string `json:"message"`
}

// EncodeFrame builds a server frame with payload under "data".
func EncodeFrame(frameType string, payload any) ([]byte, error) {
	env := Envelope{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeFrame parses an incoming frame envelope.
func DecodeFrame(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}
