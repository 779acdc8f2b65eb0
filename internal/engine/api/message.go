package api

import "time"

// MessageType labels the frames on the status socket.
type MessageType string

const (
	MessageTypeStatus MessageType = "STATUS"
	MessageTypePing   MessageType = "PING"
	MessageTypePong   MessageType = "PONG"
	MessageTypeError  MessageType = "ERROR"
)

// Message is one WebSocket frame.
type Message struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorData carries the payload of an ERROR frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(msgType MessageType, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func NewErrorMessage(code, message string) *Message {
	return &Message{
		Type: MessageTypeError,
		Data: &ErrorData{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}
