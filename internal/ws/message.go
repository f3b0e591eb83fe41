package ws

import (
	"time"
)

// Входящие события клиента.
const (
	EventTyping      = "typing"
	EventMessageRead = "message_read"
	EventChannelRead = "channel_read"
	EventError       = "error"
	EventReadAck     = "read_ack"
)

// IncomingMessage — то, что присылает клиент.
type IncomingMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	// RequestID возвращается в ответе, чтобы клиент сопоставил ошибку с запросом.
	RequestID string `json:"request_id,omitempty"`
}

// OutgoingMessage — то, что получает клиент. Для событий шины Payload уже сериализован.
type OutgoingMessage struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Payload   any        `json:"payload,omitempty"`
	At        *time.Time `json:"at,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type ReadAckPayload struct {
	MessageID string `json:"message_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Created   bool   `json:"created"`
}
