package fanout

import (
	"time"
	"unicode/utf8"

	"github.com/teamchat/internal/model"
)

// Типы событий шины. Клиенты используют их как подсказку перечитать историю канала.
const (
	EventMessageCreated       = "message.created"
	EventMention              = "mention"
	EventMessageUpdated       = "message.updated"
	EventMessageTrashed       = "message.trashed"
	EventMessageRestored      = "message.restored"
	EventMessageRead          = "message.read"
	EventTyping               = "typing"
	EventAttachmentsCompleted = "attachments.completed"
	EventChannelCreated       = "channel.created"
)

// PreviewRunes — длина превью в упоминании.
const PreviewRunes = 120

// Preview обрезает текст до PreviewRunes символов (не байт).
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:PreviewRunes])
}

type MentionPayload struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"created_at"`
}

type MessageTrashedPayload struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	TrashedBy string    `json:"trashed_by"`
	TrashedAt time.Time `json:"trashed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type MessageRestoredPayload struct {
	MessageID  string `json:"message_id"`
	ChannelID  string `json:"channel_id"`
	RestoredBy string `json:"restored_by"`
}

type MessageReadPayload struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

type TypingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
}

// AttachmentResult — итог загрузки одного файла; при ошибке Attachment пустой.
type AttachmentResult struct {
	FileName   string            `json:"file_name"`
	OK         bool              `json:"ok"`
	Error      string            `json:"error,omitempty"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
}

type AttachmentsCompletedPayload struct {
	MessageID string             `json:"message_id"`
	ChannelID string             `json:"channel_id"`
	Results   []AttachmentResult `json:"results"`
}

type ChannelCreatedPayload struct {
	Channel   model.Channel `json:"channel"`
	MemberIDs []string      `json:"member_ids"`
}
