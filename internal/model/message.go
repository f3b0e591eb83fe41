package model

import (
	"time"

	"github.com/dustin/go-humanize"
)

type ContentType string

const (
	ContentTypeText   ContentType = "text"
	ContentTypeFile   ContentType = "file"
	ContentTypeSystem ContentType = "system"
)

// TrashRetention — сколько сообщение живёт в корзине до окончательного удаления.
const TrashRetention = 30 * 24 * time.Hour

type Message struct {
	ID               string      `json:"id"`
	ChannelID        string      `json:"channel_id"`
	SenderID         string      `json:"sender_id"`
	Content          string      `json:"content"`
	ContentType      ContentType `json:"content_type"`
	ThreadID         *string     `json:"thread_id,omitempty"`
	ParentMessageID  *string     `json:"parent_message_id,omitempty"`
	MentionedUserIDs []string    `json:"mentioned_user_ids,omitempty"`

	// Снимок профиля отправителя на момент отправки; при чтении join с пользователями не делается.
	SenderName   string `json:"sender_name"`
	SenderEmail  string `json:"sender_email"`
	SenderAvatar string `json:"sender_avatar"`
	SenderRole   string `json:"sender_role"`

	EditedAt    *time.Time `json:"edited_at,omitempty"`
	IsTrashed   bool       `json:"is_trashed"`
	TrashedAt   *time.Time `json:"trashed_at,omitempty"`
	TrashedBy   *string    `json:"trashed_by,omitempty"`
	TrashReason *string    `json:"trash_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	Attachments        []Attachment `json:"attachments"`
	AttachmentsPending int          `json:"attachments_pending,omitempty"`
	Trash              *TrashInfo   `json:"trash,omitempty"`
}

// TrashInfo — вычисляемые поля корзины для клиента ("удалится через N дней").
type TrashInfo struct {
	TrashedAt     time.Time `json:"trashed_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DaysRemaining int       `json:"days_remaining"`
	ExpiresIn     string    `json:"expires_in"`
}

// DaysRemaining = max(0, 30 - floor((now - trashedAt) / 24h)).
func DaysRemaining(trashedAt, now time.Time) int {
	elapsed := now.Sub(trashedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	days := int(TrashRetention/(24*time.Hour)) - int(elapsed/(24*time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

// NewTrashInfo возвращает nil для сообщения не в корзине.
func NewTrashInfo(m *Message, now time.Time) *TrashInfo {
	if !m.IsTrashed || m.TrashedAt == nil {
		return nil
	}
	expires := m.TrashedAt.Add(TrashRetention)
	return &TrashInfo{
		TrashedAt:     *m.TrashedAt,
		ExpiresAt:     expires,
		DaysRemaining: DaysRemaining(*m.TrashedAt, now),
		ExpiresIn:     humanize.RelTime(expires, now, "ago", "from now"),
	}
}

type Attachment struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	FileName   string    `json:"file_name"`
	URL        string    `json:"url"`
	StorageKey string    `json:"-"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
}

type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Page — страница результатов с метаданными пагинации.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func NewPage[T any](items []T, total, limit, offset int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	}
}
