package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/teamchat/internal/model"
)

var ErrNotFound = errors.New("not found")

// ChannelStore — каналы и участники. Реализации: ChannelRepository (Postgres), memory.Store.
type ChannelStore interface {
	// CreateChannel создаёт канал вместе с участниками одной транзакцией.
	CreateChannel(ctx context.Context, c *model.Channel, members []model.ChannelMember) error
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	FindDirect(ctx context.Context, userA, userB string) (*model.Channel, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	GetMember(ctx context.Context, channelID, userID string) (*model.ChannelMember, error)
	ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error)
	ListUserChannels(ctx context.Context, userID string) ([]model.ChannelSummary, error)
	// TouchActivity — last-writer-wins, без блокировок.
	TouchActivity(ctx context.Context, channelID string, at time.Time) error
	// IncrementUnread увеличивает счётчик всем участникам, кроме exceptUserID. Гонки допустимы.
	IncrementUnread(ctx context.Context, channelID, exceptUserID string) error
	// MarkRead сдвигает last_read_at вперёд (не назад) и обнуляет unread_count,
	// если at не раньше last_activity_at канала.
	MarkRead(ctx context.Context, channelID, userID string, at time.Time) error
	UpdatePrefs(ctx context.Context, channelID, userID string, muted *bool, pref *model.NotificationPref) (*model.ChannelMember, error)
}

// MessageStore — сообщения. List/Search/ListTrashed возвращают страницу и общее число строк.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	List(ctx context.Context, channelID string, limit, offset int) ([]model.Message, int, error)
	Search(ctx context.Context, channelID, query string, limit, offset int) ([]model.Message, int, error)
	ListTrashed(ctx context.Context, trashedBy string, limit, offset int) ([]model.Message, int, error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) error
	// Trash возвращает false, если сообщение уже в корзине.
	Trash(ctx context.Context, id, actorID, reason string, at time.Time) (bool, error)
	// Restore возвращает false, если сообщение не в корзине.
	Restore(ctx context.Context, id string) (bool, error)
}

type AttachmentStore interface {
	AddAttachments(ctx context.Context, atts []model.Attachment) error
	// ListByMessages загружает вложения страницы одним запросом.
	ListByMessages(ctx context.Context, messageIDs []string) (map[string][]model.Attachment, error)
}

type ReceiptStore interface {
	// UpsertReceipt идемпотентна: created == false, если отметка уже была.
	UpsertReceipt(ctx context.Context, r model.ReadReceipt) (created bool, err error)
	ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error)
}

// RosterSource — составы отделов/проектов CRM, читаются один раз при создании канала.
type RosterSource interface {
	RosterMembers(ctx context.Context, channelType model.ChannelType, refID string) ([]string, error)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike экранирует спецсимволы LIKE, чтобы запрос искался как подстрока.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var (
	_ ChannelStore    = (*ChannelRepository)(nil)
	_ RosterSource    = (*RosterRepository)(nil)
	_ MessageStore    = (*MessageRepository)(nil)
	_ AttachmentStore = (*MessageRepository)(nil)
	_ ReceiptStore    = (*MessageRepository)(nil)
)
