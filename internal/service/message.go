package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teamchat/internal/fanout"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/objectstore"
	"github.com/teamchat/internal/repository"
	"github.com/teamchat/internal/tasks"
	"github.com/teamchat/internal/validation"
)

const (
	DefaultPageLimit  = 50
	MaxPageLimit      = 100
	MaxContentRunes   = 10000
	DefaultMaxMention = 50
)

// Dispatcher — фоновая рассылка событий (fanout.Dispatcher). Методы не блокируют и не возвращают ошибок.
type Dispatcher interface {
	MessageCreated(msg *model.Message)
	Broadcast(channelID, exclude, eventType string, payload any)
	NotifyUsers(key string, userIDs []string, eventType string, payload any)
}

// Queue — очередь фоновых задач (tasks.Queue).
type Queue interface {
	Submit(key, name string, fn tasks.Func) error
}

// MessageDeps — зависимости MessageService. Uploads и Objects нужны только для вложений.
type MessageDeps struct {
	Channels    repository.ChannelStore
	Messages    repository.MessageStore
	Attachments repository.AttachmentStore
	Receipts    repository.ReceiptStore
	Dispatcher  Dispatcher
	Uploads     Queue
	Objects     objectstore.Store
	MaxMentions int
}

type MessageService struct {
	gate        *Gate
	channels    repository.ChannelStore
	messages    repository.MessageStore
	attachments repository.AttachmentStore
	receipts    repository.ReceiptStore
	dispatch    Dispatcher
	uploads     Queue
	objects     objectstore.Store
	maxMentions int
	now         func() time.Time
}

func NewMessageService(d MessageDeps) *MessageService {
	if d.MaxMentions <= 0 {
		d.MaxMentions = DefaultMaxMention
	}
	return &MessageService{
		gate:        NewGate(d.Channels),
		channels:    d.Channels,
		messages:    d.Messages,
		attachments: d.Attachments,
		receipts:    d.Receipts,
		dispatch:    d.Dispatcher,
		uploads:     d.Uploads,
		objects:     d.Objects,
		maxMentions: d.MaxMentions,
		now:         time.Now,
	}
}

// SetClock подменяет часы (для тестов).
func (s *MessageService) SetClock(now func() time.Time) { s.now = now }

// FileInput — файл из multipart-запроса, уже прочитанный в память: тело запроса
// недоступно после ответа, а загрузка идёт в фоне.
type FileInput struct {
	Name     string
	MimeType string
	Data     []byte
}

type CreateMessageInput struct {
	ChannelID        string            `json:"channel_id" validate:"required,entity_id"`
	Content          string            `json:"content" validate:"max=10000"`
	ContentType      model.ContentType `json:"content_type" validate:"omitempty,oneof=text file system"`
	ThreadID         *string           `json:"thread_id" validate:"omitempty,entity_id"`
	ParentMessageID  *string           `json:"parent_message_id" validate:"omitempty,entity_id"`
	MentionedUserIDs []string          `json:"mentioned_user_ids" validate:"dive,required,max=64"`
	Files            []FileInput       `json:"-"`
}

// Create сохраняет сообщение со снимком профиля отправителя. Всё после записи в БД
// (активность канала, счётчики, рассылка, загрузка файлов) не влияет на результат запроса.
func (s *MessageService) Create(ctx context.Context, p model.Principal, in CreateMessageInput) (*model.Message, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := validate(in); err != nil {
		return nil, err
	}
	if in.Content == "" && len(in.Files) == 0 {
		return nil, invalid("content or files required")
	}
	if in.ContentType == "" {
		in.ContentType = model.ContentTypeText
		if in.Content == "" {
			in.ContentType = model.ContentTypeFile
		}
	}
	mentions := dedupe(in.MentionedUserIDs)
	if len(mentions) > s.maxMentions {
		return nil, invalid("too many mentions (max %d)", s.maxMentions)
	}
	if len(in.Files) > 0 && (s.uploads == nil || s.objects == nil) {
		return nil, invalid("attachments are not supported")
	}

	if _, _, err := s.gate.AuthorizePost(ctx, in.ChannelID, p.ID); err != nil {
		return nil, err
	}
	for _, ref := range []*string{in.ThreadID, in.ParentMessageID} {
		if ref == nil {
			continue
		}
		if err := s.checkSameChannel(ctx, *ref, in.ChannelID); err != nil {
			return nil, err
		}
	}

	msg := &model.Message{
		ID:               uuid.NewString(),
		ChannelID:        in.ChannelID,
		SenderID:         p.ID,
		Content:          in.Content,
		ContentType:      in.ContentType,
		ThreadID:         in.ThreadID,
		ParentMessageID:  in.ParentMessageID,
		MentionedUserIDs: mentions,
		SenderName:       p.Name,
		SenderEmail:      p.Email,
		SenderAvatar:     p.AvatarURL,
		SenderRole:       p.Role,
		CreatedAt:        s.now().UTC(),
		Attachments:      []model.Attachment{},
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("messageService.Create: %w", err)
	}
	metrics.MessagesCreated.Inc()

	if err := s.channels.TouchActivity(ctx, msg.ChannelID, msg.CreatedAt); err != nil {
		logger.L().Warn().Err(err).Str("channel_id", msg.ChannelID).Msg("message: touch activity")
	}
	if err := s.channels.IncrementUnread(ctx, msg.ChannelID, p.ID); err != nil {
		logger.L().Warn().Err(err).Str("channel_id", msg.ChannelID).Msg("message: increment unread")
	}

	msg.AttachmentsPending = len(in.Files)
	s.dispatch.MessageCreated(msg)
	if len(in.Files) > 0 {
		s.scheduleUploads(*msg, in.Files)
	}
	return msg, nil
}

func (s *MessageService) checkSameChannel(ctx context.Context, messageID, channelID string) error {
	ref, err := s.messages.GetByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return invalid("referenced message %s not found", messageID)
	}
	if err != nil {
		return fmt.Errorf("messageService.checkSameChannel: %w", err)
	}
	if ref.ChannelID != channelID {
		return invalid("referenced message %s belongs to another channel", messageID)
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ListQuery: Trash важнее Search, Search важнее обычного списка.
// Searching включает поиск и при пустой строке; Search передаётся как есть, без обрезки пробелов.
type ListQuery struct {
	ChannelID string
	Search    string
	Searching bool
	Trash     bool
	Limit     int
	Offset    int
	Page      int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// List — история канала (старые первыми), поиск (новые первыми) или корзина вызывающего.
func (s *MessageService) List(ctx context.Context, p model.Principal, q ListQuery) (model.Page[model.Message], error) {
	limit := normalizeLimit(q.Limit)
	if q.Trash {
		if q.Page == 0 {
			q.Page = 1
		}
		if q.Page < 1 {
			return model.Page[model.Message]{}, invalid("page must be >= 1")
		}
		offset := (q.Page - 1) * limit
		msgs, total, err := s.messages.ListTrashed(ctx, p.ID, limit, offset)
		if err != nil {
			return model.Page[model.Message]{}, fmt.Errorf("messageService.List: %w", err)
		}
		now := s.now()
		for i := range msgs {
			msgs[i].Trash = model.NewTrashInfo(&msgs[i], now)
		}
		if err := s.loadAttachments(ctx, msgs); err != nil {
			return model.Page[model.Message]{}, err
		}
		return model.NewPage(msgs, total, limit, offset), nil
	}

	if q.ChannelID == "" {
		return model.Page[model.Message]{}, invalid("channel_id is required")
	}
	if !validation.ValidID(q.ChannelID) {
		return model.Page[model.Message]{}, invalid("channel_id is malformed")
	}
	if q.Offset < 0 {
		return model.Page[model.Message]{}, invalid("offset must be >= 0")
	}
	if _, err := s.gate.Authorize(ctx, q.ChannelID, p.ID); err != nil {
		return model.Page[model.Message]{}, err
	}

	var (
		msgs  []model.Message
		total int
		err   error
	)
	if q.Searching || q.Search != "" {
		msgs, total, err = s.messages.Search(ctx, q.ChannelID, q.Search, limit, q.Offset)
	} else {
		msgs, total, err = s.messages.List(ctx, q.ChannelID, limit, q.Offset)
	}
	if err != nil {
		return model.Page[model.Message]{}, fmt.Errorf("messageService.List: %w", err)
	}
	if err := s.loadAttachments(ctx, msgs); err != nil {
		return model.Page[model.Message]{}, err
	}
	return model.NewPage(msgs, total, limit, q.Offset), nil
}

// loadAttachments — один запрос на страницу.
func (s *MessageService) loadAttachments(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	byMsg, err := s.attachments.ListByMessages(ctx, ids)
	if err != nil {
		return fmt.Errorf("messageService.loadAttachments: %w", err)
	}
	for i := range msgs {
		msgs[i].Attachments = byMsg[msgs[i].ID]
		if msgs[i].Attachments == nil {
			msgs[i].Attachments = []model.Attachment{}
		}
	}
	return nil
}

// load читает сообщение и проверяет членство в его канале.
func (s *MessageService) load(ctx context.Context, p model.Principal, messageID string) (*model.Message, *model.ChannelMember, error) {
	if !validation.ValidID(messageID) {
		return nil, nil, invalid("message id is malformed")
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("messageService.load: %w", err)
	}
	member, err := s.gate.Authorize(ctx, msg.ChannelID, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return msg, member, nil
}

// Edit — только автор и только не удалённое сообщение.
func (s *MessageService) Edit(ctx context.Context, p model.Principal, messageID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalid("content is required")
	}
	if len([]rune(content)) > MaxContentRunes {
		return nil, invalid("content must be at most %d characters", MaxContentRunes)
	}
	msg, _, err := s.load(ctx, p, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsTrashed {
		return nil, ErrNotFound
	}
	if msg.SenderID != p.ID {
		return nil, ErrForbiddenAction
	}
	at := s.now().UTC()
	if err := s.messages.UpdateContent(ctx, msg.ID, content, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("messageService.Edit: %w", err)
	}
	msg.Content = content
	msg.EditedAt = &at
	page := []model.Message{*msg}
	if err := s.loadAttachments(ctx, page); err != nil {
		return nil, err
	}
	msg = &page[0]
	s.dispatch.Broadcast(msg.ChannelID, p.ID, fanout.EventMessageUpdated, *msg)
	return msg, nil
}
