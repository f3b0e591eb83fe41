package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/repository"
)

type memberKey struct{ channel, user string }

type receiptKey struct{ message, user string }

// Store — каналы, сообщения, вложения и отметки о прочтении в памяти.
// Используется в режиме -memory и в тестах вместо Postgres.
type Store struct {
	mu          sync.RWMutex
	channels    map[string]*model.Channel
	members     map[memberKey]*model.ChannelMember
	messages    map[string]*model.Message
	attachments map[string][]model.Attachment
	receipts    map[receiptKey]model.ReadReceipt
	rosters     map[string][]string
}

func NewStore() *Store {
	return &Store{
		channels:    make(map[string]*model.Channel),
		members:     make(map[memberKey]*model.ChannelMember),
		messages:    make(map[string]*model.Message),
		attachments: make(map[string][]model.Attachment),
		receipts:    make(map[receiptKey]model.ReadReceipt),
		rosters:     make(map[string][]string),
	}
}

// SetRoster задаёт состав отдела/проекта для RosterMembers.
func (s *Store) SetRoster(t model.ChannelType, refID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rosters[string(t)+":"+refID] = append([]string(nil), userIDs...)
}

func (s *Store) RosterMembers(ctx context.Context, t model.ChannelType, refID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.rosters[string(t)+":"+refID]...), nil
}

func (s *Store) CreateChannel(ctx context.Context, c *model.Channel, members []model.ChannelMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.channels[c.ID] = &cp
	for _, m := range members {
		k := memberKey{c.ID, m.UserID}
		if _, ok := s.members[k]; ok {
			continue
		}
		mc := m
		mc.ChannelID = c.ID
		s.members[k] = &mc
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) FindDirect(ctx context.Context, userA, userB string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.channels {
		if c.Type != model.ChannelTypeDirect {
			continue
		}
		_, okA := s.members[memberKey{id, userA}]
		_, okB := s.members[memberKey{id, userB}]
		if okA && okB {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[memberKey{channelID, userID}]
	return ok, nil
}

func (s *Store) GetMember(ctx context.Context, channelID, userID string) (*model.ChannelMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{channelID, userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChannelMember, 0, 8)
	for k, m := range s.members {
		if k.channel == channelID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *Store) ListUserChannels(ctx context.Context, userID string) ([]model.ChannelSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChannelSummary, 0, 16)
	for k, m := range s.members {
		if k.user != userID {
			continue
		}
		c, ok := s.channels[k.channel]
		if !ok {
			continue
		}
		out = append(out, model.ChannelSummary{Channel: *c, Role: m.Role, UnreadCount: m.UnreadCount, Muted: m.Muted})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) TouchActivity(ctx context.Context, channelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[channelID]; ok {
		c.LastActivityAt = at
	}
	return nil
}

func (s *Store) IncrementUnread(ctx context.Context, channelID, exceptUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, m := range s.members {
		if k.channel == channelID && k.user != exceptUserID {
			m.UnreadCount++
		}
	}
	return nil
}

func (s *Store) MarkRead(ctx context.Context, channelID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{channelID, userID}]
	if !ok {
		return nil
	}
	if at.After(m.LastReadAt) {
		m.LastReadAt = at
	}
	// чтение старого сообщения не гасит счётчик, пока в канале есть более новые
	if c, ok := s.channels[channelID]; !ok || !at.Before(c.LastActivityAt) {
		m.UnreadCount = 0
	}
	return nil
}

func (s *Store) UpdatePrefs(ctx context.Context, channelID, userID string, muted *bool, pref *model.NotificationPref) (*model.ChannelMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{channelID, userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if muted != nil {
		m.Muted = *muted
	}
	if pref != nil {
		m.NotificationPref = *pref
	}
	cp := *m
	return &cp, nil
}

func (s *Store) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.MentionedUserIDs = append([]string(nil), m.MentionedUserIDs...)
	cp.Attachments = nil
	cp.AttachmentsPending = 0
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) filter(keep func(*model.Message) bool, less func(a, b *model.Message) bool, limit, offset int) ([]model.Message, int) {
	s.mu.RLock()
	matched := make([]*model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if keep(m) {
			cp := *m
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	total := len(matched)
	if offset >= total {
		return []model.Message{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]model.Message, 0, end-offset)
	for _, m := range matched[offset:end] {
		out = append(out, *m)
	}
	return out, total
}

func oldestFirst(a, b *model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func newestFirst(a, b *model.Message) bool { return oldestFirst(b, a) }

func (s *Store) List(ctx context.Context, channelID string, limit, offset int) ([]model.Message, int, error) {
	out, total := s.filter(func(m *model.Message) bool {
		return m.ChannelID == channelID && !m.IsTrashed
	}, oldestFirst, limit, offset)
	return out, total, nil
}

func (s *Store) Search(ctx context.Context, channelID, query string, limit, offset int) ([]model.Message, int, error) {
	q := strings.ToLower(query)
	out, total := s.filter(func(m *model.Message) bool {
		return m.ChannelID == channelID && !m.IsTrashed && strings.Contains(strings.ToLower(m.Content), q)
	}, newestFirst, limit, offset)
	return out, total, nil
}

func (s *Store) ListTrashed(ctx context.Context, trashedBy string, limit, offset int) ([]model.Message, int, error) {
	out, total := s.filter(func(m *model.Message) bool {
		return m.IsTrashed && m.TrashedBy != nil && *m.TrashedBy == trashedBy
	}, func(a, b *model.Message) bool {
		if !a.TrashedAt.Equal(*b.TrashedAt) {
			return a.TrashedAt.After(*b.TrashedAt)
		}
		return a.ID > b.ID
	}, limit, offset)
	return out, total, nil
}

func (s *Store) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.Content = content
	m.EditedAt = &at
	return nil
}

func (s *Store) Trash(ctx context.Context, id, actorID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if m.IsTrashed {
		return false, nil
	}
	m.IsTrashed = true
	m.TrashedAt = &at
	m.TrashedBy = &actorID
	if reason != "" {
		m.TrashReason = &reason
	}
	return true, nil
}

func (s *Store) Restore(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !m.IsTrashed {
		return false, nil
	}
	m.IsTrashed = false
	m.TrashedAt, m.TrashedBy, m.TrashReason = nil, nil, nil
	return true, nil
}

func (s *Store) AddAttachments(ctx context.Context, atts []model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range atts {
		s.attachments[a.MessageID] = append(s.attachments[a.MessageID], a)
	}
	return nil
}

func (s *Store) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]model.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.Attachment, len(messageIDs))
	for _, id := range messageIDs {
		if atts := s.attachments[id]; len(atts) > 0 {
			out[id] = append([]model.Attachment(nil), atts...)
		}
	}
	return out, nil
}

func (s *Store) UpsertReceipt(ctx context.Context, r model.ReadReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := receiptKey{r.MessageID, r.UserID}
	if _, ok := s.receipts[k]; ok {
		return false, nil
	}
	s.receipts[k] = r
	return true, nil
}

func (s *Store) ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ReadReceipt, 0, 8)
	for k, r := range s.receipts {
		if k.message == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReadAt.Equal(out[j].ReadAt) {
			return out[i].ReadAt.Before(out[j].ReadAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// MessageCount — число строк сообщений (для тестов: "строка не создана").
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

var (
	_ repository.ChannelStore    = (*Store)(nil)
	_ repository.MessageStore    = (*Store)(nil)
	_ repository.AttachmentStore = (*Store)(nil)
	_ repository.ReceiptStore    = (*Store)(nil)
	_ repository.RosterSource    = (*Store)(nil)
)
