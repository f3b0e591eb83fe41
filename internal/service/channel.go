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
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/repository"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/validation"
)

type ChannelService struct {
	gate     *Gate
	channels repository.ChannelStore
	roster   repository.RosterSource
	presence storage.PresenceStore
	dispatch Dispatcher
	now      func() time.Time
}

func NewChannelService(
	channels repository.ChannelStore,
	roster repository.RosterSource,
	presence storage.PresenceStore,
	dispatch Dispatcher,
) *ChannelService {
	return &ChannelService{
		gate:     NewGate(channels),
		channels: channels,
		roster:   roster,
		presence: presence,
		dispatch: dispatch,
		now:      time.Now,
	}
}

func (s *ChannelService) SetClock(now func() time.Time) { s.now = now }

type CreateChannelInput struct {
	Type          model.ChannelType `json:"type" validate:"required,oneof=direct group department project client_support"`
	Name          string            `json:"name" validate:"max=120"`
	RefID         string            `json:"ref_id" validate:"omitempty,entity_id"`
	MemberIDs     []string          `json:"member_ids" validate:"max=1000,dive,required,max=64"`
	AdminOnlyPost bool              `json:"admin_only_post"`
}

// CreateChannel создаёт канал; создатель становится owner. Для direct возвращает уже
// существующий диалог двух пользователей (created == false).
func (s *ChannelService) CreateChannel(ctx context.Context, p model.Principal, in CreateChannelInput) (*model.Channel, bool, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validate(in); err != nil {
		return nil, false, err
	}

	memberIDs := dedupe(append([]string{p.ID}, in.MemberIDs...))
	switch {
	case in.Type == model.ChannelTypeDirect:
		if len(memberIDs) != 2 {
			return nil, false, invalid("direct channel needs exactly two distinct members")
		}
		existing, err := s.channels.FindDirect(ctx, memberIDs[0], memberIDs[1])
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("channelService.CreateChannel: %w", err)
		}
		in.AdminOnlyPost = false
	case in.Type.MirrorsRoster():
		if in.RefID == "" {
			return nil, false, invalid("ref_id is required for %s channels", in.Type)
		}
		roster, err := s.roster.RosterMembers(ctx, in.Type, in.RefID)
		if err != nil {
			return nil, false, fmt.Errorf("channelService.CreateChannel: roster: %w", err)
		}
		memberIDs = dedupe(append(memberIDs, roster...))
	}
	if in.Type != model.ChannelTypeDirect && in.Name == "" {
		return nil, false, invalid("name is required")
	}

	now := s.now().UTC()
	ch := &model.Channel{
		ID:             uuid.NewString(),
		Type:           in.Type,
		Name:           in.Name,
		RefID:          in.RefID,
		AdminOnlyPost:  in.AdminOnlyPost,
		CreatedBy:      p.ID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	members := make([]model.ChannelMember, len(memberIDs))
	for i, id := range memberIDs {
		role := model.RoleMember
		if id == p.ID {
			role = model.RoleOwner
		}
		members[i] = model.ChannelMember{
			ChannelID:        ch.ID,
			UserID:           id,
			Role:             role,
			LastReadAt:       now,
			NotificationPref: model.NotifyAll,
			JoinedAt:         now,
		}
	}
	if err := s.channels.CreateChannel(ctx, ch, members); err != nil {
		return nil, false, fmt.Errorf("channelService.CreateChannel: %w", err)
	}
	logger.L().Info().Str("channel_id", ch.ID).Str("type", string(ch.Type)).Int("members", len(members)).Msg("channel created")

	s.dispatch.NotifyUsers(ch.ID, memberIDs, fanout.EventChannelCreated, fanout.ChannelCreatedPayload{
		Channel:   *ch,
		MemberIDs: memberIDs,
	})
	return ch, true, nil
}

// ListChannels — каналы пользователя, свежая активность первой.
func (s *ChannelService) ListChannels(ctx context.Context, p model.Principal) ([]model.ChannelSummary, error) {
	out, err := s.channels.ListUserChannels(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("channelService.ListChannels: %w", err)
	}
	if out == nil {
		out = []model.ChannelSummary{}
	}
	return out, nil
}

func (s *ChannelService) Members(ctx context.Context, p model.Principal, channelID string) ([]model.ChannelMember, error) {
	if !validation.ValidID(channelID) {
		return nil, invalid("channel_id is malformed")
	}
	if _, err := s.gate.Authorize(ctx, channelID, p.ID); err != nil {
		return nil, err
	}
	out, err := s.channels.ListMembers(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("channelService.Members: %w", err)
	}
	return out, nil
}

type PrefsInput struct {
	Muted            *bool                   `json:"muted"`
	NotificationPref *model.NotificationPref `json:"notification_pref"`
}

func (s *ChannelService) UpdateMemberPrefs(ctx context.Context, p model.Principal, channelID string, in PrefsInput) (*model.ChannelMember, error) {
	if !validation.ValidID(channelID) {
		return nil, invalid("channel_id is malformed")
	}
	if in.Muted == nil && in.NotificationPref == nil {
		return nil, invalid("nothing to update")
	}
	if in.NotificationPref != nil && !in.NotificationPref.Valid() {
		return nil, invalid("notification_pref must be one of: all mentions none")
	}
	if _, err := s.gate.Authorize(ctx, channelID, p.ID); err != nil {
		return nil, err
	}
	m, err := s.channels.UpdatePrefs(ctx, channelID, p.ID, in.Muted, in.NotificationPref)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("channelService.UpdateMemberPrefs: %w", err)
	}
	return m, nil
}

// Typing отмечает, что пользователь печатает (TTL storage.TypingTTL), и рассылает событие остальным.
func (s *ChannelService) Typing(ctx context.Context, p model.Principal, channelID string) error {
	if !validation.ValidID(channelID) {
		return invalid("channel_id is malformed")
	}
	if _, err := s.gate.Authorize(ctx, channelID, p.ID); err != nil {
		return err
	}
	if err := s.presence.SetTyping(ctx, channelID, p.ID, storage.TypingTTL); err != nil {
		return fmt.Errorf("channelService.Typing: %w", err)
	}
	s.dispatch.Broadcast(channelID, p.ID, fanout.EventTyping, fanout.TypingPayload{
		ChannelID: channelID,
		UserID:    p.ID,
		UserName:  p.Name,
	})
	return nil
}

func (s *ChannelService) TypingUsers(ctx context.Context, p model.Principal, channelID string) ([]string, error) {
	if !validation.ValidID(channelID) {
		return nil, invalid("channel_id is malformed")
	}
	if _, err := s.gate.Authorize(ctx, channelID, p.ID); err != nil {
		return nil, err
	}
	users, err := s.presence.TypingUsers(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("channelService.TypingUsers: %w", err)
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}
