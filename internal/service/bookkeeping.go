package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/teamchat/internal/fanout"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/repository"
	"github.com/teamchat/internal/validation"
)

const MaxTrashReasonRunes = 500

// MarkRead идемпотентна: повторное прочтение не создаёт вторую отметку и не рассылает message.read.
func (s *MessageService) MarkRead(ctx context.Context, p model.Principal, messageID string) (model.ReadReceipt, bool, error) {
	msg, _, err := s.load(ctx, p, messageID)
	if err != nil {
		return model.ReadReceipt{}, false, err
	}
	rc := model.ReadReceipt{MessageID: msg.ID, UserID: p.ID, ReadAt: s.now().UTC()}
	created, err := s.receipts.UpsertReceipt(ctx, rc)
	if err != nil {
		return model.ReadReceipt{}, false, fmt.Errorf("messageService.MarkRead: %w", err)
	}
	// last_read_at двигается только вперёд, до времени сообщения
	if err := s.channels.MarkRead(ctx, msg.ChannelID, p.ID, msg.CreatedAt); err != nil {
		return model.ReadReceipt{}, false, fmt.Errorf("messageService.MarkRead: %w", err)
	}
	if created {
		s.dispatch.Broadcast(msg.ChannelID, p.ID, fanout.EventMessageRead, fanout.MessageReadPayload{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			UserID:    p.ID,
			ReadAt:    rc.ReadAt,
		})
	}
	return rc, created, nil
}

// MarkChannelRead отмечает прочитанным весь канал: last_read_at = now, unread_count = 0.
func (s *MessageService) MarkChannelRead(ctx context.Context, p model.Principal, channelID string) error {
	if !validation.ValidID(channelID) {
		return invalid("channel_id is malformed")
	}
	if _, err := s.gate.Authorize(ctx, channelID, p.ID); err != nil {
		return err
	}
	if err := s.channels.MarkRead(ctx, channelID, p.ID, s.now().UTC()); err != nil {
		return fmt.Errorf("messageService.MarkChannelRead: %w", err)
	}
	return nil
}

func (s *MessageService) Receipts(ctx context.Context, p model.Principal, messageID string) ([]model.ReadReceipt, error) {
	msg, _, err := s.load(ctx, p, messageID)
	if err != nil {
		return nil, err
	}
	out, err := s.receipts.ListReceipts(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("messageService.Receipts: %w", err)
	}
	if out == nil {
		out = []model.ReadReceipt{}
	}
	return out, nil
}

// canManage: автор, admin или owner канала.
func canManage(msg *model.Message, member *model.ChannelMember, userID string) bool {
	return msg.SenderID == userID || member.Role.CanModerate()
}

// Trash переносит сообщение в корзину. Повторный вызов ничего не меняет и событий не шлёт.
func (s *MessageService) Trash(ctx context.Context, p model.Principal, messageID, reason string) (*model.Message, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) > MaxTrashReasonRunes {
		return nil, invalid("reason must be at most %d characters", MaxTrashReasonRunes)
	}
	msg, member, err := s.load(ctx, p, messageID)
	if err != nil {
		return nil, err
	}
	if !canManage(msg, member, p.ID) {
		return nil, ErrForbiddenAction
	}

	at := s.now().UTC()
	changed, err := s.messages.Trash(ctx, msg.ID, p.ID, reason, at)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("messageService.Trash: %w", err)
	}
	if msg, err = s.messages.GetByID(ctx, msg.ID); err != nil {
		return nil, fmt.Errorf("messageService.Trash: reload: %w", err)
	}
	msg.Trash = model.NewTrashInfo(msg, s.now())
	if !changed {
		return msg, nil
	}
	logger.L().Info().Str("message_id", msg.ID).Str("actor", p.ID).Msg("message trashed")
	s.dispatch.Broadcast(msg.ChannelID, p.ID, fanout.EventMessageTrashed, fanout.MessageTrashedPayload{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		TrashedBy: p.ID,
		TrashedAt: msg.Trash.TrashedAt,
		ExpiresAt: msg.Trash.ExpiresAt,
	})
	return msg, nil
}

// Restore возвращает сообщение из корзины, пока не истёк срок хранения.
func (s *MessageService) Restore(ctx context.Context, p model.Principal, messageID string) (*model.Message, error) {
	msg, member, err := s.load(ctx, p, messageID)
	if err != nil {
		return nil, err
	}
	if !canManage(msg, member, p.ID) {
		return nil, ErrForbiddenAction
	}
	if !msg.IsTrashed {
		return msg, nil
	}
	if msg.TrashedAt != nil && !s.now().Before(msg.TrashedAt.Add(model.TrashRetention)) {
		return nil, ErrTrashExpired
	}
	changed, err := s.messages.Restore(ctx, msg.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("messageService.Restore: %w", err)
	}
	if msg, err = s.messages.GetByID(ctx, msg.ID); err != nil {
		return nil, fmt.Errorf("messageService.Restore: reload: %w", err)
	}
	if changed {
		s.dispatch.Broadcast(msg.ChannelID, p.ID, fanout.EventMessageRestored, fanout.MessageRestoredPayload{
			MessageID:  msg.ID,
			ChannelID:  msg.ChannelID,
			RestoredBy: p.ID,
		})
	}
	return msg, nil
}
