package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/repository"
)

// Gate — проверка членства перед каждым чтением и записью.
type Gate struct {
	channels repository.ChannelStore
}

func NewGate(channels repository.ChannelStore) *Gate {
	return &Gate{channels: channels}
}

// Authorize возвращает участника канала. Несуществующий канал и отсутствие членства
// неотличимы для вызывающего: оба дают ErrAccessDenied.
func (g *Gate) Authorize(ctx context.Context, channelID, userID string) (*model.ChannelMember, error) {
	m, err := g.channels.GetMember(ctx, channelID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("gate.Authorize: %w", err)
	}
	return m, nil
}

// AuthorizePost дополнительно проверяет admin-only каналы: писать могут только owner и admin.
func (g *Gate) AuthorizePost(ctx context.Context, channelID, userID string) (*model.Channel, *model.ChannelMember, error) {
	m, err := g.Authorize(ctx, channelID, userID)
	if err != nil {
		return nil, nil, err
	}
	ch, err := g.channels.GetChannel(ctx, channelID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrAccessDenied
	}
	if err != nil {
		return nil, nil, fmt.Errorf("gate.AuthorizePost: %w", err)
	}
	if ch.AdminOnlyPost && !m.Role.CanModerate() {
		return nil, nil, ErrAdminOnly
	}
	return ch, m, nil
}
