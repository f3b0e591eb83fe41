package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

const channelCols = `id, channel_type, name, ref_id, admin_only_post, created_by, created_at, last_activity_at`

const memberCols = `channel_id, user_id, role, last_read_at, muted, notification_pref, unread_count, joined_at`

type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

func scanChannel(s interface{ Scan(dest ...any) error }, c *model.Channel) error {
	return s.Scan(&c.ID, &c.Type, &c.Name, &c.RefID, &c.AdminOnlyPost, &c.CreatedBy, &c.CreatedAt, &c.LastActivityAt)
}

func scanMember(s interface{ Scan(dest ...any) error }, m *model.ChannelMember) error {
	return s.Scan(&m.ChannelID, &m.UserID, &m.Role, &m.LastReadAt, &m.Muted, &m.NotificationPref, &m.UnreadCount, &m.JoinedAt)
}

func (r *ChannelRepository) CreateChannel(ctx context.Context, c *model.Channel, members []model.ChannelMember) error {
	defer logger.DeferLogDuration("channel.CreateChannel", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("channelRepo.CreateChannel begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO channels (`+channelCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Type, c.Name, c.RefID, c.AdminOnlyPost, c.CreatedBy, c.CreatedAt, c.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("channelRepo.CreateChannel insert: %w", err)
	}
	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(
			`INSERT INTO channel_members (`+memberCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING`,
			c.ID, m.UserID, m.Role, m.LastReadAt, m.Muted, m.NotificationPref, m.UnreadCount, m.JoinedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("channelRepo.CreateChannel members: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("channelRepo.CreateChannel commit: %w", err)
	}
	return nil
}

func (r *ChannelRepository) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	defer logger.DeferLogDuration("channel.GetChannel", time.Now())()
	c := &model.Channel{}
	if err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelCols+` FROM channels WHERE id = $1`, id), c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channelRepo.GetChannel: %w", err)
	}
	return c, nil
}

// FindDirect ищет личный канал, в котором состоят оба пользователя.
func (r *ChannelRepository) FindDirect(ctx context.Context, userA, userB string) (*model.Channel, error) {
	defer logger.DeferLogDuration("channel.FindDirect", time.Now())()
	c := &model.Channel{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+channelCols+` FROM channels c
		 WHERE c.channel_type = 'direct'
		   AND EXISTS (SELECT 1 FROM channel_members WHERE channel_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM channel_members WHERE channel_id = c.id AND user_id = $2)
		 LIMIT 1`, userA, userB)
	if err := scanChannel(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channelRepo.FindDirect: %w", err)
	}
	return c, nil
}

func (r *ChannelRepository) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	defer logger.DeferLogDuration("channel.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("channelRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ChannelRepository) GetMember(ctx context.Context, channelID, userID string) (*model.ChannelMember, error) {
	defer logger.DeferLogDuration("channel.GetMember", time.Now())()
	m := &model.ChannelMember{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+memberCols+` FROM channel_members WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	if err := scanMember(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channelRepo.GetMember: %w", err)
	}
	return m, nil
}

func (r *ChannelRepository) ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error) {
	defer logger.DeferLogDuration("channel.ListMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+memberCols+` FROM channel_members WHERE channel_id = $1 ORDER BY joined_at, user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("channelRepo.ListMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.ChannelMember, 0, 8)
	for rows.Next() {
		var m model.ChannelMember
		if err := scanMember(rows, &m); err != nil {
			return nil, fmt.Errorf("channelRepo.ListMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channelRepo.ListMembers rows: %w", err)
	}
	return members, nil
}

func (r *ChannelRepository) ListUserChannels(ctx context.Context, userID string) ([]model.ChannelSummary, error) {
	defer logger.DeferLogDuration("channel.ListUserChannels", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.channel_type, c.name, c.ref_id, c.admin_only_post, c.created_by, c.created_at, c.last_activity_at,
		        cm.role, cm.unread_count, cm.muted
		 FROM channels c
		 JOIN channel_members cm ON cm.channel_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.last_activity_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("channelRepo.ListUserChannels query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ChannelSummary, 0, 16)
	for rows.Next() {
		var s model.ChannelSummary
		if err := rows.Scan(&s.ID, &s.Type, &s.Name, &s.RefID, &s.AdminOnlyPost, &s.CreatedBy, &s.CreatedAt, &s.LastActivityAt,
			&s.Role, &s.UnreadCount, &s.Muted); err != nil {
			return nil, fmt.Errorf("channelRepo.ListUserChannels scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channelRepo.ListUserChannels rows: %w", err)
	}
	return out, nil
}

func (r *ChannelRepository) TouchActivity(ctx context.Context, channelID string, at time.Time) error {
	defer logger.DeferLogDuration("channel.TouchActivity", time.Now())()
	if _, err := r.pool.Exec(ctx, `UPDATE channels SET last_activity_at = $1 WHERE id = $2`, at, channelID); err != nil {
		return fmt.Errorf("channelRepo.TouchActivity: %w", err)
	}
	return nil
}

func (r *ChannelRepository) IncrementUnread(ctx context.Context, channelID, exceptUserID string) error {
	defer logger.DeferLogDuration("channel.IncrementUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE channel_members SET unread_count = unread_count + 1 WHERE channel_id = $1 AND user_id <> $2`,
		channelID, exceptUserID)
	if err != nil {
		return fmt.Errorf("channelRepo.IncrementUnread: %w", err)
	}
	return nil
}

func (r *ChannelRepository) MarkRead(ctx context.Context, channelID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("channel.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE channel_members SET last_read_at = GREATEST(last_read_at, $1),
		   unread_count = CASE
		     WHEN $1 >= COALESCE((SELECT last_activity_at FROM channels WHERE id = $2), '-infinity'::timestamptz) THEN 0
		     ELSE unread_count END
		 WHERE channel_id = $2 AND user_id = $3`,
		at, channelID, userID)
	if err != nil {
		return fmt.Errorf("channelRepo.MarkRead: %w", err)
	}
	return nil
}

func (r *ChannelRepository) UpdatePrefs(ctx context.Context, channelID, userID string, muted *bool, pref *model.NotificationPref) (*model.ChannelMember, error) {
	defer logger.DeferLogDuration("channel.UpdatePrefs", time.Now())()
	var prefArg *string
	if pref != nil {
		s := string(*pref)
		prefArg = &s
	}
	m := &model.ChannelMember{}
	row := r.pool.QueryRow(ctx,
		`UPDATE channel_members
		 SET muted = COALESCE($1, muted), notification_pref = COALESCE($2, notification_pref)
		 WHERE channel_id = $3 AND user_id = $4
		 RETURNING `+memberCols,
		muted, prefArg, channelID, userID)
	if err := scanMember(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channelRepo.UpdatePrefs: %w", err)
	}
	return m, nil
}

// RosterRepository читает составы отделов/проектов из roster_members.
type RosterRepository struct {
	pool *pgxpool.Pool
}

func NewRosterRepository(pool *pgxpool.Pool) *RosterRepository {
	return &RosterRepository{pool: pool}
}

func (r *RosterRepository) RosterMembers(ctx context.Context, channelType model.ChannelType, refID string) ([]string, error) {
	defer logger.DeferLogDuration("roster.RosterMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM roster_members WHERE ref_type = $1 AND ref_id = $2 ORDER BY user_id`,
		string(channelType), refID)
	if err != nil {
		return nil, fmt.Errorf("rosterRepo.RosterMembers query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rosterRepo.RosterMembers scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rosterRepo.RosterMembers rows: %w", err)
	}
	return ids, nil
}
