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

// messageCols — колонки сообщения; данные отправителя берутся из снимка, без join с пользователями.
const messageCols = `id, channel_id, sender_id, content, content_type, thread_id, parent_message_id, mentioned_user_ids,
	sender_name, sender_email, sender_avatar, sender_role,
	edited_at, is_trashed, trashed_at, trashed_by, trash_reason, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Content, &m.ContentType, &m.ThreadID, &m.ParentMessageID, &m.MentionedUserIDs,
		&m.SenderName, &m.SenderEmail, &m.SenderAvatar, &m.SenderRole,
		&m.EditedAt, &m.IsTrashed, &m.TrashedAt, &m.TrashedBy, &m.TrashReason, &m.CreatedAt)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	mentions := m.MentionedUserIDs
	if mentions == nil {
		mentions = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, content, content_type, thread_id, parent_message_id, mentioned_user_ids,
		                       sender_name, sender_email, sender_avatar, sender_role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.ChannelID, m.SenderID, m.Content, m.ContentType, m.ThreadID, m.ParentMessageID, mentions,
		m.SenderName, m.SenderEmail, m.SenderAvatar, m.SenderRole, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	if err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id), m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// List — сообщения канала от старых к новым.
func (r *MessageRepository) List(ctx context.Context, channelID string, limit, offset int) ([]model.Message, int, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	return r.page(ctx, "msgRepo.List",
		`FROM messages WHERE channel_id = $1 AND NOT is_trashed`,
		`ORDER BY created_at ASC, id ASC`,
		[]any{channelID}, limit, offset)
}

// Search ищет подстроку без учёта регистра; новые сообщения первыми.
func (r *MessageRepository) Search(ctx context.Context, channelID, query string, limit, offset int) ([]model.Message, int, error) {
	defer logger.DeferLogDuration("msg.Search", time.Now())()
	return r.page(ctx, "msgRepo.Search",
		`FROM messages WHERE channel_id = $1 AND NOT is_trashed AND content ILIKE '%' || $2 || '%'`,
		`ORDER BY created_at DESC, id DESC`,
		[]any{channelID, EscapeLike(query)}, limit, offset)
}

// ListTrashed — корзина пользователя: удалённые им сообщения, свежие первыми.
func (r *MessageRepository) ListTrashed(ctx context.Context, trashedBy string, limit, offset int) ([]model.Message, int, error) {
	defer logger.DeferLogDuration("msg.ListTrashed", time.Now())()
	return r.page(ctx, "msgRepo.ListTrashed",
		`FROM messages WHERE is_trashed AND trashed_by = $1`,
		`ORDER BY trashed_at DESC, id DESC`,
		[]any{trashedBy}, limit, offset)
}

func (r *MessageRepository) page(ctx context.Context, op, from, order string, args []any, limit, offset int) ([]model.Message, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) `+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s count: %w", op, err)
	}
	n := len(args)
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s %s %s LIMIT $%d OFFSET $%d`, messageCols, from, order, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("%s query: %w", op, err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, 0, fmt.Errorf("%s scan: %w", op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s rows: %w", op, err)
	}
	return msgs, total, nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3`, content, at, id)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) Trash(ctx context.Context, id, actorID, reason string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("msg.Trash", time.Now())()
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_trashed = true, trashed_at = $1, trashed_by = $2, trash_reason = $3
		 WHERE id = $4 AND NOT is_trashed`,
		at, actorID, reasonArg, id)
	if err != nil {
		return false, fmt.Errorf("msgRepo.Trash: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *MessageRepository) Restore(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("msg.Restore", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_trashed = false, trashed_at = NULL, trashed_by = NULL, trash_reason = NULL
		 WHERE id = $1 AND is_trashed`, id)
	if err != nil {
		return false, fmt.Errorf("msgRepo.Restore: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *MessageRepository) AddAttachments(ctx context.Context, atts []model.Attachment) error {
	defer logger.DeferLogDuration("msg.AddAttachments", time.Now())()
	if len(atts) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(atts))
	for _, a := range atts {
		rows = append(rows, []any{a.ID, a.MessageID, a.FileName, a.URL, a.StorageKey, a.Size, a.MimeType, a.CreatedAt})
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"attachments"},
		[]string{"id", "message_id", "file_name", "url", "storage_key", "size", "mime_type", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("msgRepo.AddAttachments: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]model.Attachment, error) {
	defer logger.DeferLogDuration("msg.ListByMessages", time.Now())()
	out := make(map[string][]model.Attachment, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, message_id, file_name, url, storage_key, size, mime_type, created_at
		 FROM attachments WHERE message_id = ANY($1) ORDER BY created_at, id`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByMessages query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.URL, &a.StorageKey, &a.Size, &a.MimeType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByMessages scan: %w", err)
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByMessages rows: %w", err)
	}
	return out, nil
}

func (r *MessageRepository) UpsertReceipt(ctx context.Context, rc model.ReadReceipt) (bool, error) {
	defer logger.DeferLogDuration("msg.UpsertReceipt", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO read_receipts (message_id, user_id, read_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		rc.MessageID, rc.UserID, rc.ReadAt)
	if err != nil {
		return false, fmt.Errorf("msgRepo.UpsertReceipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepository) ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	defer logger.DeferLogDuration("msg.ListReceipts", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, read_at FROM read_receipts WHERE message_id = $1 ORDER BY read_at, user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListReceipts query: %w", err)
	}
	defer rows.Close()
	out := make([]model.ReadReceipt, 0, 8)
	for rows.Next() {
		var rc model.ReadReceipt
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.ReadAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListReceipts scan: %w", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListReceipts rows: %w", err)
	}
	return out, nil
}
