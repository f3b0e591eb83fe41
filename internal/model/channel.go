package model

import "time"

type ChannelType string

const (
	ChannelTypeDirect        ChannelType = "direct"
	ChannelTypeGroup         ChannelType = "group"
	ChannelTypeDepartment    ChannelType = "department"
	ChannelTypeProject       ChannelType = "project"
	ChannelTypeClientSupport ChannelType = "client_support"
)

// Valid сообщает, известен ли тип канала.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelTypeDirect, ChannelTypeGroup, ChannelTypeDepartment, ChannelTypeProject, ChannelTypeClientSupport:
		return true
	}
	return false
}

// MirrorsRoster — состав канала при создании копируется из отдела/проекта.
func (t ChannelType) MirrorsRoster() bool {
	return t == ChannelTypeDepartment || t == ChannelTypeProject
}

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// CanModerate — владелец и администратор канала могут писать в admin-only каналы и удалять чужие сообщения.
func (r MemberRole) CanModerate() bool {
	return r == RoleOwner || r == RoleAdmin
}

type NotificationPref string

const (
	NotifyAll      NotificationPref = "all"
	NotifyMentions NotificationPref = "mentions"
	NotifyNone     NotificationPref = "none"
)

func (p NotificationPref) Valid() bool {
	return p == NotifyAll || p == NotifyMentions || p == NotifyNone
}

type Channel struct {
	ID             string      `json:"id"`
	Type           ChannelType `json:"type"`
	Name           string      `json:"name"`
	RefID          string      `json:"ref_id,omitempty"`
	AdminOnlyPost  bool        `json:"admin_only_post"`
	CreatedBy      string      `json:"created_by"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

type ChannelMember struct {
	ChannelID        string           `json:"channel_id"`
	UserID           string           `json:"user_id"`
	Role             MemberRole       `json:"role"`
	LastReadAt       time.Time        `json:"last_read_at"`
	Muted            bool             `json:"muted"`
	NotificationPref NotificationPref `json:"notification_pref"`
	UnreadCount      int              `json:"unread_count"`
	JoinedAt         time.Time        `json:"joined_at"`
}

// ChannelSummary — канал в списке пользователя вместе с его счётчиком непрочитанных.
type ChannelSummary struct {
	Channel
	Role        MemberRole `json:"role"`
	UnreadCount int        `json:"unread_count"`
	Muted       bool       `json:"muted"`
}
