package model

import (
	"context"
	"time"
)

// Permission bits the core checks for. Values match Discord's permission flags.
const (
	PermissionSendMessages   int64 = 1 << 11
	PermissionManageMessages int64 = 1 << 13
	PermissionAdministrator  int64 = 1 << 3
)

// MaxTimeout is the longest timeout the platform applies in one call.
// Longer timeouts are applied in segments.
const MaxTimeout = 28 * 24 * time.Hour

// OverwriteTypeRole and OverwriteTypeMember are the permission overwrite target kinds.
const (
	OverwriteTypeRole   = 0
	OverwriteTypeMember = 1
)

// PermissionOverwrite is a channel permission overwrite.
type PermissionOverwrite struct {
	TargetID string
	Type     int
	Allow    int64
	Deny     int64
}

// ChannelInfo is the subset of channel state the lockdown reversal needs.
type ChannelInfo struct {
	ID         string
	GuildID    string
	ParentID   string
	Overwrites []PermissionOverwrite
}

// Platform is the narrow chat-platform surface the core depends on.
// Implementations return errors wrapping ErrTargetGone or ErrForbidden where
// the platform reports a missing target or missing permission.
type Platform interface {
	BotUserID() string

	DeleteMessage(ctx context.Context, channelID, messageID string) error
	BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string) error
	RecentMessages(ctx context.Context, channelID, beforeID string, limit int) ([]MessageRef, error)

	TimeoutMember(ctx context.Context, guildID, userID string, until *time.Time, reason string) error
	KickMember(ctx context.Context, guildID, userID, reason string) error
	BanMember(ctx context.Context, guildID, userID, reason string, deleteMessageDays int) error
	UnbanMember(ctx context.Context, guildID, userID, reason string) error
	AddMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error

	SendDirectMessage(ctx context.Context, userID, content string) error
	SendChannelMessage(ctx context.Context, channelID, content string) error
	HasChannelPermission(ctx context.Context, channelID string, permission int64) (bool, error)

	Channel(ctx context.Context, channelID string) (*ChannelInfo, error)
	SetSlowmode(ctx context.Context, channelID string, seconds int) error
	SetPermissionOverwrite(ctx context.Context, channelID string, ow PermissionOverwrite) error
	DeletePermissionOverwrite(ctx context.Context, channelID, targetID string) error
}
