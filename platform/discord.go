// Package platform adapts the Discord REST API to model.Platform.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"discord-automod/model"

	"github.com/bwmarrin/discordgo"
)

// Discord implements model.Platform over a discordgo session.
type Discord struct {
	s *discordgo.Session
}

// NewDiscord wraps an opened session.
func NewDiscord(s *discordgo.Session) *Discord {
	return &Discord{s: s}
}

var _ model.Platform = (*Discord)(nil)

var goneCodes = map[int]bool{
	discordgo.ErrCodeUnknownChannel: true,
	discordgo.ErrCodeUnknownGuild:   true,
	discordgo.ErrCodeUnknownMember:  true,
	discordgo.ErrCodeUnknownMessage: true,
	discordgo.ErrCodeUnknownBan:     true,
	discordgo.ErrCodeUnknownRole:    true,
	discordgo.ErrCodeUnknownUser:    true,
}

var forbiddenCodes = map[int]bool{
	discordgo.ErrCodeMissingAccess:                true,
	discordgo.ErrCodeMissingPermissions:           true,
	discordgo.ErrCodeCannotSendMessagesToThisUser: true,
}

// classify wraps REST errors with the model sentinels callers branch on.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		code := 0
		if rest.Message != nil {
			code = rest.Message.Code
		}
		status := 0
		if rest.Response != nil {
			status = rest.Response.StatusCode
		}
		switch {
		case goneCodes[code], code == 0 && status == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, model.ErrTargetGone, err)
		case forbiddenCodes[code], code == 0 && status == http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, model.ErrForbidden, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func opts(ctx context.Context, reason string) []discordgo.RequestOption {
	o := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		o = append(o, discordgo.WithAuditLogReason(reason))
	}
	return o
}

func (d *Discord) BotUserID() string {
	if d.s.State != nil && d.s.State.User != nil {
		return d.s.State.User.ID
	}
	return ""
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return classify("delete message", d.s.ChannelMessageDelete(channelID, messageID, opts(ctx, "")...))
}

func (d *Discord) BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string) error {
	return classify("bulk delete messages", d.s.ChannelMessagesBulkDelete(channelID, messageIDs, opts(ctx, "")...))
}

func (d *Discord) RecentMessages(ctx context.Context, channelID, beforeID string, limit int) ([]model.MessageRef, error) {
	msgs, err := d.s.ChannelMessages(channelID, limit, beforeID, "", "", opts(ctx, "")...)
	if err != nil {
		return nil, classify("list messages", err)
	}
	out := make([]model.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		ref := model.MessageRef{ID: m.ID, Pinned: m.Pinned, CreatedAt: m.Timestamp}
		if m.Author != nil {
			ref.AuthorID = m.Author.ID
		}
		out = append(out, ref)
	}
	return out, nil
}

func (d *Discord) TimeoutMember(ctx context.Context, guildID, userID string, until *time.Time, reason string) error {
	return classify("timeout member", d.s.GuildMemberTimeout(guildID, userID, until, opts(ctx, reason)...))
}

func (d *Discord) KickMember(ctx context.Context, guildID, userID, reason string) error {
	return classify("kick member", d.s.GuildMemberDelete(guildID, userID, opts(ctx, reason)...))
}

func (d *Discord) BanMember(ctx context.Context, guildID, userID, reason string, deleteMessageDays int) error {
	return classify("ban member", d.s.GuildBanCreateWithReason(guildID, userID, reason, deleteMessageDays, opts(ctx, "")...))
}

func (d *Discord) UnbanMember(ctx context.Context, guildID, userID, reason string) error {
	return classify("unban member", d.s.GuildBanDelete(guildID, userID, opts(ctx, reason)...))
}

func (d *Discord) AddMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return classify("add role", d.s.GuildMemberRoleAdd(guildID, userID, roleID, opts(ctx, reason)...))
}

func (d *Discord) RemoveMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return classify("remove role", d.s.GuildMemberRoleRemove(guildID, userID, roleID, opts(ctx, reason)...))
}

func (d *Discord) SendDirectMessage(ctx context.Context, userID, content string) error {
	ch, err := d.s.UserChannelCreate(userID, opts(ctx, "")...)
	if err != nil {
		return classify("open DM channel", err)
	}
	_, err = d.s.ChannelMessageSend(ch.ID, content, opts(ctx, "")...)
	return classify("send DM", err)
}

func (d *Discord) SendChannelMessage(ctx context.Context, channelID, content string) error {
	_, err := d.s.ChannelMessageSend(channelID, content, opts(ctx, "")...)
	return classify("send message", err)
}

func (d *Discord) HasChannelPermission(ctx context.Context, channelID string, permission int64) (bool, error) {
	perms, err := d.s.UserChannelPermissions(d.BotUserID(), channelID, opts(ctx, "")...)
	if err != nil {
		return false, classify("channel permissions", err)
	}
	return perms&discordgo.PermissionAdministrator != 0 || perms&permission == permission, nil
}

func (d *Discord) Channel(ctx context.Context, channelID string) (*model.ChannelInfo, error) {
	ch, err := d.s.Channel(channelID, opts(ctx, "")...)
	if err != nil {
		return nil, classify("get channel", err)
	}
	info := &model.ChannelInfo{ID: ch.ID, GuildID: ch.GuildID, ParentID: ch.ParentID}
	for _, ow := range ch.PermissionOverwrites {
		info.Overwrites = append(info.Overwrites, model.PermissionOverwrite{
			TargetID: ow.ID,
			Type:     int(ow.Type),
			Allow:    ow.Allow,
			Deny:     ow.Deny,
		})
	}
	return info, nil
}

func (d *Discord) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	_, err := d.s.ChannelEdit(channelID, &discordgo.ChannelEdit{RateLimitPerUser: &seconds}, opts(ctx, "")...)
	return classify("set slowmode", err)
}

func (d *Discord) SetPermissionOverwrite(ctx context.Context, channelID string, ow model.PermissionOverwrite) error {
	err := d.s.ChannelPermissionSet(channelID, ow.TargetID, discordgo.PermissionOverwriteType(ow.Type), ow.Allow, ow.Deny, opts(ctx, "")...)
	return classify("set permission overwrite", err)
}

func (d *Discord) DeletePermissionOverwrite(ctx context.Context, channelID, targetID string) error {
	return classify("delete permission overwrite", d.s.ChannelPermissionDelete(channelID, targetID, opts(ctx, "")...))
}
