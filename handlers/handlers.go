package handlers

import (
	"context"

	"discord-automod/bot"
	"discord-automod/model"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func Register(b *bot.Bot) {
	addHandlers(b)
}

func addHandlers(b *bot.Bot) {
	b.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.Log.Info("logged in",
			zap.String("user", s.State.User.Username),
			zap.Int("guilds", len(r.Guilds)))
	})
	b.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.GuildID == "" {
			return
		}
		msg := toMessage(m.Message)
		msg.AuthorPrivileged = isPrivileged(s, m.Message)

		ctx, cancel := context.WithTimeout(context.Background(), b.GetConfig().Automod.EvaluationTimeout)
		defer cancel()
		b.HandleMessage(ctx, msg)
	})
}

// toMessage converts a gateway message into the automod view of it.
func toMessage(m *discordgo.Message) *model.Message {
	msg := &model.Message{
		ID:              m.ID,
		GuildID:         m.GuildID,
		ChannelID:       m.ChannelID,
		Content:         m.Content,
		UserMentions:    len(m.Mentions),
		RoleMentions:    len(m.MentionRoles),
		MentionEveryone: m.MentionEveryone,
		Pinned:          m.Pinned,
		CreatedAt:       m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.AuthorBot = m.Author.Bot
	}
	if m.Member != nil {
		msg.MemberRoles = append([]string(nil), m.Member.Roles...)
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, model.Attachment{ID: a.ID, Filename: a.Filename, Size: a.Size})
	}
	return msg
}

// isPrivileged reports whether the author can manage messages in the
// channel. Unknown permissions count as unprivileged.
func isPrivileged(s *discordgo.Session, m *discordgo.Message) bool {
	if s.State == nil || m.Member == nil {
		return false
	}
	perms, err := s.State.MessagePermissions(m)
	if err != nil {
		return false
	}
	return privilegedPerms(perms)
}

func privilegedPerms(perms int64) bool {
	return perms&model.PermissionAdministrator != 0 || perms&model.PermissionManageMessages != 0
}
