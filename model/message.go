package model

import "time"

// Attachment is the metadata of a message attachment.
type Attachment struct {
	ID       string
	Filename string
	Size     int
}

// Message is the platform-neutral view of an inbound message handed to automod.
type Message struct {
	ID               string
	GuildID          string
	ChannelID        string
	AuthorID         string
	AuthorName       string
	AuthorBot        bool
	AuthorPrivileged bool // administrator or manage-messages
	MemberRoles      []string
	Content          string
	UserMentions     int
	RoleMentions     int
	MentionEveryone  bool
	Attachments      []Attachment
	Pinned           bool
	CreatedAt        time.Time
}

// MentionCount is the number of user and role mentions in the message.
func (m *Message) MentionCount() int {
	return m.UserMentions + m.RoleMentions
}

// MessageRef is a lightweight view of a message returned by history scans.
type MessageRef struct {
	ID        string
	AuthorID  string
	Pinned    bool
	CreatedAt time.Time
}
