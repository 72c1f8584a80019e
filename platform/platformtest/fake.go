// Package platformtest provides an in-memory model.Platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"discord-automod/model"
)

// Call is one recorded platform call.
type Call struct {
	Method string
	Args   []string
}

// Fake records every call and keeps just enough state to answer reads.
// Errors registered with FailOn are returned by the matching method.
type Fake struct {
	mu sync.Mutex

	BotID string
	Calls []Call

	messages    map[string][]model.MessageRef
	deleted     map[string]bool
	channels    map[string]*model.ChannelInfo
	permissions map[string]int64
	errors      map[string]error

	Timeouts  map[string]*time.Time
	Bans      map[string]bool
	Roles     map[string]map[string]bool
	Slowmode  map[string]int
	DMs       map[string][]string
	Posts     map[string][]string
	Kicked    map[string]bool
}

// New returns an empty fake whose bot user id is botID.
func New(botID string) *Fake {
	return &Fake{
		BotID:       botID,
		messages:    map[string][]model.MessageRef{},
		deleted:     map[string]bool{},
		channels:    map[string]*model.ChannelInfo{},
		permissions: map[string]int64{},
		errors:      map[string]error{},
		Timeouts:    map[string]*time.Time{},
		Bans:        map[string]bool{},
		Roles:       map[string]map[string]bool{},
		Slowmode:    map[string]int{},
		DMs:         map[string][]string{},
		Posts:       map[string][]string{},
		Kicked:      map[string]bool{},
	}
}

var _ model.Platform = (*Fake)(nil)

func memberKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// FailOn makes method return err until cleared with a nil err.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errors, method)
		return
	}
	f.errors[method] = err
}

// AddMessage stores a message in the channel history.
func (f *Fake) AddMessage(channelID string, ref model.MessageRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := append(f.messages[channelID], ref)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	f.messages[channelID] = msgs
}

// SetChannel registers channel state.
func (f *Fake) SetChannel(ch *model.ChannelInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ID] = ch
}

// SetPermissions overrides the bot permissions in a channel. Channels
// without an override grant everything.
func (f *Fake) SetPermissions(channelID string, perms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions[channelID] = perms
}

// Deleted reports whether a message was removed.
func (f *Fake) Deleted(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[messageID]
}

// DeletedCount is the number of removed messages.
func (f *Fake) DeletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

// CallCount counts the recorded calls of method.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// HasRole reports whether the member holds the role.
func (f *Fake) HasRole(guildID, userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Roles[memberKey(guildID, userID)][roleID]
}

// Timeout returns the member's current timeout end, nil when none.
func (f *Fake) Timeout(guildID, userID string) *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Timeouts[memberKey(guildID, userID)]
}

// Banned reports whether the user is banned.
func (f *Fake) Banned(guildID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Bans[memberKey(guildID, userID)]
}

// DirectMessages returns the DMs sent to a user.
func (f *Fake) DirectMessages(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.DMs[userID]...)
}

// ChannelPosts returns the messages the bot posted in a channel.
func (f *Fake) ChannelPosts(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Posts[channelID]...)
}

// record must be called with f.mu held.
func (f *Fake) record(method string, args ...string) error {
	f.Calls = append(f.Calls, Call{Method: method, Args: args})
	return f.errors[method]
}

func (f *Fake) BotUserID() string {
	return f.BotID
}

func (f *Fake) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteMessage", channelID, messageID); err != nil {
		return err
	}
	if f.deleted[messageID] {
		return fmt.Errorf("message %s: %w", messageID, model.ErrTargetGone)
	}
	f.deleted[messageID] = true
	return nil
}

func (f *Fake) BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BulkDeleteMessages", append([]string{channelID}, messageIDs...)...); err != nil {
		return err
	}
	for _, id := range messageIDs {
		f.deleted[id] = true
	}
	return nil
}

func (f *Fake) RecentMessages(ctx context.Context, channelID, beforeID string, limit int) ([]model.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RecentMessages", channelID, beforeID); err != nil {
		return nil, err
	}
	msgs := f.messages[channelID]
	start := 0
	for i, m := range msgs {
		if m.ID == beforeID {
			start = i + 1
			break
		}
	}
	var out []model.MessageRef
	for _, m := range msgs[start:] {
		if f.deleted[m.ID] {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) TimeoutMember(ctx context.Context, guildID, userID string, until *time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("TimeoutMember", guildID, userID, reason); err != nil {
		return err
	}
	if until == nil {
		delete(f.Timeouts, memberKey(guildID, userID))
		return nil
	}
	t := *until
	f.Timeouts[memberKey(guildID, userID)] = &t
	return nil
}

func (f *Fake) KickMember(ctx context.Context, guildID, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("KickMember", guildID, userID, reason); err != nil {
		return err
	}
	f.Kicked[memberKey(guildID, userID)] = true
	return nil
}

func (f *Fake) BanMember(ctx context.Context, guildID, userID, reason string, deleteMessageDays int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BanMember", guildID, userID, reason); err != nil {
		return err
	}
	f.Bans[memberKey(guildID, userID)] = true
	return nil
}

func (f *Fake) UnbanMember(ctx context.Context, guildID, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UnbanMember", guildID, userID, reason); err != nil {
		return err
	}
	if !f.Bans[memberKey(guildID, userID)] {
		return fmt.Errorf("ban of %s: %w", userID, model.ErrTargetGone)
	}
	delete(f.Bans, memberKey(guildID, userID))
	return nil
}

func (f *Fake) AddMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddMemberRole", guildID, userID, roleID); err != nil {
		return err
	}
	key := memberKey(guildID, userID)
	if f.Roles[key] == nil {
		f.Roles[key] = map[string]bool{}
	}
	f.Roles[key][roleID] = true
	return nil
}

func (f *Fake) RemoveMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveMemberRole", guildID, userID, roleID); err != nil {
		return err
	}
	delete(f.Roles[memberKey(guildID, userID)], roleID)
	return nil
}

func (f *Fake) SendDirectMessage(ctx context.Context, userID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SendDirectMessage", userID); err != nil {
		return err
	}
	f.DMs[userID] = append(f.DMs[userID], content)
	return nil
}

func (f *Fake) SendChannelMessage(ctx context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SendChannelMessage", channelID); err != nil {
		return err
	}
	f.Posts[channelID] = append(f.Posts[channelID], content)
	return nil
}

func (f *Fake) HasChannelPermission(ctx context.Context, channelID string, permission int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("HasChannelPermission", channelID); err != nil {
		return false, err
	}
	perms, ok := f.permissions[channelID]
	if !ok {
		return true, nil
	}
	return perms&model.PermissionAdministrator != 0 || perms&permission == permission, nil
}

func (f *Fake) Channel(ctx context.Context, channelID string) (*model.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Channel", channelID); err != nil {
		return nil, err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, model.ErrTargetGone)
	}
	cp := *ch
	cp.Overwrites = append([]model.PermissionOverwrite(nil), ch.Overwrites...)
	return &cp, nil
}

func (f *Fake) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetSlowmode", channelID); err != nil {
		return err
	}
	f.Slowmode[channelID] = seconds
	return nil
}

func (f *Fake) SetPermissionOverwrite(ctx context.Context, channelID string, ow model.PermissionOverwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetPermissionOverwrite", channelID, ow.TargetID); err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, model.ErrTargetGone)
	}
	for i := range ch.Overwrites {
		if ch.Overwrites[i].TargetID == ow.TargetID {
			ch.Overwrites[i] = ow
			return nil
		}
	}
	ch.Overwrites = append(ch.Overwrites, ow)
	return nil
}

func (f *Fake) DeletePermissionOverwrite(ctx context.Context, channelID, targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeletePermissionOverwrite", channelID, targetID); err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, model.ErrTargetGone)
	}
	out := ch.Overwrites[:0]
	for _, o := range ch.Overwrites {
		if o.TargetID != targetID {
			out = append(out, o)
		}
	}
	ch.Overwrites = out
	return nil
}
