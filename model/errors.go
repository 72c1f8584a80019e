package model

import "errors"

var (
	// ErrTargetGone means the guild, member, channel, role or ban no longer exists.
	ErrTargetGone = errors.New("target no longer exists")
	// ErrForbidden means the bot lacks the platform permission for the call.
	ErrForbidden = errors.New("missing permissions")
	// ErrInvalidAction is returned for unknown action tokens.
	ErrInvalidAction = errors.New("invalid action")
	// ErrMissingMuteRole is returned when a mute is requested but the guild has no mute role.
	ErrMissingMuteRole = errors.New("guild has no mute role configured")
)
