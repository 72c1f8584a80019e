package automod

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"discord-automod/model"
	"discord-automod/state"
)

func signal(kind string, r *compiledRule) string {
	return kind + ":" + strconv.FormatInt(r.ID, 10)
}

func windowSeconds(d time.Duration) int {
	return int(d / time.Second)
}

// evalSpam counts the author's messages in the guild within the window.
func evalSpam(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	window := e.window(r)
	sig := signal("spam", r)
	err := e.store.RecordEvent(ctx, state.Event{
		GuildID:   msg.GuildID,
		UserID:    msg.AuthorID,
		Signal:    sig,
		Payload:   msg.ID,
		Retention: window,
	})
	if err != nil {
		return nil, err
	}
	count, err := e.store.CountEvents(ctx, msg.GuildID, msg.AuthorID, sig, window)
	if err != nil {
		return nil, err
	}
	if count < r.threshold() {
		return nil, nil
	}
	return &model.Violation{
		Type: model.RuleSpam,
		Details: model.Evidence{
			"count":          count,
			"threshold":      r.threshold(),
			"window_seconds": windowSeconds(window),
		},
	}, nil
}

// evalChannelSpam counts the distinct channels the author posted in.
func evalChannelSpam(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	window := e.window(r)
	sig := signal("channels", r)
	err := e.store.RecordEvent(ctx, state.Event{
		GuildID:   msg.GuildID,
		UserID:    msg.AuthorID,
		Signal:    sig,
		Payload:   msg.ChannelID,
		Retention: window,
	})
	if err != nil {
		return nil, err
	}
	channels, err := e.store.CountDistinctPayloads(ctx, msg.GuildID, msg.AuthorID, sig, window)
	if err != nil {
		return nil, err
	}
	if channels < r.threshold() {
		return nil, nil
	}
	return &model.Violation{
		Type: model.RuleChannelSpam,
		Details: model.Evidence{
			"channels":       channels,
			"threshold":      r.threshold(),
			"window_seconds": windowSeconds(window),
		},
	}, nil
}

// evalMentionSpam matches one message with too many mentions at once, or a
// rolling mention total over the window.
func evalMentionSpam(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	mentions := msg.MentionCount()
	if mentions == 0 {
		return nil, nil
	}
	window := e.window(r)
	sig := signal("mentions", r)
	err := e.store.RecordEvent(ctx, state.Event{
		GuildID:   msg.GuildID,
		UserID:    msg.AuthorID,
		Signal:    sig,
		Payload:   strconv.Itoa(mentions),
		Retention: window,
	})
	if err != nil {
		return nil, err
	}
	if mentions >= r.threshold() {
		return &model.Violation{
			Type: model.RuleMentionSpam,
			Details: model.Evidence{
				"mentions":  mentions,
				"threshold": r.threshold(),
				"single":    true,
			},
		}, nil
	}

	total, err := e.store.SumPayloadCounts(ctx, msg.GuildID, msg.AuthorID, sig, window)
	if err != nil {
		return nil, fmt.Errorf("sum mentions: %w", err)
	}
	if total < r.threshold() {
		return nil, nil
	}
	return &model.Violation{
		Type: model.RuleMentionSpam,
		Details: model.Evidence{
			"mentions":       total,
			"threshold":      r.threshold(),
			"window_seconds": windowSeconds(window),
		},
	}, nil
}
