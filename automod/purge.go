package automod

import (
	"context"
	"errors"
	"fmt"

	"discord-automod/model"

	"go.uber.org/zap"
)

const historyPageSize = 100

// purge removes the triggering message and the author's other recent
// messages in the channel that fall inside the rule window. It returns how
// many messages are gone.
func (r *Resolver) purge(ctx context.Context, rule *compiledRule, msg *model.Message, log *zap.Logger) (int, error) {
	ids, err := r.collectPurge(ctx, rule, msg)
	if err != nil {
		// history unreadable, still remove the trigger
		log.Warn("failed to scan channel history", zap.String("channel_id", msg.ChannelID), zap.Error(err))
		ids = []string{msg.ID}
	}

	if len(ids) >= 2 {
		err := r.platform.BulkDeleteMessages(ctx, msg.ChannelID, ids)
		if err == nil {
			purgedMessages.Add(float64(len(ids)))
			return len(ids), nil
		}
		log.Debug("bulk delete failed, deleting one by one", zap.Int("count", len(ids)), zap.Error(err))
	}

	deleted := 0
	var firstErr error
	for _, id := range ids {
		err := r.platform.DeleteMessage(ctx, msg.ChannelID, id)
		switch {
		case err == nil, errors.Is(err, model.ErrTargetGone):
			deleted++
		case firstErr == nil:
			firstErr = err
		}
	}
	purgedMessages.Add(float64(deleted))
	if deleted == 0 && firstErr != nil {
		return 0, fmt.Errorf("delete messages: %w", firstErr)
	}
	return deleted, nil
}

// collectPurge pages backwards through the channel until the window start,
// the page budget, or the purge limit is reached.
func (r *Resolver) collectPurge(ctx context.Context, rule *compiledRule, msg *model.Message) ([]string, error) {
	limit := r.cfg.PurgeLimit
	if limit <= 0 {
		limit = 1
	}
	pages := r.cfg.PurgePages
	if pages <= 0 {
		pages = 1
	}
	cutoff := msg.CreatedAt.Add(-rule.Window(DefaultWindow))

	ids := []string{msg.ID}
	seen := map[string]bool{msg.ID: true}
	before := ""
	for page := 0; page < pages && len(ids) < limit; page++ {
		refs, err := r.platform.RecentMessages(ctx, msg.ChannelID, before, historyPageSize)
		if err != nil {
			return ids, err
		}
		reachedCutoff := false
		for _, ref := range refs {
			if !msg.CreatedAt.IsZero() && ref.CreatedAt.Before(cutoff) {
				reachedCutoff = true
				break
			}
			if ref.AuthorID != msg.AuthorID || ref.Pinned || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			ids = append(ids, ref.ID)
			if len(ids) >= limit {
				break
			}
		}
		if reachedCutoff || len(refs) < historyPageSize {
			break
		}
		before = refs[len(refs)-1].ID
	}
	return ids, nil
}
