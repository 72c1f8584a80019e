package bot

import (
	"context"
	"fmt"
	"sync/atomic"

	"discord-automod/audit"
	"discord-automod/automod"
	"discord-automod/jobs"
	"discord-automod/model"
	"discord-automod/moderation"
	"discord-automod/platform"
	"discord-automod/state"
	"discord-automod/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Bot struct {
	Session    *discordgo.Session
	Platform   *platform.Discord
	Engine     *automod.Engine
	Moderation *moderation.Service
	Jobs       *jobs.Scheduler
	Audit      *audit.Recorder
	DB         *sqlx.DB
	Redis      *redis.Client
	Log        *zap.Logger

	config    atomic.Value // *model.Config
	scheduler *Scheduler
}

func (b *Bot) GetConfig() *model.Config {
	return b.config.Load().(*model.Config)
}

// New builds the session and every service on top of an open database and
// Redis client. Nothing talks to Discord until Run.
func New(cfg *model.Config, db *sqlx.DB, rdb *redis.Client, log *zap.Logger) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	// guild roles and channels are needed to tell privileged authors apart
	dg.StateEnabled = true

	p := platform.NewDiscord(dg)
	webhook := utils.NewWebhookLogger(cfg.LogWebhookURL, utils.NewRetryingHTTPClient(log))
	recorder := audit.NewRecorder(db, webhook, log)

	scheduler, err := jobs.New(db, p, recorder, cfg.Jobs, log)
	if err != nil {
		return nil, fmt.Errorf("create job scheduler: %w", err)
	}
	mod := moderation.NewService(db, p, scheduler, recorder, log)
	store := state.New(rdb, state.Options{Retention: cfg.Automod.StateRetention})
	shared := state.NewConfigCache(rdb, cfg.Automod.RuleCacheTTL)

	b := &Bot{
		Session:    dg,
		Platform:   p,
		Engine:     automod.NewEngine(db, store, shared, p, mod, recorder, cfg.Automod, log.Named("automod")),
		Moderation: mod,
		Jobs:       scheduler,
		Audit:      recorder,
		DB:         db,
		Redis:      rdb,
		Log:        log,
	}
	b.config.Store(cfg)
	b.scheduler = NewScheduler(b)
	return b, nil
}

// HandleMessage runs one inbound message through automod.
func (b *Bot) HandleMessage(ctx context.Context, msg *model.Message) {
	res, err := b.Engine.HandleMessage(ctx, msg)
	if err != nil {
		b.Log.Error("automod pass failed",
			zap.String("guild_id", msg.GuildID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	if res != nil && res.Acted {
		b.Log.Info("automod acted",
			zap.String("guild_id", msg.GuildID),
			zap.String("user_id", msg.AuthorID),
			zap.Int64("rule_id", res.RuleID),
			zap.String("violation", string(res.Violation.Type)),
			zap.Int("actions", len(res.Outcomes)))
	}
}

func (b *Bot) Close() {
	b.Log.Info("Gracefully shutting down.")
	b.scheduler.Stop()
	b.Jobs.Stop()
	if err := b.Session.Close(); err != nil {
		b.Log.Warn("failed to close session", zap.Error(err))
	}
	if err := b.Redis.Close(); err != nil {
		b.Log.Warn("failed to close redis", zap.Error(err))
	}
	if err := b.DB.Close(); err != nil {
		b.Log.Warn("failed to close database", zap.Error(err))
	}
	_ = b.Log.Sync()
}
