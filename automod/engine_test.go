package automod

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"discord-automod/audit"
	"discord-automod/jobs"
	"discord-automod/model"
	"discord-automod/moderation"
	"discord-automod/platform/platformtest"
	"discord-automod/state"
	"discord-automod/utils/database"
	"discord-automod/utils/database/dbtest"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGuild = "g1"

type testEnv struct {
	db     *sqlx.DB
	rdb    *redis.Client
	fake   *platformtest.Fake
	engine *Engine
}

func setupEngine(t *testing.T) *testEnv {
	db := dbtest.Open(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newEnv(t, db, rdb)
}

// newEnv builds one bot process on top of a shared database and Redis.
func newEnv(t *testing.T, db *sqlx.DB, rdb *redis.Client) *testEnv {
	fake := platformtest.New("bot")
	rec := audit.NewRecorder(db, nil, nil)
	sched, err := jobs.New(db, fake, rec, model.JobsConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(sched.Stop)

	store := state.New(rdb, state.Options{})
	shared := state.NewConfigCache(rdb, time.Minute)
	mod := moderation.NewService(db, fake, sched, rec, nil)
	return &testEnv{
		db:     db,
		rdb:    rdb,
		fake:   fake,
		engine: NewEngine(db, store, shared, fake, mod, rec, model.AutomodConfig{}, nil),
	}
}

func (e *testEnv) addRule(t *testing.T, r model.Rule) model.Rule {
	t.Helper()
	r.GuildID = testGuild
	r.Enabled = true
	if r.Name == "" {
		r.Name = string(r.Type)
	}
	require.NoError(t, database.InsertRule(context.Background(), e.db, &r))
	return r
}

// post adds the message to channel history and runs it through automod.
func (e *testEnv) post(t *testing.T, id, userID, content string) *Result {
	t.Helper()
	msg := &model.Message{
		ID:        id,
		GuildID:   testGuild,
		ChannelID: "chan",
		AuthorID:  userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	e.fake.AddMessage(msg.ChannelID, model.MessageRef{ID: id, AuthorID: userID, CreatedAt: msg.CreatedAt})
	res, err := e.engine.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	return res
}

func (e *testEnv) infractions(t *testing.T, userID string) []model.Infraction {
	t.Helper()
	out, err := database.GetInfractionsByUser(context.Background(), e.db, testGuild, userID)
	require.NoError(t, err)
	return out
}

func (e *testEnv) audits(t *testing.T, action string) []model.AuditEntry {
	t.Helper()
	out, err := database.GetAuditEntries(context.Background(), e.db, testGuild, action, 100)
	require.NoError(t, err)
	return out
}

func TestSpamBurstWarnsOnce(t *testing.T) {
	env := setupEngine(t)
	env.addRule(t, model.Rule{
		Type:          model.RuleSpam,
		Threshold:     5,
		WindowSeconds: 5,
		Actions:       model.ActionList{model.ActionDelete, model.ActionWarn},
	})

	for i := 1; i <= 4; i++ {
		assert.Nil(t, env.post(t, fmt.Sprintf("m%d", i), "spammer", "buy now"))
	}
	res := env.post(t, "m5", "spammer", "buy now")
	require.NotNil(t, res)
	assert.True(t, res.Acted)
	assert.False(t, res.Cooldown)
	assert.True(t, res.Deleted)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, model.ActionDelete, res.Outcomes[0].Action)
	assert.Equal(t, 5, res.Outcomes[0].Deleted)
	assert.Equal(t, model.ActionWarn, res.Outcomes[1].Action)
	assert.True(t, res.Outcomes[1].Success)
	assert.Equal(t, 5, env.fake.DeletedCount())

	// same violation again inside the cooldown only removes the message
	res = env.post(t, "m6", "spammer", "buy now")
	require.NotNil(t, res)
	assert.False(t, res.Acted)
	assert.True(t, res.Cooldown)
	assert.True(t, env.fake.Deleted("m6"))

	infs := env.infractions(t, "spammer")
	require.Len(t, infs, 1)
	assert.Equal(t, model.InfractionWarn, infs[0].Type)
	assert.Equal(t, "bot", infs[0].ModeratorID)
	assert.True(t, infs[0].Context.Automod)
	assert.Equal(t, model.RuleSpam, infs[0].Context.ViolationType)

	assert.Len(t, env.audits(t, "warn"), 1)
	assert.Len(t, env.audits(t, audit.ActionAutomodViolation), 1)

	recs, err := database.GetViolationRecords(context.Background(), env.db, testGuild, "spammer")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, model.ActionDelete, recs[0].Action)
	assert.Equal(t, model.ActionWarn, recs[1].Action)
	// the cooldown delete is persisted too
	assert.Equal(t, model.ActionDelete, recs[2].Action)
	assert.Equal(t, "m6", recs[2].MessageID)
	assert.True(t, recs[2].Success)

	assert.Len(t, env.fake.DirectMessages("spammer"), 1)
	assert.Len(t, env.fake.ChannelPosts("chan"), 1)
}

func TestConcurrentDuplicatesActOnce(t *testing.T) {
	env := setupEngine(t)
	env.addRule(t, model.Rule{
		Type:    model.RuleKeyword,
		Pattern: "forbidden",
		Actions: model.ActionList{model.ActionDelete, model.ActionWarn},
	})

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("dup%d", i)
		env.fake.AddMessage("chan", model.MessageRef{ID: id, AuthorID: "u", CreatedAt: time.Now().UTC()})
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := env.engine.HandleMessage(context.Background(), &model.Message{
				ID: id, GuildID: testGuild, ChannelID: "chan", AuthorID: "u",
				Content: "the forbidden word", CreatedAt: time.Now().UTC(),
			})
			assert.NoError(t, err)
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	acted, cooled := 0, 0
	for i, res := range results {
		require.NotNil(t, res)
		if res.Acted {
			acted++
		}
		if res.Cooldown {
			cooled++
		}
		assert.True(t, env.fake.Deleted(fmt.Sprintf("dup%d", i)))
	}
	assert.Equal(t, 1, acted)
	assert.Equal(t, n-1, cooled)
	assert.Len(t, env.infractions(t, "u"), 1)
}

func TestCooldownFallsThroughToNextRule(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertWarnThreshold(ctx, env.db, model.WarnThreshold{
		GuildID: testGuild, WarnCount: 2, Action: model.ActionTimeout, DurationSeconds: ptr(int64(3600)),
	}))
	env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "spoiler", Priority: 10, Actions: model.ActionList{model.ActionWarn}})
	env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "spoiler", Priority: 1, Actions: model.ActionList{model.ActionWarn}})

	first := env.post(t, "a", "u", "spoiler alert")
	require.NotNil(t, first)
	assert.True(t, first.Acted)

	second := env.post(t, "b", "u", "another spoiler")
	require.NotNil(t, second)
	assert.True(t, second.Acted)
	assert.NotEqual(t, first.RuleID, second.RuleID)

	require.Len(t, second.Outcomes, 2)
	esc := second.Outcomes[1]
	assert.Equal(t, model.ActionTimeout, esc.Action)
	assert.True(t, esc.Escalated)
	assert.True(t, esc.Success)
	require.NotNil(t, env.fake.Timeout(testGuild, "u"))

	pending, err := database.GetJobsByType(ctx, env.db, model.JobUntimeout)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Len(t, env.infractions(t, "u"), 3)
}

func TestEscalationAndRuleActionShareLock(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertWarnThreshold(ctx, env.db, model.WarnThreshold{
		GuildID: testGuild, WarnCount: 1, Action: model.ActionTimeout, DurationSeconds: ptr(int64(3600)),
	}))
	env.addRule(t, model.Rule{
		Type:            model.RuleKeyword,
		Pattern:         "forbidden",
		Actions:         model.ActionList{model.ActionWarn, model.ActionTimeout},
		DurationSeconds: 600,
	})

	before := time.Now()
	res := env.post(t, "m", "u", "the forbidden word")
	require.NotNil(t, res)
	require.Len(t, res.Outcomes, 3)

	esc := res.Outcomes[1]
	assert.Equal(t, model.ActionTimeout, esc.Action)
	assert.True(t, esc.Escalated)
	assert.True(t, esc.Success)

	rule := res.Outcomes[2]
	assert.Equal(t, model.ActionTimeout, rule.Action)
	assert.True(t, rule.Skipped)
	assert.False(t, rule.Success)

	assert.Equal(t, 1, env.fake.CallCount("TimeoutMember"))
	until := env.fake.Timeout(testGuild, "u")
	require.NotNil(t, until)
	assert.WithinDuration(t, before.Add(time.Hour), *until, 5*time.Second)

	timeouts := 0
	for _, inf := range env.infractions(t, "u") {
		if inf.Type == model.InfractionTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)
	pending, err := database.GetJobsByType(ctx, env.db, model.JobUntimeout)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEscalationSkippedWhileActionLocked(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertWarnThreshold(ctx, env.db, model.WarnThreshold{
		GuildID: testGuild, WarnCount: 1, Action: model.ActionBan,
	}))
	env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "forbidden", Actions: model.ActionList{model.ActionWarn}})

	// another rule is banning the same member right now
	store := state.New(env.rdb, state.Options{})
	lock, ok, err := store.TryAcquireLock(ctx, testGuild, "u", "action:ban", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = lock.Release(ctx) }()

	res := env.post(t, "m", "u", "the forbidden word")
	require.NotNil(t, res)
	require.Len(t, res.Outcomes, 2)
	assert.True(t, res.Outcomes[0].Success)
	esc := res.Outcomes[1]
	assert.Equal(t, model.ActionBan, esc.Action)
	assert.True(t, esc.Escalated)
	assert.True(t, esc.Skipped)
	assert.Zero(t, env.fake.CallCount("BanMember"))
	assert.False(t, env.fake.Banned(testGuild, "u"))
}

func TestTimeoutActionDefaultsToTenMinutes(t *testing.T) {
	env := setupEngine(t)
	env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "raid", Actions: model.ActionList{"mute"}})

	before := time.Now()
	res := env.post(t, "m", "u", "raid time")
	require.NotNil(t, res)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, model.ActionTimeout, res.Outcomes[0].Action)
	assert.True(t, res.Outcomes[0].Success)

	until := env.fake.Timeout(testGuild, "u")
	require.NotNil(t, until)
	assert.WithinDuration(t, before.Add(defaultAutomodTimeout), *until, 5*time.Second)
}

func TestFailedActionIsRecorded(t *testing.T) {
	env := setupEngine(t)
	env.fake.FailOn("BanMember", fmt.Errorf("ban: %w", model.ErrForbidden))
	env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "scam", Actions: model.ActionList{model.ActionBan}})

	res := env.post(t, "m", "u", "scam link")
	require.NotNil(t, res)
	assert.True(t, res.Acted)
	require.Len(t, res.Outcomes, 1)
	assert.False(t, res.Outcomes[0].Success)
	assert.Contains(t, res.Outcomes[0].Error, "missing permissions")

	recs, err := database.GetViolationRecords(context.Background(), env.db, testGuild, "u")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Empty(t, env.infractions(t, "u"))
	// nothing succeeded, so nobody is told
	assert.Empty(t, env.fake.DirectMessages("u"))
}

func TestPurgeScope(t *testing.T) {
	env := setupEngine(t)
	env.addRule(t, model.Rule{
		Type: model.RuleKeyword, Pattern: "flood", WindowSeconds: 30,
		Actions: model.ActionList{model.ActionDelete},
	})
	now := time.Now().UTC()
	env.fake.AddMessage("chan", model.MessageRef{ID: "old", AuthorID: "u", CreatedAt: now.Add(-time.Hour)})
	env.fake.AddMessage("chan", model.MessageRef{ID: "recent", AuthorID: "u", CreatedAt: now.Add(-10 * time.Second)})
	env.fake.AddMessage("chan", model.MessageRef{ID: "pinned", AuthorID: "u", Pinned: true, CreatedAt: now.Add(-5 * time.Second)})
	env.fake.AddMessage("chan", model.MessageRef{ID: "other", AuthorID: "someone", CreatedAt: now.Add(-2 * time.Second)})

	res := env.post(t, "trigger", "u", "flood")
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Outcomes[0].Deleted)
	assert.True(t, env.fake.Deleted("trigger"))
	assert.True(t, env.fake.Deleted("recent"))
	assert.False(t, env.fake.Deleted("old"))
	assert.False(t, env.fake.Deleted("pinned"))
	assert.False(t, env.fake.Deleted("other"))
}

func TestPurgeFallsBackToSingleDeletes(t *testing.T) {
	env := setupEngine(t)
	env.fake.FailOn("BulkDeleteMessages", fmt.Errorf("bulk: %w", model.ErrForbidden))
	env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "flood", Actions: model.ActionList{model.ActionDelete}})
	env.fake.AddMessage("chan", model.MessageRef{ID: "earlier", AuthorID: "u", CreatedAt: time.Now().UTC().Add(-time.Second)})

	res := env.post(t, "trigger", "u", "flood")
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Outcomes[0].Deleted)
	assert.Equal(t, 2, env.fake.CallCount("DeleteMessage"))
}

func TestSkippedMessages(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	env.addRule(t, model.Rule{
		Type: model.RuleKeyword, Pattern: "bad",
		ExemptChannels: model.StringList{"exempt-chan"},
		ExemptRoles:    model.StringList{"trusted"},
		Actions:        model.ActionList{model.ActionDelete},
	})

	base := model.Message{ID: "m", GuildID: testGuild, ChannelID: "chan", AuthorID: "u", Content: "bad"}
	cases := map[string]func(m *model.Message){
		"bot author":     func(m *model.Message) { m.AuthorBot = true },
		"privileged":     func(m *model.Message) { m.AuthorPrivileged = true },
		"direct message": func(m *model.Message) { m.GuildID = "" },
		"exempt channel": func(m *model.Message) { m.ChannelID = "exempt-chan" },
		"exempt role":    func(m *model.Message) { m.MemberRoles = []string{"x", "trusted"} },
	}
	for name, mutate := range cases {
		msg := base
		mutate(&msg)
		res, err := env.engine.HandleMessage(ctx, &msg)
		require.NoError(t, err, name)
		assert.Nil(t, res, name)
	}
	assert.Zero(t, env.fake.DeletedCount())

	cfg := model.DefaultGuildConfig(testGuild)
	cfg.AutomodEnabled = false
	require.NoError(t, database.UpsertGuildConfig(ctx, env.db, cfg))
	require.NoError(t, env.engine.InvalidateGuildConfig(ctx, testGuild))
	assert.Nil(t, env.post(t, "m2", "u", "bad"))
}

func TestNoticesFollowGuildSettings(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	cfg := model.DefaultGuildConfig(testGuild)
	cfg.DMOnAction = false
	require.NoError(t, database.UpsertGuildConfig(ctx, env.db, cfg))
	env.fake.SetPermissions("chan", model.PermissionManageMessages)
	env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "bad", Actions: model.ActionList{model.ActionDelete}})

	require.NotNil(t, env.post(t, "m", "u", "bad"))
	assert.Empty(t, env.fake.DirectMessages("u"))
	assert.Empty(t, env.fake.ChannelPosts("chan"), "bot cannot send here")
	assert.Equal(t, 1, env.fake.CallCount("HasChannelPermission"))
}

func TestInvalidateReloadsRules(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	rule := env.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "bad", Actions: model.ActionList{model.ActionDelete}})

	require.NotNil(t, env.post(t, "m1", "u1", "bad"))
	require.NoError(t, database.SetRuleEnabled(ctx, env.db, rule.ID, false))
	// still cached
	require.NotNil(t, env.post(t, "m2", "u2", "bad"))

	require.NoError(t, env.engine.InvalidateGuildConfig(ctx, testGuild))
	assert.Nil(t, env.post(t, "m3", "u3", "bad"))
}

func TestInvalidationReachesOtherProcesses(t *testing.T) {
	a := setupEngine(t)
	b := newEnv(t, a.db, a.rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeSub, err := b.engine.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = closeSub() }()

	a.addRule(t, model.Rule{Type: model.RuleKeyword, Pattern: "bad", Actions: model.ActionList{model.ActionDelete}})
	require.NotNil(t, b.post(t, "m1", "u1", "bad"))
	_, cached := b.engine.rules.local.Get(testGuild)
	require.True(t, cached)

	require.NoError(t, a.engine.InvalidateGuildConfig(ctx, testGuild))
	assert.Eventually(t, func() bool {
		_, ok := b.engine.rules.local.Get(testGuild)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func ptr[T any](v T) *T { return &v }
