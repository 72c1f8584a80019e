package moderation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"discord-automod/audit"
	"discord-automod/jobs"
	"discord-automod/model"
	"discord-automod/platform/platformtest"
	"discord-automod/utils/database"
	"discord-automod/utils/database/dbtest"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	reqs []jobs.EnqueueRequest
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, req jobs.EnqueueRequest) (*model.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	data, _ := json.Marshal(req.Data)
	return &model.ScheduledJob{
		ID:           int64(len(r.reqs)),
		Type:         req.Type,
		GuildID:      req.GuildID,
		UserID:       req.UserID,
		InfractionID: req.InfractionID,
		RunAt:        req.RunAt,
		Data:         data,
	}, nil
}

func (r *recordingEnqueuer) requests() []jobs.EnqueueRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.EnqueueRequest(nil), r.reqs...)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTest(t *testing.T) (*sqlx.DB, *platformtest.Fake, *recordingEnqueuer, *Service) {
	db := dbtest.Open(t)
	fake := platformtest.New("bot")
	enq := &recordingEnqueuer{}
	s := NewService(db, fake, enq, audit.NewRecorder(db, nil, nil), nil)
	s.now = func() time.Time { return testNow }
	return db, fake, enq, s
}

func secs(n int64) *int64 { return &n }

func TestResolveAutoActionThresholds(t *testing.T) {
	thresholds := []model.WarnThreshold{
		{WarnCount: 5, Action: model.ActionBan},
		{WarnCount: 3, Action: model.ActionTimeout, DurationSeconds: secs(3600)},
	}
	want := map[int]*AutoAction{
		1: nil,
		2: nil,
		3: {Action: model.ActionTimeout, Duration: time.Hour},
		4: {Action: model.ActionTimeout, Duration: time.Hour},
		5: {Action: model.ActionBan},
	}
	for count, w := range want {
		assert.Equal(t, w, resolveAutoAction(thresholds, 0, count), "count=%d", count)
	}
}

func TestResolveAutoActionMaxWarnsFallback(t *testing.T) {
	assert.Nil(t, resolveAutoAction(nil, 3, 2))
	assert.Equal(t, &AutoAction{Action: model.ActionTimeout, Duration: 24 * time.Hour}, resolveAutoAction(nil, 3, 3))
	assert.Equal(t, &AutoAction{Action: model.ActionTimeout, Duration: 24 * time.Hour}, resolveAutoAction(nil, 3, 7))
	assert.Nil(t, resolveAutoAction(nil, 0, 50))

	// configured thresholds take over from max_warns
	thresholds := []model.WarnThreshold{{WarnCount: 10, Action: model.ActionKick}}
	assert.Nil(t, resolveAutoAction(thresholds, 3, 5))
}

func TestResolveAutoActionNormalizesThresholdActions(t *testing.T) {
	thresholds := []model.WarnThreshold{
		{WarnCount: 1, Action: "MUTE"},
		{WarnCount: 2, Action: model.ActionDelete},
	}
	assert.Equal(t, &AutoAction{Action: model.ActionTimeout, Duration: 24 * time.Hour}, resolveAutoAction(thresholds, 0, 1))
	assert.Nil(t, resolveAutoAction(thresholds, 0, 2))
}

func TestResolveAutoActionReadsGuildSettings(t *testing.T) {
	ctx := context.Background()
	db, _, _, s := setupTest(t)

	require.NoError(t, database.UpsertWarnThreshold(ctx, db, model.WarnThreshold{GuildID: "g1", WarnCount: 3, Action: model.ActionTimeout, DurationSeconds: secs(3600)}))
	require.NoError(t, database.UpsertWarnThreshold(ctx, db, model.WarnThreshold{GuildID: "g1", WarnCount: 5, Action: model.ActionBan}))

	for count := 1; count <= 5; count++ {
		got, err := s.ResolveAutoAction(ctx, "g1", count)
		require.NoError(t, err)
		switch {
		case count < 3:
			assert.Nil(t, got)
		case count < 5:
			assert.Equal(t, &AutoAction{Action: model.ActionTimeout, Duration: time.Hour}, got)
		default:
			assert.Equal(t, &AutoAction{Action: model.ActionBan}, got)
		}
	}

	got, err := s.ResolveAutoAction(ctx, "other", 100)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWarnEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	db, fake, enq, s := setupTest(t)
	require.NoError(t, database.UpsertWarnThreshold(ctx, db, model.WarnThreshold{GuildID: "g1", WarnCount: 2, Action: model.ActionTimeout, DurationSeconds: secs(3600)}))

	first, err := s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u1", ModeratorID: "mod", Reason: "rude"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.WarnCount)
	assert.Nil(t, first.AutoAction)
	assert.Nil(t, fake.Timeout("g1", "u1"))

	second, err := s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u1", ModeratorID: "mod", Reason: "rude again"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.WarnCount)
	require.NotNil(t, second.AutoAction)
	require.NoError(t, second.EscalationErr)
	require.NotNil(t, second.Escalation)

	esc := second.Escalation.Infraction
	assert.Equal(t, model.InfractionTimeout, esc.Type)
	assert.Equal(t, "bot", esc.ModeratorID)
	assert.True(t, esc.Context.Escalated)
	assert.Equal(t, 2, esc.Context.WarnCount)

	until := fake.Timeout("g1", "u1")
	require.NotNil(t, until)
	assert.True(t, until.Equal(testNow.Add(time.Hour)))

	reqs := enq.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.JobUntimeout, reqs[0].Type)
	assert.Equal(t, esc.ID, *reqs[0].InfractionID)

	cases, err := database.GetInfractionsByUser(ctx, db, "g1", "u1")
	require.NoError(t, err)
	assert.Len(t, cases, 3)

	warns, err := database.GetAuditEntries(ctx, db, "g1", "warn", 10)
	require.NoError(t, err)
	assert.Len(t, warns, 2)
	timeouts, err := database.GetAuditEntries(ctx, db, "g1", "timeout", 10)
	require.NoError(t, err)
	assert.Len(t, timeouts, 1)
}

func TestAutomodWarnsUnderTerminalPolicy(t *testing.T) {
	ctx := context.Background()
	db, fake, _, s := setupTest(t)

	cfg := model.DefaultGuildConfig("g1")
	cfg.EscalationPolicy = model.EscalationTerminal
	require.NoError(t, database.UpsertGuildConfig(ctx, db, cfg))
	require.NoError(t, database.UpsertWarnThreshold(ctx, db, model.WarnThreshold{GuildID: "g1", WarnCount: 1, Action: model.ActionKick}))

	res, err := s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u1", Automod: true, Context: model.InfractionContext{RuleID: 4}})
	require.NoError(t, err)
	assert.Nil(t, res.AutoAction)
	assert.Zero(t, fake.CallCount("KickMember"))
	assert.True(t, res.Infraction.Context.Automod)
	assert.Equal(t, "bot", res.Infraction.ModeratorID)

	res, err = s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u1", ModeratorID: "mod"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.WarnCount)
	require.NotNil(t, res.AutoAction)
	assert.Equal(t, 1, fake.CallCount("KickMember"))
}

func TestAutomodWarnsUnderSinglePolicyEscalate(t *testing.T) {
	ctx := context.Background()
	db, fake, _, s := setupTest(t)
	require.NoError(t, database.UpsertWarnThreshold(ctx, db, model.WarnThreshold{GuildID: "g1", WarnCount: 1, Action: model.ActionBan}))

	res, err := s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u1", Automod: true})
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	assert.True(t, res.Escalation.Infraction.Context.Automod)
	assert.True(t, fake.Banned("g1", "u1"))
	assert.Equal(t, 1, fake.CallCount("BanMember"))
}

func TestWarnEscalationRespectsGuard(t *testing.T) {
	ctx := context.Background()
	db, fake, enq, s := setupTest(t)
	require.NoError(t, database.UpsertWarnThreshold(ctx, db, model.WarnThreshold{GuildID: "g1", WarnCount: 1, Action: model.ActionBan}))

	var claimed []model.ActionType
	refuse := func(ctx context.Context, guildID, userID string, action model.ActionType) (func(), bool) {
		claimed = append(claimed, action)
		return nil, false
	}
	res, err := s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u1", Automod: true, Guard: refuse})
	require.NoError(t, err)
	require.NotNil(t, res.AutoAction)
	assert.Nil(t, res.Escalation)
	assert.ErrorIs(t, res.EscalationErr, ErrActionInProgress)
	assert.Equal(t, []model.ActionType{model.ActionBan}, claimed)
	assert.Zero(t, fake.CallCount("BanMember"))
	assert.Empty(t, enq.requests())

	released := false
	grant := func(ctx context.Context, guildID, userID string, action model.ActionType) (func(), bool) {
		return func() { released = true }, true
	}
	res, err = s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u2", Automod: true, Guard: grant})
	require.NoError(t, err)
	require.NoError(t, res.EscalationErr)
	require.NotNil(t, res.Escalation)
	assert.True(t, fake.Banned("g1", "u2"))
	assert.True(t, released)
}

func TestWarnDecayExcludesOldWarns(t *testing.T) {
	ctx := context.Background()
	db, _, _, s := setupTest(t)

	old := &model.Infraction{
		GuildID: "g1", UserID: "u1", ModeratorID: "mod", Type: model.InfractionWarn,
		Active: true, CreatedAt: testNow.AddDate(0, 0, -40),
	}
	require.NoError(t, database.InsertInfraction(ctx, db, old))

	res, err := s.Warn(ctx, WarnRequest{GuildID: "g1", UserID: "u1", ModeratorID: "mod"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.WarnCount)
}

func TestApplyLongTimeoutSchedulesReapply(t *testing.T) {
	ctx := context.Background()
	_, fake, enq, s := setupTest(t)

	res, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", ModeratorID: "mod", Action: model.ActionTimeout, Duration: 40 * 24 * time.Hour})
	require.NoError(t, err)

	until := fake.Timeout("g1", "u1")
	require.NotNil(t, until)
	assert.True(t, until.Equal(testNow.Add(model.MaxTimeout)))
	require.NotNil(t, res.Infraction.ExpiresAt)
	assert.True(t, res.Infraction.ExpiresAt.Equal(testNow.Add(40*24*time.Hour)))

	reqs := enq.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.JobReapplyTimeout, reqs[0].Type)
	assert.True(t, reqs[0].RunAt.Equal(testNow.Add(model.MaxTimeout-reapplyLead)))
	payload, ok := reqs[0].Data.(model.ReapplyTimeoutPayload)
	require.True(t, ok)
	assert.True(t, payload.EndsAt.Equal(testNow.Add(40*24*time.Hour)))
}

func TestApplyTimeoutRequiresDuration(t *testing.T) {
	ctx := context.Background()
	_, fake, _, s := setupTest(t)

	_, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionTimeout})
	assert.ErrorIs(t, err, model.ErrInvalidAction)
	assert.Zero(t, fake.CallCount("TimeoutMember"))
}

func TestApplyTemporaryBanSchedulesUnban(t *testing.T) {
	ctx := context.Background()
	_, fake, enq, s := setupTest(t)

	res, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", ModeratorID: "mod", Action: model.ActionBan, Duration: 7 * 24 * time.Hour})
	require.NoError(t, err)
	assert.True(t, fake.Banned("g1", "u1"))
	require.NotNil(t, res.Job)
	assert.Equal(t, model.JobUnban, res.Job.Type)
	assert.True(t, res.Job.RunAt.Equal(testNow.Add(7*24*time.Hour)))
	assert.Equal(t, res.Infraction.ID, *enq.requests()[0].InfractionID)
}

func TestApplyPermanentBanSchedulesNothing(t *testing.T) {
	ctx := context.Background()
	_, _, enq, s := setupTest(t)

	res, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionBan})
	require.NoError(t, err)
	assert.Nil(t, res.Job)
	assert.Nil(t, res.Infraction.ExpiresAt)
	assert.Empty(t, enq.requests())
}

func TestApplyKickIsInactive(t *testing.T) {
	ctx := context.Background()
	_, fake, _, s := setupTest(t)

	res, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionKick, Duration: time.Hour})
	require.NoError(t, err)
	assert.False(t, res.Infraction.Active)
	assert.Nil(t, res.Infraction.ExpiresAt)
	assert.Equal(t, 1, fake.CallCount("KickMember"))
}

func TestApplyMuteNeedsGuildRole(t *testing.T) {
	ctx := context.Background()
	db, fake, enq, s := setupTest(t)

	_, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionMute, Duration: time.Hour})
	assert.ErrorIs(t, err, model.ErrMissingMuteRole)
	assert.Zero(t, fake.CallCount("AddMemberRole"))

	cfg := model.DefaultGuildConfig("g1")
	cfg.MuteRoleID = "muted"
	require.NoError(t, database.UpsertGuildConfig(ctx, db, cfg))

	res, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionMute, Duration: time.Hour})
	require.NoError(t, err)
	assert.True(t, fake.HasRole("g1", "u1", "muted"))
	require.NotNil(t, res.Job)
	payload, ok := enq.requests()[0].Data.(model.UnmutePayload)
	require.True(t, ok)
	assert.Equal(t, "muted", payload.RoleID)
}

func TestApplyRefusedByPlatformLeavesNoCase(t *testing.T) {
	ctx := context.Background()
	db, fake, enq, s := setupTest(t)
	fake.FailOn("BanMember", model.ErrForbidden)

	_, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionBan, Duration: time.Hour})
	assert.ErrorIs(t, err, model.ErrForbidden)

	cases, err := database.GetInfractionsByUser(ctx, db, "g1", "u1")
	require.NoError(t, err)
	assert.Empty(t, cases)
	assert.Empty(t, enq.requests())
}

func TestApplyRejectsNonStatefulActions(t *testing.T) {
	_, _, _, s := setupTest(t)
	_, err := s.Apply(context.Background(), ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionDelete})
	assert.ErrorIs(t, err, model.ErrInvalidAction)
}

func TestRevokeLiftsBan(t *testing.T) {
	ctx := context.Background()
	db, fake, _, s := setupTest(t)

	res, err := s.Apply(ctx, ApplyRequest{GuildID: "g1", UserID: "u1", Action: model.ActionBan, Duration: time.Hour})
	require.NoError(t, err)

	inf, err := s.Revoke(ctx, res.Infraction.ID, "mod", "appeal accepted")
	require.NoError(t, err)
	assert.Equal(t, res.Infraction.ID, inf.ID)
	assert.False(t, fake.Banned("g1", "u1"))

	got, err := database.GetInfraction(ctx, db, inf.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RevokedAt)
	require.NotNil(t, got.RevokerID)
	assert.Equal(t, "mod", *got.RevokerID)

	_, err = s.Revoke(ctx, inf.ID, "mod", "again")
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
	assert.Equal(t, 1, fake.CallCount("UnbanMember"))

	entries, err := database.GetAuditEntries(ctx, db, "g1", audit.ActionRevoke, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
