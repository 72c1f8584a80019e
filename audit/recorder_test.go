package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"discord-automod/model"
	"discord-automod/utils"
	"discord-automod/utils/database"
	"discord-automod/utils/database/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPersistsAndMirrors(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)

	got := make(chan utils.DiscordWebhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p utils.DiscordWebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- p
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := NewRecorder(db, utils.NewWebhookLogger(srv.URL, srv.Client()), nil)
	err := rec.Record(ctx, model.AuditEntry{
		GuildID:  "g1",
		ActorID:  "bot",
		Action:   string(model.InfractionBan),
		TargetID: "u1",
		Details:  model.Evidence{"infraction_id": 7},
	})
	require.NoError(t, err)

	entries, err := database.GetAuditEntries(ctx, db, "g1", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ban", entries[0].Action)
	assert.EqualValues(t, 7, entries[0].Details["infraction_id"])

	select {
	case p := <-got:
		require.Len(t, p.Embeds, 1)
		assert.Equal(t, "WARN Log", p.Embeds[0].Title)
		assert.Equal(t, "ban", p.Embeds[0].Fields[1].Value)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestRecordSurvivesWebhookFailure(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := NewRecorder(db, utils.NewWebhookLogger(srv.URL, srv.Client()), nil)
	require.NoError(t, rec.Record(ctx, model.AuditEntry{GuildID: "g1", Action: ActionJobFailed}))

	entries, err := database.GetAuditEntries(ctx, db, "g1", ActionJobFailed, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, utils.Error, levelOf(ActionJobFailed))
	assert.Equal(t, utils.Warn, levelOf(string(model.InfractionKick)))
	assert.Equal(t, utils.Warn, levelOf(ActionLockdownCategoryOn))
	assert.Equal(t, utils.Info, levelOf("warn"))
}
