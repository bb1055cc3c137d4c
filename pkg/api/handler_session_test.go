package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/models"
)

func TestSessionEndpoints(t *testing.T) {
	t.Run("creates a session", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
			"model": "gpt-4o",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var sess models.AgentSession
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
		assert.Equal(t, "loop", sess.EngineID)
		assert.Equal(t, models.SessionActive, sess.Status)
	})

	t.Run("model is required", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
			"engineId": "claude-code",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns the session with catch-up events", func(t *testing.T) {
		f := newFixture()
		sess, err := f.sessions.Create(context.Background(), "org-1", "", "gpt-4o")
		require.NoError(t, err)
		f.sessions.events[sess.ID] = []*models.SessionEvent{
			{SessionID: sess.ID, Seq: 1, EventType: models.SessionEventUserMessage},
			{SessionID: sess.ID, Seq: 2, EventType: models.SessionEventAgentFinal},
		}

		rec := f.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"?after_seq=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SessionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, sess.ID, resp.Session.ID)
		require.Len(t, resp.Events, 1)
		assert.Equal(t, models.SessionEventAgentFinal, resp.Events[0].EventType)
	})

	t.Run("closes a session", func(t *testing.T) {
		f := newFixture()
		sess, err := f.sessions.Create(context.Background(), "org-1", "", "gpt-4o")
		require.NoError(t, err)

		rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/close", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{sess.ID}, f.sessions.closed)
	})

	t.Run("unknown session is a 404", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/api/v1/sessions/ghost", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
