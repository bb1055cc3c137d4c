package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/agentloop"
	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/llm"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/store"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

type fakeSessionStore struct {
	sessions map[string]*models.AgentSession
	events   []models.SessionEvent
	pins     []string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]*models.AgentSession{}}
}

func (s *fakeSessionStore) CreateSession(_ context.Context, sess *models.AgentSession) error {
	s.sessions[sess.ID] = sess
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, _, sessionID string) (*models.AgentSession, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeSessionStore) CloseSession(_ context.Context, _, sessionID string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = models.SessionClosed
	return nil
}

func (s *fakeSessionStore) PinSessionExecutor(_ context.Context, _, sessionID, executorID, _ string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.PinnedExecutor = executorID
	s.pins = append(s.pins, executorID)
	return nil
}

func (s *fakeSessionStore) AppendSessionEvent(_ context.Context, ev *models.SessionEvent) (*models.SessionEvent, error) {
	ev.Seq = len(s.events) + 1
	s.events = append(s.events, *ev)
	return ev, nil
}

func (s *fakeSessionStore) ListSessionEventsAfter(_ context.Context, _, sessionID string, afterSeq int) ([]models.SessionEvent, error) {
	var out []models.SessionEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID && ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) HasSessionMessage(_ context.Context, _, sessionID, key string) (bool, error) {
	for _, ev := range s.events {
		if ev.SessionID != sessionID || ev.EventType != models.SessionEventUserMessage {
			continue
		}
		var payload struct {
			IdempotencyKey string `json:"idempotencyKey"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		if payload.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeSessionStore) eventTypes(sessionID string) []string {
	var types []string
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			types = append(types, ev.EventType)
		}
	}
	return types
}

type scriptedProvider struct {
	replies []string
}

func (p *scriptedProvider) Infer(_ context.Context, _ llm.Request) (*llm.Response, error) {
	reply := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return &llm.Response{Content: reply, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

type openPolicy struct{}

func (openPolicy) GetOrgSettings(_ context.Context, orgID string) (*models.OrgSettings, error) {
	return &models.OrgSettings{OrgID: orgID}, nil
}

func (openPolicy) ChargeCredits(context.Context, string, int64) error { return nil }

type sessionDispatcher struct {
	responses []*models.DispatchResponse
	requests  []*models.DispatchRequest
	err       error
}

func (d *sessionDispatcher) Dispatch(_ context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error) {
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	resp := d.responses[0]
	if len(d.responses) > 1 {
		d.responses = d.responses[1:]
	}
	return resp, nil
}

func newTestCore(st Store, provider llm.Provider, dispatcher Dispatcher) *Core {
	loop := agentloop.New(agentloop.NewToolset(), openPolicy{}, config.DefaultEngineConfig())
	providers := func(context.Context, string, workflow.ProviderConfig) (llm.Provider, error) {
		return provider, nil
	}
	return NewCore(st, loop, providers, dispatcher)
}

func collect(events *[]*models.SessionEvent) func(*models.SessionEvent) {
	return func(ev *models.SessionEvent) {
		*events = append(*events, ev)
	}
}

func TestCoreSend(t *testing.T) {
	ctx := context.Background()

	t.Run("loop session answers with agent_final", func(t *testing.T) {
		st := newFakeSessionStore()
		core := newTestCore(st, &scriptedProvider{replies: []string{
			`{"type":"final","output":"hello there"}`,
		}}, nil)

		sess, err := core.Create(ctx, "org-1", "", "gpt-4o")
		require.NoError(t, err)
		assert.Equal(t, EngineLoop, sess.EngineID)

		var emitted []*models.SessionEvent
		require.NoError(t, core.Send(ctx, "org-1", sess.ID, "hi", "k1", collect(&emitted)))

		assert.Equal(t, []string{
			models.SessionEventUserMessage,
			models.SessionEventAgentFinal,
		}, st.eventTypes(sess.ID))
		require.Len(t, emitted, 2)
		assert.JSONEq(t, `{"content":"hello there"}`, string(emitted[1].Payload))
	})

	t.Run("duplicate idempotency key is suppressed", func(t *testing.T) {
		st := newFakeSessionStore()
		core := newTestCore(st, &scriptedProvider{replies: []string{
			`{"type":"final","output":"once"}`,
		}}, nil)

		sess, err := core.Create(ctx, "org-1", "", "gpt-4o")
		require.NoError(t, err)

		require.NoError(t, core.Send(ctx, "org-1", sess.ID, "hi", "k1", nil))
		before := len(st.events)
		require.NoError(t, core.Send(ctx, "org-1", sess.ID, "hi", "k1", nil))
		assert.Len(t, st.events, before)
	})

	t.Run("closed session rejects sends", func(t *testing.T) {
		st := newFakeSessionStore()
		core := newTestCore(st, &scriptedProvider{replies: []string{`x`}}, nil)

		sess, err := core.Create(ctx, "org-1", "", "gpt-4o")
		require.NoError(t, err)
		require.NoError(t, core.Close(ctx, "org-1", sess.ID))

		err = core.Send(ctx, "org-1", sess.ID, "hi", "", nil)
		require.Error(t, err)
		assert.Equal(t, errs.CodeSessionClosed, errs.CodeOf(err))
	})

	t.Run("loop failure lands as error event", func(t *testing.T) {
		st := newFakeSessionStore()
		core := newTestCore(st, &scriptedProvider{replies: []string{"not an envelope"}}, nil)

		sess, err := core.Create(ctx, "org-1", "", "gpt-4o")
		require.NoError(t, err)

		require.NoError(t, core.Send(ctx, "org-1", sess.ID, "hi", "", nil))
		types := st.eventTypes(sess.ID)
		require.Len(t, types, 2)
		assert.Equal(t, models.SessionEventError, types[1])

		var payload map[string]string
		require.NoError(t, json.Unmarshal(st.events[len(st.events)-1].Payload, &payload))
		assert.Equal(t, errs.CodeInvalidAgentOutput, payload["code"])
	})

	t.Run("engine session dispatches and pins", func(t *testing.T) {
		st := newFakeSessionStore()
		d := &sessionDispatcher{responses: []*models.DispatchResponse{{
			Status:     models.ResultSucceeded,
			ExecutorID: "exec-1",
			Output:     json.RawMessage(`"engine says hi"`),
		}}}
		core := newTestCore(st, nil, d)

		sess, err := core.Create(ctx, "org-1", "claude-code", "sonnet")
		require.NoError(t, err)

		require.NoError(t, core.Send(ctx, "org-1", sess.ID, "review this", "", nil))

		require.Len(t, d.requests, 1)
		assert.Equal(t, models.DispatchAgentRun, d.requests[0].Kind)
		assert.Nil(t, d.requests[0].Selector)

		assert.Equal(t, []string{"exec-1"}, st.pins)
		assert.Equal(t, []string{
			models.SessionEventUserMessage,
			models.SessionEventAgentFinal,
		}, st.eventTypes(sess.ID))

		// The next send targets the pinned executor.
		d.responses = []*models.DispatchResponse{{
			Status: models.ResultSucceeded, ExecutorID: "exec-1",
			Output: json.RawMessage(`"again"`),
		}}
		require.NoError(t, core.Send(ctx, "org-1", sess.ID, "more", "", nil))
		require.Len(t, d.requests, 2)
		require.NotNil(t, d.requests[1].Selector)
		assert.Equal(t, "exec-1", d.requests[1].Selector.ExecutorID)
	})

	t.Run("engine dispatch failure lands as error event", func(t *testing.T) {
		st := newFakeSessionStore()
		d := &sessionDispatcher{err: errs.New(errs.CodeNoAgentAvailable, "nobody home")}
		core := newTestCore(st, nil, d)

		sess, err := core.Create(ctx, "org-1", "claude-code", "sonnet")
		require.NoError(t, err)

		require.NoError(t, core.Send(ctx, "org-1", sess.ID, "hi", "", nil))
		types := st.eventTypes(sess.ID)
		assert.Equal(t, models.SessionEventError, types[len(types)-1])
	})
}

func TestCoreJoin(t *testing.T) {
	ctx := context.Background()
	st := newFakeSessionStore()
	core := newTestCore(st, &scriptedProvider{replies: []string{
		`{"type":"final","output":"one"}`,
		`{"type":"final","output":"two"}`,
	}}, nil)

	sess, err := core.Create(ctx, "org-1", "", "gpt-4o")
	require.NoError(t, err)
	require.NoError(t, core.Send(ctx, "org-1", sess.ID, "first", "", nil))
	require.NoError(t, core.Send(ctx, "org-1", sess.ID, "second", "", nil))

	t.Run("replays everything from zero", func(t *testing.T) {
		got, events, err := core.Join(ctx, "org-1", sess.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Len(t, events, 4)
	})

	t.Run("replays only past the client's seq", func(t *testing.T) {
		_, events, err := core.Join(ctx, "org-1", sess.ID, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, 3, events[0].Seq)
	})

	t.Run("unknown session errors", func(t *testing.T) {
		_, _, err := core.Join(ctx, "org-1", "ghost", 0)
		require.Error(t, err)
	})
}
