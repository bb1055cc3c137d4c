package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/models"
)

func route(id string, mutate ...func(*models.ExecutorRoute)) *models.ExecutorRoute {
	r := &models.ExecutorRoute{
		ExecutorID:  id,
		Pool:        models.PoolBYON,
		OrgID:       "org-1",
		MaxInFlight: 4,
		Kinds: []string{
			models.DispatchConnectorAction,
			models.DispatchAgentExecute,
			models.DispatchAgentRun,
		},
	}
	for _, m := range mutate {
		m(r)
	}
	return r
}

func TestMatchRoute(t *testing.T) {
	t.Run("org binding is strict", func(t *testing.T) {
		r := route("e1")
		assert.True(t, matchRoute(r, nil, models.DispatchConnectorAction, "org-1"))
		assert.False(t, matchRoute(r, nil, models.DispatchConnectorAction, "org-2"))
	})

	t.Run("kind must be advertised", func(t *testing.T) {
		r := route("e1", func(r *models.ExecutorRoute) {
			r.Kinds = []string{models.DispatchConnectorAction}
		})
		assert.True(t, matchRoute(r, nil, models.DispatchConnectorAction, "org-1"))
		assert.False(t, matchRoute(r, nil, models.DispatchAgentRun, "org-1"))
	})

	t.Run("selector constraints", func(t *testing.T) {
		r := route("e1", func(r *models.ExecutorRoute) {
			r.Pool = models.PoolManaged
			r.Labels = map[string]string{"gpu": "true", "zone": "eu"}
			r.Group = "g1"
			r.Tag = "canary"
		})

		ok := matchRoute(r, &models.ExecutorSelector{
			Pool:   models.PoolManaged,
			Labels: map[string]string{"gpu": "true"},
			Group:  "g1",
		}, models.DispatchConnectorAction, "org-1")
		assert.True(t, ok)

		assert.False(t, matchRoute(r, &models.ExecutorSelector{Pool: models.PoolBYON},
			models.DispatchConnectorAction, "org-1"))
		assert.False(t, matchRoute(r, &models.ExecutorSelector{Labels: map[string]string{"gpu": "false"}},
			models.DispatchConnectorAction, "org-1"))
		assert.False(t, matchRoute(r, &models.ExecutorSelector{Tag: "stable"},
			models.DispatchConnectorAction, "org-1"))
		assert.False(t, matchRoute(r, &models.ExecutorSelector{ExecutorID: "e2"},
			models.DispatchConnectorAction, "org-1"))
	})
}

func TestRankRoutes(t *testing.T) {
	t.Run("specialization wins", func(t *testing.T) {
		generalist := route("general")
		specialist := route("special", func(r *models.ExecutorRoute) {
			r.Kinds = []string{models.DispatchConnectorAction}
		})

		got := selectCandidates([]*models.ExecutorRoute{generalist, specialist},
			nil, models.DispatchConnectorAction, "org-1", nil)
		require.Len(t, got, 2)
		assert.Equal(t, "special", got[0].ExecutorID)
	})

	t.Run("fewest in-flight breaks specialization ties", func(t *testing.T) {
		busy := route("busy")
		idle := route("idle")
		inFlight := map[string]int{"busy": 3, "idle": 0}

		got := selectCandidates([]*models.ExecutorRoute{busy, idle},
			nil, models.DispatchAgentRun, "org-1", inFlight)
		require.Len(t, got, 2)
		assert.Equal(t, "idle", got[0].ExecutorID)
	})

	t.Run("lru breaks in-flight ties", func(t *testing.T) {
		recent := route("recent", func(r *models.ExecutorRoute) { r.LastUsedAtMs = 2000 })
		stale := route("stale", func(r *models.ExecutorRoute) { r.LastUsedAtMs = 1000 })

		got := selectCandidates([]*models.ExecutorRoute{recent, stale},
			nil, models.DispatchAgentRun, "org-1", nil)
		require.Len(t, got, 2)
		assert.Equal(t, "stale", got[0].ExecutorID)
	})

	t.Run("executor id is the final stable tie-break", func(t *testing.T) {
		b := route("b")
		a := route("a")

		got := selectCandidates([]*models.ExecutorRoute{b, a},
			nil, models.DispatchAgentRun, "org-1", nil)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ExecutorID)
	})

	t.Run("no matches yields empty", func(t *testing.T) {
		got := selectCandidates([]*models.ExecutorRoute{route("e1")},
			nil, models.DispatchAgentRun, "org-other", nil)
		assert.Empty(t, got)
	})
}
