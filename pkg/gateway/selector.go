package gateway

import (
	"sort"

	"github.com/vespid-ai/vespid/pkg/models"
)

// matchRoute reports whether a live route can serve the request. Org
// binding is strict: a route never serves another tenant.
func matchRoute(route *models.ExecutorRoute, sel *models.ExecutorSelector, kind, orgID string) bool {
	if route.OrgID != orgID {
		return false
	}
	if !route.Serves(kind) {
		return false
	}
	if sel == nil {
		return true
	}
	if sel.ExecutorID != "" && route.ExecutorID != sel.ExecutorID {
		return false
	}
	if sel.Pool != "" && route.Pool != sel.Pool {
		return false
	}
	if sel.Group != "" && route.Group != sel.Group {
		return false
	}
	if sel.Tag != "" && route.Tag != sel.Tag {
		return false
	}
	for k, v := range sel.Labels {
		if route.Labels[k] != v {
			return false
		}
	}
	return true
}

// rankRoutes orders candidates by preference: most specialized kinds list
// first, then fewest in-flight, then least recently used, then executor id
// for a stable order.
func rankRoutes(routes []*models.ExecutorRoute, inFlight map[string]int) {
	sort.SliceStable(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		if len(a.Kinds) != len(b.Kinds) {
			return len(a.Kinds) < len(b.Kinds)
		}
		if inFlight[a.ExecutorID] != inFlight[b.ExecutorID] {
			return inFlight[a.ExecutorID] < inFlight[b.ExecutorID]
		}
		if a.LastUsedAtMs != b.LastUsedAtMs {
			return a.LastUsedAtMs < b.LastUsedAtMs
		}
		return a.ExecutorID < b.ExecutorID
	})
}

// selectCandidates filters and ranks the live routes for a dispatch.
func selectCandidates(routes []*models.ExecutorRoute, sel *models.ExecutorSelector, kind, orgID string, inFlight map[string]int) []*models.ExecutorRoute {
	var matches []*models.ExecutorRoute
	for _, route := range routes {
		if matchRoute(route, sel, kind, orgID) {
			matches = append(matches, route)
		}
	}
	rankRoutes(matches, inFlight)
	return matches
}
