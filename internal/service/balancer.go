package service

import (
	"sort"
	"sync"

	"github.com/propintel/backend/internal/models"
)

// Selection is the balancer's pick for one alert.
type Selection struct {
	AgentID string
	Reason  string
	// Overflow marks a pick that exceeds the agent's capacity ceiling
	// because nobody in the pool had room.
	Overflow bool
}

// Balancer picks the least-loaded eligible agent from a candidate pool.
// It remembers its previous pick so two back-to-back alerts never land
// on the same agent while an alternative exists.
type Balancer struct {
	mu           sync.Mutex
	lastSelected string
}

func NewBalancer() *Balancer {
	return &Balancer{}
}

// Select returns the pick and true, or false when the pool is empty.
// active maps agent id to its current active alert count; agents absent
// from the map count as zero.
func (b *Balancer) Select(pool []models.AgentProfile, active map[string]int) (Selection, bool) {
	if len(pool) == 0 {
		return Selection{}, false
	}

	eligible := make([]models.AgentProfile, 0, len(pool))
	for _, a := range pool {
		if !a.Available || !a.AutoAssign {
			continue
		}
		if active[a.ID] >= a.MaxConcurrentAlerts {
			continue
		}
		eligible = append(eligible, a)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(eligible) == 0 {
		// everyone is full: least-loaded available agent takes the
		// overflow so the alert is not silently dropped
		overflow := make([]models.AgentProfile, 0, len(pool))
		for _, a := range pool {
			if a.Available {
				overflow = append(overflow, a)
			}
		}
		if len(overflow) == 0 {
			return Selection{}, false
		}
		byLoad(overflow, active)
		pick := overflow[0]
		b.lastSelected = pick.ID
		return Selection{AgentID: pick.ID, Reason: "all agents at capacity", Overflow: true}, true
	}

	byLoad(eligible, active)
	pick := eligible[0]
	if pick.ID == b.lastSelected && len(eligible) > 1 {
		pick = eligible[1]
	}
	b.lastSelected = pick.ID
	return Selection{AgentID: pick.ID, Reason: "least active alerts"}, true
}

// byLoad orders agents by active count, then id. The id tie-break keeps
// selection deterministic across runs.
func byLoad(agents []models.AgentProfile, active map[string]int) {
	sort.Slice(agents, func(i, j int) bool {
		ai, aj := active[agents[i].ID], active[agents[j].ID]
		if ai != aj {
			return ai < aj
		}
		return agents[i].ID < agents[j].ID
	})
}
