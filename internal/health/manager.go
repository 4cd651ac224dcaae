// Package health aggregates per-provider adapter outcomes into live health
// snapshots and the gateway-level availability verdict.
package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the live state of one provider.
type Status string

const (
	StatusAvailable Status = "available"
	StatusDegraded  Status = "degraded"
	StatusDown      Status = "down"
)

// GatewayStatus is the gateway-level availability verdict.
type GatewayStatus string

const (
	GatewayHealthy     GatewayStatus = "healthy"
	GatewayDegraded    GatewayStatus = "degraded"
	GatewayUnavailable GatewayStatus = "unavailable"
)

// Snapshot is a read-only view of one provider's health.
type Snapshot struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
}

// Availability is the derived gateway verdict returned to callers and
// checked before every pipeline start.
type Availability struct {
	Status             GatewayStatus `json:"status"`
	Message            string        `json:"message"`
	ProvidersPresent   []string      `json:"providers_present"`
	ProvidersDown      []string      `json:"providers_down,omitempty"`
	ReachableModels    int           `json:"reachable_models"`
	ReachableProviders int           `json:"reachable_providers"`
}

// Policy holds the availability tunables.
type Policy struct {
	MinModels     int
	MinProviders  int
	AllowDegraded bool
	// DownThreshold is how many consecutive failures mark a provider down.
	DownThreshold int
}

// DefaultPolicy returns the default availability policy.
func DefaultPolicy() Policy {
	return Policy{MinModels: 2, MinProviders: 2, AllowDegraded: true, DownThreshold: 3}
}

// providerState carries its own lock so providers are evaluated fully in
// parallel; no lock spans more than one provider.
type providerState struct {
	mu                  sync.Mutex
	modelCount          int
	consecutiveFailures int
	lastSuccessAt       time.Time
}

// Manager is the process-wide health registry. The provider set is fixed at
// construction time, so the map itself is never mutated concurrently.
type Manager struct {
	providers map[string]*providerState
	policy    Policy
}

// NewManager creates a manager for a fixed provider roster. modelCounts
// maps each provider to the number of models it serves.
func NewManager(modelCounts map[string]int, policy Policy) *Manager {
	if policy.DownThreshold <= 0 {
		policy.DownThreshold = DefaultPolicy().DownThreshold
	}
	providers := make(map[string]*providerState, len(modelCounts))
	for name, count := range modelCounts {
		providers[name] = &providerState{modelCount: count}
	}
	return &Manager{providers: providers, policy: policy}
}

// RecordOutcome folds one adapter call result into the provider's state.
func (m *Manager) RecordOutcome(provider string, success bool) {
	st, ok := m.providers[provider]
	if !ok {
		return
	}
	st.mu.Lock()
	if success {
		st.consecutiveFailures = 0
		st.lastSuccessAt = time.Now()
	} else {
		st.consecutiveFailures++
	}
	st.mu.Unlock()
}

// Snapshot returns the current health of every provider.
func (m *Manager) Snapshot() map[string]Snapshot {
	out := make(map[string]Snapshot, len(m.providers))
	for name, st := range m.providers {
		st.mu.Lock()
		out[name] = Snapshot{
			Status:              m.statusLocked(st),
			ConsecutiveFailures: st.consecutiveFailures,
			LastSuccessAt:       st.lastSuccessAt,
		}
		st.mu.Unlock()
	}
	return out
}

func (m *Manager) statusLocked(st *providerState) Status {
	switch {
	case st.consecutiveFailures >= m.policy.DownThreshold:
		return StatusDown
	case st.consecutiveFailures > 0:
		return StatusDegraded
	default:
		return StatusAvailable
	}
}

// Availability computes the gateway verdict against the minimum-model
// policy. healthy requires both enough reachable models and enough distinct
// providers; degraded requires at least one reachable model and the
// allow-degraded flag; anything else is unavailable. The computation is
// read-only, so repeated calls with no adapter activity in between return
// identical results.
func (m *Manager) Availability() Availability {
	var (
		reachableModels    int
		reachableProviders int
		present            []string
		down               []string
	)

	for name, st := range m.providers {
		st.mu.Lock()
		status := m.statusLocked(st)
		models := st.modelCount
		st.mu.Unlock()

		if status == StatusDown {
			down = append(down, name)
			continue
		}
		present = append(present, name)
		reachableProviders++
		reachableModels += models
	}
	sort.Strings(present)
	sort.Strings(down)

	av := Availability{
		ProvidersPresent:   present,
		ProvidersDown:      down,
		ReachableModels:    reachableModels,
		ReachableProviders: reachableProviders,
	}

	switch {
	case reachableModels >= m.policy.MinModels && reachableProviders >= m.policy.MinProviders:
		av.Status = GatewayHealthy
		av.Message = fmt.Sprintf("%d models across %d providers reachable", reachableModels, reachableProviders)
	case reachableModels >= 1 && m.policy.AllowDegraded:
		av.Status = GatewayDegraded
		av.Message = fmt.Sprintf("degraded: %d models reachable (need %d across %d providers)",
			reachableModels, m.policy.MinModels, m.policy.MinProviders)
	default:
		av.Status = GatewayUnavailable
		if len(down) > 0 {
			av.Message = fmt.Sprintf("service unavailable: providers down: %s", strings.Join(down, ", "))
		} else {
			av.Message = fmt.Sprintf("service unavailable: %d models reachable, need %d across %d providers",
				reachableModels, m.policy.MinModels, m.policy.MinProviders)
		}
	}
	return av
}
