package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/routisai/routis-oss/pkg/domain"
)

// BackendState represents the circuit state of a single backend.
type BackendState string

const (
	// StateClosed indicates the backend is healthy and accepting traffic.
	StateClosed BackendState = "closed"
	// StateOpen indicates the backend is unhealthy and rejecting traffic.
	StateOpen BackendState = "open"
	// StateHalfOpen indicates the backend is probing for recovery.
	StateHalfOpen BackendState = "half-open"
)

// Admission is the outcome of asking whether a backend may receive traffic.
type Admission int

const (
	// AdmitGranted admits traffic on a closed circuit.
	AdmitGranted Admission = iota
	// AdmitGrantedProbe admits a single probe on a half-open circuit. The
	// probe slot is claimed as a side effect; the caller must report an
	// outcome or cancel the probe.
	AdmitGrantedProbe
	// AdmitDeniedOpen rejects traffic while the circuit is open.
	AdmitDeniedOpen
	// AdmitDeniedProbeBusy rejects traffic while another request holds the
	// half-open probe slot.
	AdmitDeniedProbeBusy
)

// Granted reports whether the admission allows traffic through.
func (a Admission) Granted() bool {
	return a == AdmitGranted || a == AdmitGrantedProbe
}

// HealthConfig defines the circuit thresholds shared by all backends.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed circuit.
	FailureThreshold int
	// CoolDown is how long a circuit stays open before probing is allowed.
	CoolDown time.Duration
	// ProbeSuccessThreshold is the number of consecutive probe successes that
	// closes a half-open circuit. Typically 1.
	ProbeSuccessThreshold int
}

// DefaultHealthConfig returns sensible defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold:      5,
		CoolDown:              30 * time.Second,
		ProbeSuccessThreshold: 1,
	}
}

// HealthRegistry tracks a circuit state machine per backend identifier.
// Entries are created lazily on first reference, implicitly closed, and
// removed only by explicit deregistration.
type HealthRegistry struct {
	mu       sync.RWMutex
	config   HealthConfig
	backends map[string]*backendHealth

	// now is replaceable in tests.
	now func() time.Time
}

type backendHealth struct {
	mu                  sync.Mutex
	state               BackendState
	consecutiveFailures int
	probeSuccesses      int
	openedAt            time.Time
	probeInFlight       bool
}

// NewHealthRegistry creates a registry with the provided thresholds.
func NewHealthRegistry(config HealthConfig) *HealthRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultHealthConfig().FailureThreshold
	}
	if config.CoolDown <= 0 {
		config.CoolDown = DefaultHealthConfig().CoolDown
	}
	if config.ProbeSuccessThreshold <= 0 {
		config.ProbeSuccessThreshold = 1
	}
	return &HealthRegistry{
		config:   config,
		backends: make(map[string]*backendHealth),
		now:      time.Now,
	}
}

// get retrieves the state for a backend, creating it closed if needed.
func (h *HealthRegistry) get(backend string) *backendHealth {
	h.mu.RLock()
	bh, exists := h.backends[backend]
	h.mu.RUnlock()
	if exists {
		return bh
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if bh, exists := h.backends[backend]; exists {
		return bh
	}
	bh = &backendHealth{state: StateClosed}
	h.backends[backend] = bh
	return bh
}

// Admit reports whether traffic may be sent to the backend right now.
// On a half-open circuit the first caller claims the single probe slot as a
// side effect; concurrent callers are denied with AdmitDeniedProbeBusy.
func (h *HealthRegistry) Admit(backend string) Admission {
	bh := h.get(backend)
	now := h.now()

	bh.mu.Lock()
	defer bh.mu.Unlock()

	switch bh.state {
	case StateClosed:
		return AdmitGranted
	case StateOpen:
		if now.Sub(bh.openedAt) >= h.config.CoolDown {
			bh.state = StateHalfOpen
			bh.probeSuccesses = 0
			bh.probeInFlight = true
			return AdmitGrantedProbe
		}
		return AdmitDeniedOpen
	case StateHalfOpen:
		if !bh.probeInFlight {
			bh.probeInFlight = true
			return AdmitGrantedProbe
		}
		return AdmitDeniedProbeBusy
	default:
		// Unreachable: the state set is closed to the three values above.
		return AdmitDeniedOpen
	}
}

// CancelProbe returns an unclaimed probe slot when an admitted probe was never
// dispatched, for example because budget admission failed afterwards.
func (h *HealthRegistry) CancelProbe(backend string) {
	bh := h.get(backend)
	bh.mu.Lock()
	defer bh.mu.Unlock()
	if bh.state == StateHalfOpen {
		bh.probeInFlight = false
	}
}

// ReportOutcome drives the state machine with a dispatch result. Every
// (state, outcome) pair is handled; there is no invalid-state error.
func (h *HealthRegistry) ReportOutcome(backend string, success bool) {
	bh := h.get(backend)
	now := h.now()

	bh.mu.Lock()
	defer bh.mu.Unlock()

	switch bh.state {
	case StateClosed:
		if success {
			bh.consecutiveFailures = 0
			return
		}
		bh.consecutiveFailures++
		if bh.consecutiveFailures >= h.config.FailureThreshold {
			bh.state = StateOpen
			bh.openedAt = now
			bh.probeInFlight = false
		}
	case StateHalfOpen:
		bh.probeInFlight = false
		if success {
			bh.probeSuccesses++
			if bh.probeSuccesses >= h.config.ProbeSuccessThreshold {
				bh.state = StateClosed
				bh.consecutiveFailures = 0
				bh.probeSuccesses = 0
			}
			return
		}
		bh.state = StateOpen
		bh.openedAt = now
		bh.probeSuccesses = 0
	case StateOpen:
		// A stale outcome for a request admitted before the circuit opened.
		// The open timer is authoritative; nothing to update.
	}
}

// State returns the currently stored circuit state for a backend. Unknown
// backends are implicitly closed.
func (h *HealthRegistry) State(backend string) BackendState {
	h.mu.RLock()
	bh, exists := h.backends[backend]
	h.mu.RUnlock()
	if !exists {
		return StateClosed
	}
	bh.mu.Lock()
	defer bh.mu.Unlock()
	return bh.state
}

// Deregister removes a backend's circuit state entirely. The next reference
// recreates it closed.
func (h *HealthRegistry) Deregister(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.backends, backend)
}

// HealthStats exposes circuit status information for one backend.
type HealthStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	ProbeInFlight       bool   `json:"probeInFlight"`
	OpenedAt            string `json:"openedAt,omitempty"`
}

// StatsFor returns circuit status for one backend. Unlike Admit and
// ReportOutcome, an identifier never seen before is reported as unknown
// rather than implicitly created closed.
func (h *HealthRegistry) StatsFor(backend string) (HealthStats, error) {
	h.mu.RLock()
	bh, exists := h.backends[backend]
	h.mu.RUnlock()
	if !exists {
		return HealthStats{}, fmt.Errorf("%w: %q", domain.ErrUnknownBackend, backend)
	}

	bh.mu.Lock()
	defer bh.mu.Unlock()
	s := HealthStats{
		State:               string(bh.state),
		ConsecutiveFailures: bh.consecutiveFailures,
		ProbeInFlight:       bh.probeInFlight,
	}
	if !bh.openedAt.IsZero() {
		s.OpenedAt = bh.openedAt.Format(time.RFC3339)
	}
	return s, nil
}

// Stats returns status information for all tracked backends.
func (h *HealthRegistry) Stats() map[string]HealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make(map[string]HealthStats, len(h.backends))
	for backend, bh := range h.backends {
		bh.mu.Lock()
		s := HealthStats{
			State:               string(bh.state),
			ConsecutiveFailures: bh.consecutiveFailures,
			ProbeInFlight:       bh.probeInFlight,
		}
		if !bh.openedAt.IsZero() {
			s.OpenedAt = bh.openedAt.Format(time.RFC3339)
		}
		bh.mu.Unlock()
		stats[backend] = s
	}
	return stats
}
