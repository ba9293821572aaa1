package credential

import "time"

// KeyStatus is the health snapshot of one credential. The key itself is
// redacted to a prefix.
type KeyStatus struct {
	Index               int       `json:"index"`
	KeyPrefix           string    `json:"key_prefix"`
	Available           bool      `json:"available"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	LastError           string    `json:"last_error,omitempty"`
	InFlight            int       `json:"in_flight"`
}

// StatusReport is the observability snapshot of the whole pool.
type StatusReport struct {
	TotalKeys     int         `json:"total_keys"`
	AvailableKeys int         `json:"available_keys"`
	PerKeyLimit   int         `json:"per_key_limit"`
	Keys          []KeyStatus `json:"keys"`
}

// StatusReport returns the current pool health. Cooldowns that have elapsed
// are reported as available.
func (p *Pool) StatusReport() StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := StatusReport{
		TotalKeys:   len(p.states),
		PerKeyLimit: p.cfg.PerKeyLimit,
	}
	for _, st := range p.states {
		p.restoreIfCooled(st)
		ks := KeyStatus{
			Index:               st.cred.Index,
			KeyPrefix:           redactKey(st.cred.Key),
			Available:           st.available,
			ConsecutiveFailures: st.consecutiveFailures,
			TotalRequests:       st.totalRequests,
			TotalFailures:       st.totalFailures,
			LastError:           st.lastError,
			InFlight:            st.inflight,
		}
		if !st.available {
			ks.CooldownUntil = st.cooldownUntil
		} else {
			report.AvailableKeys++
		}
		report.Keys = append(report.Keys, ks)
	}
	return report
}

func redactKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..."
}
