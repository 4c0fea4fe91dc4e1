package ddosguard

import (
	"sync"
	"time"
)

// AttackLedger keeps the most recent enforcement event per client for the
// operator surface. Entries age out after the configured TTL.
type AttackLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*AttackEvent
	now     func() time.Time
}

type AttackEvent struct {
	ClientID   string    `json:"client_id"`
	AttackType string    `json:"attack_type"`
	Action     string    `json:"action"`
	Severity   int       `json:"severity"`
	Confidence float64   `json:"confidence"`
	Country    string    `json:"country,omitempty"`
	ISP        string    `json:"isp,omitempty"`
	Recorded   time.Time `json:"recorded"`
}

type AttackSummary struct {
	ActiveAttacks map[string]int `json:"active_attacks"`
	ActiveClients int            `json:"active_clients"`
	MaxSeverity   int            `json:"max_severity"`
	LastUpdated   time.Time      `json:"last_updated"`
}

func NewAttackLedger(ttl time.Duration) *AttackLedger {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &AttackLedger{
		ttl:     ttl,
		entries: make(map[string]*AttackEvent),
		now:     time.Now,
	}
}

func (l *AttackLedger) Record(event AttackEvent) {
	if event.ClientID == "" || event.AttackType == "" {
		return
	}
	event.Recorded = l.now()
	l.mu.Lock()
	l.entries[event.ClientID] = &event
	l.mu.Unlock()
}

func (l *AttackLedger) Snapshot() []AttackEvent {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var events []AttackEvent
	for _, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			continue
		}
		events = append(events, *entry)
	}
	return events
}

func (l *AttackLedger) Cleanup() {
	now := l.now()
	l.mu.Lock()
	for id, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()
}

func (l *AttackLedger) Summary() AttackSummary {
	summary := AttackSummary{
		ActiveAttacks: make(map[string]int),
	}
	events := l.Snapshot()
	summary.ActiveClients = len(events)
	for _, ev := range events {
		summary.ActiveAttacks[ev.AttackType]++
		if ev.Severity > summary.MaxSeverity {
			summary.MaxSeverity = ev.Severity
		}
		if ev.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = ev.Recorded
		}
	}
	return summary
}
