package ddosguard

import (
	"testing"
	"time"
)

func TestLedgerSnapshotHonorsTTL(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l := NewAttackLedger(10 * time.Minute)
	l.now = fixedClock(base)

	l.Record(AttackEvent{ClientID: "192.0.2.60", AttackType: "HTTP_FLOOD", Action: "block", Severity: 4})
	l.now = fixedClock(base.Add(5 * time.Minute))
	l.Record(AttackEvent{ClientID: "192.0.2.61", AttackType: "SLOW_LORIS", Action: "captcha", Severity: 3})

	l.now = fixedClock(base.Add(12 * time.Minute))
	events := l.Snapshot()
	if len(events) != 1 {
		t.Fatalf("snapshot = %d events, want 1 inside ttl", len(events))
	}
	if events[0].ClientID != "192.0.2.61" {
		t.Fatalf("surviving event = %+v, want the newer one", events[0])
	}
}

func TestLedgerIgnoresIncompleteEvents(t *testing.T) {
	l := NewAttackLedger(time.Minute)
	l.Record(AttackEvent{ClientID: "", AttackType: "HTTP_FLOOD"})
	l.Record(AttackEvent{ClientID: "192.0.2.62", AttackType: ""})
	if got := len(l.Snapshot()); got != 0 {
		t.Fatalf("snapshot = %d events, want 0", got)
	}
}

func TestLedgerSummary(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l := NewAttackLedger(time.Hour)
	l.now = fixedClock(base)

	l.Record(AttackEvent{ClientID: "192.0.2.63", AttackType: "HTTP_FLOOD", Severity: 5})
	l.Record(AttackEvent{ClientID: "192.0.2.64", AttackType: "HTTP_FLOOD", Severity: 3})
	l.Record(AttackEvent{ClientID: "192.0.2.65", AttackType: "SLOW_LORIS", Severity: 2})

	summary := l.Summary()
	if summary.ActiveClients != 3 {
		t.Fatalf("active clients = %d, want 3", summary.ActiveClients)
	}
	if summary.ActiveAttacks["HTTP_FLOOD"] != 2 || summary.ActiveAttacks["SLOW_LORIS"] != 1 {
		t.Fatalf("attack counts = %+v", summary.ActiveAttacks)
	}
	if summary.MaxSeverity != 5 {
		t.Fatalf("max severity = %d, want 5", summary.MaxSeverity)
	}
}

func TestLedgerCleanupEvicts(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l := NewAttackLedger(time.Minute)
	l.now = fixedClock(base)

	l.Record(AttackEvent{ClientID: "192.0.2.66", AttackType: "UNKNOWN"})
	l.now = fixedClock(base.Add(2 * time.Minute))
	l.Cleanup()

	l.mu.RLock()
	remaining := len(l.entries)
	l.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("entries after cleanup = %d, want 0", remaining)
	}
}
