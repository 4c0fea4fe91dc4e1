package ddosguard

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oarkflow/log"
)

var errStub = errors.New("classifier offline")

type stubClassifier struct {
	verdict AnomalyVerdict
	err     error
}

func (s *stubClassifier) DetectAnomaly(RequestFeatures) (AnomalyVerdict, error) {
	return s.verdict, s.err
}

func (s *stubClassifier) ClassifyAttackType(RequestFeatures) (AttackClassification, error) {
	return AttackClassification{AttackType: "UNKNOWN"}, nil
}

func (s *stubClassifier) IdentifyAttackClusters([]ClusterRequest) (ClusterReport, error) {
	return ClusterReport{}, nil
}

type engineFixture struct {
	engine     *ResponseEngine
	limiter    *SlidingWindowLimiter
	challenges *ChallengeStore
	store      *ConfigStore
}

func newEngineFixture(t *testing.T, at time.Time, classifier AnomalyClassifier) *engineFixture {
	t.Helper()
	logger := NewLogger(log.ErrorLevel)
	store := NewConfigStore(filepath.Join(t.TempDir(), "config.json"), logger)
	t.Cleanup(func() { store.Close() })

	limiter := NewSlidingWindowLimiter(time.Minute, 5)
	limiter.now = fixedClock(at)
	challenges := NewChallengeStore(func(solution string) bool { return solution == "ok" })
	challenges.now = fixedClock(at)
	engine := NewResponseEngine(store, limiter, challenges, classifier, nil, logger)
	engine.now = fixedClock(at)

	return &engineFixture{engine: engine, limiter: limiter, challenges: challenges, store: store}
}

func (f *engineFixture) advance(at time.Time) {
	f.engine.now = fixedClock(at)
	f.limiter.now = fixedClock(at)
	f.challenges.now = fixedClock(at)
}

func TestDecideAutoBlockAtThreshold(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	decision := f.engine.Decide("192.0.2.20", 4, RequestFeatures{ClientID: "192.0.2.20"})
	if decision.Action != ActionBlock || decision.Allowed {
		t.Fatalf("decision = %+v, want disallowed block", decision)
	}
	if decision.Duration != 900*time.Second {
		t.Fatalf("block duration = %v, want 900s", decision.Duration)
	}
	if !f.engine.IsBlocked("192.0.2.20") {
		t.Fatalf("client should be blocked")
	}
	if !f.limiter.IsBlocked("192.0.2.20") {
		t.Fatalf("limiter should mirror the block")
	}

	// The block is sticky: the next request is rejected up front even at
	// zero suspicion.
	decision = f.engine.Decide("192.0.2.20", 0, RequestFeatures{})
	if decision.Action != ActionBlock || decision.Allowed {
		t.Fatalf("repeat decision = %+v, want block", decision)
	}
}

func TestDecideMaxSuspicionBlocksLonger(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	decision := f.engine.Decide("192.0.2.21", 5, RequestFeatures{})
	if decision.Action != ActionBlock {
		t.Fatalf("action = %q, want block", decision.Action)
	}
	if decision.Duration != 3600*time.Second {
		t.Fatalf("block duration = %v, want 3600s", decision.Duration)
	}
}

func TestDecideCaptchaChallenge(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	decision := f.engine.Decide("192.0.2.22", 3, RequestFeatures{})
	if decision.Action != ActionCaptcha || decision.Allowed {
		t.Fatalf("decision = %+v, want disallowed captcha", decision)
	}
	if decision.ChallengeID == "" {
		t.Fatalf("captcha decision carries no challenge id")
	}

	// While the challenge is pending the same one is returned, not a new
	// issue per request.
	repeat := f.engine.Decide("192.0.2.22", 3, RequestFeatures{})
	if repeat.Action != ActionCaptcha || repeat.ChallengeID != decision.ChallengeID {
		t.Fatalf("repeat = %+v, want same challenge %s", repeat, decision.ChallengeID)
	}
}

func TestDecideCaptchaCooldownFallsToThrottle(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	decision := f.engine.Decide("192.0.2.23", 3, RequestFeatures{})
	result := f.engine.VerifyCaptcha("192.0.2.23", decision.ChallengeID, "ok")
	if !result.Success {
		t.Fatalf("verify = %+v, want success", result)
	}

	// Inside the cooldown a recent solver is throttled instead of being
	// re-challenged.
	f.advance(base.Add(time.Minute))
	decision = f.engine.Decide("192.0.2.23", 3, RequestFeatures{})
	if decision.Action != ActionThrottle || !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed throttle", decision)
	}
	if decision.Rate != 0.5 {
		t.Fatalf("throttle rate = %v, want 0.5", decision.Rate)
	}

	// Past the cooldown the challenge comes back.
	f.advance(base.Add(31 * time.Minute))
	decision = f.engine.Decide("192.0.2.23", 3, RequestFeatures{})
	if decision.Action != ActionCaptcha {
		t.Fatalf("decision after cooldown = %+v, want captcha", decision)
	}
}

func TestDecideThrottleTiers(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	cases := []struct {
		suspicion int
		rate      float64
		duration  time.Duration
	}{
		{1, 0.9, 30 * time.Second},
		{2, 0.7, 60 * time.Second},
	}
	for _, tc := range cases {
		decision := f.engine.Decide("192.0.2.24", tc.suspicion, RequestFeatures{})
		if decision.Action != ActionThrottle || !decision.Allowed {
			t.Fatalf("suspicion %d: decision = %+v, want allowed throttle", tc.suspicion, decision)
		}
		if decision.Rate != tc.rate || decision.Duration != tc.duration {
			t.Fatalf("suspicion %d: rate=%v duration=%v, want %v/%v",
				tc.suspicion, decision.Rate, decision.Duration, tc.rate, tc.duration)
		}
	}
	if got := f.engine.ThrottleRate("192.0.2.24"); got != 0.7 {
		t.Fatalf("throttle rate = %v, want latest tier 0.7", got)
	}
}

func TestDecideAllowAtZeroSuspicion(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	decision := f.engine.Decide("192.0.2.25", 0, RequestFeatures{})
	if decision.Action != ActionAllow || !decision.Allowed {
		t.Fatalf("decision = %+v, want allow", decision)
	}
	if f.engine.AuditSize() != 0 {
		t.Fatalf("allow decisions must not be audited, got %d entries", f.engine.AuditSize())
	}
}

func TestVerifyCaptchaEscalatesToBlock(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	decision := f.engine.Decide("192.0.2.26", 3, RequestFeatures{})
	for i := 1; i <= 2; i++ {
		result := f.engine.VerifyCaptcha("192.0.2.26", decision.ChallengeID, "nope")
		if result.Blocked {
			t.Fatalf("attempt %d should not block yet", i)
		}
	}
	result := f.engine.VerifyCaptcha("192.0.2.26", decision.ChallengeID, "nope")
	if !result.Blocked {
		t.Fatalf("third failed attempt should block, got %+v", result)
	}
	if result.BlockDuration != 1800*time.Second {
		t.Fatalf("block duration = %v, want 1800s", result.BlockDuration)
	}
	if !f.engine.IsBlocked("192.0.2.26") {
		t.Fatalf("client should be blocked after escalation")
	}
	// The challenge is gone along with the block.
	if _, ok := f.challenges.Pending("192.0.2.26"); ok {
		t.Fatalf("challenge should be cleared on escalation")
	}
}

func TestCleanupExpiredReleasesState(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	f.engine.Decide("192.0.2.27", 4, RequestFeatures{})
	f.engine.Decide("192.0.2.28", 1, RequestFeatures{})

	f.advance(base.Add(time.Hour))
	f.engine.CleanupExpired()

	if f.engine.IsBlocked("192.0.2.27") {
		t.Fatalf("block should have expired")
	}
	if got := f.engine.ThrottleRate("192.0.2.28"); got != 1.0 {
		t.Fatalf("throttle rate = %v, want released 1.0", got)
	}

	// Running cleanup again with no time elapsed changes nothing.
	f.engine.CleanupExpired()
	if f.engine.IsBlocked("192.0.2.27") {
		t.Fatalf("cleanup must be idempotent")
	}
}

func TestUnblockSurvivesCleanup(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	f.engine.Block("192.0.2.29", time.Hour, "manual_block", 4)
	f.engine.Unblock("192.0.2.29")
	if f.engine.IsBlocked("192.0.2.29") {
		t.Fatalf("unblock did not lift the block")
	}

	// Cleanup rebuilds the blocked set from audit actions; the shortened
	// action must not reinstate the block.
	f.engine.CleanupExpired()
	if f.engine.IsBlocked("192.0.2.29") {
		t.Fatalf("cleanup reinstated an unblocked client")
	}
}

func TestDecideMonitorOnAnomaly(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	classifier := &stubClassifier{verdict: AnomalyVerdict{IsAnomaly: true, AnomalyProbability: 0.8}}
	f := newEngineFixture(t, base, classifier)

	// Disable throttling so level-2 suspicion reaches the classifier step.
	if _, err := f.store.Update(map[string]any{"throttling": map[string]any{"enabled": false}}); err != nil {
		t.Fatalf("config update failed: %v", err)
	}

	decision := f.engine.Decide("192.0.2.30", 2, RequestFeatures{ClientID: "192.0.2.30"})
	if decision.Action != ActionMonitor || !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed monitor", decision)
	}
	if p, _ := decision.Details["anomaly_probability"].(float64); p != 0.8 {
		t.Fatalf("anomaly probability = %v, want 0.8", p)
	}
	if f.engine.AuditSize() != 1 {
		t.Fatalf("monitor action should be audited, got %d entries", f.engine.AuditSize())
	}
}

func TestDecideClassifierFailsOpen(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	classifier := &stubClassifier{err: errStub}
	f := newEngineFixture(t, base, classifier)

	if _, err := f.store.Update(map[string]any{"throttling": map[string]any{"enabled": false}}); err != nil {
		t.Fatalf("config update failed: %v", err)
	}

	decision := f.engine.Decide("192.0.2.31", 2, RequestFeatures{})
	if decision.Action != ActionAllow || !decision.Allowed {
		t.Fatalf("classifier failure must fail open, got %+v", decision)
	}
}

func TestStatusReportsCurrentStanding(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)

	decision := f.engine.Decide("192.0.2.32", 3, RequestFeatures{})
	status := f.engine.Status("192.0.2.32")
	if !status.CaptchaRequired || status.CaptchaID != decision.ChallengeID {
		t.Fatalf("status = %+v, want pending captcha %s", status, decision.ChallengeID)
	}
	if status.Blocked || status.Throttled {
		t.Fatalf("status = %+v, want neither blocked nor throttled", status)
	}
	if len(status.RecentActions) != 1 {
		t.Fatalf("recent actions = %d, want 1", len(status.RecentActions))
	}
}

func TestAuditLogTrimsToActiveEntriesAtCap(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, base, nil)
	f.engine.auditCap = 4

	// Four tier-1 throttles, each a 30s action.
	stale := []string{"192.0.2.40", "192.0.2.41", "192.0.2.42", "192.0.2.43"}
	for _, id := range stale {
		if d := f.engine.Decide(id, 1, RequestFeatures{ClientID: id}); d.Action != ActionThrottle {
			t.Fatalf("client %s: action = %q, want throttle", id, d.Action)
		}
	}
	if f.engine.AuditSize() != 4 {
		t.Fatalf("audit size = %d, want 4", f.engine.AuditSize())
	}

	// A minute later the first four actions have expired. The fifth entry
	// pushes the log past the cap and the trim drops them.
	f.advance(base.Add(time.Minute))
	f.engine.Decide("192.0.2.44", 1, RequestFeatures{ClientID: "192.0.2.44"})
	f.engine.Decide("192.0.2.45", 1, RequestFeatures{ClientID: "192.0.2.45"})

	if f.engine.AuditSize() != 2 {
		t.Fatalf("audit size after trim = %d, want 2", f.engine.AuditSize())
	}
	for _, a := range f.engine.RecentEnforcement(time.Hour) {
		for _, id := range stale {
			if a.ClientID == id {
				t.Fatalf("expired action for %s survived the trim", id)
			}
		}
	}
}
